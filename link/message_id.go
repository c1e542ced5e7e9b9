package link

import (
	"fmt"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/wire"
)

// MessageID identifies a DATA message for de-duplication.
// Several phases share one sequence space, so the Phase is part of identity.
type MessageID struct {
	Phase       wire.MessageType
	Sequence    uint64
	Sender      depchain.ProcessID
	Destination depchain.ProcessID
}

func (id MessageID) String() string {
	return fmt.Sprintf("%s/%d/%s->%s", id.Phase, id.Sequence, id.Sender, id.Destination)
}

// ackID is the part of MessageID acknowledgments refer to.
type ackID struct {
	Sequence    uint64
	Sender      depchain.ProcessID
	Destination depchain.ProcessID
}

func (id MessageID) ackID() ackID {
	return ackID{Sequence: id.Sequence, Sender: id.Sender, Destination: id.Destination}
}
