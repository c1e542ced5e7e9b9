package link

import (
	"sync"

	"github.com/iykyk-syn/depchain"
)

// deliveredSet remembers messages delivered from every sender.
//
// Senders report the sequence below which all their messages are acknowledged. Such messages
// were delivered already, so the set keeps only a floor for them instead of their MessageIDs.
type deliveredSet struct {
	lk      sync.Mutex
	senders map[depchain.ProcessID]*senderLog
}

type senderLog struct {
	floor uint64
	ids   map[MessageID]struct{}
}

func newDeliveredSet() *deliveredSet {
	return &deliveredSet{senders: make(map[depchain.ProcessID]*senderLog)}
}

// mark records the message as delivered reporting whether it was seen for the first time.
func (s *deliveredSet) mark(id MessageID) bool {
	s.lk.Lock()
	defer s.lk.Unlock()

	log := s.sender(id.Sender)
	if id.Sequence < log.floor {
		return false
	}
	if _, ok := log.ids[id]; ok {
		return false
	}
	log.ids[id] = struct{}{}
	return true
}

// advance raises the floor of the sender forgetting messages below it.
func (s *deliveredSet) advance(sender depchain.ProcessID, floor uint64) {
	s.lk.Lock()
	defer s.lk.Unlock()

	log := s.sender(sender)
	if floor <= log.floor {
		return
	}
	log.floor = floor
	for id := range log.ids {
		if id.Sequence < floor {
			delete(log.ids, id)
		}
	}
}

// len returns number of remembered MessageIDs.
func (s *deliveredSet) len() int {
	s.lk.Lock()
	defer s.lk.Unlock()

	var n int
	for _, log := range s.senders {
		n += len(log.ids)
	}
	return n
}

func (s *deliveredSet) sender(id depchain.ProcessID) *senderLog {
	log, ok := s.senders[id]
	if !ok {
		log = &senderLog{ids: make(map[MessageID]struct{})}
		s.senders[id] = log
	}
	return log
}
