package consensus

import (
	"fmt"
	"maps"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/wire"
)

// Phase of a process within the running instance.
type Phase int

const (
	Idle Phase = iota
	// ReadSent is the leader waiting for the first State.
	ReadSent
	// AwaitingRead is a follower waiting for the leader to start an instance.
	AwaitingRead
	// StateSent is a follower that reported its State, waiting for Collect.
	StateSent
	// Collecting is the leader gathering a quorum of States.
	Collecting
	// WriteSent is the leader that broadcast its Write.
	WriteSent
	// AwaitingWrite is a follower waiting for a consistent quorum of Writes.
	AwaitingWrite
	// AckSent is a follower that accepted the written value.
	AckSent
	// AwaitingAck is the leader waiting for a quorum of Acks.
	AwaitingAck
	Decided
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case ReadSent:
		return "READ_SENT"
	case AwaitingRead:
		return "AWAITING_READ"
	case StateSent:
		return "STATE_SENT"
	case Collecting:
		return "COLLECTING"
	case WriteSent:
		return "WRITE_SENT"
	case AwaitingWrite:
		return "AWAITING_WRITE"
	case AckSent:
		return "ACK_SENT"
	case AwaitingAck:
		return "AWAITING_ACK"
	case Decided:
		return "DECIDED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Status is a snapshot of the process state.
type Status struct {
	Instance  uint32
	Phase     Phase
	Timestamp int64
	Value     depchain.Value
	Proposed  depchain.Value
	// WriteSet is a copy of values the process has seen written, by timestamp.
	WriteSet map[int64]string
	// Buffered is the number of messages kept for instances not started yet.
	Buffered int
}

// replica is the durable state of a process, evolving across instances.
type replica struct {
	proposed depchain.Value
	ts       int64
	value    depchain.Value
	proofs   [][]byte
	writeSet map[int64]string
}

// addProof appends the proof keeping only the most recent ones.
func (r *replica) addProof(proof []byte) {
	r.proofs = append(r.proofs, proof)
	if len(r.proofs) > maxProofs {
		r.proofs = r.proofs[len(r.proofs)-maxProofs:]
	}
}

// addWrite records the written value keeping only the most recent timestamps.
func (r *replica) addWrite(ts int64, v depchain.Value) {
	if !v.Present {
		return
	}
	r.writeSet[ts] = v.Data
	for len(r.writeSet) > maxWriteSet {
		oldest := ts
		for t := range r.writeSet {
			oldest = min(oldest, t)
		}
		delete(r.writeSet, oldest)
	}
}

// state reports the replica as a State of the given instance.
func (r *replica) state(instance uint32, value depchain.Value) *wire.State {
	proofs := make([][]byte, len(r.proofs))
	copy(proofs, r.proofs)
	return &wire.State{
		Instance:  instance,
		Timestamp: r.ts,
		Value:     value,
		Proofs:    proofs,
		WriteSet:  maps.Clone(r.writeSet),
	}
}

// round is the state of a single instance, reset when a new one begins.
type round struct {
	instance uint32
	phase    Phase

	// States collected by the leader
	collected map[depchain.ProcessID]*wire.State
	// collect reports whether Collect was formed by the leader or processed by a follower
	collect bool
	// write is the value this process selected to write
	write *wire.Write
	// writes received from every process
	writes  map[depchain.ProcessID]*wire.Write
	ackSent bool
	// acknowledged by those processes, counted by the leader
	acked   map[depchain.ProcessID]struct{}
	decided bool
}

func newRound(instance uint32, phase Phase) *round {
	return &round{
		instance:  instance,
		phase:     phase,
		collected: make(map[depchain.ProcessID]*wire.State),
		writes:    make(map[depchain.ProcessID]*wire.Write),
		acked:     make(map[depchain.ProcessID]struct{}),
	}
}

// consistentWrites returns the Write every received Write agrees on.
func (r *round) consistentWrites() (*wire.Write, bool) {
	var agreed *wire.Write
	for _, w := range r.writes {
		if agreed == nil {
			agreed = w
			continue
		}
		if w.Timestamp != agreed.Timestamp || w.Value != agreed.Value {
			return nil, false
		}
	}
	return agreed, agreed != nil
}
