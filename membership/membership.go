// Package membership provides the static set of processes taking part in the protocol.
package membership

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/crypto"
)

var (
	// ErrUnknownProcess is returned for process IDs outside of the membership.
	ErrUnknownProcess = errors.New("unknown process")
	// ErrInvalidSignature is returned when a signature does not match the process key.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrInvalidMembership is returned for malformed process sets.
	ErrInvalidMembership = errors.New("invalid membership")
)

// Process describes a single member.
type Process struct {
	ID        depchain.ProcessID
	Host      string
	Port      int
	PublicKey crypto.PubKey
	Leader    bool
}

// Addr returns UDP address of the Process in host:port form.
func (p Process) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Membership is an immutable table of processes with a single leader.
// It is safe for concurrent use.
type Membership struct {
	processes map[depchain.ProcessID]Process
	ids       []depchain.ProcessID
	leader    depchain.ProcessID
}

// New validates the given processes and builds Membership out of them.
// If no process is flagged as the leader, the one with the lowest ID becomes it.
func New(processes []Process) (*Membership, error) {
	if len(processes) == 0 {
		return nil, fmt.Errorf("%w: no processes", ErrInvalidMembership)
	}

	m := &Membership{
		processes: make(map[depchain.ProcessID]Process, len(processes)),
		ids:       make([]depchain.ProcessID, 0, len(processes)),
	}
	leaders := 0
	for _, p := range processes {
		if _, ok := m.processes[p.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate process %s", ErrInvalidMembership, p.ID)
		}
		if p.PublicKey == nil {
			return nil, fmt.Errorf("%w: process %s has no public key", ErrInvalidMembership, p.ID)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return nil, fmt.Errorf("%w: process %s has invalid port %d", ErrInvalidMembership, p.ID, p.Port)
		}
		if p.Leader {
			leaders++
			m.leader = p.ID
		}
		m.processes[p.ID] = p
		m.ids = append(m.ids, p.ID)
	}
	slices.Sort(m.ids)

	switch leaders {
	case 0:
		m.leader = m.ids[0]
		p := m.processes[m.leader]
		p.Leader = true
		m.processes[m.leader] = p
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d leaders", ErrInvalidMembership, leaders)
	}
	return m, nil
}

// Get returns the Process by its ID.
func (m *Membership) Get(id depchain.ProcessID) (Process, bool) {
	p, ok := m.processes[id]
	return p, ok
}

// Contains reports whether the process is a member.
func (m *Membership) Contains(id depchain.ProcessID) bool {
	_, ok := m.processes[id]
	return ok
}

// IDs returns IDs of all processes in ascending order.
func (m *Membership) IDs() []depchain.ProcessID {
	return slices.Clone(m.ids)
}

// Processes returns all processes ordered by ID.
func (m *Membership) Processes() []Process {
	out := make([]Process, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, m.processes[id])
	}
	return out
}

// Len returns the number of processes, N.
func (m *Membership) Len() int {
	return len(m.ids)
}

// Leader returns ID of the leader.
func (m *Membership) Leader() depchain.ProcessID {
	return m.leader
}

// IsLeader reports whether the process is the leader.
func (m *Membership) IsLeader(id depchain.ProcessID) bool {
	return id == m.leader
}

// F returns the number of tolerated faulty processes, (N-1)/3.
func (m *Membership) F() int {
	return (len(m.ids) - 1) / 3
}

// Quorum returns the number of processes forming a quorum, N-F.
func (m *Membership) Quorum() int {
	return len(m.ids) - m.F()
}

// Verify checks the signature over msg against the public key of the given process.
func (m *Membership) Verify(id depchain.ProcessID, msg, sig []byte) error {
	p, ok := m.processes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	if !p.PublicKey.VerifySignature(msg, sig) {
		return fmt.Errorf("%w: from %s", ErrInvalidSignature, id)
	}
	return nil
}
