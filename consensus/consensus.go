// Package consensus implements Byzantine read/write epoch consensus with a static leader.
//
// Every instance agrees on a single value through five phases: the leader sends READ,
// processes reply with their STATE, the leader distributes the COLLECTed States, every process
// WRITEs the value selected out of them and ACKs once a quorum of consistent Writes arrives, and
// the leader DECIDEs after a quorum of Acks.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/crypto"
	"github.com/iykyk-syn/depchain/membership"
	"github.com/iykyk-syn/depchain/wire"
)

const (
	opChannelSize = 32
	// futureWindow is how many instances ahead messages are buffered for
	futureWindow = 8
)

var (
	ErrStopped    = errors.New("consensus is stopped")
	ErrNotStarted = errors.New("consensus is not started")
	ErrStarted    = errors.New("consensus is already started")
	// ErrAbsentValue is returned when an absent value is proposed.
	ErrAbsentValue = errors.New("proposed value is absent")
)

// Consensus runs consensus instances of a single process.
//
// All the protocol state is owned by a single routine that serially handles messages
// delivered by the link and operations submitted through the public methods.
type Consensus struct {
	self    depchain.ProcessID
	members *membership.Membership
	signer  crypto.Signer
	link    depchain.Link
	ledger  depchain.Ledger

	opCh chan *op
	// set when Start is called
	startCh chan struct{}
	// signalling for graceful shutdown
	closeCh, closedCh chan struct{}

	// fields below are owned by the processing routine
	replica replica
	round   *round
	// self-addressed messages awaiting processing
	local []message
	// verified messages of future instances by instance
	future map[uint32][]message
	// proposals awaiting their instance, leader only
	proposals []*proposal
	// proposal of the running instance, leader only
	proposal *proposal

	log *slog.Logger
}

// message is a verified consensus message of the given process.
type message struct {
	from    depchain.ProcessID
	payload wire.Payload
}

// Option configures Consensus.
type Option func(*Consensus)

func WithLogger(log *slog.Logger) Option {
	return func(c *Consensus) {
		c.log = log
	}
}

// New instantiates a new [Consensus] of the given process, exchanging messages over the
// link and appending decisions to the ledger.
func New(
	self depchain.ProcessID,
	members *membership.Membership,
	signer crypto.Signer,
	link depchain.Link,
	ledger depchain.Ledger,
	opts ...Option,
) (*Consensus, error) {
	if !members.Contains(self) {
		return nil, fmt.Errorf("process %s: %w", self, membership.ErrUnknownProcess)
	}
	if signer.ID() != self {
		return nil, fmt.Errorf("signer of process %s used for process %s", signer.ID(), self)
	}

	c := &Consensus{
		self:     self,
		members:  members,
		signer:   signer,
		link:     link,
		ledger:   ledger,
		opCh:     make(chan *op, opChannelSize),
		startCh:  make(chan struct{}),
		closeCh:  make(chan struct{}),
		closedCh: make(chan struct{}),
		replica:  replica{writeSet: make(map[int64]string)},
		round:    newRound(0, Idle),
		future:   make(map[uint32][]message),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.With("module", "consensus", "self", self)
	}
	return c, nil
}

// Init seeds the replica state with the initial value and the values written before.
// It must be called before Start.
func (c *Consensus) Init(initial depchain.Value, writeSet map[int64]string) error {
	select {
	case <-c.startCh:
		return ErrStarted
	default:
	}

	c.replica.proposed = initial
	c.replica.value = initial
	for ts, v := range writeSet {
		c.replica.addWrite(ts, depchain.Some(v))
	}
	return nil
}

// Start starts processing messages. The leader initialized with a value starts the first
// instance right away.
func (c *Consensus) Start() error {
	select {
	case <-c.closeCh:
		return ErrStopped
	case <-c.startCh:
		return ErrStarted
	default:
	}
	close(c.startCh)

	if c.isLeader() && c.replica.proposed.Present {
		c.proposals = append(c.proposals, newProposal(c.replica.proposed))
	}
	go c.processLoop()
	return nil
}

// Stop gracefully stops the [Consensus] allowing early termination through context.
func (c *Consensus) Stop(ctx context.Context) error {
	select {
	case <-c.closeCh:
		return ErrStopped
	default:
	}
	close(c.closeCh)

	select {
	case <-c.startCh:
	default:
		close(c.closedCh)
		return nil
	}

	select {
	case <-c.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Propose proposes the value for the next instance.
//
// On the leader it starts a new instance, or queues the value until the running one decides,
// and waits for the value to be decided. The returned Decision may carry a different value,
// if the instance was bound to decide a value written earlier.
// Followers only record the value and return immediately. Absent values are rejected.
// A proposal is not withdrawn if the context expires.
func (c *Consensus) Propose(ctx context.Context, v depchain.Value) (depchain.Decision, error) {
	if !v.Present {
		return depchain.Decision{}, ErrAbsentValue
	}
	p := newProposal(v)
	o := &op{kind: proposeOp, proposal: p}
	if err := c.execOp(ctx, o); err != nil {
		return depchain.Decision{}, err
	}
	if !c.isLeader() {
		return depchain.Decision{}, nil
	}

	select {
	case d := <-p.decided:
		return d, nil
	case <-c.closeCh:
		return depchain.Decision{}, ErrStopped
	case <-ctx.Done():
		return depchain.Decision{}, ctx.Err()
	}
}

// Status reports the current state of the process.
func (c *Consensus) Status(ctx context.Context) (Status, error) {
	o := &op{kind: statusOp}
	if err := c.execOp(ctx, o); err != nil {
		return Status{}, err
	}
	return o.status, nil
}

// IsLeader reports whether the process is the leader.
func (c *Consensus) IsLeader() bool {
	return c.isLeader()
}

func (c *Consensus) isLeader() bool {
	return c.members.IsLeader(c.self)
}

type opKind int

const (
	proposeOp opKind = iota
	statusOp
)

// op is an operation executed by the processing routine.
type op struct {
	kind     opKind
	proposal *proposal
	status   Status
	done     chan struct{}
}

type proposal struct {
	value   depchain.Value
	decided chan depchain.Decision
}

func newProposal(v depchain.Value) *proposal {
	return &proposal{value: v, decided: make(chan depchain.Decision, 1)}
}

// execOp submits the op to the processing routine and waits until it is executed.
func (c *Consensus) execOp(ctx context.Context, o *op) error {
	select {
	case <-c.startCh:
	default:
		return ErrNotStarted
	}

	o.done = make(chan struct{})
	select {
	case c.opCh <- o:
	case <-c.closeCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-o.done:
		return nil
	case <-c.closedCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consensus) processLoop() {
	defer close(c.closedCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.startNext(ctx)
	c.processLocal(ctx)
	deliverCh := c.link.Deliver()
	for {
		select {
		case d, ok := <-deliverCh:
			if !ok {
				c.log.Debug("link closed")
				deliverCh = nil
				continue
			}
			c.processDelivery(ctx, d)
		case o := <-c.opCh:
			c.processOp(ctx, o)
		case <-c.closeCh:
			return
		}
		c.processLocal(ctx)
	}
}

func (c *Consensus) processOp(ctx context.Context, o *op) {
	defer close(o.done)

	switch o.kind {
	case proposeOp:
		c.replica.proposed = o.proposal.value
		if !c.isLeader() {
			return
		}
		c.proposals = append(c.proposals, o.proposal)
		c.startNext(ctx)
	case statusOp:
		o.status = Status{
			Instance:  c.round.instance,
			Phase:     c.round.phase,
			Timestamp: c.replica.ts,
			Value:     c.replica.value,
			Proposed:  c.replica.proposed,
			WriteSet:  maps.Clone(c.replica.writeSet),
		}
		for _, msgs := range c.future {
			o.status.Buffered += len(msgs)
		}
	}
}

// processLocal handles self-addressed messages, including those they produce.
func (c *Consensus) processLocal(ctx context.Context) {
	for len(c.local) > 0 {
		msg := c.local[0]
		c.local = c.local[1:]
		c.handle(ctx, msg.from, msg.payload)
	}
}
