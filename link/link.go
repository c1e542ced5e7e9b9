// Package link implements authenticated perfect point-to-point links over UDP.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/crypto"
	"github.com/iykyk-syn/depchain/membership"
	"github.com/iykyk-syn/depchain/wire"
)

const (
	defaultRetransmitInterval = 500 * time.Millisecond
	deliveryChannelSize       = 128
	readBufferSize            = 64 * 1024
	// maxDatagramSize is the largest UDP payload over IPv4
	maxDatagramSize = 65507
	// MaxPayloadSize leaves room for envelope headers and the signature
	MaxPayloadSize = maxDatagramSize - 128

	verifiedCacheSize = 4096
	verifiedCacheTTL  = time.Minute
)

var (
	ErrNotStarted         = errors.New("link is not started")
	ErrStopped            = errors.New("link is stopped")
	ErrUnknownDestination = errors.New("unknown destination")
	ErrPayloadTooLarge    = errors.New("payload too large")
)

var _ depchain.Link = (*Link)(nil)

// Link is an authenticated perfect link from a single process to every other member.
//
// Every sent message is signed and retransmitted until the destination acknowledges it.
// Received messages are verified against the sender's membership key and delivered exactly once.
type Link struct {
	self     depchain.ProcessID
	members  *membership.Membership
	signer   crypto.Signer
	interval time.Duration

	conn  net.PacketConn
	addrs map[depchain.ProcessID]net.Addr

	deliverCh chan depchain.Delivery

	pendingLk sync.Mutex
	pending   map[ackID]*pendingMsg
	// sequences are shared by all destinations, so that a datagram replayed to another
	// destination never shadows a message actually sent there
	seqBase, seqNext uint64

	delivered *deliveredSet
	// datagrams with already verified signatures, so that retransmissions skip verification
	verified *expirable.LRU[[32]byte, struct{}]

	stateLk sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	log *slog.Logger
}

type pendingMsg struct {
	id       MessageID
	envelope *wire.Envelope
}

// Option configures Link.
type Option func(*Link)

// WithConn makes Link use the given connection instead of binding the membership address.
func WithConn(conn net.PacketConn) Option {
	return func(l *Link) {
		l.conn = conn
	}
}

// WithRetransmitInterval sets the period of pending messages retransmission.
// Zero disables retransmission.
func WithRetransmitInterval(interval time.Duration) Option {
	return func(l *Link) {
		l.interval = interval
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Link) {
		l.log = log
	}
}

// New instantiates a new [Link] of the given process.
func New(self depchain.ProcessID, members *membership.Membership, signer crypto.Signer, opts ...Option) (*Link, error) {
	if !members.Contains(self) {
		return nil, fmt.Errorf("process %s: %w", self, membership.ErrUnknownProcess)
	}
	if signer.ID() != self {
		return nil, fmt.Errorf("signer of process %s used for process %s", signer.ID(), self)
	}

	l := &Link{
		self:      self,
		members:   members,
		signer:    signer,
		interval:  defaultRetransmitInterval,
		deliverCh: make(chan depchain.Delivery, deliveryChannelSize),
		pending:   make(map[ackID]*pendingMsg),
		// restarted process must not reuse sequences the others have already delivered
		seqBase:   uint64(time.Now().UnixNano()),
		delivered: newDeliveredSet(),
		verified:  expirable.NewLRU[[32]byte, struct{}](verifiedCacheSize, nil, verifiedCacheTTL),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = slog.With("module", "link", "self", self)
	}
	return l, nil
}

// Start binds the socket and starts receiving. It is idempotent.
func (l *Link) Start(ctx context.Context) error {
	l.stateLk.Lock()
	defer l.stateLk.Unlock()
	if l.stopped {
		return ErrStopped
	}
	if l.started {
		return nil
	}

	addrs := make(map[depchain.ProcessID]net.Addr, l.members.Len())
	for _, p := range l.members.Processes() {
		addr, err := net.ResolveUDPAddr("udp", p.Addr())
		if err != nil {
			return fmt.Errorf("resolving address of process %s: %w", p.ID, err)
		}
		addrs[p.ID] = addr
	}

	if l.conn == nil {
		self, _ := l.members.Get(l.self)
		var lc net.ListenConfig
		conn, err := lc.ListenPacket(ctx, "udp", self.Addr())
		if err != nil {
			return fmt.Errorf("binding link: %w", err)
		}
		l.conn = conn
	}
	l.addrs = addrs

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return l.receiveLoop(ctx)
	})
	if l.interval > 0 {
		group.Go(func() error {
			return l.retransmitLoop(ctx)
		})
	}

	l.cancel, l.group, l.started = cancel, group, true
	l.log.Debug("started", "addr", l.conn.LocalAddr().String())
	return nil
}

// Stop closes the socket and waits for internal routines to finish.
// Stopped Link cannot be started again.
func (l *Link) Stop(ctx context.Context) error {
	l.stateLk.Lock()
	defer l.stateLk.Unlock()
	if l.stopped {
		return nil
	}
	l.stopped = true
	if !l.started {
		close(l.deliverCh)
		return nil
	}

	l.cancel()
	err := l.conn.Close()

	done := make(chan error, 1)
	go func() {
		done <- l.group.Wait()
	}()
	select {
	case groupErr := <-done:
		close(l.deliverCh)
		return errors.Join(err, groupErr)
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

// Deliver returns the stream of delivered messages. It is closed once Link is stopped.
func (l *Link) Deliver() <-chan depchain.Delivery {
	return l.deliverCh
}

// Send reliably sends the payload to the given process.
// Transmission failures are not reported, as the message is retransmitted until acknowledged.
func (l *Link) Send(to depchain.ProcessID, payload []byte) error {
	l.stateLk.Lock()
	started, stopped := l.started, l.stopped
	l.stateLk.Unlock()
	switch {
	case stopped:
		return ErrStopped
	case !started:
		return ErrNotStarted
	}
	if !l.members.Contains(to) {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, to)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	l.pendingLk.Lock()
	seq := l.seqBase + l.seqNext
	l.seqNext++
	msg := &pendingMsg{
		id: MessageID{
			Phase:       wire.PeekMessageType(payload),
			Sequence:    seq,
			Sender:      l.self,
			Destination: to,
		},
		envelope: wire.NewData(seq, payload),
	}
	l.pending[msg.id.ackID()] = msg
	l.pendingLk.Unlock()

	if err := l.transmit(to, msg.envelope); err != nil {
		l.log.Warn("sending message", "id", msg.id.String(), "err", err)
	}
	return nil
}

// Pending returns number of messages awaiting acknowledgment.
func (l *Link) Pending() int {
	l.pendingLk.Lock()
	defer l.pendingLk.Unlock()
	return len(l.pending)
}

// acked returns the sequence below which every sent message is acknowledged.
func (l *Link) acked() uint64 {
	l.pendingLk.Lock()
	defer l.pendingLk.Unlock()

	lowest := l.seqBase + l.seqNext
	for id := range l.pending {
		lowest = min(lowest, id.Sequence)
	}
	return lowest
}

// transmit signs the envelope and writes it to the socket.
// DATA envelopes are stamped with the acknowledged sequence at the moment of transmission.
func (l *Link) transmit(to depchain.ProcessID, env *wire.Envelope) error {
	if env.Type == wire.Data {
		stamped := *env
		stamped.Acked = l.acked()
		env = &stamped
	}

	body, err := env.MarshalBinary()
	if err != nil {
		return err
	}

	sig, err := l.signer.Sign(body)
	if err != nil {
		return fmt.Errorf("signing envelope: %w", err)
	}

	signed := &wire.SignedEnvelope{Sender: l.self, Body: body, Signature: sig}
	data, err := signed.MarshalBinary()
	if err != nil {
		return err
	}
	if len(data) > maxDatagramSize {
		return fmt.Errorf("datagram of %d bytes exceeds %d", len(data), maxDatagramSize)
	}

	_, err = l.conn.WriteTo(data, l.addrs[to])
	return err
}
