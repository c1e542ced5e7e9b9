package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/crypto"
	"github.com/iykyk-syn/depchain/crypto/local"
	"github.com/iykyk-syn/depchain/membership"
	"github.com/iykyk-syn/depchain/wire"
)

const testTimeout = 5 * time.Second

type sentMsg struct {
	from, to depchain.ProcessID
	payload  []byte
}

// testNetwork routes messages between in-memory links.
// Messages to processes without a link are recorded into sent.
type testNetwork struct {
	mu    sync.Mutex
	links map[depchain.ProcessID]*testLink
	sent  chan sentMsg
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		links: make(map[depchain.ProcessID]*testLink),
		sent:  make(chan sentMsg, 1024),
	}
}

// link creates a link of the process. Unbuffered links hand over each message only once the
// receiver takes it.
func (n *testNetwork) link(id depchain.ProcessID, buffered bool) *testLink {
	size := 0
	if buffered {
		size = 1024
	}
	l := &testLink{id: id, network: n, deliverCh: make(chan depchain.Delivery, size)}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.links[id] = l
	return l
}

type testLink struct {
	id        depchain.ProcessID
	network   *testNetwork
	deliverCh chan depchain.Delivery
}

func (l *testLink) Send(to depchain.ProcessID, payload []byte) error {
	l.network.mu.Lock()
	dst, ok := l.network.links[to]
	l.network.mu.Unlock()
	if !ok {
		l.network.sent <- sentMsg{from: l.id, to: to, payload: payload}
		return nil
	}

	dst.deliverCh <- depchain.Delivery{From: l.id, Payload: payload}
	return nil
}

func (l *testLink) Deliver() <-chan depchain.Delivery {
	return l.deliverCh
}

// testLedger records decisions.
type testLedger struct {
	mu        sync.Mutex
	decisions []depchain.Decision
	decidedCh chan depchain.Decision
}

func newTestLedger() *testLedger {
	return &testLedger{decidedCh: make(chan depchain.Decision, 64)}
}

func (l *testLedger) Append(_ context.Context, d depchain.Decision) error {
	l.mu.Lock()
	l.decisions = append(l.decisions, d)
	l.mu.Unlock()
	l.decidedCh <- d
	return nil
}

func (l *testLedger) Decisions() []depchain.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]depchain.Decision{}, l.decisions...)
}

func (l *testLedger) await(t *testing.T) depchain.Decision {
	t.Helper()
	select {
	case d := <-l.decidedCh:
		return d
	case <-time.After(testTimeout):
		t.Fatal("no decision")
		return depchain.Decision{}
	}
}

// harness runs a single process, playing all the others.
type harness struct {
	t       *testing.T
	members *membership.Membership
	keys    map[depchain.ProcessID]crypto.PrivKey
	network *testNetwork
	link    *testLink
	ledger  *testLedger
	c       *Consensus
}

func newHarness(t *testing.T, n int, self depchain.ProcessID, initial depchain.Value) *harness {
	t.Helper()

	members, keys, err := membership.Generate(n, "127.0.0.1", 7000)
	require.NoError(t, err)
	network := newTestNetwork()
	h := &harness{
		t:       t,
		members: members,
		keys:    keys,
		network: network,
		link:    network.link(self, false),
		ledger:  newTestLedger(),
	}

	h.c, err = New(self, members, h.signer(self), h.link, h.ledger)
	require.NoError(t, err)
	require.NoError(t, h.c.Init(initial, nil))
	require.NoError(t, h.c.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		require.NoError(t, h.c.Stop(ctx))
	})
	return h
}

func (h *harness) signer(id depchain.ProcessID) crypto.Signer {
	signer, err := local.NewSigner(id, h.keys[id])
	require.NoError(h.t, err)
	return signer
}

// seal serializes the payload signed by the given process.
func (h *harness) seal(id depchain.ProcessID, payload wire.Payload) []byte {
	msg := &wire.ConsensusMessage{Payload: payload}
	content, err := msg.Content()
	require.NoError(h.t, err)
	msg.Signature, err = h.keys[id].Sign(content)
	require.NoError(h.t, err)

	data, err := msg.MarshalBinary()
	require.NoError(h.t, err)
	return data
}

// deliver hands the payload signed by the sender to the process and waits until it is taken.
func (h *harness) deliver(from depchain.ProcessID, payload wire.Payload) {
	h.deliverRaw(from, h.seal(from, payload))
}

func (h *harness) deliverRaw(from depchain.ProcessID, data []byte) {
	h.t.Helper()
	select {
	case h.link.deliverCh <- depchain.Delivery{From: from, Payload: data}:
	case <-time.After(testTimeout):
		h.t.Fatal("delivery not taken")
	}
}

// state makes a State of the given process proven with its key.
func (h *harness) state(id depchain.ProcessID, instance uint32, ts int64, v depchain.Value) *wire.State {
	proof, err := prove(h.signer(id), ts, v)
	require.NoError(h.t, err)
	return &wire.State{
		Instance:  instance,
		Timestamp: ts,
		Value:     v,
		Proofs:    [][]byte{proof},
		WriteSet:  map[int64]string{},
	}
}

// status returns the process status once all previously delivered messages are processed.
func (h *harness) status() Status {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	s, err := h.c.Status(ctx)
	require.NoError(h.t, err)
	return s
}

// expect returns the next message sent by the process, which must be of the type to the given process.
func (h *harness) expect(to depchain.ProcessID, typ wire.MessageType) wire.Payload {
	h.t.Helper()
	select {
	case sent := <-h.network.sent:
		msg := &wire.ConsensusMessage{}
		require.NoError(h.t, msg.UnmarshalBinary(sent.payload))
		require.Equal(h.t, to, sent.to, "destination of %s", msg.Payload.Type())
		require.Equal(h.t, typ, msg.Payload.Type())

		content, err := msg.Content()
		require.NoError(h.t, err)
		require.NoError(h.t, h.members.Verify(sent.from, content, msg.Signature))
		return msg.Payload
	case <-time.After(testTimeout):
		h.t.Fatalf("no %s sent to %s", typ, to)
		return nil
	}
}

// expectBroadcast expects the payload of the type to be sent to every other process.
func (h *harness) expectBroadcast(typ wire.MessageType) wire.Payload {
	h.t.Helper()
	var payload wire.Payload
	for _, id := range h.members.IDs() {
		if id == h.c.self {
			continue
		}
		payload = h.expect(id, typ)
	}
	return payload
}

// expectNone checks nothing was sent. Call after status to make sure deliveries are processed.
func (h *harness) expectNone() {
	h.t.Helper()
	select {
	case sent := <-h.network.sent:
		msg := &wire.ConsensusMessage{}
		_ = msg.UnmarshalBinary(sent.payload)
		h.t.Fatalf("unexpected %v sent to %s", msg.Payload, sent.to)
	default:
	}
}

// cluster runs n processes connected through in-memory links.
type cluster struct {
	members *membership.Membership
	nodes   []*Consensus
	ledgers []*testLedger
}

func newCluster(t *testing.T, n int, initial depchain.Value, down ...depchain.ProcessID) *cluster {
	t.Helper()

	members, keys, err := membership.Generate(n, "127.0.0.1", 7000)
	require.NoError(t, err)
	network := newTestNetwork()
	cl := &cluster{members: members}

	isDown := make(map[depchain.ProcessID]bool)
	for _, id := range down {
		isDown[id] = true
	}

	for _, id := range members.IDs() {
		if isDown[id] {
			continue
		}
		signer, err := local.NewSigner(id, keys[id])
		require.NoError(t, err)

		ledger := newTestLedger()
		c, err := New(id, members, signer, network.link(id, true), ledger)
		require.NoError(t, err)
		require.NoError(t, c.Init(initial, nil))

		cl.nodes = append(cl.nodes, c)
		cl.ledgers = append(cl.ledgers, ledger)
	}

	// messages to processes that are down are dropped
	go func() {
		for range network.sent {
		}
	}()
	for _, c := range cl.nodes {
		require.NoError(t, c.Start())
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		for _, c := range cl.nodes {
			require.NoError(t, c.Stop(ctx))
		}
	})
	return cl
}
