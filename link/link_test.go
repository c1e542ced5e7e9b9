package link

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/crypto/local"
	"github.com/iykyk-syn/depchain/membership"
	"github.com/iykyk-syn/depchain/wire"
)

const testInterval = 50 * time.Millisecond

func TestLinkDeliver(t *testing.T) {
	links, _ := newTestLinks(t, 3, WithRetransmitInterval(testInterval))

	payload := consensusPayload(t, &wire.Read{Instance: 1})
	require.NoError(t, links[0].Send(2, payload))
	require.NoError(t, links[0].Send(3, payload))

	for _, l := range links[1:] {
		d := receive(t, l)
		assert.EqualValues(t, 1, d.From)
		assert.Equal(t, payload, d.Payload)
	}
	require.Eventually(t, func() bool { return links[0].Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestLinkDeduplication(t *testing.T) {
	links, conns := newTestLinks(t, 2, WithRetransmitInterval(0))
	conns[0].duplicates = 4

	require.NoError(t, links[0].Send(2, []byte("once")))
	d := receive(t, links[1])
	assert.Equal(t, []byte("once"), d.Payload)
	noDelivery(t, links[1], 5*testInterval)

	// every copy is acknowledged
	require.Eventually(t, func() bool { return conns[1].acks.Load() == 5 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return links[0].Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestLinkRetransmission(t *testing.T) {
	links, conns := newTestLinks(t, 2, WithRetransmitInterval(testInterval))
	conns[0].dropData.Store(1)
	conns[1].dropAcks.Store(1)

	require.NoError(t, links[0].Send(2, []byte("lossy")))
	d := receive(t, links[1])
	assert.Equal(t, []byte("lossy"), d.Payload)

	require.Eventually(t, func() bool { return links[0].Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	// dropped DATA, delivered DATA with dropped ACK and the final attempt
	assert.GreaterOrEqual(t, conns[0].data.Load(), int32(3))

	// once acknowledged, retransmissions stop
	time.Sleep(2 * testInterval)
	sent := conns[0].data.Load()
	time.Sleep(5 * testInterval)
	assert.Equal(t, sent, conns[0].data.Load())
	noDelivery(t, links[1], testInterval)
}

func TestLinkUnlimitedRetransmission(t *testing.T) {
	links, conns := newTestLinks(t, 2, WithRetransmitInterval(testInterval))
	conns[1].dropAcks.Store(1 << 20)

	require.NoError(t, links[0].Send(2, []byte("unacked")))
	receive(t, links[1])

	require.Eventually(t, func() bool { return conns[0].data.Load() >= 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, links[0].Pending())
	noDelivery(t, links[1], testInterval)
}

func TestLinkRejectsForgery(t *testing.T) {
	links, _ := newTestLinks(t, 2, WithRetransmitInterval(0))
	addr := links[1].conn.LocalAddr()

	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer raw.Close()

	key, err := membership.GenerateKey()
	require.NoError(t, err)

	forge := func(sender depchain.ProcessID, payload []byte) []byte {
		body, err := wire.NewData(1, payload).MarshalBinary()
		require.NoError(t, err)
		sig, err := key.Sign(body)
		require.NoError(t, err)
		data, err := (&wire.SignedEnvelope{Sender: sender, Body: body, Signature: sig}).MarshalBinary()
		require.NoError(t, err)
		return data
	}

	// signed with a key unknown to the membership
	_, err = raw.WriteTo(forge(1, []byte("forged")), addr)
	require.NoError(t, err)
	// claims to be a process outside of the membership
	_, err = raw.WriteTo(forge(9, []byte("stranger")), addr)
	require.NoError(t, err)
	// garbage
	_, err = raw.WriteTo([]byte{1, 2, 3}, addr)
	require.NoError(t, err)

	require.NoError(t, links[0].Send(2, []byte("genuine")))
	d := receive(t, links[1])
	assert.Equal(t, []byte("genuine"), d.Payload)
	noDelivery(t, links[1], testInterval)
}

func TestLinkCrossDestinationReplay(t *testing.T) {
	links, conns := newTestLinks(t, 3, WithRetransmitInterval(testInterval))

	require.NoError(t, links[0].Send(3, []byte("for-3")))
	assert.Equal(t, []byte("for-3"), receive(t, links[2]).Payload)

	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.WriteTo(conns[0].datagram(t, 0), links[1].conn.LocalAddr())
	require.NoError(t, err)
	// the datagram is authentic, only its destination is not
	assert.Equal(t, []byte("for-3"), receive(t, links[1]).Payload)

	require.NoError(t, links[0].Send(2, []byte("for-2")))
	assert.Equal(t, []byte("for-2"), receive(t, links[1]).Payload)
	require.Eventually(t, func() bool { return links[0].Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestLinkPrunesAcknowledged(t *testing.T) {
	links, conns := newTestLinks(t, 2, WithRetransmitInterval(testInterval))

	for _, msg := range []string{"a", "b", "c", "d"} {
		require.NoError(t, links[0].Send(2, []byte(msg)))
		assert.Equal(t, []byte(msg), receive(t, links[1]).Payload)
	}
	require.Eventually(t, func() bool { return links[0].Pending() == 0 }, time.Second, 10*time.Millisecond)

	// carries the floor above the four acknowledged messages
	require.NoError(t, links[0].Send(2, []byte("e")))
	assert.Equal(t, []byte("e"), receive(t, links[1]).Payload)
	assert.Equal(t, 1, links[1].delivered.len())

	// the forgotten messages are still not delivered twice
	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.WriteTo(conns[0].datagram(t, 0), links[1].conn.LocalAddr())
	require.NoError(t, err)
	noDelivery(t, links[1], 3*testInterval)
	assert.Equal(t, 1, links[1].delivered.len())
}

func TestDeliveredSetFloor(t *testing.T) {
	s := newDeliveredSet()
	id := func(sender depchain.ProcessID, seq uint64) MessageID {
		return MessageID{Phase: wire.TypeWrite, Sequence: seq, Sender: sender, Destination: 1}
	}

	assert.True(t, s.mark(id(2, 10)))
	assert.True(t, s.mark(id(2, 12)))
	assert.True(t, s.mark(id(3, 10)))
	assert.False(t, s.mark(id(2, 10)))

	s.advance(2, 11)
	assert.Equal(t, 2, s.len())
	assert.False(t, s.mark(id(2, 10)))
	assert.False(t, s.mark(id(2, 5)))
	assert.False(t, s.mark(id(2, 12)))
	assert.True(t, s.mark(id(2, 11)))

	// lower floors are ignored
	s.advance(2, 3)
	assert.False(t, s.mark(id(2, 5)))
	// other senders are unaffected
	assert.False(t, s.mark(id(3, 10)))
	assert.True(t, s.mark(id(3, 9)))
}

func TestLinkContract(t *testing.T) {
	members, keys, err := membership.Generate(2, "127.0.0.1", 0)
	require.NoError(t, err)
	signer, err := local.NewSigner(1, keys[1])
	require.NoError(t, err)

	_, err = New(3, members, signer)
	require.ErrorIs(t, err, membership.ErrUnknownProcess)
	_, err = New(2, members, signer)
	require.Error(t, err)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	l, err := New(1, members, signer, WithConn(conn))
	require.NoError(t, err)

	require.ErrorIs(t, l.Send(2, []byte("early")), ErrNotStarted)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Start(ctx))
	require.NoError(t, l.Start(ctx))

	require.ErrorIs(t, l.Send(7, []byte("nowhere")), ErrUnknownDestination)
	require.ErrorIs(t, l.Send(2, make([]byte, MaxPayloadSize+1)), ErrPayloadTooLarge)

	require.NoError(t, l.Stop(ctx))
	require.NoError(t, l.Stop(ctx))
	require.ErrorIs(t, l.Send(2, []byte("late")), ErrStopped)
	require.ErrorIs(t, l.Start(ctx), ErrStopped)

	_, ok := <-l.Deliver()
	assert.False(t, ok)
}

func TestMessageIDPhases(t *testing.T) {
	members, keys, err := membership.Generate(2, "127.0.0.1", 0)
	require.NoError(t, err)
	signer, err := local.NewSigner(1, keys[1])
	require.NoError(t, err)
	l, err := New(1, members, signer)
	require.NoError(t, err)

	write := MessageID{Phase: wire.TypeWrite, Sequence: 5, Sender: 2, Destination: 1}
	ack := MessageID{Phase: wire.TypeAck, Sequence: 5, Sender: 2, Destination: 1}
	assert.True(t, l.markDelivered(write))
	assert.True(t, l.markDelivered(ack))
	assert.False(t, l.markDelivered(write))
	assert.Equal(t, write.ackID(), ack.ackID())
}

// testConn wraps UDP connection counting, dropping and duplicating outgoing envelopes.
type testConn struct {
	net.PacketConn

	duplicates int
	dropData   atomic.Int32
	dropAcks   atomic.Int32
	data, acks atomic.Int32

	sentLk sync.Mutex
	// DATA datagrams written so far
	sent [][]byte
}

// datagram returns the n-th written DATA datagram.
func (c *testConn) datagram(t *testing.T, n int) []byte {
	t.Helper()
	c.sentLk.Lock()
	defer c.sentLk.Unlock()
	require.Greater(t, len(c.sent), n)
	return c.sent[n]
}

func (c *testConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	signed := &wire.SignedEnvelope{}
	if err := signed.UnmarshalBinary(b); err != nil {
		return 0, err
	}
	env, err := signed.Envelope()
	if err != nil {
		return 0, err
	}

	switch env.Type {
	case wire.Data:
		c.data.Add(1)
		c.sentLk.Lock()
		c.sent = append(c.sent, bytes.Clone(b))
		c.sentLk.Unlock()
		if c.dropData.Add(-1) >= 0 {
			return len(b), nil
		}
	case wire.Ack:
		c.acks.Add(1)
		if c.dropAcks.Add(-1) >= 0 {
			return len(b), nil
		}
	}

	for range c.duplicates {
		if _, err := c.PacketConn.WriteTo(b, addr); err != nil {
			return 0, err
		}
	}
	return c.PacketConn.WriteTo(b, addr)
}

func newTestLinks(t *testing.T, n int, opts ...Option) ([]*Link, []*testConn) {
	t.Helper()

	conns := make([]*testConn, n)
	ports := make([]int, n)
	for i := range conns {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		conns[i] = &testConn{PacketConn: conn}
		ports[i] = conn.LocalAddr().(*net.UDPAddr).Port
	}

	members, keys, err := membership.GenerateWithPorts("127.0.0.1", ports)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	links := make([]*Link, n)
	for i, id := range members.IDs() {
		signer, err := local.NewSigner(id, keys[id])
		require.NoError(t, err)

		l, err := New(id, members, signer, append(opts, WithConn(conns[i]))...)
		require.NoError(t, err)
		require.NoError(t, l.Start(ctx))
		links[i] = l
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, l := range links {
			assert.NoError(t, l.Stop(ctx))
		}
	})
	return links, conns
}

func consensusPayload(t *testing.T, p wire.Payload) []byte {
	data, err := (&wire.ConsensusMessage{Payload: p, Signature: []byte("sig")}).MarshalBinary()
	require.NoError(t, err)
	return data
}

func receive(t *testing.T, l *Link) depchain.Delivery {
	t.Helper()
	select {
	case d := <-l.Deliver():
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return depchain.Delivery{}
	}
}

func noDelivery(t *testing.T, l *Link, wait time.Duration) {
	t.Helper()
	select {
	case d := <-l.Deliver():
		t.Fatalf("unexpected delivery from %s: %q", d.From, d.Payload)
	case <-time.After(wait):
	}
}
