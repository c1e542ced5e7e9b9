package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/crypto/sha3"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/membership"
	"github.com/iykyk-syn/depchain/wire"
)

func (l *Link) receiveLoop(ctx context.Context) error {
	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.WarnContext(ctx, "reading datagram", "err", err)
			continue
		}

		err = l.processDatagram(ctx, bytes.Clone(buf[:n]))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.WarnContext(ctx, "dropping datagram", "from", addr.String(), "err", err)
		}
	}
}

// processDatagram authenticates the datagram and handles the envelope it carries.
func (l *Link) processDatagram(ctx context.Context, data []byte) error {
	signed := &wire.SignedEnvelope{}
	if err := signed.UnmarshalBinary(data); err != nil {
		return err
	}

	if err := l.authenticate(signed, data); err != nil {
		l.log.WarnContext(ctx, "unauthenticated datagram", "sender", signed.Sender, "reason", err)
		return nil
	}

	env, err := signed.Envelope()
	if err != nil {
		return fmt.Errorf("from %s: %w", signed.Sender, err)
	}

	switch env.Type {
	case wire.Data:
		return l.processData(ctx, signed.Sender, env)
	case wire.Ack:
		l.processAck(signed.Sender, env)
		return nil
	default:
		return fmt.Errorf("from %s: unexpected envelope %s", signed.Sender, env.Type)
	}
}

// authenticate verifies signature of the claimed sender unless the datagram was verified before.
func (l *Link) authenticate(signed *wire.SignedEnvelope, data []byte) error {
	if !l.members.Contains(signed.Sender) {
		return fmt.Errorf("%w: %s", membership.ErrUnknownProcess, signed.Sender)
	}

	hash := sha3.Sum256(data)
	if l.verified.Contains(hash) {
		return nil
	}
	if err := l.members.Verify(signed.Sender, signed.Body, signed.Signature); err != nil {
		return err
	}
	l.verified.Add(hash, struct{}{})
	return nil
}

func (l *Link) processData(ctx context.Context, from depchain.ProcessID, env *wire.Envelope) error {
	id := MessageID{
		Phase:       wire.PeekMessageType(env.Payload),
		Sequence:    env.Sequence,
		Sender:      from,
		Destination: l.self,
	}

	if env.Acked != 0 {
		l.delivered.advance(from, env.Acked)
	}
	if l.markDelivered(id) {
		select {
		case l.deliverCh <- depchain.Delivery{From: from, Payload: env.Payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		l.log.DebugContext(ctx, "duplicate message", "id", id.String())
	}

	// acknowledge duplicates too, as the previous ACK might have been lost
	if err := l.transmit(from, wire.NewAck(env.Sequence)); err != nil {
		return fmt.Errorf("acknowledging %s: %w", id, err)
	}
	return nil
}

// markDelivered records the message as delivered reporting whether it was seen for the first time.
func (l *Link) markDelivered(id MessageID) bool {
	return l.delivered.mark(id)
}

func (l *Link) processAck(from depchain.ProcessID, env *wire.Envelope) {
	id := ackID{Sequence: env.AckSequence, Sender: l.self, Destination: from}

	l.pendingLk.Lock()
	defer l.pendingLk.Unlock()
	delete(l.pending, id)
}
