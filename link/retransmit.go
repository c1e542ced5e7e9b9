package link

import (
	"context"
	"time"
)

// retransmitLoop periodically resends every message that is not acknowledged yet.
func (l *Link) retransmitLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.retransmit(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Link) retransmit(ctx context.Context) {
	l.pendingLk.Lock()
	msgs := make([]*pendingMsg, 0, len(l.pending))
	for _, msg := range l.pending {
		msgs = append(msgs, msg)
	}
	l.pendingLk.Unlock()
	if len(msgs) == 0 {
		return
	}

	l.log.DebugContext(ctx, "retransmitting", "pending", len(msgs))
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		if err := l.transmit(msg.id.Destination, msg.envelope); err != nil {
			l.log.WarnContext(ctx, "retransmitting message", "id", msg.id.String(), "err", err)
		}
	}
}
