package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/iykyk-syn/depchain/node"
)

const randomValueSize = 16

// RandomValues submits a random value every given time.
func RandomValues(ctx context.Context, nd *node.Node, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	log := slog.With("module", "randomizer")
	for {
		select {
		case <-ticker.C:
			data := make([]byte, randomValueSize)
			_, _ = rand.Read(data)
			err := nd.Submit(ctx, hex.EncodeToString(data))
			if err != nil {
				log.ErrorContext(ctx, "error submitting value", "err", err)
				continue
			}
			log.DebugContext(ctx, "submitted value")
		case <-ctx.Done():
			return
		}
	}
}
