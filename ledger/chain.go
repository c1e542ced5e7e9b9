// Package ledger keeps decided values as an append-only chain of hash-linked blocks.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iykyk-syn/depchain"
)

// ErrStaleInstance is returned when a decision does not follow the latest one.
var ErrStaleInstance = errors.New("stale instance")

var _ depchain.Ledger = (*Chain)(nil)

// Chain is an in-memory blockchain of decisions. It is safe for concurrent use.
type Chain struct {
	mu     sync.Mutex
	blocks []*Block
	// closed and replaced on every append to wake up waiters
	appendedCh chan struct{}

	now func() time.Time
	log *slog.Logger
}

func NewChain() *Chain {
	return &Chain{
		appendedCh: make(chan struct{}),
		now:        time.Now,
		log:        slog.With("module", "ledger"),
	}
}

// Append adds a new block for the decision.
func (c *Chain) Append(ctx context.Context, d depchain.Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := make([]byte, HashSize)
	if n := len(c.blocks); n > 0 {
		latest := c.blocks[n-1]
		if d.Instance <= latest.Instance {
			return fmt.Errorf("%w: %d after %d", ErrStaleInstance, d.Instance, latest.Instance)
		}
		prev = latest.Hash()
	}

	// block numbers must start from 1
	blk := NewBlock(uint64(len(c.blocks))+1, prev, d, c.now())
	c.blocks = append(c.blocks, blk)
	close(c.appendedCh)
	c.appendedCh = make(chan struct{})

	c.log.InfoContext(ctx, "appended block", "number", blk.Number, "instance", d.Instance, "value", d.Value, "hash", fmt.Sprintf("%X", blk.Hash()))
	return nil
}

// Height returns the number of blocks.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.blocks))
}

// Latest returns the latest block, if any.
func (c *Chain) Latest() (*Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.blocks) == 0 {
		return nil, false
	}
	return c.blocks[len(c.blocks)-1], true
}

// Blocks returns all blocks in order.
func (c *Chain) Blocks() []*Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Block{}, c.blocks...)
}

// Wait waits until the chain reaches the given height and returns the block at it.
func (c *Chain) Wait(ctx context.Context, height uint64) (*Block, error) {
	if height == 0 {
		return nil, fmt.Errorf("no block at height 0")
	}

	for {
		c.mu.Lock()
		if uint64(len(c.blocks)) >= height {
			blk := c.blocks[height-1]
			c.mu.Unlock()
			return blk, nil
		}
		appendedCh := c.appendedCh
		c.mu.Unlock()

		select {
		case <-appendedCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Verify checks every block links to the hash of the one before it.
func (c *Chain) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := make([]byte, HashSize)
	for i, blk := range c.blocks {
		if blk.Number != uint64(i)+1 {
			return fmt.Errorf("block %d: unexpected number %d", i+1, blk.Number)
		}
		if !bytes.Equal(blk.Prev, prev) {
			return fmt.Errorf("block %d: broken link to previous block", blk.Number)
		}
		prev = blk.Hash()
	}
	return nil
}
