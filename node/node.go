// Package node wires a process out of membership, link, consensus, ledger and pool.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/consensus"
	"github.com/iykyk-syn/depchain/crypto"
	"github.com/iykyk-syn/depchain/crypto/local"
	"github.com/iykyk-syn/depchain/ledger"
	"github.com/iykyk-syn/depchain/link"
	"github.com/iykyk-syn/depchain/membership"
	"github.com/iykyk-syn/depchain/pool"
)

// ErrNotLeader is returned when values are submitted to a follower.
var ErrNotLeader = errors.New("process is not the leader")

// retryDelay is the pause after a failed proposal before the next one.
var retryDelay = time.Second

// Config of a Node loaded from files.
type Config struct {
	ID             depchain.ProcessID
	MembershipPath string
	KeyPath        string
	// RetransmitInterval of the link. Zero keeps the default.
	RetransmitInterval time.Duration
	// Genesis is the value the leader proposes for the first instance. Empty skips it.
	Genesis string
}

// Node is a single process of the system.
type Node struct {
	id      depchain.ProcessID
	members *membership.Membership

	link      *link.Link
	consensus *consensus.Consensus
	chain     *ledger.Chain
	pool      *pool.MemPool

	cancel context.CancelFunc
	doneCh chan struct{}

	log *slog.Logger
}

// New loads membership and the private key the Config points to and builds the Node.
func New(cfg Config) (*Node, error) {
	members, err := membership.Load(cfg.MembershipPath)
	if err != nil {
		return nil, err
	}

	key, err := membership.LoadPrivateKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	var genesis depchain.Value
	if cfg.Genesis != "" {
		genesis = depchain.Some(cfg.Genesis)
	}
	var opts []link.Option
	if cfg.RetransmitInterval > 0 {
		opts = append(opts, link.WithRetransmitInterval(cfg.RetransmitInterval))
	}
	return NewWith(cfg.ID, members, key, genesis, opts...)
}

// NewWith builds the Node out of already loaded parts.
func NewWith(
	id depchain.ProcessID,
	members *membership.Membership,
	key crypto.PrivKey,
	genesis depchain.Value,
	opts ...link.Option,
) (*Node, error) {
	p, ok := members.Get(id)
	if !ok {
		return nil, fmt.Errorf("process %s: %w", id, membership.ErrUnknownProcess)
	}
	if !p.PublicKey.Equals(key.PubKey().Bytes()) {
		return nil, fmt.Errorf("private key does not match membership key of process %s", id)
	}

	signer, err := local.NewSigner(id, key)
	if err != nil {
		return nil, err
	}

	l, err := link.New(id, members, signer, opts...)
	if err != nil {
		return nil, err
	}

	chain := ledger.NewChain()
	cons, err := consensus.New(id, members, signer, l, chain)
	if err != nil {
		return nil, err
	}
	if err := cons.Init(genesis, nil); err != nil {
		return nil, err
	}

	n := &Node{
		id:        id,
		members:   members,
		link:      l,
		consensus: cons,
		chain:     chain,
		pool:      pool.NewMemPool(),
		doneCh:    make(chan struct{}),
		log:       slog.With("module", "node", "self", id),
	}
	if peerID, err := p.PeerID(); err == nil {
		n.log = n.log.With("peer", peerID.String())
	}
	return n, nil
}

// Start starts the link and consensus. The leader starts proposing submitted values.
func (n *Node) Start(ctx context.Context) error {
	if err := n.link.Start(ctx); err != nil {
		return err
	}
	if err := n.consensus.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	if n.IsLeader() {
		go n.run(ctx)
	} else {
		close(n.doneCh)
	}
	n.log.Info("started", "leader", n.IsLeader(), "processes", n.members.Len(), "f", n.members.F())
	return nil
}

// Stop stops the Node, waiting for its components to stop.
func (n *Node) Stop(ctx context.Context) (err error) {
	if n.cancel != nil {
		n.cancel()
		select {
		case <-n.doneCh:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	n.pool.Close()
	err = errors.Join(err, n.consensus.Stop(ctx))
	err = errors.Join(err, n.link.Stop(ctx))
	return err
}

// Submit queues the value for proposal.
func (n *Node) Submit(ctx context.Context, value string) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}
	return n.pool.Push(ctx, value)
}

func (n *Node) ID() depchain.ProcessID {
	return n.id
}

func (n *Node) IsLeader() bool {
	return n.members.IsLeader(n.id)
}

// Chain returns the ledger of decided values.
func (n *Node) Chain() *ledger.Chain {
	return n.chain
}

// Status reports the consensus state of the Node.
func (n *Node) Status(ctx context.Context) (consensus.Status, error) {
	return n.consensus.Status(ctx)
}

// run is indefinitely proposing submitted values one by one
func (n *Node) run(ctx context.Context) {
	defer close(n.doneCh)
	for ctx.Err() == nil {
		err := n.proposeNext(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pool.ErrClosed) || errors.Is(err, consensus.ErrStopped) {
				return
			}
			n.log.ErrorContext(ctx, "proposing", "reason", err)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
			}
		}
	}
}

// proposeNext pulls the next value and proposes it until an instance decides it.
func (n *Node) proposeNext(ctx context.Context) error {
	value, err := n.pool.Pull(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	d, err := n.consensus.Propose(ctx, depchain.Some(value))
	if err != nil {
		return errors.Join(err, n.pool.Requeue(ctx, value))
	}
	if d.Value != depchain.Some(value) {
		// the instance was bound to an earlier written value
		n.log.InfoContext(ctx, "proposal superseded", "instance", d.Instance, "decided", d.Value)
		return n.pool.Requeue(ctx, value)
	}

	n.log.DebugContext(ctx, "proposal decided", "instance", d.Instance, "time", time.Since(now))
	return nil
}
