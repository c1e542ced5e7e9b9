package consensus

import (
	"context"
	"maps"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/wire"
)

// processDelivery authenticates a consensus message received from the link.
func (c *Consensus) processDelivery(ctx context.Context, d depchain.Delivery) {
	msg := &wire.ConsensusMessage{}
	if err := msg.UnmarshalBinary(d.Payload); err != nil {
		c.log.WarnContext(ctx, "malformed consensus message", "from", d.From, "err", err)
		return
	}
	if d.From == c.self {
		c.log.WarnContext(ctx, "own message received from link", "type", msg.Payload.Type())
		return
	}

	content, err := msg.Content()
	if err != nil {
		c.log.ErrorContext(ctx, "consensus message content", "err", err)
		return
	}
	if err := c.members.Verify(d.From, content, msg.Signature); err != nil {
		c.log.WarnContext(ctx, "unauthenticated consensus message", "from", d.From, "type", msg.Payload.Type(), "reason", err)
		return
	}

	c.handle(ctx, d.From, msg.Payload)
}

// handle dispatches an authenticated message of the given process to its phase handler.
func (c *Consensus) handle(ctx context.Context, from depchain.ProcessID, payload wire.Payload) {
	if read, ok := payload.(*wire.Read); ok {
		c.handleRead(ctx, from, read)
		return
	}

	instance := wire.Instance(payload)
	switch {
	case instance == 0:
		c.log.WarnContext(ctx, "message of instance zero", "from", from, "type", payload.Type())
		return
	case instance < c.round.instance:
		c.log.DebugContext(ctx, "stale message", "from", from, "type", payload.Type(), "instance", instance)
		return
	case instance > c.round.instance:
		c.buffer(ctx, from, payload)
		return
	case c.round.decided:
		c.log.DebugContext(ctx, "message of decided instance", "from", from, "type", payload.Type(), "instance", instance)
		return
	}

	switch p := payload.(type) {
	case *wire.State:
		c.handleState(ctx, from, p)
	case *wire.Collect:
		c.handleCollect(ctx, from, p)
	case *wire.Write:
		c.handleWrite(ctx, from, p)
	case *wire.AckValue:
		c.handleAck(ctx, from, p)
	case *wire.Decide:
		c.handleDecide(ctx, from, p)
	}
}

// buffer keeps a message of a future instance until the instance begins.
func (c *Consensus) buffer(ctx context.Context, from depchain.ProcessID, payload wire.Payload) {
	instance := wire.Instance(payload)
	if instance > c.round.instance+futureWindow {
		c.log.WarnContext(ctx, "message of far future instance", "from", from, "type", payload.Type(), "instance", instance)
		return
	}
	if len(c.future[instance]) >= futureWindow*c.members.Len() {
		c.log.WarnContext(ctx, "future messages overflow", "from", from, "type", payload.Type(), "instance", instance)
		return
	}
	c.future[instance] = append(c.future[instance], message{from: from, payload: payload})
}

// replay schedules buffered messages of the current instance and drops those of older ones.
func (c *Consensus) replay() {
	for instance, msgs := range c.future {
		switch {
		case instance == c.round.instance:
			c.local = append(c.local, msgs...)
		case instance > c.round.instance:
			continue
		}
		delete(c.future, instance)
	}
}

// startNext starts an instance for the next queued proposal unless one is running.
func (c *Consensus) startNext(ctx context.Context) {
	if !c.isLeader() || len(c.proposals) == 0 {
		return
	}
	if c.round.phase != Idle && c.round.phase != Decided {
		return
	}

	c.proposal, c.proposals = c.proposals[0], c.proposals[1:]
	c.replica.proposed = c.proposal.value

	instance := c.round.instance + 1
	c.round = newRound(instance, ReadSent)
	c.replay()
	c.log.DebugContext(ctx, "starting instance", "instance", instance, "proposal", c.proposal.value)
	c.broadcast(ctx, &wire.Read{Instance: instance})

	// the leader's own State carries the proposal, unless a value was written before
	value := c.replica.value
	if !value.Present {
		value = c.proposal.value
	}
	state, err := c.ownState(instance, value)
	if err != nil {
		c.log.ErrorContext(ctx, "proving own state", "instance", instance, "err", err)
		return
	}
	c.collectState(ctx, c.self, state)
}

func (c *Consensus) handleRead(ctx context.Context, from depchain.ProcessID, read *wire.Read) {
	leader := c.members.Leader()
	if from != leader {
		c.log.WarnContext(ctx, "READ not from leader", "from", from)
		return
	}
	if c.isLeader() {
		return
	}
	if read.Instance <= c.round.instance {
		c.log.DebugContext(ctx, "stale READ", "instance", read.Instance, "current", c.round.instance)
		return
	}

	c.round = newRound(read.Instance, AwaitingRead)
	state, err := c.ownState(read.Instance, c.replica.value)
	if err != nil {
		c.log.ErrorContext(ctx, "proving own state", "instance", read.Instance, "err", err)
		return
	}
	c.send(ctx, leader, state)
	c.round.phase = StateSent
	c.replay()
}

func (c *Consensus) handleState(ctx context.Context, from depchain.ProcessID, state *wire.State) {
	if !c.isLeader() {
		c.log.WarnContext(ctx, "STATE sent to follower", "from", from)
		return
	}
	if err := verifyProofs(c.members, from, state); err != nil {
		c.log.WarnContext(ctx, "dropping STATE", "from", from, "instance", state.Instance, "reason", err)
		return
	}
	c.collectState(ctx, from, state)
}

// collectState adds the State to the collected ones and distributes them
// once they form a quorum.
func (c *Consensus) collectState(ctx context.Context, from depchain.ProcessID, state *wire.State) {
	r := c.round
	if r.collect {
		c.log.DebugContext(ctx, "late STATE", "from", from, "instance", r.instance)
		return
	}
	if _, ok := r.collected[from]; ok {
		return
	}
	r.collected[from] = state
	if from != c.self && r.phase == ReadSent {
		r.phase = Collecting
	}
	if len(r.collected) < c.members.Quorum() {
		return
	}

	r.collect = true
	collect := &wire.Collect{Instance: r.instance, Collected: maps.Clone(r.collected)}
	c.broadcast(ctx, collect)
	c.loopback(collect)
}

func (c *Consensus) handleCollect(ctx context.Context, from depchain.ProcessID, collect *wire.Collect) {
	leader := c.members.Leader()
	if from != leader {
		c.log.WarnContext(ctx, "COLLECT not from leader", "from", from)
		return
	}

	r := c.round
	if r.write != nil {
		return
	}

	valid := make(map[depchain.ProcessID]*wire.State, len(collect.Collected))
	for id, state := range collect.Collected {
		if !c.members.Contains(id) || state.Instance != collect.Instance {
			continue
		}
		if err := verifyProofs(c.members, id, state); err != nil {
			c.log.DebugContext(ctx, "invalid collected STATE", "of", id, "reason", err)
			continue
		}
		valid[id] = state
	}
	if len(valid) < c.members.Quorum() {
		c.log.WarnContext(ctx, "COLLECT without quorum of valid states", "valid", len(valid), "instance", r.instance)
		return
	}
	if _, ok := valid[leader]; !ok {
		c.log.WarnContext(ctx, "COLLECT without leader state", "instance", r.instance)
		return
	}

	// every process falls back to the value the leader reported, which is its proposal
	// whenever no value was written before
	ts, value := selectWrite(valid, leader, c.members.F(), valid[leader].Value)
	r.collect = true
	r.write = &wire.Write{Instance: r.instance, Timestamp: ts, Value: value}
	if c.isLeader() {
		r.phase = WriteSent
	} else {
		r.phase = AwaitingWrite
	}
	c.log.DebugContext(ctx, "writing", "instance", r.instance, "ts", ts, "value", value)
	c.broadcast(ctx, r.write)
	c.loopback(r.write)
}

func (c *Consensus) handleWrite(ctx context.Context, from depchain.ProcessID, write *wire.Write) {
	r := c.round
	if _, ok := r.writes[from]; ok {
		c.log.DebugContext(ctx, "repeated WRITE", "from", from, "instance", r.instance)
		return
	}
	r.writes[from] = write
	if r.ackSent || len(r.writes) < c.members.Quorum() {
		return
	}

	agreed, ok := r.consistentWrites()
	if !ok {
		c.log.WarnContext(ctx, "inconsistent WRITE quorum", "instance", r.instance, "writes", len(r.writes))
		return
	}

	proof, err := prove(c.signer, agreed.Timestamp, agreed.Value)
	if err != nil {
		c.log.ErrorContext(ctx, "proving written value", "instance", r.instance, "err", err)
		return
	}
	r.ackSent = true
	c.replica.ts, c.replica.value = agreed.Timestamp, agreed.Value
	c.replica.addProof(proof)

	ack := &wire.AckValue{Instance: r.instance, Timestamp: agreed.Timestamp, Value: agreed.Value}
	if c.isLeader() {
		r.phase = AwaitingAck
		c.loopback(ack)
		return
	}
	r.phase = AckSent
	c.send(ctx, c.members.Leader(), ack)
}

func (c *Consensus) handleAck(ctx context.Context, from depchain.ProcessID, ack *wire.AckValue) {
	if !c.isLeader() {
		c.log.WarnContext(ctx, "ACK sent to follower", "from", from)
		return
	}

	r := c.round
	if r.write == nil {
		c.log.WarnContext(ctx, "ACK before WRITE", "from", from, "instance", r.instance)
		return
	}
	if _, ok := r.acked[from]; ok {
		return
	}
	if ack.Value != r.write.Value {
		c.log.WarnContext(ctx, "ACK of other value", "from", from, "value", ack.Value, "written", r.write.Value)
		return
	}
	if state, ok := r.collected[from]; ok && ack.Timestamp < state.Timestamp {
		c.log.WarnContext(ctx, "ACK older than STATE", "from", from, "ts", ack.Timestamp, "state_ts", state.Timestamp)
		return
	}

	r.acked[from] = struct{}{}
	if len(r.acked) < c.members.Quorum() {
		return
	}

	c.broadcast(ctx, &wire.Decide{Instance: r.instance, Value: r.write.Value})
	c.decide(ctx, r.write.Value)
}

func (c *Consensus) handleDecide(ctx context.Context, from depchain.ProcessID, decide *wire.Decide) {
	if from != c.members.Leader() {
		c.log.WarnContext(ctx, "DECIDE not from leader", "from", from)
		return
	}
	if c.isLeader() {
		return
	}
	c.decide(ctx, decide.Value)
}

// decide finalizes the current instance with the value and hands it to the ledger.
// The decided value leaves the replica for the write set, so that the next instance
// decides a fresh proposal.
func (c *Consensus) decide(ctx context.Context, v depchain.Value) {
	r := c.round
	r.decided = true
	r.phase = Decided

	if w := r.write; w != nil && w.Value == v {
		c.replica.ts = max(c.replica.ts, w.Timestamp)
		c.replica.addWrite(w.Timestamp, v)
	}
	c.replica.value = depchain.None

	decision := depchain.Decision{Instance: r.instance, Value: v}
	c.log.InfoContext(ctx, "decided", "instance", r.instance, "value", v)
	if c.ledger != nil {
		if err := c.ledger.Append(ctx, decision); err != nil {
			c.log.ErrorContext(ctx, "appending decision", "instance", r.instance, "err", err)
		}
	}

	if c.proposal != nil {
		c.proposal.decided <- decision
		c.proposal = nil
	}
	c.startNext(ctx)
}

// ownState reports the replica as a State with the given value, proven with a fresh proof.
func (c *Consensus) ownState(instance uint32, value depchain.Value) (*wire.State, error) {
	proof, err := prove(c.signer, c.replica.ts, value)
	if err != nil {
		return nil, err
	}
	if value == c.replica.value {
		c.replica.addProof(proof)
		return c.replica.state(instance, value), nil
	}

	state := c.replica.state(instance, value)
	state.Proofs = append(state.Proofs, proof)
	if len(state.Proofs) > maxProofs {
		state.Proofs = state.Proofs[len(state.Proofs)-maxProofs:]
	}
	return state, nil
}

// seal signs the payload into a serialized ConsensusMessage.
func (c *Consensus) seal(payload wire.Payload) ([]byte, error) {
	msg := &wire.ConsensusMessage{Payload: payload}
	content, err := msg.Content()
	if err != nil {
		return nil, err
	}

	msg.Signature, err = c.signer.Sign(content)
	if err != nil {
		return nil, err
	}
	return msg.MarshalBinary()
}

func (c *Consensus) send(ctx context.Context, to depchain.ProcessID, payload wire.Payload) {
	data, err := c.seal(payload)
	if err != nil {
		c.log.ErrorContext(ctx, "sealing message", "type", payload.Type(), "err", err)
		return
	}
	if err := c.link.Send(to, data); err != nil {
		c.log.ErrorContext(ctx, "sending message", "to", to, "type", payload.Type(), "err", err)
	}
}

// broadcast sends the payload to every process but self.
func (c *Consensus) broadcast(ctx context.Context, payload wire.Payload) {
	data, err := c.seal(payload)
	if err != nil {
		c.log.ErrorContext(ctx, "sealing message", "type", payload.Type(), "err", err)
		return
	}
	for _, id := range c.members.IDs() {
		if id == c.self {
			continue
		}
		if err := c.link.Send(id, data); err != nil {
			c.log.ErrorContext(ctx, "sending message", "to", id, "type", payload.Type(), "err", err)
		}
	}
}

// loopback schedules the payload for processing as a message from self.
func (c *Consensus) loopback(payload wire.Payload) {
	c.local = append(c.local, message{from: c.self, payload: payload})
}
