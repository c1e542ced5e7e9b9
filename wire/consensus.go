package wire

import (
	"fmt"
	"slices"

	"github.com/iykyk-syn/depchain"
)

// MessageType tags the phase of a consensus message.
type MessageType int32

const (
	TypeRead MessageType = iota
	TypeState
	TypeCollect
	TypeWrite
	TypeAck
	TypeDecide
)

// NoType is reported by PeekMessageType for payloads that are not consensus messages.
const NoType MessageType = -1

func (t MessageType) String() string {
	switch t {
	case TypeRead:
		return "READ"
	case TypeState:
		return "STATE"
	case TypeCollect:
		return "COLLECT"
	case TypeWrite:
		return "WRITE"
	case TypeAck:
		return "ACK"
	case TypeDecide:
		return "DECIDE"
	default:
		return fmt.Sprintf("MessageType(%d)", int32(t))
	}
}

// Payload is one of Read, State, Collect, Write, AckValue or Decide.
type Payload interface {
	Type() MessageType
	encode(*encoder)
	decode(*decoder)
}

// Instance returns consensus instance the Payload belongs to.
func Instance(p Payload) uint32 {
	switch p := p.(type) {
	case *Read:
		return p.Instance
	case *State:
		return p.Instance
	case *Collect:
		return p.Instance
	case *Write:
		return p.Instance
	case *AckValue:
		return p.Instance
	case *Decide:
		return p.Instance
	default:
		panic(fmt.Sprintf("wire: unexpected payload %T", p))
	}
}

func newPayload(t MessageType) (Payload, error) {
	switch t {
	case TypeRead:
		return &Read{}, nil
	case TypeState:
		return &State{}, nil
	case TypeCollect:
		return &Collect{}, nil
	case TypeWrite:
		return &Write{}, nil
	case TypeAck:
		return &AckValue{}, nil
	case TypeDecide:
		return &Decide{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
}

// Read starts an instance.
type Read struct {
	Instance uint32
}

func (*Read) Type() MessageType { return TypeRead }

func (r *Read) encode(enc *encoder) {
	enc.int32(int32(r.Instance))
}

func (r *Read) decode(dec *decoder) {
	r.Instance = uint32(dec.int32())
}

// State reports replica state of a process to the leader.
type State struct {
	Instance  uint32
	Timestamp int64
	Value     depchain.Value
	// Proofs are signatures over (timestamp, value) pairs the process accepted, oldest first.
	Proofs [][]byte
	// WriteSet maps timestamps to values the process has seen written.
	WriteSet map[int64]string
}

func (*State) Type() MessageType { return TypeState }

func (s *State) encode(enc *encoder) {
	enc.int32(int32(s.Instance))
	enc.int64(s.Timestamp)
	encodeValue(enc, s.Value)

	enc.int32(int32(len(s.Proofs)))
	for _, proof := range s.Proofs {
		enc.bytes(proof)
	}

	tss := make([]int64, 0, len(s.WriteSet))
	for ts := range s.WriteSet {
		tss = append(tss, ts)
	}
	slices.Sort(tss)
	enc.int32(int32(len(tss)))
	for _, ts := range tss {
		enc.int64(ts)
		enc.string(s.WriteSet[ts])
	}
}

func (s *State) decode(dec *decoder) {
	s.Instance = uint32(dec.int32())
	s.Timestamp = dec.int64()
	s.Value = decodeValue(dec)

	s.Proofs = make([][]byte, dec.count(4))
	for i := range s.Proofs {
		s.Proofs[i] = dec.bytes()
	}

	n := dec.count(10)
	s.WriteSet = make(map[int64]string, n)
	for range n {
		ts := dec.int64()
		s.WriteSet[ts] = dec.string()
	}
}

// Collect carries States the leader collected for an instance.
type Collect struct {
	Instance  uint32
	Collected map[depchain.ProcessID]*State
}

func (*Collect) Type() MessageType { return TypeCollect }

func (c *Collect) encode(enc *encoder) {
	enc.int32(int32(c.Instance))

	ids := make([]depchain.ProcessID, 0, len(c.Collected))
	for id := range c.Collected {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	enc.int32(int32(len(ids)))
	for _, id := range ids {
		enc.int32(int32(id))
		c.Collected[id].encode(enc)
	}
}

func (c *Collect) decode(dec *decoder) {
	c.Instance = uint32(dec.int32())

	// pid, instance, timestamp, presence, proofs count and write set count
	n := dec.count(25)
	c.Collected = make(map[depchain.ProcessID]*State, n)
	for range n {
		id := depchain.ProcessID(dec.int32())
		state := &State{}
		state.decode(dec)
		if dec.err != nil {
			return
		}
		c.Collected[id] = state
	}
}

// Write proposes a value for acceptance at the given timestamp.
type Write struct {
	Instance  uint32
	Timestamp int64
	Value     depchain.Value
}

func (*Write) Type() MessageType { return TypeWrite }

func (w *Write) encode(enc *encoder) {
	enc.int32(int32(w.Instance))
	enc.int64(w.Timestamp)
	encodeValue(enc, w.Value)
}

func (w *Write) decode(dec *decoder) {
	w.Instance = uint32(dec.int32())
	w.Timestamp = dec.int64()
	w.Value = decodeValue(dec)
}

// AckValue acknowledges acceptance of a written value.
type AckValue struct {
	Instance  uint32
	Timestamp int64
	Value     depchain.Value
}

func (*AckValue) Type() MessageType { return TypeAck }

func (a *AckValue) encode(enc *encoder) {
	enc.int32(int32(a.Instance))
	enc.int64(a.Timestamp)
	encodeValue(enc, a.Value)
}

func (a *AckValue) decode(dec *decoder) {
	a.Instance = uint32(dec.int32())
	a.Timestamp = dec.int64()
	a.Value = decodeValue(dec)
}

// Decide announces the decided value of an instance.
type Decide struct {
	Instance uint32
	Value    depchain.Value
}

func (*Decide) Type() MessageType { return TypeDecide }

func (d *Decide) encode(enc *encoder) {
	enc.int32(int32(d.Instance))
	encodeValue(enc, d.Value)
}

func (d *Decide) decode(dec *decoder) {
	d.Instance = uint32(dec.int32())
	d.Value = decodeValue(dec)
}

func encodeValue(enc *encoder, v depchain.Value) {
	if !v.Present {
		enc.uint8(0)
		return
	}
	enc.uint8(1)
	enc.string(v.Data)
}

func decodeValue(dec *decoder) depchain.Value {
	if !dec.bool() {
		return depchain.None
	}
	return depchain.Some(dec.string())
}

// ConsensusMessage is a Payload signed by the process that produced it.
type ConsensusMessage struct {
	Payload   Payload
	Signature []byte

	// content as received, so that signatures are checked over exact bytes
	content []byte
}

// Content returns the signed part of the message: the type, length and encoded payload.
func (m *ConsensusMessage) Content() ([]byte, error) {
	if m.content != nil {
		return m.content, nil
	}
	if m.Payload == nil {
		return nil, fmt.Errorf("encoding consensus message: nil payload")
	}

	body := &encoder{}
	m.Payload.encode(body)
	if body.err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", m.Payload.Type(), body.err)
	}

	enc := &encoder{buf: make([]byte, 0, 8+len(body.buf))}
	enc.int32(int32(m.Payload.Type()))
	enc.bytes(body.buf)
	return enc.buf, enc.err
}

func (m *ConsensusMessage) MarshalBinary() ([]byte, error) {
	content, err := m.Content()
	if err != nil {
		return nil, err
	}

	enc := &encoder{buf: make([]byte, 0, len(content)+4+len(m.Signature))}
	enc.buf = append(enc.buf, content...)
	enc.bytes(m.Signature)
	return enc.buf, enc.err
}

func (m *ConsensusMessage) UnmarshalBinary(data []byte) error {
	dec := &decoder{buf: data}
	typ := MessageType(dec.int32())
	body := dec.next(int(dec.int32()))
	contentLen := dec.off
	sig := dec.bytes()
	if err := dec.finish(); err != nil {
		return fmt.Errorf("decoding consensus message: %w", err)
	}

	payload, err := newPayload(typ)
	if err != nil {
		return fmt.Errorf("decoding consensus message: %w", err)
	}
	bodyDec := &decoder{buf: body}
	payload.decode(bodyDec)
	if err := bodyDec.finish(); err != nil {
		return fmt.Errorf("decoding %s payload: %w", typ, err)
	}

	*m = ConsensusMessage{
		Payload:   payload,
		Signature: sig,
		content:   append([]byte{}, data[:contentLen]...),
	}
	return nil
}

// PeekMessageType reads the phase tag of a serialized ConsensusMessage without decoding it.
// It returns NoType if the data is not a consensus message.
func PeekMessageType(data []byte) MessageType {
	dec := &decoder{buf: data}
	typ := MessageType(dec.int32())
	if dec.err != nil || typ < TypeRead || typ > TypeDecide {
		return NoType
	}
	return typ
}
