package wire

import (
	"fmt"

	"github.com/iykyk-syn/depchain"
)

// EnvelopeType distinguishes payload carrying envelopes from acknowledgments.
type EnvelopeType int32

const (
	Data EnvelopeType = iota
	Ack
)

func (t EnvelopeType) String() string {
	switch t {
	case Data:
		return "DATA"
	case Ack:
		return "ACK"
	default:
		return fmt.Sprintf("EnvelopeType(%d)", int32(t))
	}
}

// noAck is the acknowledged sequence number of DATA envelopes on the wire,
// unless they carry Acked.
const noAck = -1

// Envelope is the unit of the link layer.
// DATA envelopes carry Payload, while ACK envelopes reference a prior DATA envelope
// through AckSequence.
type Envelope struct {
	Type        EnvelopeType
	Sequence    uint64
	AckSequence uint64
	// Acked is set on DATA envelopes by senders that had every sequence below it acknowledged.
	// It travels in the acknowledged sequence slot, which is otherwise unused by DATA.
	// Zero means unknown.
	Acked uint64
	// Payload is nil for ACK envelopes.
	Payload []byte
}

// NewData makes a DATA Envelope.
func NewData(seq uint64, payload []byte) *Envelope {
	return &Envelope{Type: Data, Sequence: seq, Payload: payload}
}

// NewAck makes an ACK Envelope acknowledging the DATA Envelope with the given sequence.
func NewAck(seq uint64) *Envelope {
	return &Envelope{Type: Ack, Sequence: seq, AckSequence: seq}
}

func (e *Envelope) MarshalBinary() ([]byte, error) {
	enc := &encoder{buf: make([]byte, 0, 24+len(e.Payload))}
	enc.int32(int32(e.Type))
	enc.int64(int64(e.Sequence))
	switch {
	case e.Type == Data && (e.Acked == 0 || int64(e.Acked) < 0):
		enc.int64(noAck)
	case e.Type == Data:
		enc.int64(int64(e.Acked))
	default:
		enc.int64(int64(e.AckSequence))
	}
	if e.Payload == nil {
		enc.int32(-1)
	} else {
		enc.bytes(e.Payload)
	}
	return enc.buf, enc.err
}

func (e *Envelope) UnmarshalBinary(data []byte) error {
	dec := &decoder{buf: data}
	typ := EnvelopeType(dec.int32())
	seq := dec.int64()
	ackSeq := dec.int64()

	var payload []byte
	if n := dec.int32(); n != -1 {
		payload = dec.next(int(n))
		if payload != nil {
			payload = append([]byte{}, payload...)
		}
	}
	if err := dec.finish(); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}

	var acked uint64
	switch typ {
	case Data:
		if payload == nil {
			return fmt.Errorf("decoding envelope: DATA without payload: %w", ErrTruncated)
		}
		if ackSeq > 0 {
			acked = uint64(ackSeq)
		}
		ackSeq = 0
	case Ack:
	default:
		return fmt.Errorf("decoding envelope: %w: %d", ErrUnknownType, typ)
	}

	*e = Envelope{
		Type:        typ,
		Sequence:    uint64(seq),
		AckSequence: uint64(ackSeq),
		Acked:       acked,
		Payload:     payload,
	}
	return nil
}

// SignedEnvelope wraps serialized Envelope together with the signature of its sender.
type SignedEnvelope struct {
	Sender depchain.ProcessID
	// Body is the exact serialized Envelope covered by the Signature.
	Body      []byte
	Signature []byte
}

// Envelope decodes the signed Body.
func (s *SignedEnvelope) Envelope() (*Envelope, error) {
	env := &Envelope{}
	return env, env.UnmarshalBinary(s.Body)
}

func (s *SignedEnvelope) MarshalBinary() ([]byte, error) {
	enc := &encoder{buf: make([]byte, 0, 12+len(s.Body)+len(s.Signature))}
	enc.int32(int32(s.Sender))
	enc.bytes(s.Body)
	enc.bytes(s.Signature)
	return enc.buf, enc.err
}

func (s *SignedEnvelope) UnmarshalBinary(data []byte) error {
	dec := &decoder{buf: data}
	sender := depchain.ProcessID(dec.int32())
	body := dec.bytes()
	sig := dec.bytes()
	if err := dec.finish(); err != nil {
		return fmt.Errorf("decoding signed envelope: %w", err)
	}

	*s = SignedEnvelope{Sender: sender, Body: body, Signature: sig}
	return nil
}
