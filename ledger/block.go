package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/iykyk-syn/depchain"
)

// HashSize is the size of block hashes.
const HashSize = sha256.Size

var errMalformedBlock = errors.New("malformed block")

// Block records a single decided value linked to the block before it.
type Block struct {
	Number   uint64
	Instance uint32
	Prev     []byte
	Value    depchain.Value
	// Time the block was appended locally. It is not hashed, so that every process
	// derives the same chain out of the same decisions.
	Time time.Time

	hash []byte
}

// NewBlock makes the Block following the one with the prev hash.
func NewBlock(number uint64, prev []byte, d depchain.Decision, t time.Time) *Block {
	return &Block{
		Number:   number,
		Instance: d.Instance,
		Prev:     prev,
		Value:    d.Value,
		Time:     t.UTC(),
	}
}

// Hash returns SHA-256 of the canonical Block encoding.
func (b *Block) Hash() []byte {
	if b.hash != nil {
		return b.hash
	}

	bin, err := b.MarshalBinary()
	if err != nil {
		panic(err)
	}
	h := sha256.Sum256(bin)
	b.hash = h[:]
	return b.hash
}

// Decision returns the Decision recorded by the Block.
func (b *Block) Decision() depchain.Decision {
	return depchain.Decision{Instance: b.Instance, Value: b.Value}
}

func (b *Block) String() string {
	return fmt.Sprintf("Block{%d: %X}", b.Number, b.Hash())
}

func (b *Block) MarshalBinary() ([]byte, error) {
	if len(b.Prev) != HashSize {
		return nil, fmt.Errorf("%w: previous hash of %d bytes", errMalformedBlock, len(b.Prev))
	}

	data := make([]byte, 0, 8+4+HashSize+1+len(b.Value.Data))
	data = binary.BigEndian.AppendUint64(data, b.Number)
	data = binary.BigEndian.AppendUint32(data, b.Instance)
	data = append(data, b.Prev...)
	if b.Value.Present {
		data = append(data, 1)
		data = append(data, b.Value.Data...)
	} else {
		data = append(data, 0)
	}
	return data, nil
}

func (b *Block) UnmarshalBinary(data []byte) error {
	const header = 8 + 4 + HashSize + 1
	if len(data) < header {
		return fmt.Errorf("%w: %d bytes", errMalformedBlock, len(data))
	}

	blk := Block{
		Number:   binary.BigEndian.Uint64(data),
		Instance: binary.BigEndian.Uint32(data[8:]),
		Prev:     append([]byte{}, data[12:12+HashSize]...),
	}
	switch data[header-1] {
	case 0:
		if len(data) != header {
			return fmt.Errorf("%w: absent value with data", errMalformedBlock)
		}
	case 1:
		blk.Value = depchain.Some(string(data[header:]))
	default:
		return fmt.Errorf("%w: invalid presence flag", errMalformedBlock)
	}

	*b = blk
	return nil
}
