package consensus

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/crypto"
	"github.com/iykyk-syn/depchain/wire"
)

const (
	proofDigestSize = 64
	// maxProofs bounds the proofs a process accumulates and accepts in a State
	maxProofs = 8
	// maxWriteSet bounds the write set a process keeps and accepts in a State
	maxWriteSet = 16
)

var errInvalidProof = errors.New("invalid value proof")

// proofDigest hashes the (timestamp, value) pair a proof signs with 64B SHAKE256.
func proofDigest(ts int64, v depchain.Value) []byte {
	data := make([]byte, 0, 9+len(v.Data))
	data = binary.BigEndian.AppendUint64(data, uint64(ts))
	if v.Present {
		data = append(data, 1)
		data = append(data, v.Data...)
	} else {
		data = append(data, 0)
	}

	h := make([]byte, proofDigestSize)
	sha3.ShakeSum256(h, data)
	return h
}

// prove signs the (timestamp, value) pair of the replica.
func prove(signer crypto.Signer, ts int64, v depchain.Value) ([]byte, error) {
	return signer.Sign(proofDigest(ts, v))
}

// verifyProofs checks the State reported by the given process is backed by its own signature
// over the reported (timestamp, value) pair. Earlier proofs refer to pairs the State no longer
// carries and are only checked for bounds.
func verifyProofs(verifier crypto.Verifier, from depchain.ProcessID, s *wire.State) error {
	switch {
	case len(s.Proofs) == 0:
		return fmt.Errorf("%w: no proofs", errInvalidProof)
	case len(s.Proofs) > maxProofs:
		return fmt.Errorf("%w: %d proofs", errInvalidProof, len(s.Proofs))
	case len(s.WriteSet) > maxWriteSet:
		return fmt.Errorf("%w: write set of %d", errInvalidProof, len(s.WriteSet))
	}

	latest := s.Proofs[len(s.Proofs)-1]
	if err := verifier.Verify(from, proofDigest(s.Timestamp, s.Value), latest); err != nil {
		return fmt.Errorf("%w: %w", errInvalidProof, err)
	}
	return nil
}
