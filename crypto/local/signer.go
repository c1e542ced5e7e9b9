// Package local provides a Signer over a private key kept in process memory.
package local

import (
	"fmt"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/crypto"
)

var _ crypto.Signer = (*Signer)(nil)

// Signer signs on behalf of a single process.
// Its signatures are verified through the membership, which knows the keys of every process.
type Signer struct {
	id  depchain.ProcessID
	key crypto.PrivKey
}

func NewSigner(id depchain.ProcessID, key crypto.PrivKey) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("process %s: nil private key", id)
	}
	return &Signer{id: id, key: key}, nil
}

func (s *Signer) ID() depchain.ProcessID {
	return s.id
}

func (s *Signer) Sign(data []byte) ([]byte, error) {
	sig, err := s.key.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("process %s: signing: %w", s.id, err)
	}
	return sig, nil
}
