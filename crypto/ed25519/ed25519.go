// Package ed25519 provides process keys signing with pure Ed25519.
package ed25519

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"github.com/iykyk-syn/depchain/crypto"
)

const KeyType = "ed25519"

// ErrKeyLength is returned when raw key bytes have unexpected length.
var ErrKeyLength = errors.New("invalid key length")

var (
	_ crypto.PubKey  = PublicKey(nil)
	_ crypto.PrivKey = PrivateKey(nil)
)

// PublicKey holds the raw 32 bytes of an Ed25519 public key.
type PublicKey []byte

func (k PublicKey) VerifySignature(msg []byte, sig []byte) bool {
	if len(k) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(k), msg, sig)
}

func (k PublicKey) Equals(other []byte) bool {
	return len(k) == ed25519.PublicKeySize && bytes.Equal(k, other)
}

func (k PublicKey) Bytes() []byte {
	return k
}

func (k PublicKey) Type() string {
	return KeyType
}

// PrivateKey holds the raw 64 bytes of an Ed25519 private key: the seed followed by the public key.
type PrivateKey []byte

// Sign signs the message. Signatures are deterministic, so equal messages get equal signatures.
func (k PrivateKey) Sign(msg []byte) ([]byte, error) {
	if len(k) != ed25519.PrivateKeySize {
		return nil, ErrKeyLength
	}
	return ed25519.Sign(ed25519.PrivateKey(k), msg), nil
}

func (k PrivateKey) PubKey() crypto.PubKey {
	return PublicKey(bytes.Clone(k[ed25519.SeedSize:]))
}

// Seed returns the 32 bytes seed the key derives from.
func (k PrivateKey) Seed() []byte {
	return k[:ed25519.SeedSize]
}

func (k PrivateKey) Equals(other []byte) bool {
	return len(other) == ed25519.PrivateKeySize && subtle.ConstantTimeCompare(k, other) == 1
}

func (k PrivateKey) Type() string {
	return KeyType
}

// GenKeys generates a fresh key pair.
func GenKeys() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return PublicKey(pub), PrivateKey(priv), nil
}

func BytesToPubKey(b []byte) (PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, ErrKeyLength
	}
	return PublicKey(bytes.Clone(b)), nil
}

// BytesToPrivKey accepts either a full private key or its seed.
func BytesToPrivKey(b []byte) (PrivateKey, error) {
	switch len(b) {
	case ed25519.PrivateKeySize:
		return PrivateKey(bytes.Clone(b)), nil
	case ed25519.SeedSize:
		return PrivateKey(ed25519.NewKeyFromSeed(b)), nil
	default:
		return nil, ErrKeyLength
	}
}
