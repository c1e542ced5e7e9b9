package crypto

// PubKey is a public key able to verify signatures produced by its PrivKey.
type PubKey interface {
	// VerifySignature reports whether sig is a valid signature of msg.
	VerifySignature(msg []byte, sig []byte) bool
	// Bytes returns raw bytes of the key.
	Bytes() []byte
	Equals([]byte) bool
	Type() string
}

// PrivKey is a private key signing arbitrary messages.
type PrivKey interface {
	Sign([]byte) ([]byte, error)
	PubKey() PubKey
	Equals([]byte) bool
	Type() string
}
