package crypto

import "github.com/iykyk-syn/depchain"

// Signer encapsulates and separates asymmetric cryptographic schema out of protocol logic
// together with private key management.
type Signer interface {
	// ID returns identity of the signing process.
	ID() depchain.ProcessID
	// Sign produces a cryptographic signature over the given data with internally managed identity.
	Sign([]byte) ([]byte, error)
}

// Verifier verifies signatures on behalf of a known set of processes.
type Verifier interface {
	// Verify checks the signature of the given data against the public key of the given process.
	Verify(signer depchain.ProcessID, data []byte, signature []byte) error
}
