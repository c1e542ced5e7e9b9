package membership

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/crypto"
	"github.com/iykyk-syn/depchain/crypto/ed25519"
)

type config struct {
	Nodes []nodeConfig `json:"nodes"`
}

type nodeConfig struct {
	ID   depchain.ProcessID `json:"id"`
	Host string             `json:"host"`
	Port int                `json:"port"`
	// PublicKey is base64 of the libp2p marshalled public key.
	PublicKey string `json:"publicKey"`
	Leader    bool   `json:"leader,omitempty"`
}

// Load reads Membership from the JSON file at the given path.
func Load(path string) (*Membership, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading membership: %w", err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("membership %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes Membership from JSON.
func Parse(data []byte) (*Membership, error) {
	var cfg config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decoding membership: %w", err)
	}

	processes := make([]Process, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		pubKey, err := decodePublicKey(node.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("process %s: %w", node.ID, err)
		}

		processes = append(processes, Process{
			ID:        node.ID,
			Host:      node.Host,
			Port:      node.Port,
			PublicKey: pubKey,
			Leader:    node.Leader,
		})
	}
	return New(processes)
}

// Marshal encodes Membership into JSON accepted by Parse.
func (m *Membership) Marshal() ([]byte, error) {
	cfg := config{Nodes: make([]nodeConfig, 0, m.Len())}
	for _, p := range m.Processes() {
		pubKey, err := encodePublicKey(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("process %s: %w", p.ID, err)
		}

		cfg.Nodes = append(cfg.Nodes, nodeConfig{
			ID:        p.ID,
			Host:      p.Host,
			Port:      p.Port,
			PublicKey: pubKey,
			Leader:    p.Leader,
		})
	}
	return json.MarshalIndent(cfg, "", "  ")
}

// PeerID returns libp2p peer ID derived from the process key, used to identify processes in logs.
func (p Process) PeerID() (peer.ID, error) {
	pubKey, err := libp2pcrypto.UnmarshalEd25519PublicKey(p.PublicKey.Bytes())
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pubKey)
}

// GenerateKey generates a new ed25519 private key.
func GenerateKey() (crypto.PrivKey, error) {
	p2pKey, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyRaw, err := p2pKey.Raw()
	if err != nil {
		return nil, err
	}
	return ed25519.BytesToPrivKey(keyRaw)
}

// LoadPrivateKey reads a libp2p marshalled ed25519 private key from the given path.
func LoadPrivateKey(path string) (crypto.PrivKey, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	p2pKey, err := libp2pcrypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("decoding private key %s: %w", path, err)
	}
	if p2pKey.Type() != libp2pcrypto.Ed25519 {
		return nil, fmt.Errorf("private key %s: unsupported key type %s", path, p2pKey.Type())
	}

	keyRaw, err := p2pKey.Raw()
	if err != nil {
		return nil, err
	}
	return ed25519.BytesToPrivKey(keyRaw)
}

// WritePrivateKey writes the private key to the given path in libp2p format.
func WritePrivateKey(path string, key crypto.PrivKey) error {
	p2pKey, err := libp2pcrypto.UnmarshalEd25519PrivateKey(privateKeyBytes(key))
	if err != nil {
		return err
	}

	keyBytes, err := libp2pcrypto.MarshalPrivateKey(p2pKey)
	if err != nil {
		return err
	}
	return os.WriteFile(path, keyBytes, 0o600)
}

func privateKeyBytes(key crypto.PrivKey) []byte {
	if key, ok := key.(ed25519.PrivateKey); ok {
		return key
	}
	return nil
}

func encodePublicKey(key crypto.PubKey) (string, error) {
	p2pKey, err := libp2pcrypto.UnmarshalEd25519PublicKey(key.Bytes())
	if err != nil {
		return "", err
	}

	keyBytes, err := libp2pcrypto.MarshalPublicKey(p2pKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(keyBytes), nil
}

func decodePublicKey(s string) (crypto.PubKey, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}

	p2pKey, err := libp2pcrypto.UnmarshalPublicKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if p2pKey.Type() != libp2pcrypto.Ed25519 {
		return nil, fmt.Errorf("unsupported key type %s", p2pKey.Type())
	}

	keyRaw, err := p2pKey.Raw()
	if err != nil {
		return nil, err
	}
	return ed25519.BytesToPubKey(keyRaw)
}
