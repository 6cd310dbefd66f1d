package owlwhisper

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity holds the engine's long-term keypair. The private key never
// leaves this struct except as marshaled bytes produced by Bytes; the peer ID
// is a deterministic multihash of the public key and can always be recomputed
// for verification.
type Identity struct {
	priv   crypto.PrivKey
	pub    crypto.PubKey
	peerID peer.ID
}

// GenerateKeyPair creates a fresh Ed25519 keypair using a cryptographically
// secure random source and returns the marshaled private and public keys.
func GenerateKeyPair() (privBytes, pubBytes []byte, err error) {
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating keypair: %w", err)
	}
	privBytes, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling private key: %w", err)
	}
	pubBytes, err = crypto.MarshalPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return privBytes, pubBytes, nil
}

// NewIdentity generates a fresh identity.
func NewIdentity() (*Identity, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	return identityFromKey(priv)
}

// IdentityFromBytes reconstructs an identity from marshaled private key
// bytes. Malformed or truncated material yields ErrInvalidKeyMaterial; the
// caller is expected to fail startup in that case instead of generating a
// replacement key.
func IdentityFromBytes(b []byte) (*Identity, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty key bytes", ErrInvalidKeyMaterial)
	}
	priv, err := crypto.UnmarshalPrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	return identityFromKey(priv)
}

// IdentityFromHex reconstructs an identity from a hex-encoded marshaled
// private key, the form used in configuration files.
func IdentityFromHex(s string) (*Identity, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex: %v", ErrInvalidKeyMaterial, err)
	}
	return IdentityFromBytes(b)
}

func identityFromKey(priv crypto.PrivKey) (*Identity, error) {
	pub := priv.GetPublic()
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving peer ID: %v", ErrInvalidKeyMaterial, err)
	}
	return &Identity{priv: priv, pub: pub, peerID: id}, nil
}

// PeerID returns the stable peer identifier derived from the public key.
func (i *Identity) PeerID() peer.ID {
	return i.peerID
}

// PublicKey returns the public half of the keypair.
func (i *Identity) PublicKey() crypto.PubKey {
	return i.pub
}

// Bytes returns the marshaled private key, suitable for IdentityFromBytes.
func (i *Identity) Bytes() ([]byte, error) {
	return crypto.MarshalPrivateKey(i.priv)
}

// Hex returns the hex-encoded marshaled private key.
func (i *Identity) Hex() (string, error) {
	b, err := i.Bytes()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// privKey exposes the private key to the host constructor and the session
// layer inside this package.
func (i *Identity) privKey() crypto.PrivKey {
	return i.priv
}

// LoadOrCreateIdentity loads the identity stored at path, creating and
// persisting a fresh one if the file does not exist. A file that exists but
// fails to parse is an error: startup must not silently replace an identity.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	switch {
	case err == nil:
		return IdentityFromBytes(data)
	case os.IsNotExist(err):
		// fall through to creation
	default:
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	ident, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	keyData, err := ident.Bytes()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating identity directory: %w", err)
		}
	}
	if err := os.WriteFile(path, keyData, 0o600); err != nil {
		return nil, fmt.Errorf("persisting identity: %w", err)
	}
	return ident, nil
}
