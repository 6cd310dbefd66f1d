package owlwhisper

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/hkdf"
)

// keyExchangeContext domain-separates the signatures exchanged during session
// establishment from any other use of the identity key.
const keyExchangeContext = "owlwhisper/keyx/1.0.0:"

// sessionKeyInfo is the HKDF info string for session key derivation.
const sessionKeyInfo = "owlwhisper/session-key/v1"

// keyExchangeFrame is the single JSON frame each side sends during the
// session handshake. The ephemeral public key is signed with the long-term
// identity key, proving that whoever negotiated the secure channel also
// controls this exchange; session keys never derive from the identity key
// itself, so compromise of the identity does not expose past traffic.
type keyExchangeFrame struct {
	Ephemeral []byte `json:"ephemeral"`
	Signature []byte `json:"signature"`
}

// sessionManager owns per-connection symmetric keys. Keys are directional: a
// key established by the local side encrypts outbound messages, a key
// established by the remote side decrypts inbound ones. Both directions are
// dropped when the connection goes away.
type sessionManager struct {
	host     host.Host
	identity *Identity
	logger   Logger

	mu       sync.RWMutex
	sendKeys map[peer.ID][]byte
	recvKeys map[peer.ID][]byte
}

func newSessionManager(h host.Host, ident *Identity, logger Logger) *sessionManager {
	sm := &sessionManager{
		host:     h,
		identity: ident,
		logger:   logger,
		sendKeys: make(map[peer.ID][]byte),
		recvKeys: make(map[peer.ID][]byte),
	}
	h.SetStreamHandler(keyExchangeProtocolID, sm.handleExchangeStream)
	return sm
}

// sendKey returns the outbound session key for p, running the ephemeral
// exchange if none is established yet.
func (sm *sessionManager) sendKey(ctx context.Context, p peer.ID) ([]byte, error) {
	sm.mu.RLock()
	key, ok := sm.sendKeys[p]
	sm.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := sm.establish(ctx, p)
	if err != nil {
		return nil, err
	}
	sm.mu.Lock()
	sm.sendKeys[p] = key
	sm.mu.Unlock()
	return key, nil
}

// recvKey returns the inbound session key for p, if the remote side has
// established one.
func (sm *sessionManager) recvKey(p peer.ID) ([]byte, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	key, ok := sm.recvKeys[p]
	return key, ok
}

// drop forgets both directions for p. Called on disconnect so the next
// connection performs a fresh exchange.
func (sm *sessionManager) drop(p peer.ID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sendKeys, p)
	delete(sm.recvKeys, p)
}

// establish runs the initiator side of the exchange over a dedicated stream.
func (sm *sessionManager) establish(ctx context.Context, p peer.ID) ([]byte, error) {
	s, err := sm.host.NewStream(ctx, p, keyExchangeProtocolID)
	if err != nil {
		return nil, fmt.Errorf("%w: opening key exchange stream: %v", ErrEncryptionFailure, err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			sm.logger.Debugf("[Session] error closing exchange stream: %v", cerr)
		}
	}()

	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generating ephemeral key: %v", ErrEncryptionFailure, err)
	}

	if err := sm.writeFrame(s, eph); err != nil {
		return nil, err
	}
	remoteEph, err := sm.readFrame(s, p)
	if err != nil {
		return nil, err
	}
	return deriveSessionKey(eph, remoteEph)
}

// handleExchangeStream runs the responder side.
func (sm *sessionManager) handleExchangeStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	defer func() {
		if err := s.Close(); err != nil {
			sm.logger.Debugf("[Session] error closing exchange stream: %v", err)
		}
	}()

	remoteEph, err := sm.readFrame(s, remote)
	if err != nil {
		sm.logger.Warnf("[Session] key exchange with %s failed: %v", remote.ShortString(), err)
		return
	}

	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		sm.logger.Errorf("[Session] generating ephemeral key: %v", err)
		return
	}
	key, err := deriveSessionKey(eph, remoteEph)
	if err != nil {
		sm.logger.Errorf("[Session] deriving session key for %s: %v", remote.ShortString(), err)
		return
	}

	// Store before answering: the moment the response frame is out, the
	// initiator may send its first chat frame, and it must find the key.
	sm.mu.Lock()
	sm.recvKeys[remote] = key
	sm.mu.Unlock()

	if err := sm.writeFrame(s, eph); err != nil {
		sm.logger.Warnf("[Session] key exchange with %s failed: %v", remote.ShortString(), err)
		sm.mu.Lock()
		delete(sm.recvKeys, remote)
		sm.mu.Unlock()
		return
	}
	sm.logger.Debugf("[Session] established inbound session with %s", remote.ShortString())
}

func (sm *sessionManager) writeFrame(s network.Stream, eph *ecdh.PrivateKey) error {
	pub := eph.PublicKey().Bytes()
	sig, err := sm.identity.privKey().Sign(append([]byte(keyExchangeContext), pub...))
	if err != nil {
		return fmt.Errorf("%w: signing ephemeral key: %v", ErrEncryptionFailure, err)
	}
	frame := keyExchangeFrame{Ephemeral: pub, Signature: sig}
	if err := json.NewEncoder(s).Encode(&frame); err != nil {
		return fmt.Errorf("%w: writing exchange frame: %v", ErrEncryptionFailure, err)
	}
	return nil
}

// readFrame reads and authenticates the remote exchange frame. The signature
// must verify against the identity key bound to the remote peer ID by the
// secured channel; a mismatch means someone mid-stream is replaying frames.
func (sm *sessionManager) readFrame(s network.Stream, remote peer.ID) (*ecdh.PublicKey, error) {
	var frame keyExchangeFrame
	if err := json.NewDecoder(s).Decode(&frame); err != nil {
		return nil, fmt.Errorf("%w: reading exchange frame: %v", ErrEncryptionFailure, err)
	}

	remotePub := sm.host.Peerstore().PubKey(remote)
	if remotePub == nil {
		return nil, fmt.Errorf("%w: no public key for %s", ErrAuthFailed, remote)
	}
	ok, err := remotePub.Verify(append([]byte(keyExchangeContext), frame.Ephemeral...), frame.Signature)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: ephemeral key signature from %s did not verify", ErrAuthFailed, remote)
	}

	pub, err := ecdh.X25519().NewPublicKey(frame.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ephemeral key from %s: %v", ErrAuthFailed, remote, err)
	}
	return pub, nil
}

// deriveSessionKey computes the shared AES-256 key from the local ephemeral
// private key and the remote ephemeral public key. The HKDF salt is the
// lexicographic concatenation of both ephemeral public keys so both sides
// derive the same key regardless of who initiated.
func deriveSessionKey(local *ecdh.PrivateKey, remote *ecdh.PublicKey) ([]byte, error) {
	shared, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: computing shared secret: %v", ErrEncryptionFailure, err)
	}

	a, b := local.PublicKey().Bytes(), remote.Bytes()
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	salt := append(append([]byte{}, a...), b...)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(sessionKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("%w: deriving session key: %v", ErrEncryptionFailure, err)
	}
	return key, nil
}

// sealPayload encrypts plaintext with AES-256-GCM under key, prepending the
// random nonce to the ciphertext.
func sealPayload(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// openPayload reverses sealPayload.
func openPayload(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailure)
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	return plaintext, nil
}
