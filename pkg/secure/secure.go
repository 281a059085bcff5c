// Package secure provides a message-level encryption hook for the LE adapter.
//
// Each message is sealed with ChaCha20-Poly1305 under a key shared by both
// peers. When both sides know their own address, a per-link key is derived
// from the shared key with HKDF so that every pair of devices uses a
// different key.
package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"avaneesh/blefrag/pkg/internal/logger"
	"avaneesh/blefrag/pkg/leadapter"
)

var (
	ErrKeySize = errors.New("key must be 32 bytes")
	ErrDecrypt = errors.New("message authentication failed")
)

const (
	// KeySize is the shared key length
	KeySize = chacha20poly1305.KeySize
	// Overhead is the number of bytes added to every message
	Overhead = chacha20poly1305.NonceSize + chacha20poly1305.Overhead
)

// Config configures a Hook
type Config struct {
	// Key is the shared secret
	Key []byte

	// LocalAddress enables per-link keys when set. Both peers must set it.
	LocalAddress string

	Logger logger.Logger
}

// Hook implements leadapter.SecureHook and leadapter.SessionCloser
type Hook struct {
	key    []byte
	local  string
	logger logger.Logger

	mu       sync.Mutex
	sessions map[string]cipher.AEAD
}

var (
	_ leadapter.SecureHook    = (*Hook)(nil)
	_ leadapter.SessionCloser = (*Hook)(nil)
)

// New creates a hook
func New(config Config) (*Hook, error) {
	if len(config.Key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrKeySize, len(config.Key))
	}
	if config.Logger == nil {
		config.Logger = logger.NewNoOpLogger()
	}
	return &Hook{
		key:      append([]byte(nil), config.Key...),
		local:    config.LocalAddress,
		logger:   config.Logger,
		sessions: make(map[string]cipher.AEAD),
	}, nil
}

// session returns the AEAD for a peer, creating it on first use
func (h *Hook) session(address string) (cipher.AEAD, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if aead, ok := h.sessions[address]; ok {
		return aead, nil
	}

	key, err := h.linkKey(address)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	h.sessions[address] = aead
	h.logger.Debug("secure: session opened for %s", address)
	return aead, nil
}

// linkKey derives the key for the link between the local device and peer.
// The address pair is ordered so both ends derive the same key.
func (h *Hook) linkKey(peer string) ([]byte, error) {
	if h.local == "" {
		return h.key, nil
	}
	a, b := h.local, peer
	if b < a {
		a, b = b, a
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, h.key, nil, []byte("blefrag link "+a+"|"+b))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals plaintext for ep. The output is nonce || ciphertext || tag.
func (h *Hook) Encrypt(ep leadapter.Endpoint, plaintext []byte) ([]byte, error) {
	aead, err := h.session(ep.Address)
	if err != nil {
		return nil, err
	}

	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out, plaintext, nil), nil
}

// Decrypt opens a message sealed by the peer's Encrypt
func (h *Hook) Decrypt(ep leadapter.Endpoint, ciphertext []byte) ([]byte, error) {
	aead, err := h.session(ep.Address)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes from %s", ErrDecrypt, len(ciphertext), ep)
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: from %s", ErrDecrypt, ep)
	}
	return plaintext, nil
}

// CloseSession forgets the session state of a disconnected peer
func (h *Hook) CloseSession(address string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[address]; ok {
		delete(h.sessions, address)
		h.logger.Debug("secure: session closed for %s", address)
	}
}

// Sessions returns the number of open sessions
func (h *Hook) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
