// Package cryptox implements the server's symmetric crypto: XSalsa20-Poly1305
// (nacl/secretbox) message encryption under a session key that is itself
// stored on disk sealed under a master key. Key material lives in
// memguard-protected memory and is wiped when no longer needed.
package cryptox

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/huxley-im/huxley/internal/common"
	"github.com/huxley-im/huxley/internal/shared"
)

const (
	// KeySize is the size of both the master and the session key.
	KeySize = 32
	// NonceSize is the secretbox nonce size.
	NonceSize = 24
	// TagSize is the Poly1305 authenticator appended to every ciphertext.
	TagSize = secretbox.Overhead
	// SealedKeySize is the sealed session key blob: tag plus key.
	SealedKeySize = TagSize + KeySize
)

// CipherMessage couples a ciphertext with the nonce it was sealed under.
// The Poly1305 tag is part of Ciphertext.
type CipherMessage struct {
	Nonce      []byte
	Ciphertext []byte
}

// Engine holds the unsealed session key and performs authenticated
// encryption of message payloads.
type Engine struct {
	key *memguard.LockedBuffer
}

// NewEngine bootstraps the engine from the on-disk key material:
// a 32-byte master key and a sealed session key file laid out as a 24-byte
// nonce followed by the 48-byte sealed blob. The master key is wiped as soon
// as the session key has been recovered. Any size or authentication failure
// is a construction error.
func NewEngine(masterKeyPath, sessionKeyPath string) (*Engine, error) {
	raw, err := os.ReadFile(masterKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	if len(raw) != KeySize {
		shared.WipeByteArray(raw)
		return nil, fmt.Errorf("master key has an invalid size: %d", len(raw))
	}

	// NewBufferFromBytes wipes raw; the only long-lived copy is page-locked.
	master := memguard.NewBufferFromBytes(raw)
	defer master.Destroy()

	sealed, err := os.ReadFile(sessionKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read sealed session key: %w", err)
	}
	if len(sealed) != NonceSize+SealedKeySize {
		return nil, fmt.Errorf("sealed session key has an invalid size: %d", len(sealed))
	}

	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])

	session, ok := secretbox.Open(nil, sealed[NonceSize:], &nonce, (*[KeySize]byte)(master.Bytes()))
	if !ok {
		return nil, fmt.Errorf("unseal session key: %w", common.ErrDecrypt)
	}

	return &Engine{key: memguard.NewBufferFromBytes(session)}, nil
}

// Encrypt seals plaintext under the session key with a fresh random nonce.
func (e *Engine) Encrypt(plaintext []byte) (CipherMessage, error) {
	if e.key == nil {
		return CipherMessage{}, common.ErrKeyNotLoaded
	}

	nonceBytes, err := shared.RandBytes(NonceSize)
	if err != nil {
		return CipherMessage{}, fmt.Errorf("generate nonce: %w", err)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], nonceBytes)

	ciphertext := secretbox.Seal(nil, plaintext, &nonce, (*[KeySize]byte)(e.key.Bytes()))
	return CipherMessage{Nonce: nonceBytes, Ciphertext: ciphertext}, nil
}

// Decrypt opens a stored cipher message. It returns common.ErrDecrypt on any
// size violation or authentication failure.
func (e *Engine) Decrypt(msg CipherMessage) ([]byte, error) {
	if e.key == nil {
		return nil, common.ErrKeyNotLoaded
	}
	if len(msg.Nonce) != NonceSize || len(msg.Ciphertext) < TagSize {
		return nil, common.ErrDecrypt
	}

	var nonce [NonceSize]byte
	copy(nonce[:], msg.Nonce)

	plaintext, ok := secretbox.Open(nil, msg.Ciphertext, &nonce, (*[KeySize]byte)(e.key.Bytes()))
	if !ok {
		return nil, common.ErrDecrypt
	}
	return plaintext, nil
}

// Destroy wipes the session key. The engine is unusable afterwards.
func (e *Engine) Destroy() {
	if e.key != nil {
		e.key.Destroy()
		e.key = nil
	}
}
