package cryptox

import (
	"fmt"
	"os"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/huxley-im/huxley/internal/filex"
	"github.com/huxley-im/huxley/internal/shared"
)

// GenerateKey produces a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	return shared.RandBytes(KeySize)
}

// SealSessionKey encrypts session under master and returns the on-disk blob
// layout: 24-byte nonce followed by the 48-byte sealed key.
func SealSessionKey(master, session []byte) ([]byte, error) {
	if len(master) != KeySize || len(session) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes", KeySize)
	}

	nonceBytes, err := shared.RandBytes(NonceSize)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], nonceBytes)

	blob := make([]byte, 0, NonceSize+SealedKeySize)
	blob = append(blob, nonceBytes...)
	blob = secretbox.Seal(blob, session, &nonce, (*[KeySize]byte)(master))
	return blob, nil
}

// ProvisionKeys generates a master and a session key and writes both files in
// the format NewEngine expects: the raw master key (0600, parent directory
// 0700) and the sealed session key blob (0600). The provisioning CLI and the
// test suites share this path.
func ProvisionKeys(masterKeyPath, sessionKeyPath string) error {
	master, err := GenerateKey()
	if err != nil {
		return fmt.Errorf("generate master key: %w", err)
	}
	defer shared.WipeByteArray(master)

	session, err := GenerateKey()
	if err != nil {
		return fmt.Errorf("generate session key: %w", err)
	}
	defer shared.WipeByteArray(session)

	blob, err := SealSessionKey(master, session)
	if err != nil {
		return fmt.Errorf("seal session key: %w", err)
	}

	if _, err := filex.EnsureParentDir(masterKeyPath, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(masterKeyPath, master, 0o600); err != nil {
		return fmt.Errorf("write master key: %w", err)
	}

	if _, err := filex.EnsureParentDir(sessionKeyPath, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(sessionKeyPath, blob, 0o600); err != nil {
		return fmt.Errorf("write sealed session key: %w", err)
	}
	return nil
}
