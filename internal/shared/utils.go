// Package shared provides utility functions for working with random bytes
// and secure memory wiping.
package shared

import "crypto/rand"

// RandBytes generates size cryptographically secure random bytes.
// It returns an error if the random number generator fails.
func RandBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// WipeByteArray overwrites the contents of the provided byte slice with zeros.
// This is useful for removing sensitive data such as passwords or cryptographic
// keys from memory after use.
//
// If the slice is nil, the function does nothing.
func WipeByteArray(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
