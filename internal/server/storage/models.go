package storage

import "time"

// User is one row of the users table.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// StoredMessage is one row of the messages table. Ciphertext carries the
// Poly1305 tag; Nonce is the 24-byte secretbox nonce.
type StoredMessage struct {
	ID          int64
	SenderID    int64
	RecipientID int64
	Ciphertext  []byte
	Nonce       []byte
	Delivered   bool
	Timestamp   time.Time
}

// AuditEntry is one row of the append-only logs table.
type AuditEntry struct {
	ID        int64
	Level     string
	Message   string
	Timestamp time.Time
}
