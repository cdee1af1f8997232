// Package storage is the persistence engine: a thin typed wrapper over a
// single-file SQLite database holding users, encrypted messages, and the
// audit log.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/huxley-im/huxley/internal/common"
	"github.com/huxley-im/huxley/internal/dbx"
	"github.com/huxley-im/huxley/internal/filex"
	"github.com/huxley-im/huxley/internal/logging"
	"github.com/huxley-im/huxley/internal/server/storage/migrations"
)

// Store wraps the database handle. Read methods are safe to call
// concurrently; writes serialize on SQLite's own locking.
type Store struct {
	db  *sql.DB
	log logging.Logger
}

// Open opens (creating if needed) the database file, applies the connection
// pragmas, and runs migrations. Schema or open failures are fatal here;
// operational errors later are reported through method return values.
func Open(ctx context.Context, path string, log logging.Logger) (*Store, error) {
	if _, err := filex.EnsureParentDir(path, 0o770); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s"+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=mmap_size(268435456)"+
		"&_pragma=page_size(4096)"+
		"&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	s := &Store{db: db, log: log.With("module", "storage")}
	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return s, nil
}

func (s *Store) runMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, ".")
}

// Conn exposes the raw handle for diagnostics and tests.
func (s *Store) Conn() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// InsertUser creates a user row and its registration audit entry in one
// transaction. A username collision returns common.ErrDuplicate.
func (s *Store) InsertUser(ctx context.Context, username, passwordHash string) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := `INSERT INTO users (username, password_hash) VALUES (?, ?)`
		if _, err := tx.ExecContext(ctx, query, username, passwordHash); err != nil {
			return err
		}

		audit := `INSERT INTO logs (level, log) VALUES (?, ?)`
		_, err := tx.ExecContext(ctx, audit, "INFO", "Registered user: "+username)
		return err
	})

	if err != nil {
		if isUniqueViolation(err) {
			return common.ErrDuplicate
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// FindUser returns the stored password verifier for username.
func (s *Store) FindUser(ctx context.Context, username string) (string, error) {
	query := `SELECT password_hash FROM users WHERE username = ?`

	var hash string
	err := s.db.QueryRowContext(ctx, query, username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", common.ErrNotFound
		}
		return "", fmt.Errorf("find user: %w", err)
	}
	return hash, nil
}

// FindUserID resolves a username to its id.
func (s *Store) FindUserID(ctx context.Context, username string) (int64, error) {
	query := `SELECT id FROM users WHERE username = ?`

	var id int64
	err := s.db.QueryRowContext(ctx, query, username).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrNotFound
		}
		return 0, fmt.Errorf("find user id: %w", err)
	}
	return id, nil
}

// FindUsername resolves a user id back to its username.
func (s *Store) FindUsername(ctx context.Context, id int64) (string, error) {
	query := `SELECT username FROM users WHERE id = ?`

	var username string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", common.ErrNotFound
		}
		return "", fmt.Errorf("find username: %w", err)
	}
	return username, nil
}

// InsertMessage stores an encrypted message with delivered=0 and returns the
// assigned message id.
func (s *Store) InsertMessage(ctx context.Context, senderID, recipientID int64, ciphertext, nonce []byte) (int64, error) {
	query := `INSERT INTO messages (sender_id, recipient_id, ciphertext, nonce, delivered) VALUES (?, ?, ?, ?, 0)`

	res, err := s.db.ExecContext(ctx, query, senderID, recipientID, ciphertext, nonce)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert message id: %w", err)
	}
	return id, nil
}

// QueuedMessages returns the undelivered messages for a recipient in
// ascending id order.
func (s *Store) QueuedMessages(ctx context.Context, recipientID int64) ([]StoredMessage, error) {
	query := `SELECT id, sender_id, recipient_id, ciphertext, nonce, delivered, timestamp
	          FROM messages WHERE recipient_id = ? AND delivered = 0 ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("queued messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Conversation returns the messages exchanged between two users, newest
// first, with limit/offset paging.
func (s *Store) Conversation(ctx context.Context, userA, userB int64, limit, offset int) ([]StoredMessage, error) {
	query := `SELECT id, sender_id, recipient_id, ciphertext, nonce, delivered, timestamp
	          FROM messages
	          WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
	          ORDER BY id DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, userA, userB, userB, userA, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]StoredMessage, error) {
	var result []StoredMessage
	for rows.Next() {
		var (
			m         StoredMessage
			delivered int
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Ciphertext, &m.Nonce, &delivered, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Delivered = delivered != 0
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkDelivered flips delivered to 1. Repeating the call for an already
// delivered message is a no-op success; an unknown id is common.ErrNotFound.
func (s *Store) MarkDelivered(ctx context.Context, messageID int64) error {
	query := `UPDATE messages SET delivered = 1 WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, messageID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if affected == 0 {
		return common.ErrNotFound
	}
	return nil
}

// ListUsernames returns every registered username in lexical order.
func (s *Store) ListUsernames(ctx context.Context) ([]string, error) {
	query := `SELECT username FROM users ORDER BY username ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result = append(result, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// LogActivity appends an audit entry. Best effort: failures are reported to
// the process log and otherwise ignored.
func (s *Store) LogActivity(ctx context.Context, level, message string) {
	query := `INSERT INTO logs (level, log) VALUES (?, ?)`

	if _, err := s.db.ExecContext(ctx, query, level, message); err != nil {
		s.log.Error(ctx, "audit log write failed", "error", err)
	}
}

// AuditEntries returns audit rows matching level (empty for any) whose text
// contains substr, oldest first. Diagnostics and tests use it.
func (s *Store) AuditEntries(ctx context.Context, level, substr string) ([]AuditEntry, error) {
	query := `SELECT id, level, log, timestamp FROM logs
	          WHERE (? = '' OR level = ?) AND (? = '' OR instr(log, ?) > 0) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, level, level, substr, substr)
	if err != nil {
		return nil, fmt.Errorf("audit entries: %w", err)
	}
	defer rows.Close()

	var result []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
