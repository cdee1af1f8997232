// Package auth implements registration, credential verification, and the
// in-memory active-session set.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/huxley-im/huxley/internal/common"
	"github.com/huxley-im/huxley/internal/logging"
	"github.com/huxley-im/huxley/internal/server/storage"
)

// Manager verifies credentials against the store and tracks which usernames
// currently hold an authenticated session. The set is in-memory only and
// starts empty on every boot.
type Manager struct {
	store *storage.Store
	log   logging.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

func NewManager(store *storage.Store, log logging.Logger) *Manager {
	return &Manager{
		store:  store,
		log:    log.With("module", "auth"),
		active: make(map[string]struct{}),
	}
}

// RegisterUser creates a new account. Empty credentials and duplicate
// usernames are rejected. Hashing is CPU-bound and runs on the caller.
func (m *Manager) RegisterUser(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return common.ErrEmptyCredentials
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := m.store.InsertUser(ctx, username, hash); err != nil {
		return err
	}

	m.log.Info(ctx, "user registered", "username", username)
	return nil
}

// LoginUser checks the password against the stored verifier and, on success,
// adds the username to the active-session set. Guarding against a second
// login from elsewhere is the caller's job (see Router.IsRegistered).
func (m *Manager) LoginUser(ctx context.Context, username, password string) error {
	hash, err := m.store.FindUser(ctx, username)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.ErrUnauthorized
		}
		return common.ErrInternal
	}

	if !VerifyPassword(password, hash) {
		return common.ErrUnauthorized
	}

	m.mu.Lock()
	m.active[username] = struct{}{}
	m.mu.Unlock()

	m.store.LogActivity(ctx, "INFO", "User login: "+username)
	m.log.Info(ctx, "user login", "username", username)
	return nil
}

// LogoutUser removes the username from the active-session set.
func (m *Manager) LogoutUser(ctx context.Context, username string) {
	m.mu.Lock()
	delete(m.active, username)
	m.mu.Unlock()

	m.store.LogActivity(ctx, "INFO", "User logout: "+username)
	m.log.Info(ctx, "user logout", "username", username)
}

// VerifySession reports whether the username currently holds a session.
func (m *Manager) VerifySession(username string) bool {
	m.mu.Lock()
	_, ok := m.active[username]
	m.mu.Unlock()
	return ok
}
