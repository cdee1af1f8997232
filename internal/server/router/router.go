// Package router moves messages from senders to recipients: real-time
// delivery onto a live connection's outbound queue when the recipient is
// online, encrypted at-rest queueing otherwise, and the replay of queued
// messages at login.
package router

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/huxley-im/huxley/internal/cryptox"
	"github.com/huxley-im/huxley/internal/logging"
	"github.com/huxley-im/huxley/internal/protocol"
	"github.com/huxley-im/huxley/internal/server/conn"
	"github.com/huxley-im/huxley/internal/server/storage"
)

// Router owns the active-client table. Connection pointers are copied out of
// the critical section before any blocking call; the table mutex is never
// held while enqueuing onto a connection.
type Router struct {
	store  *storage.Store
	crypto *cryptox.Engine
	log    logging.Logger

	mu     sync.Mutex
	active map[string]*conn.State
}

func NewRouter(store *storage.Store, crypto *cryptox.Engine, log logging.Logger) *Router {
	return &Router{
		store:  store,
		crypto: crypto,
		log:    log.With("module", "router"),
		active: make(map[string]*conn.State),
	}
}

// RegisterClient binds a username to its live connection.
func (r *Router) RegisterClient(ctx context.Context, username string, state *conn.State) {
	r.mu.Lock()
	r.active[username] = state
	r.mu.Unlock()

	r.store.LogActivity(ctx, "INFO", "Client online: "+username)
	r.log.Info(ctx, "client online", "username", username, "conn", state.ID())
}

// UnregisterClient removes the username's routing entry.
func (r *Router) UnregisterClient(ctx context.Context, username string) {
	r.mu.Lock()
	delete(r.active, username)
	r.mu.Unlock()

	r.store.LogActivity(ctx, "INFO", "Client offline: "+username)
	r.log.Info(ctx, "client offline", "username", username)
}

// IsRegistered reports whether the username has a live connection.
func (r *Router) IsRegistered(username string) bool {
	r.mu.Lock()
	_, ok := r.active[username]
	r.mu.Unlock()
	return ok
}

// ListOnline returns the usernames with a live connection.
func (r *Router) ListOnline() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	r.mu.Unlock()
	return names
}

func (r *Router) findActiveClient(username string) *conn.State {
	r.mu.Lock()
	state := r.active[username]
	r.mu.Unlock()
	return state
}

// RouteMessage encrypts and persists the plaintext, then hands it to the
// recipient's live connection if there is one. A recipient that is merely
// offline is still success: the message waits in the store.
func (r *Router) RouteMessage(ctx context.Context, sender, recipient, plaintext string) bool {
	cipher, err := r.crypto.Encrypt([]byte(plaintext))
	if err != nil {
		r.log.Error(ctx, "encrypt failed", "error", err)
		return false
	}

	senderID, err := r.store.FindUserID(ctx, sender)
	if err != nil {
		r.store.LogActivity(ctx, "WARN", "Failed to persist message - unknown user")
		r.log.Warn(ctx, "route to unknown sender", "sender", sender)
		return false
	}
	recipientID, err := r.store.FindUserID(ctx, recipient)
	if err != nil {
		r.store.LogActivity(ctx, "WARN", "Failed to persist message - unknown user")
		r.log.Warn(ctx, "route to unknown recipient", "recipient", recipient)
		return false
	}

	messageID, err := r.store.InsertMessage(ctx, senderID, recipientID, cipher.Ciphertext, cipher.Nonce)
	if err != nil {
		r.log.Error(ctx, "persist message failed", "error", err)
		return false
	}

	state := r.findActiveClient(recipient)
	if state == nil {
		return true // Stored for later delivery.
	}

	ts := protocol.FormatTimestamp(time.Now())
	if err := state.QueueIncomingMessage(sender, plaintext, ts, messageID); err != nil {
		r.log.Error(ctx, "enqueue realtime delivery failed", "error", err)
		return true
	}

	r.store.LogActivity(ctx, "INFO", "Queued realtime delivery: "+sender+" -> "+recipient)
	if err := r.store.MarkDelivered(ctx, messageID); err != nil {
		r.store.LogActivity(ctx, "ERROR", "Failed to mark delivered for message "+strconv.FormatInt(messageID, 10))
		r.log.Error(ctx, "mark delivered failed", "message_id", messageID, "error", err)
	}
	return true
}

// HistoryEntry is one decrypted message in a GET_HISTORY payload.
type HistoryEntry struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ListUsers returns every registered username for the list_users payload.
func (r *Router) ListUsers(ctx context.Context) ([]string, error) {
	return r.store.ListUsernames(ctx)
}

// History assembles the get_history payload: the conversation between the
// requesting user and target, newest first, decrypted. Rows that fail
// authentication are skipped and logged.
func (r *Router) History(ctx context.Context, username, target string, limit, offset int) ([]HistoryEntry, error) {
	userID, err := r.store.FindUserID(ctx, username)
	if err != nil {
		return nil, err
	}
	targetID, err := r.store.FindUserID(ctx, target)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = protocol.DefaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	messages, err := r.store.Conversation(ctx, userID, targetID, limit, offset)
	if err != nil {
		return nil, err
	}

	names := map[int64]string{userID: username, targetID: target}

	entries := make([]HistoryEntry, 0, len(messages))
	for _, m := range messages {
		plaintext, err := r.crypto.Decrypt(cryptox.CipherMessage{Nonce: m.Nonce, Ciphertext: m.Ciphertext})
		if err != nil {
			r.store.LogActivity(ctx, "ERROR", "Failed to decrypt stored message "+strconv.FormatInt(m.ID, 10))
			continue
		}
		entries = append(entries, HistoryEntry{
			ID:        m.ID,
			Sender:    names[m.SenderID],
			Recipient: names[m.RecipientID],
			Content:   string(plaintext),
			Timestamp: protocol.FormatTimestamp(m.Timestamp),
		})
	}
	return entries, nil
}
