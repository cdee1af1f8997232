package router

import (
	"context"
	"strconv"

	"github.com/huxley-im/huxley/internal/cryptox"
	"github.com/huxley-im/huxley/internal/logging"
	"github.com/huxley-im/huxley/internal/protocol"
	"github.com/huxley-im/huxley/internal/server/conn"
	"github.com/huxley-im/huxley/internal/server/storage"
)

// DeliverOfflineMessages replays the user's queued messages onto the now-live
// connection in ascending id order and marks each delivered. A message that
// fails decryption is skipped and stays queued, so it will be retried on the
// next login and does not affect the result. Returns false if the user is
// unknown, the queue cannot be read, or a decrypted message could not be
// enqueued or marked delivered.
//
// Invoked by the worker right after a successful login.
func DeliverOfflineMessages(ctx context.Context, store *storage.Store, crypto *cryptox.Engine, log logging.Logger, username string, state *conn.State) bool {
	recipientID, err := store.FindUserID(ctx, username)
	if err != nil {
		store.LogActivity(ctx, "WARN", "Offline delivery aborted - unknown user "+username)
		return false
	}

	messages, err := store.QueuedMessages(ctx, recipientID)
	if err != nil {
		log.Error(ctx, "offline delivery query failed", "username", username, "error", err)
		return false
	}
	if len(messages) == 0 {
		return true
	}

	allMarkedDelivered := true

	for _, stored := range messages {
		plaintext, err := crypto.Decrypt(cryptox.CipherMessage{Nonce: stored.Nonce, Ciphertext: stored.Ciphertext})
		if err != nil {
			store.LogActivity(ctx, "ERROR", "Failed to decrypt stored message "+strconv.FormatInt(stored.ID, 10))
			log.Error(ctx, "stored message failed authentication", "message_id", stored.ID, "error", err)
			continue
		}

		senderName, err := store.FindUsername(ctx, stored.SenderID)
		if err != nil {
			senderName = "unknown"
		}

		if err := state.QueueIncomingMessage(senderName, string(plaintext), protocol.FormatTimestamp(stored.Timestamp), stored.ID); err != nil {
			log.Error(ctx, "enqueue offline delivery failed", "message_id", stored.ID, "error", err)
			allMarkedDelivered = false
			continue
		}

		if err := store.MarkDelivered(ctx, stored.ID); err != nil {
			allMarkedDelivered = false
			store.LogActivity(ctx, "ERROR", "Failed to mark delivered for message "+strconv.FormatInt(stored.ID, 10)+
				" (recipient: "+username+")")
		}
	}

	if allMarkedDelivered {
		store.LogActivity(ctx, "INFO", "Delivered queued messages to "+username)
	} else {
		store.LogActivity(ctx, "WARN", "Delivered queued messages to "+username+" with pending delivery state errors")
	}

	return allMarkedDelivered
}
