package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key has no value. The service layer
// translates it into a domain-level error where that matters; for optional
// keys (settings, profile) it simply triggers lazy initialization.
var ErrNotFound = errors.New("store: key not found")

// Store is the key-value persistence boundary of the application. Everything
// the app keeps between restarts goes through these three operations, which
// makes the backing engine swappable (SQLite on disk, memory in tests).
//
// Writes are overwrite-by-key with last-write-wins semantics; there is no
// multi-writer coordination because the conversation manager is the sole
// writer for conversation data.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Well-known keys. Per-conversation message logs live under their own key so
// deleting a conversation is a metadata update plus one key removal, and a
// missing log is treated as an empty one.
const (
	KeyConversations = "conversations"
	KeyActiveConv    = "active_conversation"
	KeyProfile       = "business_profile"
	KeySettings      = "settings"
)

// MessagesKey returns the storage key of a conversation's message log.
func MessagesKey(conversationID string) string {
	return "messages:" + conversationID
}
