// Package store keeps the local, append-only message history.
//
// Every engine performs check-then-insert under a store-wide lock, so a
// message id is stored at most once no matter how many peers deliver it
// concurrently.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"meshchat.dev/go/meshchat/internal/chat"
)

// Engine names accepted by Open
const (
	EngineBadger = "badger"
	EngineMemory = "memory"
)

var (
	ErrNotFound = errors.New("message not found")
	ErrClosed   = errors.New("store closed")
)

// Store is the message history a node reconciles with its peers.
type Store interface {
	// Insert stores m unless its id is already present. It reports whether
	// the message was newly inserted.
	Insert(ctx context.Context, m chat.Message) (bool, error)

	// Has reports whether a message with the given id is stored.
	Has(ctx context.Context, id string) (bool, error)

	// IDs returns every stored message id.
	IDs(ctx context.Context) ([]string, error)

	// Get returns the stored messages among ids, in request order. Ids that
	// are not stored are skipped.
	Get(ctx context.Context, ids []string) ([]chat.Message, error)

	// ByChat returns one chat partition ordered by CreatedAt, ties by id.
	ByChat(ctx context.Context, chatID string) ([]chat.Message, error)

	// Count returns the number of stored messages.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Open creates the store engine named by engine. dir is ignored by the
// memory engine.
func Open(engine, dir string, log *slog.Logger) (Store, error) {
	switch engine {
	case EngineBadger, "":
		return OpenBadger(dir, log)
	case EngineMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store engine %q", engine)
	}
}
