package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"meshchat.dev/go/meshchat/internal/chat"
)

const (
	msgPrefix  = "msg/"
	chatPrefix = "chat/"
)

// Badger is a persistent Store backed by BadgerDB.
//
// Layout:
//
//	msg/<id>                                   -> JSON message
//	chat/<hex(chatId)>/<016x sort time>/<id>   -> empty
//
// The sort time is the unix nano timestamp with its sign bit flipped, so
// the fixed-width hex keeps a chat's index keys in chronological order,
// dates before 1970 included. The trailing id breaks ties between equal
// timestamps.
type Badger struct {
	db  *badger.DB
	log *slog.Logger

	mu     sync.Mutex // serializes check-then-insert
	closed bool
}

// OpenBadger opens (or creates) a Badger store in dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string, log *slog.Logger) (*Badger, error) {
	if log == nil {
		log = slog.Default()
	}

	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}

	return NewBadger(db, log), nil
}

// NewBadger wraps an already opened database.
func NewBadger(db *badger.DB, log *slog.Logger) *Badger {
	if log == nil {
		log = slog.Default()
	}
	return &Badger{db: db, log: log}
}

func msgKey(id string) []byte {
	return []byte(msgPrefix + id)
}

func chatIndexPrefix(chatID string) []byte {
	return []byte(chatPrefix + hex.EncodeToString([]byte(chatID)) + "/")
}

func chatIndexKey(m chat.Message) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x/%s",
		chatPrefix,
		hex.EncodeToString([]byte(m.ChatID)),
		sortTime(m.CreatedAt),
		m.ID,
	))
}

// sortTime maps t onto an unsigned value with the same ordering.
func sortTime(t time.Time) uint64 {
	return uint64(t.UnixNano()) ^ (1 << 63)
}

func (b *Badger) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Insert stores m unless its id is already present.
func (b *Badger) Insert(ctx context.Context, m chat.Message) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	value, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("encode message %s: %w", m.ID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrClosed
	}

	inserted := false
	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(msgKey(m.ID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(msgKey(m.ID), value); err != nil {
			return err
		}
		if err := txn.Set(chatIndexKey(m), nil); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.ID, err)
	}

	if inserted {
		b.log.Debug("message stored", "id", m.ID, "chat", m.ChatID)
	}
	return inserted, nil
}

// Has reports whether id is stored.
func (b *Badger) Has(ctx context.Context, id string) (bool, error) {
	if b.isClosed() {
		return false, ErrClosed
	}

	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(msgKey(id))
		switch {
		case err == nil:
			found = true
			return nil
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return false, fmt.Errorf("lookup message %s: %w", id, err)
	}
	return found, nil
}

// IDs returns every stored message id using a key-only prefix scan.
func (b *Badger) IDs(ctx context.Context) ([]string, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	ids := []string{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(msgPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids = append(ids, string(it.Item().Key()[len(msgPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list message ids: %w", err)
	}
	return ids, nil
}

// Get returns the stored messages among ids, skipping unknown ids.
func (b *Badger) Get(ctx context.Context, ids []string) ([]chat.Message, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	messages := make([]chat.Message, 0, len(ids))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			m, err := getMessage(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return messages, nil
}

// ByChat walks the chat index in key order and loads each message.
func (b *Badger) ByChat(ctx context.Context, chatID string) ([]chat.Message, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	prefix := chatIndexPrefix(chatID)
	messages := []chat.Message{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			id, err := idFromIndexKey(key[len(prefix):])
			if err != nil {
				return err
			}
			m, err := getMessage(txn, id)
			if err != nil {
				return fmt.Errorf("index entry %q: %w", key, err)
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("messages for chat %q: %w", chatID, err)
	}
	return messages, nil
}

// Count returns the number of stored messages.
func (b *Badger) Count(ctx context.Context) (int, error) {
	ids, err := b.IDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Close flushes and releases the database.
func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func getMessage(txn *badger.Txn, id string) (chat.Message, error) {
	item, err := txn.Get(msgKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return chat.Message{}, ErrNotFound
	}
	if err != nil {
		return chat.Message{}, err
	}

	var m chat.Message
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return m, nil
}

// idFromIndexKey extracts the id from "<016x sort time>/<id>".
func idFromIndexKey(rest []byte) (string, error) {
	const tsLen = 16
	if len(rest) < tsLen+2 || rest[tsLen] != '/' {
		return "", fmt.Errorf("malformed index key %q", rest)
	}
	return string(rest[tsLen+1:]), nil
}
