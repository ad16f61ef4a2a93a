package store

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"

	"meshchat.dev/go/meshchat/internal/chat"
)

// Memory is a non-persistent Store. Chat partitions are kept sorted on
// insert so ByChat is a copy.
type Memory struct {
	mu       sync.RWMutex
	messages map[string]chat.Message
	chats    map[string][]chat.Message
	closed   bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string]chat.Message),
		chats:    make(map[string][]chat.Message),
	}
}

func (s *Memory) Insert(ctx context.Context, m chat.Message) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.messages[m.ID]; ok {
		return false, nil
	}

	s.messages[m.ID] = m

	partition := s.chats[m.ChatID]
	i := sort.Search(len(partition), func(i int) bool {
		return m.Before(partition[i])
	})
	partition = append(partition, chat.Message{})
	copy(partition[i+1:], partition[i:])
	partition[i] = m
	s.chats[m.ChatID] = partition

	return true, nil
}

func (s *Memory) Has(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.messages[id]
	return ok, nil
}

func (s *Memory) IDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return lo.Keys(s.messages), nil
}

func (s *Memory) Get(ctx context.Context, ids []string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return lo.FilterMap(ids, func(id string, _ int) (chat.Message, bool) {
		m, ok := s.messages[id]
		return m, ok
	}), nil
}

func (s *Memory) ByChat(ctx context.Context, chatID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	out := make([]chat.Message, len(s.chats[chatID]))
	copy(out, s.chats[chatID])
	return out, nil
}

func (s *Memory) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	return len(s.messages), nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
