package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshchat.dev/go/meshchat/internal/chat"
)

// engines runs fn against every store engine.
func engines(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemory()
		defer s.Close()
		fn(t, s)
	})
	t.Run("badger", func(t *testing.T) {
		s, err := OpenBadger("", nil)
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func msg(id, chatID string, at time.Time) chat.Message {
	return chat.Message{ID: id, Content: "content " + id, UserID: "alice", ChatID: chatID, CreatedAt: at}
}

func TestInsertIsIdempotent(t *testing.T) {
	engines(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		m := msg("m1", chat.GlobalChatID, time.Now().UTC())

		inserted, err := s.Insert(ctx, m)
		req.NoError(err)
		req.True(inserted)

		inserted, err = s.Insert(ctx, m)
		req.NoError(err)
		req.False(inserted)

		count, err := s.Count(ctx)
		req.NoError(err)
		req.Equal(1, count)

		has, err := s.Has(ctx, "m1")
		req.NoError(err)
		req.True(has)

		has, err = s.Has(ctx, "m2")
		req.NoError(err)
		req.False(has)
	})
}

func TestConcurrentInsertSameID(t *testing.T) {
	engines(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		m := msg("dup", "room", time.Now().UTC())

		var wg sync.WaitGroup
		var inserted atomic.Int32
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Insert(ctx, m)
				if err == nil && ok {
					inserted.Add(1)
				}
			}()
		}
		wg.Wait()

		req.Equal(int32(1), inserted.Load())
		byChat, err := s.ByChat(ctx, "room")
		req.NoError(err)
		req.Len(byChat, 1)
	})
}

func TestByChatOrdering(t *testing.T) {
	engines(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

		// Inserted out of order, with a timestamp tie broken by id
		for _, m := range []chat.Message{
			msg("c", "room", base.Add(2*time.Minute)),
			msg("b", "room", base),
			msg("a", "room", base),
			msg("x", "other", base.Add(time.Minute)),
			msg("g", chat.GlobalChatID, base),
		} {
			_, err := s.Insert(ctx, m)
			req.NoError(err)
		}

		room, err := s.ByChat(ctx, "room")
		req.NoError(err)
		req.Equal([]string{"a", "b", "c"}, ids(room))

		other, err := s.ByChat(ctx, "other")
		req.NoError(err)
		req.Equal([]string{"x"}, ids(other))

		global, err := s.ByChat(ctx, chat.GlobalChatID)
		req.NoError(err)
		req.Equal([]string{"g"}, ids(global))

		empty, err := s.ByChat(ctx, "nobody")
		req.NoError(err)
		req.Empty(empty)
	})
}

func TestByChatOrderingBefore1970(t *testing.T) {
	engines(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()

		for _, m := range []chat.Message{
			msg("b1965", "room", time.Date(1965, 1, 1, 0, 0, 0, 0, time.UTC)),
			msg("c1970", "room", time.Unix(0, 0).UTC()),
			msg("a1960", "room", time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)),
			msg("d2024", "room", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
			msg("e1969", "room", time.Unix(0, -1).UTC()),
		} {
			_, err := s.Insert(ctx, m)
			req.NoError(err)
		}

		room, err := s.ByChat(ctx, "room")
		req.NoError(err)
		req.Equal([]string{"a1960", "b1965", "e1969", "c1970", "d2024"}, ids(room))
	})
}

func TestInsertRejectsUnusableTime(t *testing.T) {
	engines(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()

		_, err := s.Insert(ctx, msg("ok", "general", time.Now().UTC()))
		req.NoError(err)

		for _, at := range []time.Time{
			{},
			time.Date(1500, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC),
		} {
			inserted, err := s.Insert(ctx, msg("bad", "general", at))
			req.ErrorIs(err, chat.ErrInvalidTime, at.String())
			req.False(inserted)
		}

		general, err := s.ByChat(ctx, "general")
		req.NoError(err)
		req.Equal([]string{"ok"}, ids(general))
	})
}

func TestGetSkipsUnknown(t *testing.T) {
	engines(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		now := time.Now().UTC()

		for _, id := range []string{"m1", "m2", "m3"} {
			_, err := s.Insert(ctx, msg(id, "", now))
			req.NoError(err)
		}

		got, err := s.Get(ctx, []string{"m3", "nope", "m1"})
		req.NoError(err)
		req.Equal([]string{"m3", "m1"}, ids(got))
		req.Equal("content m3", got[0].Content)
		req.True(got[0].CreatedAt.Equal(now))

		all, err := s.IDs(ctx)
		req.NoError(err)
		req.ElementsMatch([]string{"m1", "m2", "m3"}, all)
	})
}

func TestInsertRejectsInvalid(t *testing.T) {
	engines(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()

		now := time.Now()

		_, err := s.Insert(ctx, chat.Message{Content: "no id", CreatedAt: now})
		req.ErrorIs(err, chat.ErrEmptyID)

		_, err = s.Insert(ctx, chat.Message{ID: "m1", Content: "  ", CreatedAt: now})
		req.ErrorIs(err, chat.ErrEmptyContent)
	})
}

func TestClosedStore(t *testing.T) {
	engines(t, func(t *testing.T, s Store) {
		req := require.New(t)
		req.NoError(s.Close())

		_, err := s.Insert(context.Background(), msg("m1", "", time.Now()))
		req.ErrorIs(err, ErrClosed)

		_, err = s.IDs(context.Background())
		req.ErrorIs(err, ErrClosed)
	})
}

func TestBadgerPersists(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadger(dir, nil)
	req.NoError(err)
	_, err = s.Insert(ctx, msg("kept", "room", time.Now().UTC()))
	req.NoError(err)
	req.NoError(s.Close())

	s, err = OpenBadger(dir, nil)
	req.NoError(err)
	defer s.Close()

	has, err := s.Has(ctx, "kept")
	req.NoError(err)
	req.True(has)

	room, err := s.ByChat(ctx, "room")
	req.NoError(err)
	req.Equal([]string{"kept"}, ids(room))
}

func TestOpenEngines(t *testing.T) {
	req := require.New(t)

	s, err := Open(EngineMemory, "", nil)
	req.NoError(err)
	req.IsType(&Memory{}, s)

	_, err = Open("sqlite", "", nil)
	req.Error(err)
}

func ids(messages []chat.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}
