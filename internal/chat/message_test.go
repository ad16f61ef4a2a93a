package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	a := NewMessage("hi", "alice", "team", now)
	b := NewMessage("hi", "alice", "team", now)

	require.NotEmpty(t, a.ID)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, time.UTC, a.CreatedAt.Location())
	require.True(t, a.CreatedAt.Equal(now))
	require.NoError(t, a.Validate())
}

func TestValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		msg  Message
		want error
	}{
		{"ok", Message{ID: "1", Content: "x", CreatedAt: now}, nil},
		{"global chat", Message{ID: "1", Content: "x", ChatID: GlobalChatID, CreatedAt: now}, nil},
		{"before 1970", Message{ID: "1", Content: "x", CreatedAt: time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)}, nil},
		{"no id", Message{Content: "x", CreatedAt: now}, ErrEmptyID},
		{"blank content", Message{ID: "1", Content: " \n\t", CreatedAt: now}, ErrEmptyContent},
		{"zero time", Message{ID: "1", Content: "x"}, ErrInvalidTime},
		{"too early", Message{ID: "1", Content: "x", CreatedAt: time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC)}, ErrInvalidTime},
		{"too late", Message{ID: "1", Content: "x", CreatedAt: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)}, ErrInvalidTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.msg.Validate(), tt.want)
		})
	}
}

func TestBefore(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	early := Message{ID: "z", CreatedAt: t0}
	late := Message{ID: "a", CreatedAt: t0.Add(time.Second)}
	require.True(t, early.Before(late))
	require.False(t, late.Before(early))

	tieA := Message{ID: "a", CreatedAt: t0}
	tieB := Message{ID: "b", CreatedAt: t0}
	require.True(t, tieA.Before(tieB))
	require.False(t, tieB.Before(tieA))
	require.False(t, tieA.Before(tieA))
}

func TestValidateUsername(t *testing.T) {
	require.ErrorIs(t, ValidateUsername(""), ErrUsernameRequired)
	require.ErrorIs(t, ValidateUsername("   "), ErrUsernameRequired)
	require.NoError(t, ValidateUsername(strings.Repeat("a", MaxUsernameLength-1)))
	require.ErrorIs(t, ValidateUsername(strings.Repeat("a", MaxUsernameLength)), ErrUsernameTooLong)
}
