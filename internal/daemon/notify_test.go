package daemon

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"meshchat.dev/go/meshchat/internal/chat"
)

type countingNotifier struct {
	calls []string
}

func (n *countingNotifier) Notify(title, body string) error {
	n.calls = append(n.calls, title+"|"+body)
	return nil
}

func TestNotificationSubscriptions(t *testing.T) {
	req := require.New(t)
	s := newNotificationService(&countingNotifier{}, true, []string{"team"})

	req.True(s.IsSubscribed("team"))
	req.False(s.IsSubscribed(chat.GlobalChatID))

	s.Subscribe(chat.GlobalChatID)
	s.Subscribe("team")
	req.Equal([]string{"", "team"}, s.Subscriptions())

	s.Unsubscribe("team")
	req.Equal([]string{""}, s.Subscriptions())

	s.Clear()
	req.Empty(s.Subscriptions())
}

func TestNotifyMessage(t *testing.T) {
	n := &countingNotifier{}
	s := newNotificationService(n, true, []string{"team", chat.GlobalChatID})

	msg := func(chatID string) chat.Message {
		return chat.Message{ID: "m", Content: "hello", UserID: "bob", ChatID: chatID}
	}

	sent, err := s.NotifyMessage(msg("team"))
	require.NoError(t, err)
	require.True(t, sent)
	require.Equal(t, "meshchat - team|bob: hello", n.calls[0])

	sent, _ = s.NotifyMessage(msg(chat.GlobalChatID))
	require.True(t, sent)
	require.Equal(t, "meshchat - Global chat|bob: hello", n.calls[1])

	// Unsubscribed chat
	sent, _ = s.NotifyMessage(msg("random"))
	require.False(t, sent)

	// Active chat never notifies
	active := "team"
	s.SetActiveChat(&active)
	active = "changed" // the service keeps its own copy
	sent, _ = s.NotifyMessage(msg("team"))
	require.False(t, sent)

	id, ok := s.ActiveChat()
	require.True(t, ok)
	require.Equal(t, "team", id)

	s.SetActiveChat(nil)
	sent, _ = s.NotifyMessage(msg("team"))
	require.True(t, sent)

	// Disabled
	s.SetEnabled(false)
	sent, _ = s.NotifyMessage(msg("team"))
	require.False(t, sent)
	require.Len(t, n.calls, 3)
}

func TestNotifyPreviewTruncates(t *testing.T) {
	n := &countingNotifier{}
	s := newNotificationService(n, true, []string{"team"})

	long := strings.Repeat("é", 150)
	_, err := s.NotifyMessage(chat.Message{ID: "m", Content: long, UserID: "bob", ChatID: "team"})
	require.NoError(t, err)

	_, body, _ := strings.Cut(n.calls[0], "|")
	require.True(t, strings.HasSuffix(body, "..."))
	require.Len(t, []rune(strings.TrimPrefix(body, "bob: ")), maxPreviewLength)
}
