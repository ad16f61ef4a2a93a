package cli

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"meshchat.dev/go/meshchat/internal/chat"
	"meshchat.dev/go/meshchat/internal/config"
)

// execute runs the root command with args and returns its output
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cfgFile, verboseLog = "", false
	chatFlag, messagesTail, messagesWatch = "", 0, false
	disconnectAll = false
	configInitName, configInitForce = "", false
	versionFull = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "meshchat version dev")
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	out, err := execute(t, "--config", path, "config", "init", "--name", "alice")
	require.NoError(t, err)
	require.Contains(t, out, path)

	cfg, err := config.LoadFrom(path)
	require.NoError(t, err)
	require.Equal(t, "alice", cfg.Identity.Name)
	require.Equal(t, "badger", cfg.Storage.Engine)

	_, err = execute(t, "--config", path, "config", "init", "--name", "bob")
	require.ErrorContains(t, err, "already exists")

	_, err = execute(t, "--config", path, "config", "init", "--name", "bob", "--force")
	require.NoError(t, err)

	out, err = execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	require.Contains(t, out, `name = "bob"`)
}

func TestConfigInitRejectsBadName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	_, err := execute(t, "--config", path, "config", "init", "--name", "a-name-that-is-far-too-long")
	require.Error(t, err)
	require.NoFileExists(t, path)
}

func TestDisconnectNeedsTarget(t *testing.T) {
	_, err := execute(t, "disconnect")
	require.ErrorContains(t, err, "--all")

	_, err = execute(t, "disconnect", "bob", "--all")
	require.ErrorContains(t, err, "--all")
}

// fakeDaemon serves the parts of the daemon API the commands use
type fakeDaemon struct {
	mu           sync.Mutex
	sent         []map[string]string
	disconnected []string
	messages     []chat.Message
	lists        int

	// stream, when set, writes events to a /ws client
	stream func(conn *websocket.Conn)
}

// waitLists blocks until the chat has been listed n times
func (d *fakeDaemon) waitLists(n int) {
	for {
		d.mu.Lock()
		done := d.lists >= n
		d.mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startFakeDaemon(t *testing.T, d *fakeDaemon) string {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if r.Method == http.MethodPost {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			d.sent = append(d.sent, body)
			m := chat.NewMessage(body["content"], "alice", body["chatId"], time.Now())
			json.NewEncoder(w).Encode(m)
			return
		}
		d.lists++
		json.NewEncoder(w).Encode(map[string]any{"messages": d.messages})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if d.stream != nil {
			d.stream(conn)
		}
	})
	mux.HandleFunc("/api/peers", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		json.NewEncoder(w).Encode(map[string]any{
			"connected": []map[string]any{
				{"endpoint_id": "bob", "name": "bob", "connected_at": now, "last_seen": now},
			},
			"discovered": []map[string]string{
				{"id": "bob", "name": "bob"},
				{"id": "carol", "name": "carol"},
			},
		})
	})
	mux.HandleFunc("/api/peers/disconnect", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		d.mu.Lock()
		d.disconnected = append(d.disconnected, body["endpoint_id"])
		d.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]int{"disconnected": 1})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	webPort, err := strconv.Atoi(port)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Identity.Name = "alice"
	cfg.Daemon.WebPort = webPort
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, cfg.SaveTo(path))
	return path
}

func TestSendAndMessages(t *testing.T) {
	d := &fakeDaemon{}
	path := startFakeDaemon(t, d)

	_, err := execute(t, "--config", path, "send", "--chat", "team", "hello", "there")
	require.NoError(t, err)
	d.mu.Lock()
	require.Equal(t, []map[string]string{{"content": "hello there", "chatId": "team"}}, d.sent)
	d.mu.Unlock()

	out, err := execute(t, "--config", path, "messages")
	require.NoError(t, err)
	require.Contains(t, out, "No messages yet.")

	base := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	d.mu.Lock()
	d.messages = []chat.Message{
		chat.NewMessage("first", "bob", "", base),
		chat.NewMessage("second", "carol", "", base.Add(time.Minute)),
	}
	d.mu.Unlock()

	out, err = execute(t, "--config", path, "messages", "-n", "1")
	require.NoError(t, err)
	require.NotContains(t, out, "first")
	require.Contains(t, out, "carol")
	require.Contains(t, out, "second")
}

func TestMessagesFollow(t *testing.T) {
	req := require.New(t)
	base := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	live := chat.NewMessage("typed live", "bob", "", base)
	synced := chat.NewMessage("from a sync batch", "carol", "", base.Add(-time.Hour))

	writeEvent := func(conn *websocket.Conn, event string, payload any) {
		data, err := json.Marshal(map[string]any{"event": event, "time": time.Now(), "payload": payload})
		if err == nil {
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}

	d := &fakeDaemon{}
	d.stream = func(conn *websocket.Conn) {
		d.waitLists(1)
		writeEvent(conn, "message.received", map[string]any{"from": "bob", "message": live})

		d.mu.Lock()
		d.messages = []chat.Message{synced, live}
		d.mu.Unlock()
		writeEvent(conn, "messages.new", map[string]int{"count": 1, "total": 2})

		d.waitLists(2)
		// Closing ends the command
	}
	path := startFakeDaemon(t, d)

	out, err := execute(t, "--config", path, "messages", "--follow")
	req.ErrorContains(err, "read events")
	req.Contains(out, "from a sync batch")
	req.Equal(1, strings.Count(out, "typed live"))
}

func TestPeersAndDisconnect(t *testing.T) {
	d := &fakeDaemon{}
	path := startFakeDaemon(t, d)

	out, err := execute(t, "--config", path, "peers")
	require.NoError(t, err)
	require.Contains(t, out, "Connected Peers (1)")
	require.Contains(t, out, "Discovered, not connected (1)")
	require.Contains(t, out, "carol")

	out, err = execute(t, "--config", path, "disconnect", "bob")
	require.NoError(t, err)
	require.Contains(t, out, "Disconnected 1 peer(s).")

	_, err = execute(t, "--config", path, "disconnect", "--all")
	require.NoError(t, err)
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Equal(t, []string{"bob", ""}, d.disconnected)
}

func TestCommandsFailWithoutDaemon(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.Name = "alice"
	cfg.Daemon.WebPort = 1
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, cfg.SaveTo(path))

	_, err := execute(t, "--config", path, "peers")
	require.ErrorContains(t, err, "daemon is not running")
}
