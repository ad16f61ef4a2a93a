package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"meshchat.dev/go/meshchat/internal/chat"
	"meshchat.dev/go/meshchat/internal/mesh"
)

// UIFilesystem is set from main package with embedded UI files
var UIFilesystem fs.FS

// WebServer serves the local HTTP API and the event WebSocket
type WebServer struct {
	daemon   *Daemon
	server   *http.Server
	listener net.Listener
}

// NewWebServer creates a new web server
func NewWebServer(daemon *Daemon, port int) *WebServer {
	ws := &WebServer{daemon: daemon}

	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/metrics", ws.handleMetrics)
	mux.HandleFunc("/api/messages", ws.handleMessages)
	mux.HandleFunc("/api/peers", ws.handlePeers)
	mux.HandleFunc("/api/peers/disconnect", ws.handleDisconnect)
	mux.HandleFunc("/api/notify", ws.handleNotify)
	mux.HandleFunc("/api/notify/active", ws.handleActiveChat)
	mux.HandleFunc("/api/logs", ws.handleLogs)
	mux.HandleFunc("/api/logs/stats", ws.handleLogStats)

	// WebSocket
	mux.HandleFunc("/ws", daemon.wsHub.HandleWebSocket)

	// Static files
	if UIFilesystem != nil {
		mux.Handle("/", http.FileServer(http.FS(UIFilesystem)))
	} else {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html><body><h1>meshchat</h1><p>Web UI not available</p></body></html>"))
		})
	}

	ws.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return ws
}

// Handler returns the HTTP handler, for serving it elsewhere
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start binds the listen address and serves in the background
func (ws *WebServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", ws.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", ws.server.Addr, err)
	}
	ws.listener = listener

	slog.Info("Web server starting", "addr", listener.Addr().String())

	go func() {
		if err := ws.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Web server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start
func (ws *WebServer) Addr() string {
	if ws.listener == nil {
		return ""
	}
	return ws.listener.Addr().String()
}

// Stop stops the web server
func (ws *WebServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws.server.Shutdown(ctx)
}

// API Handlers

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ws.jsonResponse(w, ws.daemon.Status(r.Context()))
}

func (ws *WebServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ws.jsonResponse(w, ws.daemon.MetricsSnapshot(r.Context()))
}

// SendRequest is the body of POST /api/messages
type SendRequest struct {
	Content string `json:"content"`
	ChatID  string `json:"chatId"`
}

func (ws *WebServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		chatID := r.URL.Query().Get("chat")
		messages, err := ws.daemon.Messages(r.Context(), chatID)
		if err != nil {
			ws.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		ws.jsonResponse(w, map[string]any{
			"chat_id":  chatID,
			"messages": messages,
			"count":    len(messages),
		})

	case http.MethodPost:
		var body SendRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			ws.errorResponse(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		m, err := ws.daemon.SendMessage(r.Context(), body.Content, body.ChatID)
		if errors.Is(err, chat.ErrEmptyContent) {
			ws.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			ws.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		ws.jsonResponse(w, m)

	default:
		ws.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (ws *WebServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	node := ws.daemon.Node()
	ws.jsonResponse(w, map[string]any{
		"connected":  node.Peers(),
		"discovered": node.Discovered(),
	})
}

// DisconnectRequest is the body of POST /api/peers/disconnect. An empty
// endpoint id disconnects every peer.
type DisconnectRequest struct {
	EndpointID string `json:"endpoint_id"`
}

func (ws *WebServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ws.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	node := ws.daemon.Node()
	if body.EndpointID == "" {
		ws.jsonResponse(w, map[string]int{"disconnected": node.DisconnectAll()})
		return
	}

	if err := node.Disconnect(body.EndpointID); err != nil {
		if errors.Is(err, mesh.ErrPeerNotConnected) {
			ws.errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		ws.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	ws.jsonResponse(w, map[string]int{"disconnected": 1})
}

// NotifyRequest is the body of POST /api/notify
type NotifyRequest struct {
	ChatID    string `json:"chatId"`
	Subscribe bool   `json:"subscribe"`
}

// NotifyStatus is the response of /api/notify
type NotifyStatus struct {
	Enabled    bool     `json:"enabled"`
	Chats      []string `json:"chats"`
	ActiveChat *string  `json:"active_chat"`
}

func (ws *WebServer) handleNotify(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var body NotifyRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			ws.errorResponse(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		var err error
		if body.Subscribe {
			err = ws.daemon.Subscribe(body.ChatID)
		} else {
			err = ws.daemon.Unsubscribe(body.ChatID)
		}
		if err != nil {
			ws.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		ws.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ws.jsonResponse(w, ws.notifyStatus())
}

func (ws *WebServer) handleActiveChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		ChatID *string `json:"chatId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ws.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ws.daemon.Notifier().SetActiveChat(body.ChatID)
	ws.jsonResponse(w, ws.notifyStatus())
}

func (ws *WebServer) notifyStatus() NotifyStatus {
	n := ws.daemon.Notifier()
	status := NotifyStatus{
		Enabled: n.Enabled(),
		Chats:   n.Subscriptions(),
	}
	if id, ok := n.ActiveChat(); ok {
		status.ActiveChat = &id
	}
	return status
}

func (ws *WebServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	opts := QueryOpts{
		Limit: 500, // Default limit
	}

	// Parse query parameters
	q := r.URL.Query()

	if level := q.Get("level"); level != "" {
		opts.Level = strings.ToUpper(level)
	}

	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err == nil {
			opts.Since = &t
		}
	}

	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err == nil {
			opts.Until = &t
		}
	}

	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= 5000 {
			opts.Limit = n
		}
	}

	entries := ws.daemon.LogBuffer().Query(opts)

	ws.jsonResponse(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"total":   ws.daemon.LogBuffer().Count(),
	})
}

func (ws *WebServer) handleLogStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ws.jsonResponse(w, ws.daemon.LogBuffer().Stats())
}

// Helper methods

func (ws *WebServer) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (ws *WebServer) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// corsMiddleware adds CORS headers (for development)
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && strings.HasPrefix(origin, "http://localhost") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
