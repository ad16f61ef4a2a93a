package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"meshchat.dev/go/meshchat/internal/chat"
	"meshchat.dev/go/meshchat/internal/protocol"
	"meshchat.dev/go/meshchat/internal/store"
)

type broadcaster interface {
	Broadcast(ctx context.Context, frame *protocol.Frame) int
	BroadcastExcept(ctx context.Context, frame *protocol.Frame, except string) int
}

// Router is the single dispatcher for inbound frames and the entry point
// for locally composed messages. Chat messages are flooded: a message seen
// for the first time is forwarded to every other live peer, a duplicate is
// dropped.
type Router struct {
	store   store.Store
	peers   broadcaster
	sync    *Syncer
	events  *Bus
	metrics *Metrics
	now     func() time.Time
}

// NewRouter creates a router
func NewRouter(st store.Store, peers broadcaster, syncer *Syncer, events *Bus, metrics *Metrics) *Router {
	return &Router{
		store:   st,
		peers:   peers,
		sync:    syncer,
		events:  events,
		metrics: metrics,
		now:     time.Now,
	}
}

// ComposeAndSend stores a new local message and floods it to every live
// peer. Having no peers is not an error.
func (r *Router) ComposeAndSend(ctx context.Context, content, userID, chatID string) (chat.Message, error) {
	m := chat.NewMessage(content, userID, chatID, r.now())

	if _, err := r.store.Insert(ctx, m); err != nil {
		return chat.Message{}, fmt.Errorf("store message: %w", err)
	}
	r.metrics.MessagesStored.Add(1)

	frame, err := protocol.NewFrame(protocol.FrameChatMessage, protocol.NewChatMessage(m))
	if err != nil {
		return m, fmt.Errorf("create chat frame: %w", err)
	}

	queued := r.peers.Broadcast(ctx, frame)
	slog.Debug("Message sent", "id", m.ID, "chat", chatID, "peers", queued)

	return m, nil
}

// HandleFrame decodes one inbound frame and applies it. An error means the
// frame was dropped; the connection is unaffected.
func (r *Router) HandleFrame(ctx context.Context, from string, data []byte) error {
	frame, err := protocol.Decode(data)
	if err != nil {
		r.metrics.DecodeErrors.Add(1)
		return fmt.Errorf("decode frame from %s: %w", from, err)
	}

	switch frame.Type {
	case protocol.FrameChatMessage:
		var cm protocol.ChatMessage
		if err := r.parse(frame, &cm); err != nil {
			return err
		}
		return r.handleChatMessage(ctx, from, frame, cm.Message())

	case protocol.FrameSyncRequest:
		var req protocol.SyncRequest
		if err := r.parse(frame, &req); err != nil {
			return err
		}
		return r.sync.HandleSyncRequest(ctx, from, req)

	case protocol.FrameSyncResponse:
		var resp protocol.SyncResponse
		if err := r.parse(frame, &resp); err != nil {
			return err
		}
		return r.sync.HandleSyncResponse(ctx, from, resp)

	case protocol.FrameMessageBatch:
		var batch protocol.MessageBatch
		if err := r.parse(frame, &batch); err != nil {
			return err
		}
		_, err := r.sync.HandleBatch(ctx, from, batch)
		return err

	default:
		r.metrics.DecodeErrors.Add(1)
		return fmt.Errorf("%w: %q", protocol.ErrUnknownType, frame.Type)
	}
}

// GetMessages returns one chat partition in display order
func (r *Router) GetMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	messages, err := r.store.ByChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat %q: %w", chatID, err)
	}
	return messages, nil
}

func (r *Router) handleChatMessage(ctx context.Context, from string, frame *protocol.Frame, m chat.Message) error {
	inserted, err := r.store.Insert(ctx, m)
	if err != nil {
		return fmt.Errorf("store message %s: %w", m.ID, err)
	}
	if !inserted {
		r.metrics.DuplicatesDropped.Add(1)
		return nil
	}
	r.metrics.MessagesStored.Add(1)

	total, err := r.store.Count(ctx)
	if err != nil {
		slog.Warn("Failed to count messages", "error", err)
	}

	r.events.Publish(EventMessagesNew, MessagesNewPayload{Count: 1, Total: total})
	r.events.Publish(EventMessageReceived, MessageReceivedPayload{From: from, Message: m})

	// Keep flooding even if the sender has just gone away
	forwarded := r.peers.BroadcastExcept(context.WithoutCancel(ctx), frame, from)
	slog.Debug("Message received", "id", m.ID, "chat", m.ChatID, "peer", from, "forwarded", forwarded)
	return nil
}

func (r *Router) parse(frame *protocol.Frame, v any) error {
	if err := frame.ParsePayload(v); err != nil {
		r.metrics.DecodeErrors.Add(1)
		return fmt.Errorf("parse %s payload: %w", frame.Type, err)
	}
	return nil
}
