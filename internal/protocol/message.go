package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"meshchat.dev/go/meshchat/internal/chat"
)

// Version information
const (
	ProtocolVersion    = "1.0.0"
	MinProtocolVersion = "1.0.0"
)

// FrameType identifies the type of mesh frame
type FrameType string

const (
	FrameHello        FrameType = "hello"         // LAN channel opening, never routed
	FrameSyncRequest  FrameType = "sync_request"  // Full set of ids we hold
	FrameSyncResponse FrameType = "sync_response" // Ids we want from the peer
	FrameMessageBatch FrameType = "message_batch" // Full messages
	FrameChatMessage  FrameType = "chat_message"  // Single flooded message
)

// ErrUnknownType is returned when a frame carries a type we do not route
var ErrUnknownType = errors.New("unknown frame type")

// Frame is the envelope every mesh frame travels in
type Frame struct {
	Type      FrameType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewFrame creates a new frame with the given payload
func NewFrame(frameType FrameType, payload interface{}) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Frame{
		Type:      frameType,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// ParsePayload unmarshals the frame payload
func (f *Frame) ParsePayload(v interface{}) error {
	return json.Unmarshal(f.Payload, v)
}

// Routable reports whether the frame type is one the router dispatches
func (t FrameType) Routable() bool {
	switch t {
	case FrameSyncRequest, FrameSyncResponse, FrameMessageBatch, FrameChatMessage:
		return true
	default:
		return false
	}
}

// Encode serializes a frame for a transport channel
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}

// Decode parses bytes received from a transport channel.
// Frames of a type the router does not dispatch yield ErrUnknownType.
func Decode(data []byte) (*Frame, error) {
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if !f.Type.Routable() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return &f, nil
}

// PeekType reads only the type field of an encoded frame. It returns an
// empty FrameType when data is not a JSON object.
func PeekType(data []byte) FrameType {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Type
}

// SyncRequest announces every message id the sender holds
type SyncRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// SyncResponse lists the ids the sender wants to receive
type SyncResponse struct {
	RequestedIDs []string `json:"requestedIds"`
}

// MessageBatch carries full messages, pushed or requested
type MessageBatch struct {
	Messages []chat.Message `json:"messages"`
}

// ChatMessage is a single message flooded through the mesh
type ChatMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ChatID    string    `json:"chatId"`
}

// NewChatMessage copies a stored message into its wire form
func NewChatMessage(m chat.Message) ChatMessage {
	return ChatMessage{
		ID:        m.ID,
		Content:   m.Content,
		UserID:    m.UserID,
		CreatedAt: m.CreatedAt,
		ChatID:    m.ChatID,
	}
}

// Message converts the wire form back into a chat message
func (c ChatMessage) Message() chat.Message {
	return chat.Message{
		ID:        c.ID,
		Content:   c.Content,
		UserID:    c.UserID,
		ChatID:    c.ChatID,
		CreatedAt: c.CreatedAt.UTC(),
	}
}

// Hello is exchanged once when a LAN channel opens so each side learns
// the other's name, which is also its endpoint id.
type Hello struct {
	Version    string `json:"version"`
	MinVersion string `json:"min_version"`
	Name       string `json:"name"`
}

// NewHello creates a hello for the given local name
func NewHello(name string) *Hello {
	return &Hello{
		Version:    ProtocolVersion,
		MinVersion: MinProtocolVersion,
		Name:       name,
	}
}
