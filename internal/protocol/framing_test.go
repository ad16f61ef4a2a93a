package protocol

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"meshchat.dev/go/meshchat/internal/chat"
)

func TestFramerWriteRead(t *testing.T) {
	buf := &bytes.Buffer{}
	framer := NewFramer(buf, buf)

	frame, err := NewFrame(FrameSyncRequest, SyncRequest{MessageIDs: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Failed to create frame: %v", err)
	}

	if err := framer.WriteFrame(frame); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	framer2 := NewFramer(bytes.NewReader(buf.Bytes()), nil)
	readFrame, err := framer2.ReadFrame()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}

	if readFrame.Type != FrameSyncRequest {
		t.Errorf("Expected type %s, got %s", FrameSyncRequest, readFrame.Type)
	}

	var req SyncRequest
	if err := readFrame.ParsePayload(&req); err != nil {
		t.Fatalf("Failed to parse payload: %v", err)
	}
	if len(req.MessageIDs) != 2 || req.MessageIDs[0] != "a" || req.MessageIDs[1] != "b" {
		t.Errorf("Unexpected ids %v", req.MessageIDs)
	}
}

func TestFramerRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name      string
		frameType FrameType
		payload   interface{}
	}{
		{
			name:      "hello",
			frameType: FrameHello,
			payload:   NewHello("alice"),
		},
		{
			name:      "sync request empty",
			frameType: FrameSyncRequest,
			payload:   SyncRequest{MessageIDs: []string{}},
		},
		{
			name:      "sync response",
			frameType: FrameSyncResponse,
			payload:   SyncResponse{RequestedIDs: []string{"m1"}},
		},
		{
			name:      "message batch",
			frameType: FrameMessageBatch,
			payload: MessageBatch{Messages: []chat.Message{
				{ID: "m1", Content: "hi", UserID: "alice", CreatedAt: now},
			}},
		},
		{
			name:      "chat message",
			frameType: FrameChatMessage,
			payload: ChatMessage{
				ID: "m2", Content: "hello", UserID: "bob", CreatedAt: now, ChatID: "room",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			framer := NewFramer(buf, buf)

			if err := framer.Send(tc.frameType, tc.payload); err != nil {
				t.Fatalf("Failed to send frame: %v", err)
			}

			readFrame, err := framer.ReadFrame()
			if err != nil {
				t.Fatalf("Failed to read frame: %v", err)
			}

			if readFrame.Type != tc.frameType {
				t.Errorf("Expected type %s, got %s", tc.frameType, readFrame.Type)
			}
		})
	}
}

func TestFramerLargeFrame(t *testing.T) {
	buf := &bytes.Buffer{}
	framer := NewFramer(buf, buf)

	// 1 MB of content, well under the limit
	content := bytes.Repeat([]byte("x"), 1024*1024)

	err := framer.Send(FrameChatMessage, ChatMessage{ID: "big", Content: string(content), UserID: "alice"})
	if err != nil {
		t.Fatalf("Failed to write large frame: %v", err)
	}

	framer2 := NewFramer(bytes.NewReader(buf.Bytes()), nil)
	readFrame, err := framer2.ReadFrame()
	if err != nil {
		t.Fatalf("Failed to read large frame: %v", err)
	}

	var msg ChatMessage
	if err := readFrame.ParsePayload(&msg); err != nil {
		t.Fatalf("Failed to parse payload: %v", err)
	}
	if len(msg.Content) != len(content) {
		t.Errorf("Expected %d bytes of content, got %d", len(content), len(msg.Content))
	}
}

func TestFramerMessageTooLarge(t *testing.T) {
	buf := &bytes.Buffer{}

	// Manually write an oversized length prefix
	tooLargeLen := MaxMessageSize + 1
	lenBuf := make([]byte, 4)
	lenBuf[0] = byte(tooLargeLen >> 24)
	lenBuf[1] = byte(tooLargeLen >> 16)
	lenBuf[2] = byte(tooLargeLen >> 8)
	lenBuf[3] = byte(tooLargeLen)
	buf.Write(lenBuf)
	buf.Write(make([]byte, 100))

	framer := NewFramer(bytes.NewReader(buf.Bytes()), nil)
	_, err := framer.ReadRaw()
	if err != ErrMessageTooLarge {
		t.Errorf("Expected ErrMessageTooLarge, got %v", err)
	}

	if err := framer.WriteRaw(make([]byte, MaxMessageSize+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Expected ErrMessageTooLarge on write, got %v", err)
	}
}

func TestFramerTruncatedBody(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.Write([]byte{0, 0, 0, 10})
	buf.Write([]byte("short"))

	framer := NewFramer(bytes.NewReader(buf.Bytes()), nil)
	if _, err := framer.ReadRaw(); err == nil {
		t.Error("Expected error for truncated body")
	}
}

func TestPerformHello(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	type result struct {
		hello *Hello
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := PerformHello(b, NewHello("bob"))
		ch <- result{h, err}
	}()

	theirs, err := PerformHello(a, NewHello("alice"))
	if err != nil {
		t.Fatalf("PerformHello: %v", err)
	}
	if theirs.Name != "bob" {
		t.Errorf("Expected bob, got %s", theirs.Name)
	}

	r := <-ch
	if r.err != nil {
		t.Fatalf("PerformHello (remote): %v", r.err)
	}
	if r.hello.Name != "alice" {
		t.Errorf("Expected alice, got %s", r.hello.Name)
	}
}

func TestHelloCompatibility(t *testing.T) {
	ours := NewHello("alice")

	if err := ours.Compatible(NewHello("bob")); err != nil {
		t.Errorf("Expected compatible, got error: %v", err)
	}

	if err := ours.Compatible(&Hello{Version: "1.0.0", MinVersion: "1.0.0"}); err == nil {
		t.Error("Expected error for missing name")
	}

	if err := ours.Compatible(NewHello("alice")); err == nil {
		t.Error("Expected error for same name")
	}

	old := &Hello{Version: "0.5.0", MinVersion: "0.5.0", Name: "bob"}
	if err := ours.Compatible(old); err == nil {
		t.Error("Expected error for incompatible version")
	}

	future := &Hello{Version: "3.0.0", MinVersion: "2.0.0", Name: "bob"}
	if err := ours.Compatible(future); err == nil {
		t.Error("Expected error when their minimum exceeds our version")
	}
}

func TestVersionCompare(t *testing.T) {
	testCases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.1", "1.0.0", 1},
		{"1.2", "1.10", -1},
		{"2.0.0-rc1", "2.0.0", 0},
		{"0.9.9", "1.0.0", -1},
	}

	for _, tc := range testCases {
		va, err := parseVersion(tc.a)
		if err != nil {
			t.Fatalf("parseVersion(%q): %v", tc.a, err)
		}
		vb, err := parseVersion(tc.b)
		if err != nil {
			t.Fatalf("parseVersion(%q): %v", tc.b, err)
		}
		if got := va.Compare(vb); got != tc.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
