package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Maximum frame size (10 MB)
const MaxMessageSize = 10 * 1024 * 1024

// ErrMessageTooLarge is returned when a frame exceeds MaxMessageSize
var ErrMessageTooLarge = errors.New("message too large")

// Framer handles length-prefixed framing over a byte stream
type Framer struct {
	reader io.Reader
	writer io.Writer
}

// NewFramer creates a new framer
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		reader: r,
		writer: w,
	}
}

// ReadFrame reads a length-prefixed frame of any type
func (f *Framer) ReadFrame() (*Frame, error) {
	body, err := f.ReadRaw()
	if err != nil {
		return nil, err
	}

	var frame Frame
	if err := json.Unmarshal(body, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	return &frame, nil
}

// WriteFrame writes a length-prefixed frame
func (f *Framer) WriteFrame(frame *Frame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return f.WriteRaw(body)
}

// Send creates a frame and writes it
func (f *Framer) Send(frameType FrameType, payload interface{}) error {
	frame, err := NewFrame(frameType, payload)
	if err != nil {
		return fmt.Errorf("create frame: %w", err)
	}
	return f.WriteFrame(frame)
}

// ReadRaw reads raw bytes with length prefix
func (f *Framer) ReadRaw() ([]byte, error) {
	// 4-byte big-endian length prefix
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(f.reader, lengthBuf); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

// WriteRaw writes raw bytes with length prefix
func (f *Framer) WriteRaw(data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	// Single write so the prefix and body are never split by another writer
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := f.writer.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}
