// Package frame implements native-messaging framing: a 4-byte little-endian
// length prefix followed by one UTF-8 JSON message.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const HeaderLen = 4

var (
	ErrShortHeader     = errors.New("frame: short length header")
	ErrEmptyPayload    = errors.New("frame: empty payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrInvalidJSON     = errors.New("frame: payload is not valid json")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxReadBytes  uint32
	MaxWriteBytes uint32
}

// DefaultLimits mirrors the native messaging caps: 1 MiB towards the page,
// 64 MiB towards the host.
func DefaultLimits() Limits {
	return Limits{
		MaxReadBytes:  1024 * 1024,
		MaxWriteBytes: 64 * 1024 * 1024,
	}
}

// ReadFrame reads one framed message and returns the raw JSON payload.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var head [HeaderLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(head[:])
	if n == 0 {
		return nil, ErrEmptyPayload
	}
	if limits.MaxReadBytes > 0 && n > limits.MaxReadBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, limits.MaxReadBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if !json.Valid(payload) {
		return nil, ErrInvalidJSON
	}
	return payload, nil
}

// WriteFrame writes one already-encoded JSON payload.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if limits.MaxWriteBytes > 0 && uint64(len(payload)) > uint64(limits.MaxWriteBytes) {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), limits.MaxWriteBytes)
	}
	buf := make([]byte, HeaderLen+len(payload))
	binary.LittleEndian.PutUint32(buf[:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

// WriteJSON marshals msg and writes it as one frame.
func WriteJSON(w io.Writer, msg any, limits Limits) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload, limits)
}

// ReadJSON reads one frame and unmarshals it into out.
func ReadJSON(r io.Reader, out any, limits Limits) error {
	payload, err := ReadFrame(r, limits)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}
