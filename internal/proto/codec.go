package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	ErrUnknownMessageType = errors.New("proto: unknown message type")
	ErrConnectionLost     = errors.New("proto: connection lost")
	ErrPayloadTooLarge    = errors.New("proto: payload too large")
	ErrInvalidFrame       = errors.New("proto: invalid frame")
)

// EncodeFrame writes the 3-byte header and payload to w in a single Write,
// so concurrent writers serialized by a mutex never interleave partial frames.
func EncodeFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(f.Payload)))
	buf[2] = byte(f.Type)
	copy(buf[FrameHeaderSize:], f.Payload)
	if _, err := w.Write(buf); err != nil {
		return wrapLost(err)
	}
	return nil
}

// DecodeFrame reads one frame; payloadBuf opt (nil = alloc).
func DecodeFrame(r io.Reader, payloadBuf []byte) (*Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, wrapLost(err)
	}
	length := int(binary.LittleEndian.Uint16(header[0:2]))
	ft := FrameType(header[2])
	var payload []byte
	if length > 0 {
		if payloadBuf != nil && cap(payloadBuf) >= length {
			payload = payloadBuf[:length]
		} else {
			payload = make([]byte, length)
		}
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, wrapLost(err)
		}
	}
	if !ft.Known() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(ft))
	}
	return &Frame{Type: ft, Payload: payload}, nil
}

// IsConnectionLost reports whether err means the stream is gone.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

func wrapLost(err error) error {
	if IsConnectionLost(err) {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return err
}

// EncodeTagged prefixes payload with a correlation tag.
func EncodeTagged(tag byte, payload []byte) []byte {
	b := make([]byte, TagSize+len(payload))
	b[0] = tag
	copy(b[TagSize:], payload)
	return b
}

// DecodeTagged splits a request/response plaintext into tag and payload.
func DecodeTagged(b []byte) (byte, []byte, error) {
	if len(b) < TagSize {
		return 0, nil, ErrInvalidFrame
	}
	return b[0], b[TagSize:], nil
}
