package proto

import "fmt"

// FrameType is the one-byte type tag in every frame header.
type FrameType uint8

const (
	TypeNormal        FrameType = 0 // encrypted application message
	TypeHandshake     FrameType = 1 // key exchange, plaintext
	TypeShutdown      FrameType = 2 // graceful close, empty
	TypeSecurityError FrameType = 3 // peer failed to verify our signature
	TypeRequest       FrameType = 4 // encrypted tag||payload awaiting a response
	TypeResponse      FrameType = 5 // encrypted tag||payload answering a request
)

// Known reports whether t is one of the defined frame types.
func (t FrameType) Known() bool {
	return t <= TypeResponse
}

// Encrypted reports whether frames of type t carry a sealed payload.
func (t FrameType) Encrypted() bool {
	return t == TypeNormal || t == TypeRequest || t == TypeResponse
}

func (t FrameType) String() string {
	switch t {
	case TypeNormal:
		return "normal"
	case TypeHandshake:
		return "handshake"
	case TypeShutdown:
		return "shutdown"
	case TypeSecurityError:
		return "security_error"
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}
