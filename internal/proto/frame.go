package proto

// FrameHeaderSize: length(2) + type(1).
const FrameHeaderSize = 3

// MaxPayloadSize is the largest payload a 16-bit length can describe.
const MaxPayloadSize = 0xffff

// TagSize is the request/response correlation tag prefix.
const TagSize = 1

// Frame is one message on the wire.
type Frame struct {
	Type    FrameType
	Payload []byte
}
