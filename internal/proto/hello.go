package proto

import (
	"encoding/binary"
	"fmt"
)

// ServerHello is the server's key exchange message:
//
//	settings(2) | pubkey_len(2 LE) | pubkey | nonce_echo | signed(1) | [signature]
//
// The signature covers SHA-512 of every byte before the signed flag.
type ServerHello struct {
	Settings  [2]byte
	PublicKey []byte
	Nonce     []byte
	Signature []byte // nil when the server has no certificate
}

// SignedPortion returns the bytes covered by the certificate signature.
func (h *ServerHello) SignedPortion() []byte {
	b := make([]byte, 0, 4+len(h.PublicKey)+len(h.Nonce))
	b = append(b, h.Settings[:]...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(h.PublicKey)))
	b = append(b, h.PublicKey...)
	b = append(b, h.Nonce...)
	return b
}

// Signed reports whether the hello carries a certificate signature.
func (h *ServerHello) Signed() bool {
	return len(h.Signature) > 0
}

// EncodeServerHello serializes h.
func EncodeServerHello(h *ServerHello) []byte {
	b := h.SignedPortion()
	if h.Signed() {
		b = append(b, 1)
		b = append(b, h.Signature...)
	} else {
		b = append(b, 0)
	}
	return b
}

// DecodeServerHello parses a hello; nonceLen is the length of the nonce the
// client sent, which the server must echo verbatim.
func DecodeServerHello(payload []byte, nonceLen int) (*ServerHello, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: short hello", ErrInvalidFrame)
	}
	h := &ServerHello{}
	copy(h.Settings[:], payload[0:2])
	keyLen := int(binary.LittleEndian.Uint16(payload[2:4]))
	off := 4
	if len(payload) < off+keyLen+nonceLen+1 {
		return nil, fmt.Errorf("%w: truncated hello", ErrInvalidFrame)
	}
	h.PublicKey = append([]byte(nil), payload[off:off+keyLen]...)
	off += keyLen
	h.Nonce = append([]byte(nil), payload[off:off+nonceLen]...)
	off += nonceLen
	switch payload[off] {
	case 0:
		if off+1 != len(payload) {
			return nil, fmt.Errorf("%w: trailing bytes after unsigned hello", ErrInvalidFrame)
		}
	case 1:
		if off+1 == len(payload) {
			return nil, fmt.Errorf("%w: missing signature", ErrInvalidFrame)
		}
		h.Signature = append([]byte(nil), payload[off+1:]...)
	default:
		return nil, fmt.Errorf("%w: bad signed flag %d", ErrInvalidFrame, payload[off])
	}
	return h, nil
}
