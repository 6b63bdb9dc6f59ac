// Package crypto: ephemeral EC keys, per-message AES-CBC + ECDSA sealing, and
// the long-term certificate used to sign server hellos.
package crypto

import (
	"crypto/elliptic"
	"fmt"

	"github.com/ProtonMail/go-crypto/brainpool"
)

// CurveID selects the curve for ephemeral keys. Zero is the default.
type CurveID uint8

const (
	CurveDefault         CurveID = 0 // brainpoolP512r1
	CurveBrainpoolP256r1 CurveID = 1
	CurveBrainpoolP384r1 CurveID = 2
	CurveP256            CurveID = 3
	CurveP384            CurveID = 4
	CurveP521            CurveID = 5
)

// Curve returns the elliptic curve for id, or nil if unknown.
func (id CurveID) Curve() elliptic.Curve {
	switch id {
	case CurveDefault:
		return brainpool.P512r1()
	case CurveBrainpoolP256r1:
		return brainpool.P256r1()
	case CurveBrainpoolP384r1:
		return brainpool.P384r1()
	case CurveP256:
		return elliptic.P256()
	case CurveP384:
		return elliptic.P384()
	case CurveP521:
		return elliptic.P521()
	}
	return nil
}

func (id CurveID) String() string {
	switch id {
	case CurveDefault:
		return "brainpoolP512r1"
	case CurveBrainpoolP256r1:
		return "brainpoolP256r1"
	case CurveBrainpoolP384r1:
		return "brainpoolP384r1"
	case CurveP256:
		return "P-256"
	case CurveP384:
		return "P-384"
	case CurveP521:
		return "P-521"
	}
	return fmt.Sprintf("curve(%d)", uint8(id))
}

// EncryptionSettings is the negotiated cipher suite, 2 bytes on the wire:
// AES selector (0 = 128, 1 = 256) then curve id.
type EncryptionSettings struct {
	AESBits int
	Curve   CurveID
}

// DefaultSettings: AES-256 on brainpoolP512r1.
var DefaultSettings = EncryptionSettings{AESBits: 256, Curve: CurveDefault}

// Validate checks both selectors.
func (s EncryptionSettings) Validate() error {
	if s.AESBits != 128 && s.AESBits != 256 {
		return fmt.Errorf("%w: aes %d", ErrUnsupportedSettings, s.AESBits)
	}
	if s.Curve.Curve() == nil {
		return fmt.Errorf("%w: curve %d", ErrUnsupportedSettings, s.Curve)
	}
	return nil
}

// KeySize is the AES key length in bytes.
func (s EncryptionSettings) KeySize() int {
	return s.AESBits / 8
}

// Bytes encodes s for the server hello.
func (s EncryptionSettings) Bytes() [2]byte {
	var b [2]byte
	if s.AESBits == 256 {
		b[0] = 1
	}
	b[1] = byte(s.Curve)
	return b
}

// ParseSettings decodes the 2-byte form.
func ParseSettings(b [2]byte) (EncryptionSettings, error) {
	s := EncryptionSettings{Curve: CurveID(b[1])}
	switch b[0] {
	case 0:
		s.AESBits = 128
	case 1:
		s.AESBits = 256
	default:
		return EncryptionSettings{}, fmt.Errorf("%w: aes selector %d", ErrUnsupportedSettings, b[0])
	}
	if err := s.Validate(); err != nil {
		return EncryptionSettings{}, err
	}
	return s, nil
}

func (s EncryptionSettings) String() string {
	return fmt.Sprintf("AES-%d/%s", s.AESBits, s.Curve)
}
