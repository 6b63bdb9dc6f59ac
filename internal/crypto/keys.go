package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"
)

// GenerateKey creates a fresh ECDSA keypair on curve.
func GenerateKey(curve elliptic.Curve) (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(curve, rand.Reader)
}

func coordSize(curve elliptic.Curve) int {
	return (curve.Params().BitSize + 7) / 8
}

// PublicKeySize is the length of X||Y on curve.
func PublicKeySize(curve elliptic.Curve) int {
	return 2 * coordSize(curve)
}

// SignatureSize is the length of a fixed-width r||s signature on curve.
func SignatureSize(curve elliptic.Curve) int {
	return 2 * ((curve.Params().N.BitLen() + 7) / 8)
}

// MarshalPublicKey encodes pub as X||Y, each padded to the coordinate size.
func MarshalPublicKey(pub *ecdsa.PublicKey) []byte {
	n := coordSize(pub.Curve)
	b := make([]byte, 2*n)
	pub.X.FillBytes(b[:n])
	pub.Y.FillBytes(b[n:])
	return b
}

// UnmarshalPublicKey decodes X||Y and rejects points not on curve.
func UnmarshalPublicKey(curve elliptic.Curve, b []byte) (*ecdsa.PublicKey, error) {
	n := coordSize(curve)
	if len(b) != 2*n {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(b), 2*n)
	}
	x := new(big.Int).SetBytes(b[:n])
	y := new(big.Int).SetBytes(b[n:])
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("%w: point not on %s", ErrInvalidPublicKey, curve.Params().Name)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// SharedSecret runs ECDH and returns the fixed-width X coordinate.
func SharedSecret(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	if priv.Curve.Params().Name != pub.Curve.Params().Name {
		return nil, fmt.Errorf("%w: curve mismatch", ErrInvalidPublicKey)
	}
	// crypto/ecdh only covers the NIST curves.
	if ep, err := priv.ECDH(); err == nil {
		epub, err := pub.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
		}
		return ep.ECDH(epub)
	}
	x, _ := priv.Curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	if x.Sign() == 0 {
		return nil, fmt.Errorf("%w: degenerate shared secret", ErrInvalidPublicKey)
	}
	out := make([]byte, coordSize(priv.Curve))
	x.FillBytes(out)
	return out, nil
}

// SignDigest signs digest and returns r||s at fixed width.
func SignDigest(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return nil, err
	}
	size := SignatureSize(priv.Curve)
	sig := make([]byte, size)
	r.FillBytes(sig[:size/2])
	s.FillBytes(sig[size/2:])
	return sig, nil
}

// VerifyDigest checks a fixed-width r||s signature.
func VerifyDigest(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	size := SignatureSize(pub.Curve)
	if len(sig) != size {
		return false
	}
	r := new(big.Int).SetBytes(sig[:size/2])
	s := new(big.Int).SetBytes(sig[size/2:])
	return ecdsa.Verify(pub, digest, r, s)
}
