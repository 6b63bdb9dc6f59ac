package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"io"
	"sync"
)

// IVSize is the AES-CBC IV length prepended to every ciphertext.
const IVSize = aes.BlockSize

// Session seals and opens messages for one established connection.
// Sealed form: signature | IV | AES-CBC(PKCS#7(plaintext)).
// The signature is made with the local ephemeral key over SHA-512(IV||ct);
// the peer's ephemeral public key verifies inbound messages.
type Session struct {
	mu       sync.RWMutex
	key      []byte
	block    cipher.Block
	signer   *ecdsa.PrivateKey
	verifier *ecdsa.PublicKey
	sigSize  int
}

// NewSession takes ownership of key.
func NewSession(key []byte, signer *ecdsa.PrivateKey, verifier *ecdsa.PublicKey) (*Session, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Session{
		key:      key,
		block:    block,
		signer:   signer,
		verifier: verifier,
		sigSize:  SignatureSize(verifier.Curve),
	}, nil
}

// DeriveSession runs ECDH and keeps the leading keySize bytes of the shared
// secret as the AES key.
func DeriveSession(local *ecdsa.PrivateKey, remote *ecdsa.PublicKey, keySize int) (*Session, error) {
	secret, err := SharedSecret(local, remote)
	if err != nil {
		return nil, err
	}
	if len(secret) < keySize {
		return nil, fmt.Errorf("%w: shared secret %d bytes, need %d", ErrUnsupportedSettings, len(secret), keySize)
	}
	key := make([]byte, keySize)
	copy(key, secret)
	clear(secret)
	return NewSession(key, local, remote)
}

// Encrypt seals plaintext with a fresh IV.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.block == nil {
		return nil, ErrSessionDestroyed
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(s.block, iv).CryptBlocks(ct, padded)

	sig, err := SignDigest(s.signer, digest(iv, ct))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(sig)+IVSize+len(ct))
	out = append(out, sig...)
	out = append(out, iv...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt verifies then opens a sealed message. A failed signature returns
// ErrBadSignature without touching the ciphertext.
func (s *Session) Decrypt(sealed []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.block == nil {
		return nil, ErrSessionDestroyed
	}
	if len(sealed) < s.sigSize+IVSize+aes.BlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCiphertextTooShort, len(sealed))
	}
	sig := sealed[:s.sigSize]
	iv := sealed[s.sigSize : s.sigSize+IVSize]
	ct := sealed[s.sigSize+IVSize:]
	if !VerifyDigest(s.verifier, digest(iv, ct), sig) {
		return nil, ErrBadSignature
	}
	if len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block aligned", ErrInvalidPadding)
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(s.block, iv).CryptBlocks(pt, ct)
	return pkcs7Unpad(pt, aes.BlockSize)
}

// Overhead is the sealed size minus plaintext size for an n-byte message.
func (s *Session) Overhead(n int) int {
	return s.sigSize + IVSize + (aes.BlockSize - n%aes.BlockSize)
}

// Destroy zeroes the key material; later Encrypt/Decrypt calls fail.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.key)
	s.block = nil
	if s.signer != nil && s.signer.D != nil {
		s.signer.D.SetInt64(0)
	}
}

func digest(iv, ct []byte) []byte {
	h := sha512.New()
	h.Write(iv)
	h.Write(ct)
	return h.Sum(nil)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
