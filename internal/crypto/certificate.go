package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"io"
	"math/big"

	"github.com/ProtonMail/go-crypto/brainpool"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	certSaltSize   = 16
	certIterations = 100000
)

// CertificateCurve is fixed so a connection string only carries X||Y.
func CertificateCurve() elliptic.Curve {
	return brainpool.P512r1()
}

// Certificate is a server's long-term signing identity.
type Certificate struct {
	key *ecdsa.PrivateKey
}

// GenerateCertificate creates a new brainpoolP512r1 identity.
func GenerateCertificate() (*Certificate, error) {
	key, err := GenerateKey(CertificateCurve())
	if err != nil {
		return nil, err
	}
	return &Certificate{key: key}, nil
}

// PublicKey returns X||Y.
func (c *Certificate) PublicKey() []byte {
	return MarshalPublicKey(&c.key.PublicKey)
}

// Sign signs SHA-512(msg).
func (c *Certificate) Sign(msg []byte) ([]byte, error) {
	sum := sha512.Sum512(msg)
	return SignDigest(c.key, sum[:])
}

// VerifyCertificateSignature checks sig over SHA-512(msg) against an X||Y
// certificate public key.
func VerifyCertificateSignature(pub, msg, sig []byte) error {
	pk, err := UnmarshalPublicKey(CertificateCurve(), pub)
	if err != nil {
		return err
	}
	sum := sha512.Sum512(msg)
	if !VerifyDigest(pk, sum[:], sig) {
		return ErrBadSignature
	}
	return nil
}

// Export seals the private scalar under password:
// salt(16) | nonce(24) | XChaCha20-Poly1305(D).
func (c *Certificate) Export(password []byte) ([]byte, error) {
	salt := make([]byte, certSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(passwordKey(password, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	d := make([]byte, coordSize(c.key.Curve))
	c.key.D.FillBytes(d)
	defer clear(d)

	out := make([]byte, 0, len(salt)+len(nonce)+len(d)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, d, salt), nil
}

// ImportCertificate reverses Export.
func ImportCertificate(blob, password []byte) (*Certificate, error) {
	ns := chacha20poly1305.NonceSizeX
	if len(blob) < certSaltSize+ns+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrWrongPassword, len(blob))
	}
	salt := blob[:certSaltSize]
	nonce := blob[certSaltSize : certSaltSize+ns]
	aead, err := chacha20poly1305.NewX(passwordKey(password, salt))
	if err != nil {
		return nil, err
	}
	d, err := aead.Open(nil, nonce, blob[certSaltSize+ns:], salt)
	if err != nil {
		return nil, ErrWrongPassword
	}
	defer clear(d)

	curve := CertificateCurve()
	key := &ecdsa.PrivateKey{D: new(big.Int).SetBytes(d)}
	key.Curve = curve
	key.X, key.Y = curve.ScalarBaseMult(d)
	return &Certificate{key: key}, nil
}

func passwordKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, certIterations, chacha20poly1305.KeySize, sha512.New)
}
