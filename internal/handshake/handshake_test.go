package handshake

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.c0redev.securetcp/internal/crypto"
	"dev.c0redev.securetcp/internal/proto"
)

type outcome struct {
	res *Result
	err error
}

func runPair(t *testing.T, srv, cli *Exchange) (server, client outcome) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	done := make(chan outcome, 1)
	go func() {
		res, err := srv.Run(a)
		if err != nil {
			a.Close()
		}
		done <- outcome{res, err}
	}()
	res, err := cli.Run(b)
	if err != nil {
		b.Close()
	}
	client = outcome{res, err}
	server = <-done
	return server, client
}

func assertSessionsMatch(t *testing.T, a, b *crypto.Session) {
	t.Helper()
	sealed, err := a.Encrypt([]byte("ping"))
	require.NoError(t, err)
	pt, err := b.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(pt))
}

func TestHandshakeUncertified(t *testing.T) {
	srv := NewServer(crypto.EncryptionSettings{AESBits: 256, Curve: crypto.CurveP256}, nil)
	cli := NewClient(nil)
	s, c := runPair(t, srv, cli)
	require.NoError(t, s.err)
	require.NoError(t, c.err)
	assert.False(t, c.res.Certified)
	assert.Equal(t, StateEstablished, srv.State())
	assert.Equal(t, StateEstablished, cli.State())
	assert.Equal(t, s.res.Settings, c.res.Settings)
	assertSessionsMatch(t, s.res.Session, c.res.Session)
	assertSessionsMatch(t, c.res.Session, s.res.Session)
}

func TestHandshakeCertified(t *testing.T) {
	cert, err := crypto.GenerateCertificate()
	require.NoError(t, err)
	srv := NewServer(crypto.DefaultSettings, cert)
	cli := NewClient(cert.PublicKey())
	s, c := runPair(t, srv, cli)
	require.NoError(t, s.err)
	require.NoError(t, c.err)
	assert.True(t, c.res.Certified)
	assert.Equal(t, crypto.DefaultSettings, c.res.Settings)
	assertSessionsMatch(t, c.res.Session, s.res.Session)
}

func TestHandshakeClientAdoptsServerSettings(t *testing.T) {
	want := crypto.EncryptionSettings{AESBits: 128, Curve: crypto.CurveBrainpoolP256r1}
	_, c := runPair(t, NewServer(want, nil), NewClient(nil))
	require.NoError(t, c.err)
	assert.Equal(t, want, c.res.Settings)
}

func TestHandshakeWrongCertificate(t *testing.T) {
	cert, err := crypto.GenerateCertificate()
	require.NoError(t, err)
	other, err := crypto.GenerateCertificate()
	require.NoError(t, err)
	cli := NewClient(other.PublicKey())
	_, c := runPair(t, NewServer(crypto.DefaultSettings, cert), cli)
	assert.ErrorIs(t, c.err, ErrCertificateVerificationFailed)
	assert.ErrorIs(t, c.err, crypto.ErrBadSignature)
	assert.Equal(t, StateAborted, cli.State())
}

func TestHandshakeUnsignedHelloWithPin(t *testing.T) {
	cert, err := crypto.GenerateCertificate()
	require.NoError(t, err)
	_, c := runPair(t, NewServer(crypto.DefaultSettings, nil), NewClient(cert.PublicKey()))
	assert.ErrorIs(t, c.err, ErrCertificateVerificationFailed)
}

// fakeServer answers the client's nonce with a hello built by mutate.
func fakeServer(t *testing.T, conn net.Conn, cert *crypto.Certificate, mutate func(h *proto.ServerHello)) {
	defer conn.Close()
	nonce, err := readHandshake(conn)
	if err != nil {
		return
	}
	settings := crypto.EncryptionSettings{AESBits: 256, Curve: crypto.CurveP256}
	key, err := crypto.GenerateKey(settings.Curve.Curve())
	if err != nil {
		t.Error(err)
		return
	}
	h := &proto.ServerHello{
		Settings:  settings.Bytes(),
		PublicKey: crypto.MarshalPublicKey(&key.PublicKey),
		Nonce:     nonce,
	}
	h.Signature, err = cert.Sign(h.SignedPortion())
	if err != nil {
		t.Error(err)
		return
	}
	mutate(h)
	_ = writeHandshake(conn, proto.EncodeServerHello(h))
	_, _ = readHandshake(conn)
}

func TestHandshakeCorruptedSignature(t *testing.T) {
	cert, err := crypto.GenerateCertificate()
	require.NoError(t, err)
	a, b := net.Pipe()
	go fakeServer(t, a, cert, func(h *proto.ServerHello) { h.Signature[5] ^= 0x01 })
	_, err = NewClient(cert.PublicKey()).Run(b)
	b.Close()
	assert.ErrorIs(t, err, ErrCertificateVerificationFailed)
}

func TestHandshakeReplayedHello(t *testing.T) {
	cert, err := crypto.GenerateCertificate()
	require.NoError(t, err)
	a, b := net.Pipe()
	// Validly signed, but over a nonce from some earlier session.
	go fakeServer(t, a, cert, func(h *proto.ServerHello) {
		h.Nonce = make([]byte, len(h.Nonce))
		h.Signature, _ = cert.Sign(h.SignedPortion())
	})
	_, err = NewClient(cert.PublicKey()).Run(b)
	b.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCertificateVerificationFailed))
}

func TestHandshakeUnexpectedFrame(t *testing.T) {
	a, b := net.Pipe()
	go func() {
		defer a.Close()
		_, _ = readHandshake(a)
		_ = proto.EncodeFrame(a, &proto.Frame{Type: proto.TypeNormal, Payload: []byte("x")})
	}()
	_, err := NewClient(nil).Run(b)
	b.Close()
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestExchangeSingleUse(t *testing.T) {
	srv := NewServer(crypto.EncryptionSettings{AESBits: 128, Curve: crypto.CurveP256}, nil)
	_, c := runPair(t, srv, NewClient(nil))
	require.NoError(t, c.err)
	_, err := srv.Run(nil)
	assert.ErrorIs(t, err, ErrAborted)
}
