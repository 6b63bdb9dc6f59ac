package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.c0redev.securetcp/internal/client"
	"dev.c0redev.securetcp/internal/crypto"
	"dev.c0redev.securetcp/internal/handshake"
	"dev.c0redev.securetcp/internal/proto"
	"dev.c0redev.securetcp/internal/session"
	"dev.c0redev.securetcp/internal/transport"
)

var fastSettings = crypto.EncryptionSettings{AESBits: 256, Curve: crypto.CurveP256}

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := New("127.0.0.1:0", append([]Option{WithSettings(fastSettings)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func connect(t *testing.T, s *Server, certPub []byte) *client.Client {
	t.Helper()
	c := client.New()
	require.NoError(t, c.Connect(context.Background(), s.IPPort(), certPub))
	t.Cleanup(c.Disconnect)
	return c
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Clients()) == n }, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEndUncertified(t *testing.T) {
	s := startServer(t)
	got := make(chan []byte, 1)
	from := make(chan string, 1)
	s.OnMessage(func(addr string, data []byte) {
		from <- addr
		got <- data
	})

	c := connect(t, s, nil)
	assert.True(t, c.Connected())
	assert.False(t, c.Certified())

	msg := []byte("twenty-three bytes long")
	require.Len(t, msg, 23)
	require.NoError(t, c.Send(msg))
	select {
	case data := <-got:
		assert.Equal(t, msg, data)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
	addr := <-from
	waitClients(t, s, 1)
	assert.Equal(t, []string{addr}, s.Clients())
}

func TestEndToEndCertifiedConnectionString(t *testing.T) {
	cert, err := crypto.GenerateCertificate()
	require.NoError(t, err)
	s := startServer(t, WithCertificate(cert))

	cs, err := s.ExportConnectionString()
	require.NoError(t, err)
	parsed, err := proto.ParseConnectionString(cs)
	require.NoError(t, err)
	assert.Equal(t, cert.PublicKey(), parsed.PublicKey)

	c := client.New()
	replies := make(chan []byte, 1)
	c.OnMessage(func(data []byte) { replies <- data })
	require.NoError(t, c.ConnectString(context.Background(), cs))
	defer c.Disconnect()
	assert.True(t, c.Certified())

	waitClients(t, s, 1)
	require.NoError(t, s.Send(s.Clients()[0], []byte("welcome")))
	select {
	case data := <-replies:
		assert.Equal(t, "welcome", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("server message not delivered")
	}
}

func TestWrongCertificateRejected(t *testing.T) {
	cert, err := crypto.GenerateCertificate()
	require.NoError(t, err)
	other, err := crypto.GenerateCertificate()
	require.NoError(t, err)
	s := startServer(t, WithCertificate(cert))

	c := client.New()
	err = c.Connect(context.Background(), s.IPPort(), other.PublicKey())
	assert.ErrorIs(t, err, handshake.ErrCertificateVerificationFailed)
	assert.False(t, c.Connected())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.Clients())
}

// fakeHelloServer answers every client with a hello whose signature has one
// flipped bit.
func fakeHelloServer(t *testing.T, cert *crypto.Certificate) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				f, err := proto.DecodeFrame(conn, nil)
				if err != nil {
					return
				}
				key, _ := crypto.GenerateKey(fastSettings.Curve.Curve())
				h := &proto.ServerHello{
					Settings:  fastSettings.Bytes(),
					PublicKey: crypto.MarshalPublicKey(&key.PublicKey),
					Nonce:     f.Payload,
				}
				h.Signature, _ = cert.Sign(h.SignedPortion())
				h.Signature[len(h.Signature)-1] ^= 0x01
				_ = proto.EncodeFrame(conn, &proto.Frame{Type: proto.TypeHandshake, Payload: proto.EncodeServerHello(h)})
				_, _ = proto.DecodeFrame(conn, nil)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestCorruptedHelloSignature(t *testing.T) {
	cert, err := crypto.GenerateCertificate()
	require.NoError(t, err)
	addr := fakeHelloServer(t, cert)
	cs := &proto.ConnectionString{IP: net.ParseIP("127.0.0.1"), PublicKey: cert.PublicKey()}
	_, port, _ := net.SplitHostPort(addr)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	cs.Port = uint16(p)
	str, err := cs.Encode()
	require.NoError(t, err)

	c := client.New()
	err = c.ConnectString(context.Background(), str)
	assert.ErrorIs(t, err, handshake.ErrCertificateVerificationFailed)
	assert.False(t, c.Connected())
}

func TestSendAndWaitBothWays(t *testing.T) {
	s := startServer(t)
	s.SetResponder(func(addr string, req []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(req))), nil
	})
	c := connect(t, s, nil)
	c.SetResponder(func(req []byte) ([]byte, error) {
		return append([]byte("client:"), req...), nil
	})

	resp, err := c.SendAndWait(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(resp))

	waitClients(t, s, 1)
	resp, err = s.SendAndWait(context.Background(), s.Clients()[0], []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "client:ping", string(resp))
}

// deadConn registers a client whose stream is already gone.
func deadConn(t *testing.T, s *Server) string {
	a, b := net.Pipe()
	b.Close()
	ka, _ := crypto.GenerateKey(fastSettings.Curve.Curve())
	kb, _ := crypto.GenerateKey(fastSettings.Curve.Curve())
	sess, err := crypto.DeriveSession(ka, &kb.PublicKey, fastSettings.KeySize())
	require.NoError(t, err)
	sc := session.New(a, &handshake.Result{Session: sess, Settings: fastSettings}, session.Handlers{
		OnDisconnect: s.handleDisconnect,
	}, session.Config{})
	s.mu.Lock()
	s.clients["dead:1"] = sc
	s.mu.Unlock()
	return "dead:1"
}

func TestBroadCastBestEffort(t *testing.T) {
	s := startServer(t)
	const n = 3
	inboxes := make([]chan []byte, n)
	for i := range inboxes {
		inbox := make(chan []byte, 1)
		inboxes[i] = inbox
		c := connect(t, s, nil)
		c.OnMessage(func(data []byte) { inbox <- data })
	}
	waitClients(t, s, n)
	dead := deadConn(t, s)

	err := s.BroadCast([]byte("to everyone"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), dead)
	var be *BroadcastError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, []string{dead}, be.Addrs())
	assert.Error(t, be.Failed[dead])

	for i, inbox := range inboxes {
		select {
		case data := <-inbox:
			assert.Equal(t, "to everyone", string(data), "client %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("client %d missed broadcast", i)
		}
	}
}

func TestBroadCastAllReached(t *testing.T) {
	s := startServer(t)
	inbox := make(chan []byte, 1)
	c := connect(t, s, nil)
	c.OnMessage(func(data []byte) { inbox <- data })
	waitClients(t, s, 1)

	require.NoError(t, s.BroadCast([]byte("hello")))
	select {
	case data := <-inbox:
		assert.Equal(t, "hello", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast not delivered")
	}
}

func TestBroadcastErrorUnwraps(t *testing.T) {
	be := &BroadcastError{Failed: map[string]error{
		"b:2": session.ErrClosed,
		"a:1": errors.New("boom"),
	}}
	assert.Equal(t, []string{"a:1", "b:2"}, be.Addrs())
	assert.ErrorIs(t, be, session.ErrClosed)
	assert.Equal(t, "server: broadcast failed for 2 client(s): a:1: boom; b:2: "+session.ErrClosed.Error(), be.Error())
}

func TestDisconnectClient(t *testing.T) {
	s := startServer(t)
	serverSide := make(chan session.Reason, 1)
	s.OnClientDisconnected(func(_ string, reason session.Reason, _ error) { serverSide <- reason })

	c := client.New()
	clientSide := make(chan session.Reason, 1)
	c.OnDisconnected(func(_ string, reason session.Reason, _ error) { clientSide <- reason })
	require.NoError(t, c.Connect(context.Background(), s.IPPort(), nil))
	waitClients(t, s, 1)

	require.NoError(t, s.Disconnect(s.Clients()[0]))
	assert.Equal(t, session.ReasonExpected, <-clientSide)
	assert.Equal(t, session.ReasonExpected, <-serverSide)
	waitClients(t, s, 0)
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Send([]byte("x")), client.ErrNotConnected)
	assert.ErrorIs(t, s.Disconnect("nobody:0"), ErrUnknownClient)
}

func TestClientDisconnect(t *testing.T) {
	s := startServer(t)
	serverSide := make(chan session.Reason, 1)
	s.OnClientDisconnected(func(_ string, reason session.Reason, _ error) { serverSide <- reason })
	c := connect(t, s, nil)
	waitClients(t, s, 1)
	c.Disconnect()
	assert.Equal(t, session.ReasonExpected, <-serverSide)
	waitClients(t, s, 0)
}

func TestStop(t *testing.T) {
	s, err := New("127.0.0.1:0", WithSettings(fastSettings))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())

	c := client.New()
	gone := make(chan struct{})
	c.OnDisconnected(func(string, session.Reason, error) { close(gone) })
	require.NoError(t, c.Connect(context.Background(), s.IPPort(), nil))
	waitClients(t, s, 1)

	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		t.Fatal("client not disconnected by Stop")
	}
	assert.Empty(t, s.Clients())
}

func TestStartContextCancel(t *testing.T) {
	s, err := New("127.0.0.1:0", WithSettings(fastSettings))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyRunning)
	cancel()
	require.Eventually(t, func() bool { return !s.Running() }, 5*time.Second, 10*time.Millisecond)
}

func TestCertificateExportImport(t *testing.T) {
	s, err := New("127.0.0.1:0")
	require.NoError(t, err)
	_, err = s.ExportCertificate([]byte("pw"))
	assert.ErrorIs(t, err, ErrNoCertificate)

	require.NoError(t, s.GenerateCertificate())
	blob, err := s.ExportCertificate([]byte("pw"))
	require.NoError(t, err)

	s2, err := New("127.0.0.1:0", WithEncryptedCertificate(blob, []byte("pw")))
	require.NoError(t, err)
	assert.Equal(t, s.Certificate().PublicKey(), s2.Certificate().PublicKey())

	_, err = New("127.0.0.1:0", WithEncryptedCertificate(blob, []byte("nope")))
	assert.ErrorIs(t, err, crypto.ErrWrongPassword)
}

func TestExportConnectionStringNeedsIPv4(t *testing.T) {
	s, err := New("0.0.0.0:13222")
	require.NoError(t, err)
	_, err = s.ExportConnectionString()
	assert.ErrorIs(t, err, ErrNoAdvertiseAddress)

	s, err = New("0.0.0.0:13222", WithAdvertiseIP(net.ParseIP("192.0.2.10")))
	require.NoError(t, err)
	str, err := s.ExportConnectionString()
	require.NoError(t, err)
	cs, err := proto.ParseConnectionString(str)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10:13222", cs.Addr())
	assert.Empty(t, cs.PublicKey)
}

func TestOverQUIC(t *testing.T) {
	s := startServer(t, WithListener(func(addr string) (net.Listener, error) {
		return transport.ListenQUIC(addr, nil)
	}))
	got := make(chan []byte, 1)
	s.OnMessage(func(_ string, data []byte) { got <- data })

	c := client.New(client.WithDialer(transport.QUICDialer(nil)))
	require.NoError(t, c.Connect(context.Background(), s.IPPort(), nil))
	defer c.Disconnect()
	require.NoError(t, c.Send([]byte("over quic")))
	select {
	case data := <-got:
		assert.True(t, bytes.Equal([]byte("over quic"), data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered over QUIC")
	}
}

func TestFailedHandshakeNotRegistered(t *testing.T) {
	s := startServer(t, WithHandshakeTimeout(200*time.Millisecond))
	conn, err := net.Dial("tcp", s.IPPort())
	require.NoError(t, err)
	defer conn.Close()
	// Speak garbage instead of a nonce frame.
	_, _ = conn.Write([]byte{1, 0, byte(proto.TypeNormal), 0})
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, s.Clients())
}
