package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.c0redev.securetcp/internal/crypto"
	"dev.c0redev.securetcp/internal/handshake"
	"dev.c0redev.securetcp/internal/proto"
	"dev.c0redev.securetcp/internal/session"
)

func TestDefaultConnectTimeout(t *testing.T) {
	assert.Equal(t, 3*time.Second, DefaultConnectTimeout)
}

func TestNotConnected(t *testing.T) {
	c := New()
	assert.False(t, c.Connected())
	assert.False(t, c.Certified())
	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected)
	_, err := c.SendAndWait(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Settings()
	assert.ErrorIs(t, err, ErrNotConnected)
	c.Disconnect()
}

// silentListener accepts and never speaks.
func silentListener(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { conn.Close() })
		}
	}()
	return ln.Addr().String()
}

func TestConnectTimeout(t *testing.T) {
	addr := silentListener(t)
	c := New(WithConnectTimeout(200 * time.Millisecond))
	start := time.Now()
	err := c.Connect(context.Background(), addr, nil)
	assert.ErrorIs(t, err, ErrConnectionTimedOut)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, c.Connected())
}

func TestConnectStringInvalid(t *testing.T) {
	c := New()
	err := c.ConnectString(context.Background(), "not base64!")
	assert.ErrorIs(t, err, proto.ErrInvalidConnectionString)
}

// serveOne runs the server side of one session over a pipe.
func serveOne(t *testing.T, conn net.Conn, h session.Handlers) <-chan *session.Conn {
	out := make(chan *session.Conn, 1)
	go func() {
		res, err := handshake.NewServer(crypto.EncryptionSettings{AESBits: 128, Curve: crypto.CurveP384}, nil).Run(conn)
		if err != nil {
			t.Error(err)
			close(out)
			return
		}
		sc := session.New(conn, res, h, session.Config{})
		sc.BeginReceiving()
		out <- sc
	}()
	return out
}

func TestConnectConn(t *testing.T) {
	a, b := net.Pipe()
	got := make(chan []byte, 1)
	srv := serveOne(t, a, session.Handlers{OnMessage: func(_ *session.Conn, data []byte) { got <- data }})

	c := New()
	connected := make(chan string, 1)
	c.OnConnected(func(addr string) { connected <- addr })
	require.NoError(t, c.ConnectConn(context.Background(), b, nil))
	defer c.Disconnect()
	sc := <-srv
	require.NotNil(t, sc)
	assert.Equal(t, "pipe", <-connected)

	s, err := c.Settings()
	require.NoError(t, err)
	assert.Equal(t, crypto.CurveP384, s.Curve)
	assert.Equal(t, 128, s.AESBits)

	require.NoError(t, c.Send([]byte("over a pipe")))
	assert.Equal(t, "over a pipe", string(<-got))

	other, _ := net.Pipe()
	assert.ErrorIs(t, c.ConnectConn(context.Background(), other, nil), ErrAlreadyConnected)
}

func TestServerShutdownNotifies(t *testing.T) {
	a, b := net.Pipe()
	srv := serveOne(t, a, session.Handlers{})
	c := New()
	reasons := make(chan session.Reason, 1)
	c.OnDisconnected(func(_ string, r session.Reason, _ error) { reasons <- r })
	require.NoError(t, c.ConnectConn(context.Background(), b, nil))
	sc := <-srv
	require.NotNil(t, sc)
	sc.ShutDown()
	select {
	case r := <-reasons:
		assert.Equal(t, session.ReasonExpected, r)
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect")
	}
	assert.False(t, c.Connected())
}
