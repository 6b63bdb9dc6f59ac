package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN for QUIC carriers.
const ALPN = "securetcp"

var quicConfig = &quic.Config{
	MaxIdleTimeout:  30 * time.Second,
	KeepAlivePeriod: 10 * time.Second,
}

// streamConn wraps one quic.Stream as net.Conn. Close tears down the whole
// QUIC connection since it carries only this stream.
type streamConn struct {
	*quic.Stream
	conn    *quic.Conn
	onClose func()
	once    sync.Once
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// CloseWrite sends FIN on the stream.
func (c *streamConn) CloseWrite() error { return c.Stream.Close() }

func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		c.Stream.CancelRead(0)
		_ = c.Stream.Close()
		err = c.conn.CloseWithError(0, "")
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

// ClientTLS accepts any server certificate: peer identity comes from the
// protocol's own certificate, not from TLS.
func ClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
	}
}

// SelfSignedTLS makes a throwaway ECDSA P-256 certificate for QUIC listeners.
func SelfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: ALPN},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}, nil
}

// DialQUIC dials addr and opens one stream.
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	if tlsConfig == nil {
		tlsConfig = ClientTLS()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	return openStream(ctx, conn)
}

func openStream(ctx context.Context, conn *quic.Conn) (net.Conn, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

// QUICDialer returns a Dialer using tlsConfig (nil = ClientTLS).
func QUICDialer(tlsConfig *tls.Config) Dialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return DialQUIC(ctx, addr, tlsConfig)
	}
}

// quicListener adapts a QUIC listener to net.Listener: each accepted QUIC
// connection yields its first stream.
type quicListener struct {
	ln     *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

// ListenQUIC listens on addr. tlsConfig nil = SelfSignedTLS.
func ListenQUIC(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = SelfSignedTLS(); err != nil {
			return nil, err
		}
	}
	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	return newQUICListener(ln), nil
}

func newQUICListener(ln *quic.Listener) *quicListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &quicListener{ln: ln, ctx: ctx, cancel: cancel}
}

func (l *quicListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return nil, net.ErrClosed
			}
			return nil, err
		}
		stream, err := acceptStream(l.ctx, conn)
		if err != nil {
			_ = conn.CloseWithError(0, "")
			if errors.Is(err, context.Canceled) {
				return nil, net.ErrClosed
			}
			continue
		}
		return stream, nil
	}
}

func acceptStream(ctx context.Context, conn *quic.Conn) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

func (l *quicListener) Close() error {
	l.cancel()
	return l.ln.Close()
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }
