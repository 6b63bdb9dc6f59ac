// Package transport provides the reliable byte streams the protocol runs on:
// plain TCP, a QUIC stream, or a QUIC stream carried over an ICE path.
package transport

import (
	"context"
	"net"
	"time"
)

// Dialer opens a stream to addr.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// DialTCP is the default Dialer.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// ListenTCP listens on addr ("ip:port", port 0 picks one).
func ListenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
