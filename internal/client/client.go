// Package client is the connecting side: it dials a server, runs the key
// exchange and then exposes send, request and disconnect on the session.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"dev.c0redev.securetcp/internal/crypto"
	"dev.c0redev.securetcp/internal/handshake"
	"dev.c0redev.securetcp/internal/metrics"
	"dev.c0redev.securetcp/internal/proto"
	"dev.c0redev.securetcp/internal/session"
	"dev.c0redev.securetcp/internal/transport"
)

// DefaultConnectTimeout bounds dial plus handshake.
const DefaultConnectTimeout = 3 * time.Second

var (
	ErrConnectionTimedOut = errors.New("client: connection timed out")
	ErrNotConnected       = errors.New("client: not connected")
	ErrAlreadyConnected   = errors.New("client: already connected")
)

const role = "client"

type options struct {
	dial           transport.Dialer
	connectTimeout time.Duration
	requestTimeout time.Duration
	log            zerolog.Logger
	metrics        *metrics.Metrics
	pool           *ants.Pool
}

// Option configures a Client.
type Option func(*options)

// WithDialer replaces plain TCP, e.g. with transport.QUICDialer.
func WithDialer(d transport.Dialer) Option { return func(o *options) { o.dial = d } }

func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithPool runs responders on p instead of the ants default pool.
func WithPool(p *ants.Pool) Option { return func(o *options) { o.pool = p } }

// Client holds at most one connection at a time.
type Client struct {
	opts options

	mu             sync.Mutex
	conn           *session.Conn
	addr           string
	onConnected    func(addr string)
	onDisconnected func(addr string, reason session.Reason, err error)
	onMessage      func(data []byte)
	responder      func(req []byte) ([]byte, error)
}

// New returns an unconnected client.
func New(opts ...Option) *Client {
	o := options{
		dial:           transport.DialTCP,
		connectTimeout: DefaultConnectTimeout,
		requestTimeout: session.DefaultRequestTimeout,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{opts: o}
}

// OnConnected is called after each successful handshake.
func (c *Client) OnConnected(fn func(addr string)) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

// OnDisconnected is called once per connection.
func (c *Client) OnDisconnected(fn func(addr string, reason session.Reason, err error)) {
	c.mu.Lock()
	c.onDisconnected = fn
	c.mu.Unlock()
}

// OnMessage receives each Normal payload from the server.
func (c *Client) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// SetResponder answers server requests.
func (c *Client) SetResponder(fn func(req []byte) ([]byte, error)) {
	c.mu.Lock()
	c.responder = fn
	c.mu.Unlock()
}

// Connect dials addr and runs the key exchange. When certPub (X||Y) is set
// the server must prove it holds the matching certificate.
func (c *Client) Connect(ctx context.Context, addr string, certPub []byte) error {
	if c.Connected() {
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()
	conn, err := c.opts.dial(ctx, addr)
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%w: dial %s: %w", ErrConnectionTimedOut, addr, err)
		}
		return err
	}
	return c.connect(ctx, conn, addr, certPub)
}

// ConnectString connects using a server's exported connection string.
func (c *Client) ConnectString(ctx context.Context, s string) error {
	cs, err := proto.ParseConnectionString(s)
	if err != nil {
		return err
	}
	return c.Connect(ctx, cs.Addr(), cs.PublicKey)
}

// ConnectConn runs the key exchange over an already open stream, such as
// one from transport.ICEPeer.
func (c *Client) ConnectConn(ctx context.Context, conn net.Conn, certPub []byte) error {
	if c.Connected() {
		conn.Close()
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()
	return c.connect(ctx, conn, conn.RemoteAddr().String(), certPub)
}

// ConnectICE dials the peer described by remote over ICE, then runs the
// key exchange on the resulting stream. peer must already have gathered
// its local offer and handed it to the other side.
func (c *Client) ConnectICE(ctx context.Context, peer *transport.ICEPeer, remote *transport.Offer, certPub []byte) error {
	if c.Connected() {
		return ErrAlreadyConnected
	}
	conn, err := peer.Dial(ctx, remote, nil)
	if err != nil {
		peer.Close()
		return err
	}
	return c.ConnectConn(ctx, conn, certPub)
}

func (c *Client) connect(ctx context.Context, conn net.Conn, addr string, certPub []byte) error {
	log := c.opts.log.With().Str("server", addr).Logger()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	res, err := handshake.NewClient(certPub).Run(conn)
	stop()
	if err != nil {
		conn.Close()
		if isTimeout(ctx, err) {
			c.opts.metrics.Handshake(role, "timeout")
			return fmt.Errorf("%w: handshake with %s: %w", ErrConnectionTimedOut, addr, err)
		}
		c.opts.metrics.Handshake(role, "failed")
		log.Warn().Err(err).Msg("handshake failed")
		return err
	}
	_ = conn.SetDeadline(time.Time{})
	c.opts.metrics.Handshake(role, "ok")

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		res.Session.Destroy()
		conn.Close()
		return ErrAlreadyConnected
	}
	sc := session.New(conn, res, session.Handlers{
		OnMessage:    c.handleMessage,
		OnDisconnect: c.handleDisconnect,
		Responder:    c.handleRequest,
	}, session.Config{
		RequestTimeout: c.opts.requestTimeout,
		Pool:           c.opts.pool,
		Logger:         c.opts.log,
		Metrics:        c.opts.metrics,
		Role:           role,
	})
	c.conn = sc
	c.addr = addr
	onConnected := c.onConnected
	c.mu.Unlock()

	log.Info().Bool("certified", res.Certified).Str("settings", res.Settings.String()).Msg("connected")
	if onConnected != nil {
		onConnected(addr)
	}
	sc.BeginReceiving()
	return nil
}

func (c *Client) handleMessage(_ *session.Conn, data []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (c *Client) handleRequest(_ *session.Conn, req []byte) ([]byte, error) {
	c.mu.Lock()
	fn := c.responder
	c.mu.Unlock()
	if fn == nil {
		return nil, errors.New("client: no responder")
	}
	return fn(req)
}

func (c *Client) handleDisconnect(sc *session.Conn, reason session.Reason, err error) {
	c.mu.Lock()
	addr := c.addr
	if c.conn == sc {
		c.conn = nil
	}
	fn := c.onDisconnected
	c.mu.Unlock()
	if fn != nil {
		fn(addr, reason, err)
	}
}

func (c *Client) current() (*session.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.Closed() {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Connected reports whether a session is up.
func (c *Client) Connected() bool {
	_, err := c.current()
	return err == nil
}

// Certified reports whether the current server proved its certificate.
func (c *Client) Certified() bool {
	sc, err := c.current()
	return err == nil && sc.Certified()
}

// Settings of the current session.
func (c *Client) Settings() (crypto.EncryptionSettings, error) {
	sc, err := c.current()
	if err != nil {
		return crypto.EncryptionSettings{}, err
	}
	return sc.Settings(), nil
}

// ServerAddr is the address passed to the last successful connect.
func (c *Client) ServerAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Send delivers data as a Normal message.
func (c *Client) Send(data []byte) error {
	sc, err := c.current()
	if err != nil {
		return err
	}
	return sc.Send(data, proto.TypeNormal)
}

// SendAndWait sends a request and waits for the server's response.
func (c *Client) SendAndWait(ctx context.Context, data []byte) ([]byte, error) {
	sc, err := c.current()
	if err != nil {
		return nil, err
	}
	return sc.SendAndWait(ctx, data)
}

// Disconnect shuts the session down gracefully. No-op when not connected.
func (c *Client) Disconnect() {
	sc, err := c.current()
	if err != nil {
		return
	}
	sc.ShutDown()
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
