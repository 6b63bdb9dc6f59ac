// Package server is the listening side: it accepts streams, runs the key
// exchange, keeps a registry of connected clients keyed by ip:port and
// offers send, request, broadcast and certificate management over them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dev.c0redev.securetcp/internal/crypto"
	"dev.c0redev.securetcp/internal/fingerprint"
	"dev.c0redev.securetcp/internal/handshake"
	"dev.c0redev.securetcp/internal/metrics"
	"dev.c0redev.securetcp/internal/proto"
	"dev.c0redev.securetcp/internal/session"
	"dev.c0redev.securetcp/internal/transport"
)

// DefaultHandshakeTimeout bounds each inbound key exchange.
const DefaultHandshakeTimeout = 5 * time.Second

// broadcastParallelism caps concurrent writes during BroadCast.
const broadcastParallelism = 64

var (
	ErrUnknownClient      = errors.New("server: unknown client")
	ErrNoCertificate      = errors.New("server: no certificate")
	ErrNotRunning         = errors.New("server: not running")
	ErrAlreadyRunning     = errors.New("server: already running")
	ErrNoAdvertiseAddress = errors.New("server: no IPv4 address to advertise")
)

const role = "server"

type options struct {
	settings         crypto.EncryptionSettings
	cert             *crypto.Certificate
	listen           func(addr string) (net.Listener, error)
	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	advertiseIP      net.IP
	log              zerolog.Logger
	metrics          *metrics.Metrics
	pool             *ants.Pool
	err              error
}

// Option configures a Server.
type Option func(*options)

// WithSettings sets the cipher suite announced to every client.
func WithSettings(s crypto.EncryptionSettings) Option {
	return func(o *options) { o.settings = s }
}

// WithCertificate makes the server sign its hellos.
func WithCertificate(c *crypto.Certificate) Option {
	return func(o *options) { o.cert = c }
}

// WithEncryptedCertificate imports a certificate produced by ExportCertificate.
func WithEncryptedCertificate(blob, password []byte) Option {
	return func(o *options) {
		cert, err := crypto.ImportCertificate(blob, password)
		if err != nil {
			o.err = err
			return
		}
		o.cert = cert
	}
}

// WithListener replaces plain TCP, e.g. with transport.ListenQUIC.
func WithListener(fn func(addr string) (net.Listener, error)) Option {
	return func(o *options) { o.listen = fn }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithAdvertiseIP sets the IPv4 address put in connection strings when the
// listen address is unspecified.
func WithAdvertiseIP(ip net.IP) Option {
	return func(o *options) { o.advertiseIP = ip }
}

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithPool runs responders on p instead of the ants default pool.
func WithPool(p *ants.Pool) Option { return func(o *options) { o.pool = p } }

// Server accepts clients on one listener.
type Server struct {
	addr string
	opts options

	mu       sync.RWMutex
	ln       net.Listener
	running  bool
	quit     chan struct{}
	cert     *crypto.Certificate
	clients  map[string]*session.Conn
	inflight map[net.Conn]struct{}
	wg       sync.WaitGroup

	onConnected    func(addr string)
	onDisconnected func(addr string, reason session.Reason, err error)
	onMessage      func(addr string, data []byte)
	responder      func(addr string, req []byte) ([]byte, error)
}

// New prepares a server for addr ("ip:port"). Nothing is bound until Start.
func New(addr string, opts ...Option) (*Server, error) {
	o := options{
		settings:         crypto.DefaultSettings,
		listen:           transport.ListenTCP,
		handshakeTimeout: DefaultHandshakeTimeout,
		requestTimeout:   session.DefaultRequestTimeout,
		log:              zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.err != nil {
		return nil, o.err
	}
	if err := o.settings.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		addr:     addr,
		opts:     o,
		cert:     o.cert,
		clients:  make(map[string]*session.Conn),
		inflight: make(map[net.Conn]struct{}),
	}, nil
}

// OnClientConnected is called after each successful handshake.
func (s *Server) OnClientConnected(fn func(addr string)) {
	s.mu.Lock()
	s.onConnected = fn
	s.mu.Unlock()
}

// OnClientDisconnected is called once per client connection.
func (s *Server) OnClientDisconnected(fn func(addr string, reason session.Reason, err error)) {
	s.mu.Lock()
	s.onDisconnected = fn
	s.mu.Unlock()
}

// OnMessage receives each Normal payload with the sender's ip:port.
func (s *Server) OnMessage(fn func(addr string, data []byte)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// SetResponder answers client requests.
func (s *Server) SetResponder(fn func(addr string, req []byte) ([]byte, error)) {
	s.mu.Lock()
	s.responder = fn
	s.mu.Unlock()
}

// Start binds the listener and accepts in the background until ctx ends
// or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.opts.listen(s.addr)
	if err != nil {
		return err
	}
	if err := s.bind(ln); err != nil {
		ln.Close()
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	s.mu.RLock()
	quit := s.quit
	s.mu.RUnlock()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-quit:
		}
	}()
	return nil
}

// Serve accepts on ln until it is closed. Blocks.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.bind(ln); err != nil {
		return err
	}
	s.wg.Add(1)
	defer s.wg.Done()
	return s.acceptLoop(ln)
}

func (s *Server) bind(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.ln = ln
	s.running = true
	s.quit = make(chan struct{})
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) error {
	s.opts.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.Running() {
				return nil
			}
			s.opts.log.Warn().Err(err).Msg("accept")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(conn); err != nil {
				s.opts.log.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("handshake failed")
			}
		}()
	}
}

// ServeConn runs the key exchange on an accepted stream and registers the
// client. The stream is closed on failure.
func (s *Server) ServeConn(conn net.Conn) error {
	s.mu.Lock()
	cert := s.cert
	s.inflight[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, conn)
		s.mu.Unlock()
	}()

	_ = conn.SetDeadline(time.Now().Add(s.opts.handshakeTimeout))
	res, err := handshake.NewServer(s.opts.settings, cert).Run(conn)
	if err != nil {
		conn.Close()
		s.opts.metrics.Handshake(role, "failed")
		return err
	}
	_ = conn.SetDeadline(time.Time{})
	s.opts.metrics.Handshake(role, "ok")

	sc := session.New(conn, res, session.Handlers{
		OnMessage:    s.handleMessage,
		OnDisconnect: s.handleDisconnect,
		Responder:    s.handleRequest,
	}, session.Config{
		RequestTimeout: s.opts.requestTimeout,
		Pool:           s.opts.pool,
		Logger:         s.opts.log,
		Metrics:        s.opts.metrics,
		Role:           role,
	})
	addr := sc.Addr()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		sc.ShutDown()
		return ErrNotRunning
	}
	stale := s.clients[addr]
	s.clients[addr] = sc
	onConnected := s.onConnected
	s.mu.Unlock()
	if stale != nil {
		stale.ShutDown()
	}

	s.opts.log.Info().Str("peer", addr).Str("conn_id", sc.ID()).Msg("client connected")
	if onConnected != nil {
		onConnected(addr)
	}
	sc.BeginReceiving()
	return nil
}

func (s *Server) handleMessage(sc *session.Conn, data []byte) {
	s.mu.RLock()
	fn := s.onMessage
	s.mu.RUnlock()
	if fn != nil {
		fn(sc.Addr(), data)
	}
}

func (s *Server) handleRequest(sc *session.Conn, req []byte) ([]byte, error) {
	s.mu.RLock()
	fn := s.responder
	s.mu.RUnlock()
	if fn == nil {
		return nil, errors.New("server: no responder")
	}
	return fn(sc.Addr(), req)
}

func (s *Server) handleDisconnect(sc *session.Conn, reason session.Reason, err error) {
	addr := sc.Addr()
	s.mu.Lock()
	if s.clients[addr] == sc {
		delete(s.clients, addr)
	}
	fn := s.onDisconnected
	s.mu.Unlock()
	if fn != nil {
		fn(addr, reason, err)
	}
}

func (s *Server) client(addr string) (*session.Conn, error) {
	s.mu.RLock()
	sc, ok := s.clients[addr]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, addr)
	}
	return sc, nil
}

// Send delivers data to one client as a Normal message.
func (s *Server) Send(addr string, data []byte) error {
	sc, err := s.client(addr)
	if err != nil {
		return err
	}
	return sc.Send(data, proto.TypeNormal)
}

// SendAndWait sends a request to one client and waits for its response.
func (s *Server) SendAndWait(ctx context.Context, addr string, data []byte) ([]byte, error) {
	sc, err := s.client(addr)
	if err != nil {
		return nil, err
	}
	return sc.SendAndWait(ctx, data)
}

// BroadcastError lists the clients a broadcast did not reach, keyed by address.
type BroadcastError struct {
	Failed map[string]error
}

func (e *BroadcastError) Error() string {
	addrs := e.Addrs()
	parts := make([]string, len(addrs))
	for i, addr := range addrs {
		parts[i] = fmt.Sprintf("%s: %v", addr, e.Failed[addr])
	}
	return fmt.Sprintf("server: broadcast failed for %d client(s): %s", len(parts), strings.Join(parts, "; "))
}

func (e *BroadcastError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, addr := range e.Addrs() {
		errs = append(errs, e.Failed[addr])
	}
	return errs
}

// Addrs returns the failed client addresses, sorted.
func (e *BroadcastError) Addrs() []string {
	addrs := make([]string, 0, len(e.Failed))
	for addr := range e.Failed {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// BroadCast sends data to every client in parallel. It is best-effort:
// every reachable client gets the message and the rest are reported in a
// *BroadcastError.
func (s *Server) BroadCast(data []byte) error {
	s.mu.RLock()
	targets := make(map[string]*session.Conn, len(s.clients))
	for addr, sc := range s.clients {
		targets[addr] = sc
	}
	s.mu.RUnlock()

	var mu sync.Mutex
	failed := make(map[string]error)
	var g errgroup.Group
	g.SetLimit(broadcastParallelism)
	for addr, sc := range targets {
		g.Go(func() error {
			if err := sc.Send(data, proto.TypeNormal); err != nil {
				mu.Lock()
				failed[addr] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(failed) == 0 {
		return nil
	}
	return &BroadcastError{Failed: failed}
}

// Disconnect shuts one client down gracefully.
func (s *Server) Disconnect(addr string) error {
	sc, err := s.client(addr)
	if err != nil {
		return err
	}
	sc.ShutDown()
	return nil
}

// DisconnectAll shuts every client down and waits for the registry to empty.
func (s *Server) DisconnectAll() {
	s.mu.RLock()
	targets := make([]*session.Conn, 0, len(s.clients))
	for _, sc := range s.clients {
		targets = append(targets, sc)
	}
	s.mu.RUnlock()
	var g errgroup.Group
	g.SetLimit(broadcastParallelism)
	for _, sc := range targets {
		g.Go(func() error {
			sc.ShutDown()
			<-sc.Done()
			return nil
		})
	}
	_ = g.Wait()
}

// Stop closes the listener, aborts pending handshakes and disconnects every
// client. Safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	ln := s.ln
	for conn := range s.inflight {
		conn.Close()
	}
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.DisconnectAll()
	s.wg.Wait()
	s.opts.log.Info().Msg("stopped")
}

// Running reports whether the server is accepting.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// IPPort is the bound listener address, or the configured one before Start.
func (s *Server) IPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Clients lists connected client addresses, sorted.
func (s *Server) Clients() []string {
	s.mu.RLock()
	list := make([]string, 0, len(s.clients))
	for addr := range s.clients {
		list = append(list, addr)
	}
	s.mu.RUnlock()
	sort.Strings(list)
	return list
}

// GenerateCertificate replaces the certificate. Existing sessions are kept;
// new handshakes use the new key.
func (s *Server) GenerateCertificate() error {
	cert, err := crypto.GenerateCertificate()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cert = cert
	s.mu.Unlock()
	s.opts.log.Info().Str("fingerprint", fingerprint.Words(cert.PublicKey())).Msg("certificate generated")
	return nil
}

// Certificate returns the current certificate or nil.
func (s *Server) Certificate() *crypto.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert
}

// ExportCertificate seals the certificate under password.
func (s *Server) ExportCertificate(password []byte) ([]byte, error) {
	cert := s.Certificate()
	if cert == nil {
		return nil, ErrNoCertificate
	}
	return cert.Export(password)
}

// ExportConnectionString encodes the advertised IPv4 address, the bound
// port and, when present, the certificate public key.
func (s *Server) ExportConnectionString() (string, error) {
	s.mu.RLock()
	ln, cert := s.ln, s.cert
	s.mu.RUnlock()

	host, portStr, err := net.SplitHostPort(s.addr)
	if ln != nil {
		host, portStr, err = net.SplitHostPort(ln.Addr().String())
	}
	if err != nil {
		return "", err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", fmt.Errorf("port %q: %w", portStr, err)
	}
	ip := s.opts.advertiseIP
	if ip == nil {
		ip = net.ParseIP(host)
	}
	if ip == nil || ip.IsUnspecified() || ip.To4() == nil {
		return "", ErrNoAdvertiseAddress
	}
	cs := &proto.ConnectionString{IP: ip.To4(), Port: uint16(port)}
	if cert != nil {
		cs.PublicKey = cert.PublicKey()
	}
	return cs.Encode()
}
