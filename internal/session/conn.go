// Package session runs an established connection: the receive loop,
// per-type dispatch, the serialized send path, request/response
// correlation and teardown.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"dev.c0redev.securetcp/internal/crypto"
	"dev.c0redev.securetcp/internal/handshake"
	"dev.c0redev.securetcp/internal/metrics"
	"dev.c0redev.securetcp/internal/proto"
)

// DefaultRequestTimeout bounds SendAndWait when Config leaves it unset.
const DefaultRequestTimeout = 30 * time.Second

// notifyTimeout bounds the best-effort Shutdown/SecurityError write.
const notifyTimeout = time.Second

type (
	// MessageFunc receives each decrypted Normal payload.
	MessageFunc func(c *Conn, data []byte)
	// DisconnectFunc fires exactly once per connection.
	DisconnectFunc func(c *Conn, reason Reason, err error)
	// ResponderFunc answers a Request; a non-nil error sends no response.
	ResponderFunc func(c *Conn, req []byte) ([]byte, error)
)

// Handlers are the application callbacks. All are optional.
type Handlers struct {
	OnMessage    MessageFunc
	OnDisconnect DisconnectFunc
	Responder    ResponderFunc
}

// Config tunes a Conn. The zero value is usable.
type Config struct {
	RequestTimeout time.Duration
	// Pool runs responders off the receive loop; nil uses the ants default pool.
	Pool    *ants.Pool
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Role labels metrics ("client" or "server").
	Role string
}

// Conn is one established, encrypted connection.
type Conn struct {
	id        string
	conn      net.Conn
	sess      *crypto.Session
	settings  crypto.EncryptionSettings
	certified bool
	h         Handlers
	cfg       Config
	log       zerolog.Logger

	wmu       sync.Mutex
	receiving atomic.Bool
	reqs      *correlator

	done       chan struct{}
	closeOnce  sync.Once
	notifyOnce sync.Once
	reason     Reason
	cause      error
}

// New wraps conn after a successful handshake. Frames are not read until
// BeginReceiving.
func New(conn net.Conn, res *handshake.Result, h Handlers, cfg Config) *Conn {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	id := uuid.NewString()
	c := &Conn{
		id:        id,
		conn:      conn,
		sess:      res.Session,
		settings:  res.Settings,
		certified: res.Certified,
		h:         h,
		cfg:       cfg,
		reqs:      newCorrelator(cfg.RequestTimeout),
		done:      make(chan struct{}),
	}
	c.log = cfg.Logger.With().Str("conn_id", id).Str("peer", c.Addr()).Logger()
	cfg.Metrics.ConnOpened(cfg.Role)
	return c
}

// ID is a random identifier for logs.
func (c *Conn) ID() string { return c.id }

// Addr is the peer's ip:port, used as the registry key.
func (c *Conn) Addr() string {
	if ra := c.conn.RemoteAddr(); ra != nil {
		return ra.String()
	}
	return ""
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Certified reports whether the server identity was verified.
func (c *Conn) Certified() bool { return c.certified }

func (c *Conn) Settings() crypto.EncryptionSettings { return c.settings }

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether teardown has happened.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// BeginReceiving starts the receive loop. Later calls are no-ops.
func (c *Conn) BeginReceiving() {
	if !c.receiving.CompareAndSwap(false, true) {
		return
	}
	go c.receive()
}

func (c *Conn) receive() {
	defer c.notifyDisconnect()
	r := bufio.NewReader(c.conn)
	payloadBuf := make([]byte, proto.MaxPayloadSize)
	for {
		f, err := proto.DecodeFrame(r, payloadBuf)
		if c.Closed() {
			return
		}
		if err != nil {
			c.fail(err)
			return
		}
		c.cfg.Metrics.FrameReceived(f.Type.String())
		stop, err := c.dispatch(f)
		if err != nil {
			c.fail(err)
			return
		}
		if stop {
			return
		}
	}
}

// dispatch handles one frame. Payload memory is reused after return.
func (c *Conn) dispatch(f *proto.Frame) (stop bool, err error) {
	switch f.Type {
	case proto.TypeNormal:
		pt, err := c.sess.Decrypt(f.Payload)
		if err != nil {
			return false, err
		}
		if c.h.OnMessage != nil && !c.Closed() {
			c.h.OnMessage(c, pt)
		}
	case proto.TypeHandshake:
		return false, fmt.Errorf("%w: handshake frame on established connection", ErrUnexpectedMessage)
	case proto.TypeShutdown:
		c.teardown(ReasonExpected, nil, nil)
		return true, nil
	case proto.TypeSecurityError:
		c.teardown(ReasonSecurityError, ErrPeerSecurityError, nil)
		return true, nil
	case proto.TypeRequest:
		pt, err := c.sess.Decrypt(f.Payload)
		if err != nil {
			return false, err
		}
		tag, req, err := proto.DecodeTagged(pt)
		if err != nil {
			return false, err
		}
		c.respond(tag, req)
	case proto.TypeResponse:
		pt, err := c.sess.Decrypt(f.Payload)
		if err != nil {
			return false, err
		}
		tag, resp, err := proto.DecodeTagged(pt)
		if err != nil {
			return false, err
		}
		if !c.reqs.resolve(tag, resp) {
			c.log.Debug().Uint8("tag", tag).Msg("dropping response with no waiter")
			c.cfg.Metrics.Request("late")
		}
	}
	return false, nil
}

func (c *Conn) respond(tag byte, req []byte) {
	if c.h.Responder == nil {
		c.log.Debug().Uint8("tag", tag).Msg("request ignored, no responder")
		return
	}
	task := func() {
		resp, err := c.h.Responder(c, req)
		if err != nil {
			c.log.Warn().Err(err).Uint8("tag", tag).Msg("responder failed")
			return
		}
		if err := c.Send(proto.EncodeTagged(tag, resp), proto.TypeResponse); err != nil {
			c.log.Debug().Err(err).Uint8("tag", tag).Msg("send response")
		}
	}
	var err error
	if c.cfg.Pool != nil {
		err = c.cfg.Pool.Submit(task)
	} else {
		err = ants.Submit(task)
	}
	if err != nil {
		c.log.Warn().Err(err).Uint8("tag", tag).Msg("responder pool rejected request")
	}
}

// fail maps a receive/dispatch error to a teardown reason.
func (c *Conn) fail(err error) {
	switch {
	case errors.Is(err, crypto.ErrBadSignature):
		t := proto.TypeSecurityError
		c.teardown(ReasonBadSignature, err, &t)
	default:
		c.teardown(ReasonUnexpected, err, nil)
	}
}

// Send writes one frame. Normal, Request and Response payloads are sealed
// first. A write failure tears the connection down.
func (c *Conn) Send(payload []byte, t proto.FrameType) error {
	if c.Closed() {
		return ErrClosed
	}
	if t.Encrypted() {
		sealed, err := c.sess.Encrypt(payload)
		if err != nil {
			if c.Closed() {
				return ErrClosed
			}
			return err
		}
		payload = sealed
	}
	if len(payload) > proto.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes after sealing", proto.ErrPayloadTooLarge, len(payload))
	}
	if err := c.writeFrame(t, payload); err != nil {
		if c.Closed() {
			return ErrClosed
		}
		c.teardown(ReasonUnexpected, err, nil)
		return err
	}
	return nil
}

func (c *Conn) writeFrame(t proto.FrameType, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := proto.EncodeFrame(c.conn, &proto.Frame{Type: t, Payload: payload}); err != nil {
		return err
	}
	c.cfg.Metrics.FrameSent(t.String())
	return nil
}

// SendAndWait sends a Request and blocks for the matching Response, the
// request timeout, ctx, or teardown, whichever comes first.
func (c *Conn) SendAndWait(ctx context.Context, payload []byte) ([]byte, error) {
	p, err := c.reqs.acquire()
	if err != nil {
		c.cfg.Metrics.Request("rejected")
		return nil, err
	}
	if err := c.Send(proto.EncodeTagged(p.tag, payload), proto.TypeRequest); err != nil {
		c.reqs.release(p, false)
		return nil, err
	}
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	return c.await(ctx, p, timer.C)
}

// await blocks for p's response. Every other outcome first checks whether
// the response was already delivered, since resolve frees the tag before
// the waiter runs.
func (c *Conn) await(ctx context.Context, p *pending, expired <-chan time.Time) ([]byte, error) {
	select {
	case resp := <-p.resp:
		c.cfg.Metrics.Request("ok")
		return resp, nil
	case <-expired:
		if resp, ok := delivered(p); ok {
			c.cfg.Metrics.Request("ok")
			return resp, nil
		}
		c.reqs.release(p, true)
		c.cfg.Metrics.Request("timeout")
		return nil, ErrRequestTimedOut
	case <-ctx.Done():
		if resp, ok := delivered(p); ok {
			return resp, nil
		}
		c.reqs.release(p, true)
		return nil, ctx.Err()
	case <-c.done:
		if resp, ok := delivered(p); ok {
			return resp, nil
		}
		return nil, ErrClosed
	}
}

func delivered(p *pending) ([]byte, bool) {
	select {
	case resp := <-p.resp:
		return resp, true
	default:
		return nil, false
	}
}

// Outstanding is the number of requests awaiting a response.
func (c *Conn) Outstanding() int { return c.reqs.outstanding() }

// ShutDown sends a Shutdown frame and closes the stream. Safe to call more
// than once and from any goroutine.
func (c *Conn) ShutDown() {
	t := proto.TypeShutdown
	c.teardown(ReasonExpected, nil, &t)
}

// Abort closes the stream without notifying the peer.
func (c *Conn) Abort(err error) {
	c.teardown(ReasonUnexpected, err, nil)
}

type closeWriter interface {
	CloseWrite() error
}

func (c *Conn) teardown(reason Reason, cause error, notify *proto.FrameType) {
	c.closeOnce.Do(func() {
		c.reason, c.cause = reason, cause
		if notify != nil {
			_ = c.conn.SetWriteDeadline(time.Now().Add(notifyTimeout))
			if err := c.writeFrame(*notify, nil); err != nil {
				c.log.Debug().Err(err).Str("frame", notify.String()).Msg("notify peer")
			}
		}
		close(c.done)
		if cw, ok := c.conn.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		_ = c.conn.Close()
		c.reqs.close()
		c.sess.Destroy()
		if !c.receiving.Load() {
			c.notifyDisconnect()
		}
	})
}

// notifyDisconnect runs on the receive goroutine when there is one, so
// OnMessage never follows OnDisconnect.
func (c *Conn) notifyDisconnect() {
	c.notifyOnce.Do(func() {
		<-c.done
		c.cfg.Metrics.ConnClosed(c.cfg.Role)
		c.cfg.Metrics.Disconnect(c.reason.String())
		ev := c.log.Info()
		if c.reason != ReasonExpected {
			ev = c.log.Warn().Err(c.cause)
		}
		ev.Str("reason", c.reason.String()).Msg("disconnected")
		if c.h.OnDisconnect != nil {
			c.h.OnDisconnect(c, c.reason, c.cause)
		}
	})
}
