// Package handshake runs the key exchange that turns a fresh stream into an
// encrypted session. The client opens with a nonce, the server answers with
// its settings, ephemeral key, the nonce echo and an optional certificate
// signature, and the client replies with its own ephemeral key.
package handshake

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"dev.c0redev.securetcp/internal/crypto"
	"dev.c0redev.securetcp/internal/proto"
)

var (
	ErrCertificateVerificationFailed = errors.New("handshake: certificate verification failed")
	ErrUnexpectedMessage             = errors.New("handshake: unexpected message")
	ErrAborted                       = errors.New("handshake: aborted")
)

// MaxNonceSize bounds the client nonce the server will echo.
const MaxNonceSize = 256

// State of one exchange.
type State int

const (
	StateIdle State = iota
	StateHelloSent
	StateHelloReceived
	StateKeyDerived
	StateEstablished
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHelloSent:
		return "hello_sent"
	case StateHelloReceived:
		return "hello_received"
	case StateKeyDerived:
		return "key_derived"
	case StateEstablished:
		return "established"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// Result of a completed exchange.
type Result struct {
	Session   *crypto.Session
	Settings  crypto.EncryptionSettings
	Certified bool // server identity proven against a supplied key
}

// Role selects which side of the exchange to run.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Exchange is a single-use handshake. Not safe for concurrent use.
type Exchange struct {
	role     Role
	state    State
	settings crypto.EncryptionSettings
	cert     *crypto.Certificate // server side, optional
	certPub  []byte              // client side, optional pinned key
}

// NewServer prepares the server side. cert may be nil.
func NewServer(settings crypto.EncryptionSettings, cert *crypto.Certificate) *Exchange {
	return &Exchange{role: RoleServer, settings: settings, cert: cert}
}

// NewClient prepares the client side. certPub (X||Y) may be nil, in which
// case the server is not authenticated.
func NewClient(certPub []byte) *Exchange {
	return &Exchange{role: RoleClient, certPub: certPub}
}

// State returns the current state.
func (e *Exchange) State() State { return e.state }

// Role returns the side this exchange runs.
func (e *Exchange) Role() Role { return e.role }

// Run drives the exchange over rw. The caller owns deadlines.
func (e *Exchange) Run(rw io.ReadWriter) (*Result, error) {
	if e.state != StateIdle {
		return nil, fmt.Errorf("%w: exchange already used", ErrAborted)
	}
	var res *Result
	var err error
	if e.role == RoleServer {
		res, err = e.runServer(rw)
	} else {
		res, err = e.runClient(rw)
	}
	if err != nil {
		e.state = StateAborted
		return nil, err
	}
	e.state = StateEstablished
	return res, nil
}

func (e *Exchange) runServer(rw io.ReadWriter) (*Result, error) {
	if err := e.settings.Validate(); err != nil {
		return nil, err
	}
	nonce, err := readHandshake(rw)
	if err != nil {
		return nil, err
	}
	if len(nonce) > MaxNonceSize {
		return nil, fmt.Errorf("%w: nonce of %d bytes", ErrUnexpectedMessage, len(nonce))
	}

	local, err := crypto.GenerateKey(e.settings.Curve.Curve())
	if err != nil {
		return nil, err
	}
	hello := &proto.ServerHello{
		Settings:  e.settings.Bytes(),
		PublicKey: crypto.MarshalPublicKey(&local.PublicKey),
		Nonce:     nonce,
	}
	if e.cert != nil {
		if hello.Signature, err = e.cert.Sign(hello.SignedPortion()); err != nil {
			return nil, err
		}
	}
	if err := writeHandshake(rw, proto.EncodeServerHello(hello)); err != nil {
		return nil, err
	}
	e.state = StateHelloSent

	peerKey, err := readHandshake(rw)
	if err != nil {
		return nil, err
	}
	remote, err := crypto.UnmarshalPublicKey(local.Curve, peerKey)
	if err != nil {
		return nil, err
	}
	e.state = StateHelloReceived
	return e.derive(local, remote, e.settings, e.cert != nil)
}

func (e *Exchange) runClient(rw io.ReadWriter) (*Result, error) {
	id := uuid.New()
	nonce := id[:]
	if err := writeHandshake(rw, nonce); err != nil {
		return nil, err
	}
	e.state = StateHelloSent

	payload, err := readHandshake(rw)
	if err != nil {
		return nil, err
	}
	hello, err := proto.DecodeServerHello(payload, len(nonce))
	if err != nil {
		return nil, err
	}
	if e.certPub != nil {
		if err := verifyHello(hello, nonce, e.certPub); err != nil {
			return nil, err
		}
	}
	settings, err := crypto.ParseSettings(hello.Settings)
	if err != nil {
		return nil, err
	}
	curve := settings.Curve.Curve()
	remote, err := crypto.UnmarshalPublicKey(curve, hello.PublicKey)
	if err != nil {
		return nil, err
	}
	e.state = StateHelloReceived

	local, err := crypto.GenerateKey(curve)
	if err != nil {
		return nil, err
	}
	if err := writeHandshake(rw, crypto.MarshalPublicKey(&local.PublicKey)); err != nil {
		return nil, err
	}
	return e.derive(local, remote, settings, e.certPub != nil)
}

func (e *Exchange) derive(local *ecdsa.PrivateKey, remote *ecdsa.PublicKey, settings crypto.EncryptionSettings, certified bool) (*Result, error) {
	sess, err := crypto.DeriveSession(local, remote, settings.KeySize())
	if err != nil {
		return nil, err
	}
	e.state = StateKeyDerived
	return &Result{Session: sess, Settings: settings, Certified: certified}, nil
}

// verifyHello checks the signed flag, the certificate signature and the
// nonce echo, in that order.
func verifyHello(h *proto.ServerHello, nonce, certPub []byte) error {
	if !h.Signed() {
		return fmt.Errorf("%w: server hello is not signed", ErrCertificateVerificationFailed)
	}
	if err := crypto.VerifyCertificateSignature(certPub, h.SignedPortion(), h.Signature); err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateVerificationFailed, err)
	}
	if subtle.ConstantTimeCompare(h.Nonce, nonce) != 1 {
		return fmt.Errorf("%w: nonce mismatch", ErrCertificateVerificationFailed)
	}
	return nil
}

func readHandshake(r io.Reader) ([]byte, error) {
	f, err := proto.DecodeFrame(r, nil)
	if err != nil {
		return nil, err
	}
	if f.Type != proto.TypeHandshake {
		return nil, fmt.Errorf("%w: %s during handshake", ErrUnexpectedMessage, f.Type)
	}
	return f.Payload, nil
}

func writeHandshake(w io.Writer, payload []byte) error {
	return proto.EncodeFrame(w, &proto.Frame{Type: proto.TypeHandshake, Payload: payload})
}
