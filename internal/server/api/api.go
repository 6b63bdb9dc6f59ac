// Package api is the server's admin HTTP surface: health, client listing,
// disconnect, send and broadcast, the connection string, ICE offer
// exchange and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.securetcp/internal/crypto"
	"dev.c0redev.securetcp/internal/fingerprint"
	"dev.c0redev.securetcp/internal/server"
	"dev.c0redev.securetcp/internal/server/auth"
	"dev.c0redev.securetcp/internal/session"
	"dev.c0redev.securetcp/internal/store"
	"dev.c0redev.securetcp/internal/transport"
)

// Backend is the part of *server.Server the API drives.
type Backend interface {
	Running() bool
	IPPort() string
	Clients() []string
	Send(addr string, data []byte) error
	BroadCast(data []byte) error
	Disconnect(addr string) error
	Certificate() *crypto.Certificate
	ExportConnectionString() (string, error)
}

var _ Backend = (*server.Server)(nil)

// Server holds API deps.
type Server struct {
	Backend   Backend
	DB        *store.DB    // optional; pinged by /ready
	Metrics   http.Handler // optional; mounted at /metrics
	TokenHash string
	Log       zerolog.Logger
	// AnswerICE, when set, turns /api/ice-signal into a rendezvous with this
	// server: a posted offer is answered and the answer queued for the peer.
	AnswerICE func(ctx context.Context, remote *transport.Offer) (*transport.Offer, error)

	iceSignalsMu sync.Mutex
	iceSignals   map[string]string
	rateLimitMu  sync.Mutex
	rateLimit    map[string]rateLimitEntry
}

type rateLimitEntry struct {
	count int
	until time.Time
}

const rateLimitWindow = time.Minute
const rateLimitMaxPerIP = 120

// maxBody caps request bodies; one frame payload plus JSON/base64 overhead.
const maxBody = 128 << 10

// New returns API server. tokenHash is a bcrypt hash (see auth.HashToken).
func New(b Backend, tokenHash string) *Server {
	return &Server{
		Backend:    b,
		TokenHash:  tokenHash,
		Log:        zerolog.Nop(),
		iceSignals: make(map[string]string),
		rateLimit:  make(map[string]rateLimitEntry),
	}
}

// allow false if the caller's IP exceeded the window quota.
func (s *Server) allow(r *http.Request) bool {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip == "" {
		ip = r.RemoteAddr
	}
	now := time.Now()
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()
	e, ok := s.rateLimit[ip]
	if !ok || now.After(e.until) {
		s.rateLimit[ip] = rateLimitEntry{count: 1, until: now.Add(rateLimitWindow)}
		return true
	}
	if e.count >= rateLimitMaxPerIP {
		return false
	}
	e.count++
	s.rateLimit[ip] = e
	return true
}

// ClientsResponse body.
type ClientsResponse struct {
	Clients []string `json:"clients"`
}

// AddrRequest body.
type AddrRequest struct {
	Addr string `json:"addr"`
}

// SendRequest body. Data is base64 in JSON.
type SendRequest struct {
	Addr string `json:"addr,omitempty"`
	Data []byte `json:"data"`
}

// BroadcastResponse lists the clients a broadcast did not reach.
type BroadcastResponse struct {
	Failed []string `json:"failed"`
}

// ConnectionStringResponse body.
type ConnectionStringResponse struct {
	ConnectionString string `json:"connection_string"`
	Fingerprint      string `json:"fingerprint,omitempty"`
}

// StatusResponse body for /health.
type StatusResponse struct {
	Status  string `json:"status"`
	Addr    string `json:"addr"`
	Clients int    `json:"clients"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	return true
}

// HandleHealth GET /health (lb/k8s).
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:  "ok",
		Addr:    s.Backend.IPPort(),
		Clients: len(s.Backend.Clients()),
	})
}

// HandleReady GET /ready; 200 if the server accepts and the DB answers, else 503.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.Backend.Running() {
		http.Error(w, "not running", http.StatusServiceUnavailable)
		return
	}
	if s.DB != nil {
		if err := s.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// HandleClients GET /api/clients
func (s *Server) HandleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, ClientsResponse{Clients: s.Backend.Clients()})
}

// HandleDisconnect POST /api/clients/disconnect { addr }
func (s *Server) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req AddrRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.Backend.Disconnect(strings.TrimSpace(req.Addr)); err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.Log.Info().Str("client", req.Addr).Msg("admin disconnect")
	w.WriteHeader(http.StatusNoContent)
}

// HandleSend POST /api/send { addr, data }
func (s *Server) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req SendRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Addr == "" {
		http.Error(w, "addr required", http.StatusBadRequest)
		return
	}
	if err := s.Backend.Send(req.Addr, req.Data); err != nil {
		s.writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBroadcast POST /api/broadcast { data }
func (s *Server) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req SendRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.Backend.BroadCast(req.Data)
	var partial *server.BroadcastError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.As(err, &partial):
		s.Log.Warn().Err(err).Int("failed", len(partial.Failed)).Msg("broadcast partially delivered")
		writeJSON(w, http.StatusOK, BroadcastResponse{Failed: partial.Addrs()})
	default:
		s.writeBackendError(w, err)
	}
}

// HandleConnectionString GET /api/connection-string
func (s *Server) HandleConnectionString(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cs, err := s.Backend.ExportConnectionString()
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	resp := ConnectionStringResponse{ConnectionString: cs}
	if cert := s.Backend.Certificate(); cert != nil {
		resp.Fingerprint = fingerprint.Words(cert.PublicKey())
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleIceSignalPOST POST /api/ice-signal { peer, offer }. Without
// AnswerICE the offer is held for GET by the other side.
func (s *Server) HandleIceSignalPOST(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Peer  string `json:"peer"`
		Offer string `json:"offer"`
	}
	if !decode(w, r, &req) {
		return
	}
	req.Peer = strings.TrimSpace(req.Peer)
	if req.Peer == "" {
		http.Error(w, "peer required", http.StatusBadRequest)
		return
	}
	offer, err := transport.ParseOffer(req.Offer)
	if err != nil {
		http.Error(w, "invalid offer", http.StatusBadRequest)
		return
	}
	queued := req.Offer
	if s.AnswerICE != nil {
		answer, err := s.AnswerICE(r.Context(), offer)
		if err != nil {
			s.writeBackendError(w, err)
			return
		}
		queued = answer.Encode()
		s.Log.Info().Str("peer", req.Peer).Int("candidates", len(answer.Candidates)).Msg("ice offer answered")
	}
	s.iceSignalsMu.Lock()
	s.iceSignals[req.Peer] = queued
	s.iceSignalsMu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// HandleIceSignalGET GET /api/ice-signal?peer=...; returns the offer once, then clears it.
func (s *Server) HandleIceSignalGET(w http.ResponseWriter, r *http.Request) {
	peer := strings.TrimSpace(r.URL.Query().Get("peer"))
	if peer == "" {
		http.Error(w, "peer required", http.StatusBadRequest)
		return
	}
	s.iceSignalsMu.Lock()
	offer, ok := s.iceSignals[peer]
	if ok {
		delete(s.iceSignals, peer)
	}
	s.iceSignalsMu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Offer string `json:"offer"`
	}{Offer: offer})
}

// HandleIceSignal routes POST/GET ice-signal.
func (s *Server) HandleIceSignal(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.HandleIceSignalPOST(w, r)
	case http.MethodGet:
		s.HandleIceSignalGET(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, server.ErrUnknownClient):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, server.ErrNotRunning), errors.Is(err, server.ErrNoAdvertiseAddress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrClosed):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		s.Log.Warn().Err(err).Msg("admin request failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

// limit rejects callers over the per-IP quota.
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(r) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Mount registers routes on mux. Everything under /api/ requires the
// bearer token.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/ready", s.HandleReady)
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics)
	}
	protect := func(h http.HandlerFunc) http.Handler {
		return s.limit(auth.Require(s.TokenHash, h))
	}
	mux.Handle("/api/clients", protect(s.HandleClients))
	mux.Handle("/api/clients/disconnect", protect(s.HandleDisconnect))
	mux.Handle("/api/send", protect(s.HandleSend))
	mux.Handle("/api/broadcast", protect(s.HandleBroadcast))
	mux.Handle("/api/connection-string", protect(s.HandleConnectionString))
	mux.Handle("/api/ice-signal", protect(s.HandleIceSignal))
}

// Handler returns a mux with every route mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Mount(mux)
	return mux
}
