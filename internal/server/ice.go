package server

import (
	"context"
	"time"

	"dev.c0redev.securetcp/internal/transport"
)

// iceAcceptTimeout bounds connectivity checks plus the QUIC accept.
const iceAcceptTimeout = 30 * time.Second

// AcceptICE answers a peer's ICE offer. The returned offer must reach the
// peer out of band; once it dials, the stream is served like any accepted
// connection.
func (s *Server) AcceptICE(ctx context.Context, stunURL string, remote *transport.Offer) (*transport.Offer, error) {
	if !s.Running() {
		return nil, ErrNotRunning
	}
	peer, err := transport.NewICEPeer(stunURL)
	if err != nil {
		return nil, err
	}
	answer, err := peer.LocalOffer(ctx)
	if err != nil {
		peer.Close()
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		actx, cancel := context.WithTimeout(context.Background(), iceAcceptTimeout)
		defer cancel()
		s.mu.RLock()
		quit := s.quit
		s.mu.RUnlock()
		go func() {
			select {
			case <-quit:
				cancel()
			case <-actx.Done():
			}
		}()
		conn, err := peer.Accept(actx, remote, nil)
		if err != nil {
			peer.Close()
			s.opts.log.Warn().Err(err).Msg("ice accept failed")
			return
		}
		if err := s.ServeConn(conn); err != nil {
			s.opts.log.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("handshake failed")
		}
	}()
	return answer, nil
}
