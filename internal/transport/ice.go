package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/ice/v3"
	"github.com/pion/stun/v2"
	"github.com/quic-go/quic-go"
)

var ErrInvalidOffer = errors.New("transport: invalid ICE offer")

// Offer is what one peer hands the other out of band: ICE credentials and
// candidates.
type Offer struct {
	Ufrag      string
	Pwd        string
	Candidates []string
}

// Encode renders the offer as lines: ufrag, pwd, then one candidate each.
func (o *Offer) Encode() string {
	lines := append([]string{o.Ufrag, o.Pwd}, o.Candidates...)
	return strings.Join(lines, "\n")
}

// ParseOffer reverses Encode.
func ParseOffer(s string) (*Offer, error) {
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(s), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) < 2 {
		return nil, ErrInvalidOffer
	}
	return &Offer{Ufrag: lines[0], Pwd: lines[1], Candidates: lines[2:]}, nil
}

// ICEPeer is one side of a peer-to-peer link. ICE finds the path, QUIC on
// top of it supplies the reliable stream.
type ICEPeer struct {
	agent    *ice.Agent
	gathered chan struct{}
}

// NewICEPeer creates an agent; stunURL is optional ("stun:host:port").
func NewICEPeer(stunURL string) (*ICEPeer, error) {
	config := &ice.AgentConfig{
		NetworkTypes: []ice.NetworkType{ice.NetworkTypeUDP4},
	}
	if stunURL != "" {
		uri, err := stun.ParseURI(stunURL)
		if err != nil {
			return nil, fmt.Errorf("stun url: %w", err)
		}
		config.Urls = []*stun.URI{uri}
	}
	agent, err := ice.NewAgent(config)
	if err != nil {
		return nil, err
	}
	p := &ICEPeer{agent: agent, gathered: make(chan struct{})}
	if err := agent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			close(p.gathered)
		}
	}); err != nil {
		_ = agent.Close()
		return nil, err
	}
	return p, nil
}

// LocalOffer gathers candidates and returns this side's offer.
func (p *ICEPeer) LocalOffer(ctx context.Context) (*Offer, error) {
	if err := p.agent.GatherCandidates(); err != nil {
		return nil, err
	}
	select {
	case <-p.gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	ufrag, pwd, err := p.agent.GetLocalUserCredentials()
	if err != nil {
		return nil, err
	}
	list, err := p.agent.GetLocalCandidates()
	if err != nil {
		return nil, err
	}
	o := &Offer{Ufrag: ufrag, Pwd: pwd}
	for _, c := range list {
		o.Candidates = append(o.Candidates, c.Marshal())
	}
	return o, nil
}

func (p *ICEPeer) addRemote(remote *Offer) error {
	for _, line := range remote.Candidates {
		c, err := ice.UnmarshalCandidate(line)
		if err != nil {
			continue
		}
		if err := p.agent.AddRemoteCandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// Dial is the controlling side: it connects over ICE then opens a QUIC
// stream as client.
func (p *ICEPeer) Dial(ctx context.Context, remote *Offer, tlsConfig *tls.Config) (net.Conn, error) {
	if err := p.addRemote(remote); err != nil {
		return nil, err
	}
	ic, err := p.agent.Dial(ctx, remote.Ufrag, remote.Pwd)
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil {
		tlsConfig = ClientTLS()
	}
	pc := &icePacketConn{Conn: ic}
	conn, err := quic.Dial(ctx, pc, ic.RemoteAddr(), tlsConfig, quicConfig)
	if err != nil {
		_ = ic.Close()
		return nil, err
	}
	s, err := openStream(ctx, conn)
	if err != nil {
		_ = ic.Close()
		return nil, err
	}
	s.(*streamConn).onClose = p.close
	return s, nil
}

// Accept is the controlled side: it waits for the ICE check then accepts
// the peer's QUIC stream as server.
func (p *ICEPeer) Accept(ctx context.Context, remote *Offer, tlsConfig *tls.Config) (net.Conn, error) {
	if err := p.addRemote(remote); err != nil {
		return nil, err
	}
	ic, err := p.agent.Accept(ctx, remote.Ufrag, remote.Pwd)
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil {
		if tlsConfig, err = SelfSignedTLS(); err != nil {
			_ = ic.Close()
			return nil, err
		}
	}
	ln, err := quic.Listen(&icePacketConn{Conn: ic}, tlsConfig, quicConfig)
	if err != nil {
		_ = ic.Close()
		return nil, err
	}
	conn, err := ln.Accept(ctx)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	s, err := acceptStream(ctx, conn)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	s.(*streamConn).onClose = func() {
		_ = ln.Close()
		p.close()
	}
	return s, nil
}

func (p *ICEPeer) close() { _ = p.agent.Close() }

// Close releases the agent. Streams returned by Dial/Accept close it too.
func (p *ICEPeer) Close() error { return p.agent.Close() }

// icePacketConn presents a selected ICE pair as a net.PacketConn so QUIC
// can run over it.
type icePacketConn struct {
	*ice.Conn
}

func (c *icePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.Conn.Read(b)
	return n, c.Conn.RemoteAddr(), err
}

func (c *icePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	return c.Conn.Write(b)
}

func (c *icePacketConn) SetReadBuffer(int) error  { return nil }
func (c *icePacketConn) SetWriteBuffer(int) error { return nil }

var _ net.PacketConn = (*icePacketConn)(nil)

// gatherTimeout bounds candidate gathering for callers without a deadline.
const gatherTimeout = 5 * time.Second

// GatherOffer is a convenience for one-shot tools: new peer plus local offer.
func GatherOffer(stunURL string) (*ICEPeer, *Offer, error) {
	p, err := NewICEPeer(stunURL)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), gatherTimeout)
	defer cancel()
	o, err := p.LocalOffer(ctx)
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	return p, o, nil
}
