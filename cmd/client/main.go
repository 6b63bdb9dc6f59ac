// securetcp client: connects by connection string or address, pins the
// server key on first use, then sends stdin lines. Lines starting with "?"
// are sent as requests and the reply is printed.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.securetcp/internal/client"
	"dev.c0redev.securetcp/internal/config"
	"dev.c0redev.securetcp/internal/fingerprint"
	"dev.c0redev.securetcp/internal/logging"
	"dev.c0redev.securetcp/internal/proto"
	"dev.c0redev.securetcp/internal/session"
	"dev.c0redev.securetcp/internal/store"
	"dev.c0redev.securetcp/internal/transport"
)

// iceSignalPoll is the interval between answer lookups on the admin API.
const iceSignalPoll = 500 * time.Millisecond

// target resolves what to dial and which key to expect. A key from the
// connection string is pinned; otherwise a previously pinned key is used.
func target(db *store.DB, connStr, addr string, replace bool, log zerolog.Logger) (string, []byte, error) {
	var pub []byte
	if connStr != "" {
		cs, err := proto.ParseConnectionString(connStr)
		if err != nil {
			return "", nil, err
		}
		addr, pub = cs.Addr(), cs.PublicKey
	}
	if addr == "" {
		return "", nil, errors.New("need -connect or -addr")
	}
	if len(pub) > 0 {
		if err := db.PinServer(addr, pub, fingerprint.Words(pub), replace); err != nil {
			return "", nil, err
		}
		return addr, pub, nil
	}
	known, err := db.KnownServer(addr)
	if err != nil {
		return "", nil, err
	}
	if known != nil {
		log.Info().Str("server", addr).Str("fingerprint", known.Fingerprint).Msg("using pinned key")
		return addr, known.PublicKey, nil
	}
	log.Warn().Str("server", addr).Msg("no pinned key, server identity is not verified")
	return addr, nil, nil
}

func adminRequest(ctx context.Context, cfg config.ClientConfig, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(cfg.AdminURL, "/")+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.AdminToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("admin api %s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// connectICE exchanges offers through the server's admin API and dials
// the answer.
func connectICE(ctx context.Context, c *client.Client, cfg config.ClientConfig, certPub []byte) error {
	peer, offer, err := transport.GatherOffer(cfg.StunURL)
	if err != nil {
		return err
	}
	name := cfg.PeerName
	if name == "" {
		name, _ = os.Hostname()
	}
	if err := adminRequest(ctx, cfg, http.MethodPost, "/api/ice-signal",
		map[string]string{"peer": name, "offer": offer.Encode()}, nil); err != nil {
		peer.Close()
		return err
	}
	ticker := time.NewTicker(iceSignalPoll)
	defer ticker.Stop()
	for {
		var out struct {
			Offer string `json:"offer"`
		}
		if err := adminRequest(ctx, cfg, http.MethodGet, "/api/ice-signal?peer="+url.QueryEscape(name), nil, &out); err != nil {
			peer.Close()
			return err
		}
		if out.Offer != "" {
			answer, err := transport.ParseOffer(out.Offer)
			if err != nil {
				peer.Close()
				return err
			}
			return c.ConnectICE(ctx, peer, answer, certPub)
		}
		select {
		case <-ctx.Done():
			peer.Close()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func main() {
	cfgPath := flag.String("config", os.Getenv("SECURETCP_CONFIG"), "config file (yaml, toml or json)")
	connStr := flag.String("connect", "", "connection string from the server")
	addr := flag.String("addr", "", "server ip:port when no connection string is given")
	replace := flag.Bool("replace-key", false, "accept a server key different from the pinned one")
	flag.Parse()

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("config")
	}
	logger, err := logging.New("securetcp-client", cfg.Log, nil)
	if err != nil {
		boot.Fatal().Err(err).Msg("logging")
	}
	defer logger.Close()
	log := logger.Logger

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("store")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []client.Option{
		client.WithConnectTimeout(cfg.Client.ConnectTimeout),
		client.WithRequestTimeout(cfg.Client.RequestTimeout),
		client.WithLogger(log),
	}
	if cfg.Client.Transport == "quic" {
		opts = append(opts, client.WithDialer(transport.QUICDialer(nil)))
	}
	c := client.New(opts...)
	c.OnMessage(func(data []byte) {
		fmt.Printf("< %s\n", data)
	})
	c.SetResponder(func(req []byte) ([]byte, error) {
		return req, nil
	})
	c.OnDisconnected(func(addr string, reason session.Reason, err error) {
		log.Info().Str("server", addr).Stringer("reason", reason).AnErr("cause", err).Msg("disconnected")
		stop()
	})

	if cfg.Client.Transport == "ice" {
		var pub []byte
		if *connStr != "" {
			cs, err := proto.ParseConnectionString(*connStr)
			if err != nil {
				log.Fatal().Err(err).Msg("connection string")
			}
			pub = cs.PublicKey
		}
		err = connectICE(ctx, c, cfg.Client, pub)
	} else {
		var serverAddr string
		var pub []byte
		serverAddr, pub, err = target(db, *connStr, *addr, *replace, log)
		if err != nil {
			log.Fatal().Err(err).Msg("server key")
		}
		err = c.Connect(ctx, serverAddr, pub)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	settings, _ := c.Settings()
	log.Info().Str("server", c.ServerAddr()).Bool("certified", c.Certified()).Stringer("settings", settings).Msg("connected")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			c.Disconnect()
			return
		case line, ok := <-lines:
			if !ok {
				c.Disconnect()
				return
			}
			if req, isReq := strings.CutPrefix(line, "?"); isReq {
				resp, err := c.SendAndWait(ctx, []byte(req))
				if err != nil {
					log.Warn().Err(err).Msg("request")
					continue
				}
				fmt.Printf("= %s\n", resp)
				continue
			}
			if err := c.Send([]byte(line)); err != nil {
				log.Warn().Err(err).Msg("send")
			}
		}
	}
}
