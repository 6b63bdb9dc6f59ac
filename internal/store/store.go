// Package store keeps long-term key material in sqlite: password-sealed
// server certificates and the certificate keys of known servers.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrKeyMismatch: a server is already known under a different key.
var ErrKeyMismatch = errors.New("store: server key differs from pinned key")

// DB wraps sqlite.
type DB struct {
	*sql.DB
}

// Open opens db at path, runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" a single database
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS certificates (
			name TEXT PRIMARY KEY,
			sealed BLOB NOT NULL,
			public_key BLOB NOT NULL,
			fingerprint TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS known_servers (
			addr TEXT PRIMARY KEY,
			public_key BLOB NOT NULL,
			fingerprint TEXT NOT NULL,
			first_seen_at TEXT NOT NULL,
			last_seen_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_known_servers_fp ON known_servers(fingerprint);
	`)
	return err
}

// Certificate: a password-sealed export plus its public half.
type Certificate struct {
	Name        string
	Sealed      []byte
	PublicKey   []byte
	Fingerprint string
	CreatedAt   time.Time
}

// SaveCertificate inserts or replaces the certificate stored under name.
func (db *DB) SaveCertificate(c *Certificate) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := db.Exec(`INSERT INTO certificates (name, sealed, public_key, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET sealed = excluded.sealed, public_key = excluded.public_key,
			fingerprint = excluded.fingerprint, created_at = excluded.created_at`,
		c.Name, c.Sealed, c.PublicKey, c.Fingerprint, c.CreatedAt.Format(time.RFC3339))
	return err
}

// CertificateByName returns nil, nil when absent.
func (db *DB) CertificateByName(name string) (*Certificate, error) {
	var c Certificate
	var created string
	err := db.QueryRow(`SELECT name, sealed, public_key, fingerprint, created_at FROM certificates WHERE name = ?`, name).
		Scan(&c.Name, &c.Sealed, &c.PublicKey, &c.Fingerprint, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &c, nil
}

// KnownServer is a server certificate key remembered by address.
type KnownServer struct {
	Addr        string
	PublicKey   []byte
	Fingerprint string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// PinServer remembers pub for addr. Re-pinning the same key refreshes
// last_seen_at; a different key fails with ErrKeyMismatch unless replace.
func (db *DB) PinServer(addr string, pub []byte, fingerprint string, replace bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	existing, err := db.KnownServer(addr)
	if err != nil {
		return err
	}
	if existing != nil && string(existing.PublicKey) != string(pub) && !replace {
		return fmt.Errorf("%w: %s is pinned to %s", ErrKeyMismatch, addr, existing.Fingerprint)
	}
	_, err = db.Exec(`INSERT INTO known_servers (addr, public_key, fingerprint, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(addr) DO UPDATE SET public_key = excluded.public_key,
			fingerprint = excluded.fingerprint, last_seen_at = excluded.last_seen_at`,
		addr, pub, fingerprint, now, now)
	return err
}

// KnownServer returns nil, nil when addr was never pinned.
func (db *DB) KnownServer(addr string) (*KnownServer, error) {
	var k KnownServer
	var first string
	var last sql.NullString
	err := db.QueryRow(`SELECT addr, public_key, fingerprint, first_seen_at, last_seen_at FROM known_servers WHERE addr = ?`, addr).
		Scan(&k.Addr, &k.PublicKey, &k.Fingerprint, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	k.FirstSeenAt, _ = time.Parse(time.RFC3339, first)
	if last.Valid {
		k.LastSeenAt, _ = time.Parse(time.RFC3339, last.String)
	}
	return &k, nil
}

// KnownServers lists pinned servers by address.
func (db *DB) KnownServers() ([]KnownServer, error) {
	rows, err := db.Query(`SELECT addr, public_key, fingerprint, first_seen_at, last_seen_at FROM known_servers ORDER BY addr`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []KnownServer
	for rows.Next() {
		var k KnownServer
		var first string
		var last sql.NullString
		if err := rows.Scan(&k.Addr, &k.PublicKey, &k.Fingerprint, &first, &last); err != nil {
			return nil, err
		}
		k.FirstSeenAt, _ = time.Parse(time.RFC3339, first)
		if last.Valid {
			k.LastSeenAt, _ = time.Parse(time.RFC3339, last.String)
		}
		list = append(list, k)
	}
	return list, rows.Err()
}

// ForgetServer drops a pin.
func (db *DB) ForgetServer(addr string) error {
	_, err := db.Exec(`DELETE FROM known_servers WHERE addr = ?`, addr)
	return err
}
