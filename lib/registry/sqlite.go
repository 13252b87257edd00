package registry

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wgkeeper/wgkeeper/lib/errors"
)

// SQLiteStore persists the registry in a local SQLite file. A single
// connection serializes all writes.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS peers (
	public_key TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	ipv4_address TEXT NOT NULL UNIQUE,
	ipv6_address TEXT,
	allowed_ips TEXT,
	persistent_keepalive INTEGER NOT NULL DEFAULT 25,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS interfaces (
	name TEXT PRIMARY KEY,
	private_key TEXT NOT NULL,
	public_key TEXT NOT NULL,
	listen_port INTEGER NOT NULL DEFAULT 51820,
	ipv4_cidr TEXT NOT NULL,
	dns TEXT,
	mtu INTEGER NOT NULL DEFAULT 1420,
	endpoint TEXT
);`

// OpenSQLite opens (and if needed creates) a SQLite-backed registry.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating registry directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging registry: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing registry schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// CreatePeer inserts a new peer record.
func (s *SQLiteStore) CreatePeer(ctx context.Context, p Peer) (Peer, error) {
	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (public_key, name, ipv4_address, ipv6_address,
			allowed_ips, persistent_keepalive, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PublicKey, p.Name, p.IPv4, p.IPv6, joinList(p.AllowedIPs),
		p.Keepalive, boolToInt(p.Enabled), now.Unix(), now.Unix())
	if err != nil {
		if isConstraintViolation(err) {
			return Peer{}, fmt.Errorf("%w: %s", errors.ErrPeerExists, p.PublicKey)
		}
		return Peer{}, fmt.Errorf("inserting peer: %w", err)
	}
	return p, nil
}

// GetPeer returns the peer for a public key.
func (s *SQLiteStore) GetPeer(ctx context.Context, publicKey string) (Peer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT public_key, name, ipv4_address, ipv6_address, allowed_ips,
			persistent_keepalive, enabled, created_at, updated_at
		FROM peers WHERE public_key = ?`, publicKey)
	return scanPeer(row)
}

// ListPeers returns all peers, newest first.
func (s *SQLiteStore) ListPeers(ctx context.Context) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT public_key, name, ipv4_address, ipv6_address, allowed_ips,
			persistent_keepalive, enabled, created_at, updated_at
		FROM peers ORDER BY created_at DESC, public_key`)
	if err != nil {
		return nil, fmt.Errorf("listing peers: %w", err)
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePeer replaces a peer's mutable fields.
func (s *SQLiteStore) UpdatePeer(ctx context.Context, p Peer) (Peer, error) {
	p.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE peers SET name = ?, ipv4_address = ?, ipv6_address = ?,
			allowed_ips = ?, persistent_keepalive = ?, enabled = ?, updated_at = ?
		WHERE public_key = ?`,
		p.Name, p.IPv4, p.IPv6, joinList(p.AllowedIPs), p.Keepalive,
		boolToInt(p.Enabled), p.UpdatedAt.Unix(), p.PublicKey)
	if err != nil {
		return Peer{}, fmt.Errorf("updating peer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Peer{}, fmt.Errorf("%w: %s", errors.ErrPeerNotFound, p.PublicKey)
	}
	return s.GetPeer(ctx, p.PublicKey)
}

// DeletePeer removes a peer record.
func (s *SQLiteStore) DeletePeer(ctx context.Context, publicKey string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE public_key = ?`, publicKey)
	if err != nil {
		return fmt.Errorf("deleting peer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", errors.ErrPeerNotFound, publicKey)
	}
	return nil
}

// GetInterface returns the named interface record.
func (s *SQLiteStore) GetInterface(ctx context.Context, name string) (Interface, error) {
	var (
		iface Interface
		dns   sql.NullString
		ep    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, private_key, public_key, listen_port, ipv4_cidr, dns, mtu, endpoint
		FROM interfaces WHERE name = ?`, name).Scan(
		&iface.Name, &iface.PrivateKey, &iface.PublicKey, &iface.ListenPort,
		&iface.IPv4CIDR, &dns, &iface.MTU, &ep)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Interface{}, fmt.Errorf("%w: %s", errors.ErrInterfaceNotConfigured, name)
	}
	if err != nil {
		return Interface{}, fmt.Errorf("reading interface: %w", err)
	}
	iface.DNS = splitList(dns.String)
	iface.Endpoint = ep.String
	return iface, nil
}

// PutInterface creates or replaces the named interface record.
func (s *SQLiteStore) PutInterface(ctx context.Context, iface Interface) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interfaces (name, private_key, public_key, listen_port, ipv4_cidr, dns, mtu, endpoint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			private_key = excluded.private_key,
			public_key = excluded.public_key,
			listen_port = excluded.listen_port,
			ipv4_cidr = excluded.ipv4_cidr,
			dns = excluded.dns,
			mtu = excluded.mtu,
			endpoint = excluded.endpoint`,
		iface.Name, iface.PrivateKey, iface.PublicKey, iface.ListenPort,
		iface.IPv4CIDR, joinList(iface.DNS), iface.MTU, iface.Endpoint)
	if err != nil {
		return fmt.Errorf("storing interface: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(row rowScanner) (Peer, error) {
	var (
		p       Peer
		v6      sql.NullString
		allowed sql.NullString
		enabled int
		created int64
		updated int64
	)
	err := row.Scan(&p.PublicKey, &p.Name, &p.IPv4, &v6, &allowed,
		&p.Keepalive, &enabled, &created, &updated)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Peer{}, errors.ErrPeerNotFound
	}
	if err != nil {
		return Peer{}, fmt.Errorf("scanning peer: %w", err)
	}
	p.IPv6 = v6.String
	p.AllowedIPs = splitList(allowed.String)
	p.Enabled = enabled != 0
	p.CreatedAt = time.Unix(created, 0)
	p.UpdatedAt = time.Unix(updated, 0)
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}
