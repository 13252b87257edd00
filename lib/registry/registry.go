// Package registry is the declarative, persisted source of truth for peer
// metadata, independent of live interface state. Backends serialize their
// own writes; callers do not need to lock around a Store.
package registry

import (
	"context"
	"strings"
	"time"
)

// Peer is one declared peer record.
type Peer struct {
	// PublicKey identifies the peer; unique per interface.
	PublicKey string
	Name      string

	// IPv4 and IPv6 are the addresses allocated to the peer (host part).
	IPv4 string
	IPv6 string

	// AllowedIPs is the ordered CIDR list; empty means derived from the
	// allocated addresses.
	AllowedIPs []string

	// Keepalive is the persistent keepalive interval in seconds.
	Keepalive int

	// Enabled peers are rendered into the interface config; disabled
	// peers stay declared but inactive.
	Enabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Interface is the per-interface singleton record. Keys are immutable
// after creation except through an explicit re-initialization.
type Interface struct {
	Name       string
	PrivateKey string
	PublicKey  string
	ListenPort int
	IPv4CIDR   string
	DNS        []string
	MTU        int

	// Endpoint is the public host clients connect to.
	Endpoint string
}

// Store persists peers and the interface record.
//
// GetPeer and DeletePeer fail with ErrPeerNotFound for unknown keys;
// CreatePeer fails with ErrPeerExists on duplicates; GetInterface fails
// with ErrInterfaceNotConfigured before initialization.
type Store interface {
	CreatePeer(ctx context.Context, p Peer) (Peer, error)
	GetPeer(ctx context.Context, publicKey string) (Peer, error)
	ListPeers(ctx context.Context) ([]Peer, error)
	UpdatePeer(ctx context.Context, p Peer) (Peer, error)
	DeletePeer(ctx context.Context, publicKey string) error

	GetInterface(ctx context.Context, name string) (Interface, error)
	PutInterface(ctx context.Context, iface Interface) error

	Close() error
}

// joinList and splitList store string lists as comma-separated columns.
func joinList(list []string) string {
	return strings.Join(list, ",")
}

func splitList(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
