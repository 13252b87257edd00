package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wgkeeper/wgkeeper/lib/errors"
)

// MemoryStore keeps registry state in process memory. It backs tests and
// ephemeral runs; nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	peers  map[string]Peer
	ifaces map[string]Interface

	// now is replaceable for deterministic timestamps in tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		peers:  make(map[string]Peer),
		ifaces: make(map[string]Interface),
		now:    time.Now,
	}
}

// CreatePeer stores a new peer, stamping creation and update times.
func (s *MemoryStore) CreatePeer(_ context.Context, p Peer) (Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peers[p.PublicKey]; ok {
		return Peer{}, errors.ErrPeerExists
	}
	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.peers[p.PublicKey] = p
	return p, nil
}

// GetPeer returns the peer for a public key.
func (s *MemoryStore) GetPeer(_ context.Context, publicKey string) (Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.peers[publicKey]
	if !ok {
		return Peer{}, errors.ErrPeerNotFound
	}
	return p, nil
}

// ListPeers returns all peers ordered by creation time, newest first.
func (s *MemoryStore) ListPeers(_ context.Context) ([]Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sortPeers(out)
	return out, nil
}

// UpdatePeer replaces a peer's mutable fields and bumps its update time.
func (s *MemoryStore) UpdatePeer(_ context.Context, p Peer) (Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.peers[p.PublicKey]
	if !ok {
		return Peer{}, errors.ErrPeerNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now()
	s.peers[p.PublicKey] = p
	return p, nil
}

// DeletePeer removes a peer.
func (s *MemoryStore) DeletePeer(_ context.Context, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peers[publicKey]; !ok {
		return errors.ErrPeerNotFound
	}
	delete(s.peers, publicKey)
	return nil
}

// GetInterface returns the named interface record.
func (s *MemoryStore) GetInterface(_ context.Context, name string) (Interface, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iface, ok := s.ifaces[name]
	if !ok {
		return Interface{}, errors.ErrInterfaceNotConfigured
	}
	return iface, nil
}

// PutInterface creates or replaces the named interface record.
func (s *MemoryStore) PutInterface(_ context.Context, iface Interface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ifaces[iface.Name] = iface
	return nil
}

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() error {
	return nil
}

// sortPeers orders newest-first, with the public key as a stable
// tie-breaker for identical timestamps.
func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if !peers[i].CreatedAt.Equal(peers[j].CreatedAt) {
			return peers[i].CreatedAt.After(peers[j].CreatedAt)
		}
		return peers[i].PublicKey < peers[j].PublicKey
	})
}
