// Package keystore holds private key material for peers created by this
// engine. Peers whose keys originated elsewhere never appear here, which is
// what makes "private key available" equivalent to "created locally".
//
// The store is an injectable capability: the memory implementation loses
// its contents on restart (an explicit policy, see MemoryStore), while the
// file implementation persists across restarts.
package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Material is the secret key material retained for a locally created peer.
type Material struct {
	PrivateKey   string `json:"private_key"`
	PresharedKey string `json:"preshared_key,omitempty"`
}

// Store maps a peer's public key to its secret key material.
type Store interface {
	// Get returns the material for a public key, if present.
	Get(publicKey string) (Material, bool)

	// Put stores material for a public key, replacing any previous entry.
	Put(publicKey string, m Material) error

	// Delete removes the material for a public key. Deleting an absent
	// key is not an error.
	Delete(publicKey string) error
}

// MemoryStore keeps key material in process memory only. Contents are lost
// on restart: peers created before the restart can no longer have their
// client configs regenerated with private keys.
type MemoryStore struct {
	mu       sync.RWMutex
	material map[string]Material
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{material: make(map[string]Material)}
}

// Get returns the material for a public key, if present.
func (s *MemoryStore) Get(publicKey string) (Material, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.material[publicKey]
	return m, ok
}

// Put stores material for a public key.
func (s *MemoryStore) Put(publicKey string, m Material) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.material[publicKey] = m
	return nil
}

// Delete removes the material for a public key.
func (s *MemoryStore) Delete(publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.material, publicKey)
	return nil
}

// FileStore persists key material to a JSON file with owner-only
// permissions. Every mutation rewrites the file atomically.
type FileStore struct {
	mu       sync.RWMutex
	path     string
	material map[string]Material
}

// OpenFileStore loads a file-backed store, creating an empty one if the
// file does not exist yet.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		material: make(map[string]Material),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading keystore: %w", err)
	}
	if err := json.Unmarshal(data, &s.material); err != nil {
		return nil, fmt.Errorf("parsing keystore: %w", err)
	}
	return s, nil
}

// Get returns the material for a public key, if present.
func (s *FileStore) Get(publicKey string) (Material, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.material[publicKey]
	return m, ok
}

// Put stores material for a public key and persists the store.
func (s *FileStore) Put(publicKey string, m Material) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.material[publicKey] = m
	return s.save()
}

// Delete removes the material for a public key and persists the store.
func (s *FileStore) Delete(publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.material[publicKey]; !ok {
		return nil
	}
	delete(s.material, publicKey)
	return s.save()
}

// save writes the store atomically. Must be called with the lock held.
func (s *FileStore) save() error {
	data, err := json.MarshalIndent(s.material, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling keystore: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating keystore directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("writing keystore: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming keystore: %w", err)
	}
	return nil
}
