package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/wgkeeper/wgkeeper/lib/errors"
)

// backends under test. MySQL is exercised only when WGKEEPER_TEST_MYSQL_DSN
// points at a disposable database.
func testStores(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{
		"memory": NewMemoryStore(),
	}

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	stores["sqlite"] = sqlite

	if dsn := os.Getenv("WGKEEPER_TEST_MYSQL_DSN"); dsn != "" {
		mysql, err := OpenMySQL(dsn)
		if err != nil {
			t.Fatalf("OpenMySQL failed: %v", err)
		}
		stores["mysql"] = mysql
	}
	return stores
}

func testPeer(pub, name, ipv4 string) Peer {
	return Peer{
		PublicKey:  pub,
		Name:       name,
		IPv4:       ipv4,
		AllowedIPs: []string{ipv4 + "/32"},
		Keepalive:  25,
		Enabled:    true,
	}
}

var ignoreTimes = cmpopts.IgnoreFields(Peer{}, "CreatedAt", "UpdatedAt")

func TestStore_PeerLifecycle(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			created, err := store.CreatePeer(ctx, testPeer("PUB1", "laptop", "10.8.0.2"))
			if err != nil {
				t.Fatalf("CreatePeer failed: %v", err)
			}
			if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
				t.Error("timestamps should be stamped on create")
			}

			got, err := store.GetPeer(ctx, "PUB1")
			if err != nil {
				t.Fatalf("GetPeer failed: %v", err)
			}
			if diff := cmp.Diff(created, got, ignoreTimes); diff != "" {
				t.Errorf("peer mismatch (-created +got):\n%s", diff)
			}

			got.Name = "laptop-renamed"
			got.Enabled = false
			updated, err := store.UpdatePeer(ctx, got)
			if err != nil {
				t.Fatalf("UpdatePeer failed: %v", err)
			}
			if updated.Name != "laptop-renamed" || updated.Enabled {
				t.Errorf("update not applied: %+v", updated)
			}

			if err := store.DeletePeer(ctx, "PUB1"); err != nil {
				t.Fatalf("DeletePeer failed: %v", err)
			}
			if _, err := store.GetPeer(ctx, "PUB1"); !errors.IsNotFound(err) {
				t.Errorf("GetPeer after delete = %v, want ErrPeerNotFound", err)
			}
		})
	}
}

func TestStore_DuplicatePeer(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			if _, err := store.CreatePeer(ctx, testPeer("PUB1", "a", "10.8.0.2")); err != nil {
				t.Fatalf("CreatePeer failed: %v", err)
			}
			_, err := store.CreatePeer(ctx, testPeer("PUB1", "b", "10.8.0.3"))
			if !errors.Is(err, errors.ErrPeerExists) {
				t.Errorf("duplicate create = %v, want ErrPeerExists", err)
			}
		})
	}
}

func TestStore_MissingPeerErrors(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			if _, err := store.GetPeer(ctx, "ABSENT"); !errors.IsNotFound(err) {
				t.Errorf("GetPeer = %v, want ErrPeerNotFound", err)
			}
			if err := store.DeletePeer(ctx, "ABSENT"); !errors.IsNotFound(err) {
				t.Errorf("DeletePeer = %v, want ErrPeerNotFound", err)
			}
			if _, err := store.UpdatePeer(ctx, testPeer("ABSENT", "x", "10.8.0.9")); !errors.IsNotFound(err) {
				t.Errorf("UpdatePeer = %v, want ErrPeerNotFound", err)
			}
		})
	}
}

func TestStore_ListPeers(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			for i, p := range []Peer{
				testPeer("PUB1", "a", "10.8.0.2"),
				testPeer("PUB2", "b", "10.8.0.3"),
				testPeer("PUB3", "c", "10.8.0.4"),
			} {
				if _, err := store.CreatePeer(ctx, p); err != nil {
					t.Fatalf("CreatePeer %d failed: %v", i, err)
				}
			}

			peers, err := store.ListPeers(ctx)
			if err != nil {
				t.Fatalf("ListPeers failed: %v", err)
			}
			if len(peers) != 3 {
				t.Fatalf("peers = %d, want 3", len(peers))
			}

			seen := map[string]bool{}
			for _, p := range peers {
				seen[p.PublicKey] = true
			}
			for _, pub := range []string{"PUB1", "PUB2", "PUB3"} {
				if !seen[pub] {
					t.Errorf("peer %s missing from listing", pub)
				}
			}
		})
	}
}

func TestStore_InterfaceRecord(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			if _, err := store.GetInterface(ctx, "wg0"); !errors.Is(err, errors.ErrInterfaceNotConfigured) {
				t.Errorf("GetInterface before init = %v, want ErrInterfaceNotConfigured", err)
			}

			iface := Interface{
				Name:       "wg0",
				PrivateKey: "priv=",
				PublicKey:  "pub=",
				ListenPort: 51820,
				IPv4CIDR:   "10.8.0.0/24",
				DNS:        []string{"1.1.1.1", "8.8.8.8"},
				MTU:        1420,
				Endpoint:   "vpn.example.com",
			}
			if err := store.PutInterface(ctx, iface); err != nil {
				t.Fatalf("PutInterface failed: %v", err)
			}

			got, err := store.GetInterface(ctx, "wg0")
			if err != nil {
				t.Fatalf("GetInterface failed: %v", err)
			}
			if diff := cmp.Diff(iface, got); diff != "" {
				t.Errorf("interface mismatch (-want +got):\n%s", diff)
			}

			// Re-init replaces the record.
			iface.PrivateKey = "priv2="
			iface.PublicKey = "pub2="
			if err := store.PutInterface(ctx, iface); err != nil {
				t.Fatalf("PutInterface (replace) failed: %v", err)
			}
			got, err = store.GetInterface(ctx, "wg0")
			if err != nil {
				t.Fatalf("GetInterface failed: %v", err)
			}
			if got.PublicKey != "pub2=" {
				t.Errorf("interface not replaced, public key = %q", got.PublicKey)
			}
		})
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	ctx := context.Background()

	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if _, err := store.CreatePeer(ctx, testPeer("PUB1", "a", "10.8.0.2")); err != nil {
		t.Fatalf("CreatePeer failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopening failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetPeer(ctx, "PUB1")
	if err != nil {
		t.Fatalf("GetPeer after reopen failed: %v", err)
	}
	if got.Name != "a" {
		t.Errorf("persisted peer name = %q, want a", got.Name)
	}
}
