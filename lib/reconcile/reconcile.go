// Package reconcile orchestrates peer lifecycle operations across three
// independently mutable sources of truth: the live interface, the on-disk
// configuration document, and the peer registry.
//
// Mutating operations (create, delete, sync, init) on one interface are
// mutually exclusive: the control-plane call sequence and the config
// rewrite are multi-step and non-atomic, so interleaving them would
// corrupt state. Reads take no lock and may observe a transient state
// mid-sync, live-applied but not yet persisted. That is accepted
// eventual consistency.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wgkeeper/wgkeeper/lib/keys"
	"github.com/wgkeeper/wgkeeper/lib/keystore"
	"github.com/wgkeeper/wgkeeper/lib/ratelimit"
	"github.com/wgkeeper/wgkeeper/lib/registry"
	"github.com/wgkeeper/wgkeeper/lib/wgctl"
)

// Defaults applied when a request or option leaves a value unset.
const (
	DefaultHandshakeThreshold = 3 * time.Minute
	DefaultKeepalive          = 25
	DefaultCIDR               = "10.8.0.0/24"
	DefaultListenPort         = 51820
	DefaultMTU                = 1420

	// One restart per minute with a burst of two. Restarts are disruptive;
	// the bucket keeps repeated sync failures from becoming a restart storm.
	DefaultRestartRate  = 1.0 / 60
	DefaultRestartBurst = 2
)

// State is a peer's position in the lifecycle.
type State string

const (
	// StateDeclared means the peer exists in the registry but has not
	// been applied to the live interface.
	StateDeclared State = "declared"

	// StateApplied means the peer is live and fully persisted.
	StateApplied State = "applied"

	// StateSyncFailed means the peer is live but one or more follow-up
	// steps failed; persistence lags the interface.
	StateSyncFailed State = "sync-failed"

	// StateRemoved is terminal.
	StateRemoved State = "removed"
)

// Controller is the live-interface control surface the reconciler drives.
// *wgctl.Controller implements it.
type Controller interface {
	Interface() string
	DumpPeers(ctx context.Context) ([]wgctl.Peer, error)
	SetPeer(ctx context.Context, publicKey, presharedKey string, allowedIPs []string, keepalive int) error
	RemovePeer(ctx context.Context, publicKey string) error
	SyncConfig(ctx context.Context, confPath string) error
	Up(ctx context.Context, confPath string) error
	Down(ctx context.Context, confPath string) error
}

// Reconciler applies declared peer state to a live interface and keeps
// the config document and registry in step with it.
type Reconciler struct {
	ctl     Controller
	reg     registry.Store
	keygen  keys.Generator
	secrets keystore.Store

	confPath  string
	threshold time.Duration

	restarts     *ratelimit.KeyedLimiter
	ownsRestarts bool

	log *logrus.Entry
	now func() time.Time

	// mu comes from the shared per-interface lock table, so two
	// reconcilers for the same interface serialize with each other.
	mu *sync.Mutex
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithKeyGenerator replaces the key material source.
func WithKeyGenerator(g keys.Generator) Option {
	return func(r *Reconciler) { r.keygen = g }
}

// WithKeystore replaces the private key material store.
func WithKeystore(s keystore.Store) Option {
	return func(r *Reconciler) { r.secrets = s }
}

// WithConfigPath overrides the interface config file location.
func WithConfigPath(path string) Option {
	return func(r *Reconciler) { r.confPath = path }
}

// WithHandshakeThreshold tunes the connectivity window.
func WithHandshakeThreshold(d time.Duration) Option {
	return func(r *Reconciler) { r.threshold = d }
}

// WithRestartLimiter replaces the restart rate limiter. The caller owns
// the limiter's lifecycle.
func WithRestartLimiter(l *ratelimit.KeyedLimiter) Option {
	return func(r *Reconciler) {
		r.restarts = l
		r.ownsRestarts = false
	}
}

// WithLogger replaces the reconciler's logger.
func WithLogger(l *logrus.Logger) Option {
	return func(r *Reconciler) { r.log = l.WithField("component", "reconcile") }
}

// WithClock replaces the time source for connectivity checks.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a Reconciler for the controller's interface.
func New(ctl Controller, reg registry.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		ctl:          ctl,
		reg:          reg,
		keygen:       keys.NewGenerator(),
		secrets:      keystore.NewMemoryStore(),
		confPath:     "/etc/wireguard/" + ctl.Interface() + ".conf",
		threshold:    DefaultHandshakeThreshold,
		restarts:     nil,
		ownsRestarts: true,
		log:          logrus.StandardLogger().WithField("component", "reconcile"),
		now:          time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.restarts == nil {
		r.restarts = ratelimit.NewKeyed(DefaultRestartRate, DefaultRestartBurst, time.Hour)
		r.ownsRestarts = true
	}
	r.mu = lockFor(ctl.Interface())
	return r
}

// Close releases resources owned by the reconciler.
func (r *Reconciler) Close() {
	if r.ownsRestarts {
		r.restarts.Close()
	}
}

// Connected reports whether a handshake timestamp counts as live: the
// handshake happened and is more recent than the configured threshold.
func (r *Reconciler) Connected(handshake, now time.Time) bool {
	if handshake.IsZero() {
		return false
	}
	return now.Sub(handshake) < r.threshold
}

// ifaceLocks is the process-wide per-interface lock table.
var ifaceLocks = struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}{m: make(map[string]*sync.Mutex)}

func lockFor(name string) *sync.Mutex {
	ifaceLocks.mu.Lock()
	defer ifaceLocks.mu.Unlock()
	l, ok := ifaceLocks.m[name]
	if !ok {
		l = &sync.Mutex{}
		ifaceLocks.m[name] = l
	}
	return l
}

func synthesizedName(publicKey string) string {
	if len(publicKey) > 8 {
		publicKey = publicKey[:8]
	}
	return "peer-" + publicKey
}

// ClientFileName is the suggested filename for a downloaded client config.
func ClientFileName(name string) string {
	return "wg-" + name + ".conf"
}
