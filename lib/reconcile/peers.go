package reconcile

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wgkeeper/wgkeeper/lib/errors"
	"github.com/wgkeeper/wgkeeper/lib/ipam"
	"github.com/wgkeeper/wgkeeper/lib/keys"
	"github.com/wgkeeper/wgkeeper/lib/keystore"
	"github.com/wgkeeper/wgkeeper/lib/metrics"
	"github.com/wgkeeper/wgkeeper/lib/registry"
	"github.com/wgkeeper/wgkeeper/lib/wgconf"
	"github.com/wgkeeper/wgkeeper/lib/wgctl"
)

// CreatePeerRequest declares a new peer. Zero values get defaults; a
// caller supplying IPv4 explicitly is responsible for collision-freedom.
type CreatePeerRequest struct {
	Name       string
	IPv4       string
	IPv6       string
	AllowedIPs []string
	Keepalive  int
}

// CreatedPeer is the result of CreatePeer. Key material is returned once,
// here; afterwards it is only retrievable through PeerConfig while the
// keystore holds it.
type CreatedPeer struct {
	registry.Peer

	State        State
	PrivateKey   string
	PresharedKey string
}

// CreatePeer generates key material, allocates an address, applies the
// peer to the live interface, and persists it to the config document and
// the registry.
//
// Failures before the live apply abort cleanly with no partial state.
// Failures after it degrade to a warning-bearing success: the peer is
// already live, so the result carries StateSyncFailed and a SyncError
// listing what lagged, never an orphaned live peer.
func (r *Reconciler) CreatePeer(ctx context.Context, req CreatePeerRequest) (CreatedPeer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	iface, err := r.reg.GetInterface(ctx, r.ctl.Interface())
	if err != nil {
		return CreatedPeer{}, err
	}

	priv, err := r.keygen.GeneratePrivateKey()
	if err != nil {
		return CreatedPeer{}, err
	}
	psk, err := r.keygen.GeneratePresharedKey()
	if err != nil {
		return CreatedPeer{}, err
	}
	pub := keys.DerivePublicKey(priv).String()

	ipv4 := req.IPv4
	if ipv4 == "" {
		ipv4, err = r.allocate(ctx, iface)
		if err != nil {
			return CreatedPeer{}, err
		}
	}

	allowed := req.AllowedIPs
	if len(allowed) == 0 {
		allowed = []string{ipv4 + "/32"}
		if req.IPv6 != "" {
			allowed = append(allowed, req.IPv6+"/128")
		}
	}
	keepalive := req.Keepalive
	if keepalive == 0 {
		keepalive = DefaultKeepalive
	}
	name := req.Name
	if name == "" {
		name = synthesizedName(pub)
	}

	// Point of no return. A failure past here must not fail the whole
	// operation.
	if err := r.ctl.SetPeer(ctx, pub, psk.String(), allowed, keepalive); err != nil {
		return CreatedPeer{}, err
	}

	result := CreatedPeer{
		Peer: registry.Peer{
			PublicKey:  pub,
			Name:       name,
			IPv4:       ipv4,
			IPv6:       req.IPv6,
			AllowedIPs: allowed,
			Keepalive:  keepalive,
			Enabled:    true,
		},
		State:        StateApplied,
		PrivateKey:   priv.String(),
		PresharedKey: psk.String(),
	}

	var warnings []error
	if err := r.appendPeerConfig(iface, wgconf.PeerConfig{
		PublicKey:           pub,
		PresharedKey:        psk.String(),
		AllowedIPs:          allowed,
		PersistentKeepalive: keepalive,
	}); err != nil {
		warnings = append(warnings, fmt.Errorf("config append: %w", err))
	}
	if stored, err := r.reg.CreatePeer(ctx, result.Peer); err != nil {
		warnings = append(warnings, fmt.Errorf("registry create: %w", err))
	} else {
		result.Peer = stored
	}
	if err := r.secrets.Put(pub, keystore.Material{
		PrivateKey:   priv.String(),
		PresharedKey: psk.String(),
	}); err != nil {
		warnings = append(warnings, fmt.Errorf("keystore put: %w", err))
	}
	if err := r.syncLocked(ctx); err != nil {
		warnings = append(warnings, fmt.Errorf("resync: %w", err))
	}

	if len(warnings) > 0 {
		result.State = StateSyncFailed
		r.log.WithFields(logrus.Fields{
			"peer":     synthesizedName(pub),
			"warnings": len(warnings),
		}).Warn("peer applied live but persistence lags")
		return result, &errors.SyncError{Warnings: warnings}
	}
	return result, nil
}

// DeletePeer removes a peer from the live interface, the config document,
// the registry, and the keystore, then resyncs. The live layer is
// idempotent; with strict set, a peer missing from the registry surfaces
// ErrPeerNotFound instead of succeeding silently.
func (r *Reconciler) DeletePeer(ctx context.Context, publicKey string, strict bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ctl.RemovePeer(ctx, publicKey); err != nil {
		if !errors.IsInterfaceDown(err) {
			return err
		}
		// Nothing live to remove; the declared state still goes away.
		r.log.WithField("peer", synthesizedName(publicKey)).
			Debug("interface absent, skipping live removal")
	}

	var warnings []error
	if doc, err := r.loadConfig(); err != nil {
		warnings = append(warnings, fmt.Errorf("config read: %w", err))
	} else if doc != nil && doc.RemovePeer(publicKey) {
		if err := doc.WriteFile(r.confPath); err != nil {
			warnings = append(warnings, fmt.Errorf("config write: %w", err))
		} else {
			metrics.ConfigWrites.Inc()
		}
	}

	if err := r.reg.DeletePeer(ctx, publicKey); err != nil {
		if errors.IsNotFound(err) {
			if strict {
				return err
			}
		} else {
			warnings = append(warnings, fmt.Errorf("registry delete: %w", err))
		}
	}
	if err := r.secrets.Delete(publicKey); err != nil {
		warnings = append(warnings, fmt.Errorf("keystore delete: %w", err))
	}
	if err := r.syncLocked(ctx); err != nil {
		warnings = append(warnings, fmt.Errorf("resync: %w", err))
	}

	if len(warnings) > 0 {
		return &errors.SyncError{Warnings: warnings}
	}
	return nil
}

// PeerView merges one peer's declared and observed state. Registry fields
// are ground truth for identity and allocation; live fields are ground
// truth for traffic and connectivity.
type PeerView struct {
	PublicKey  string
	Name       string
	IPv4       string
	IPv6       string
	AllowedIPs []string
	Endpoint   string
	Keepalive  int
	Enabled    bool

	// Applied reports presence on the live interface. A declared peer
	// without it has not been applied yet.
	Applied       bool
	Connected     bool
	LastHandshake time.Time
	RxBytes       int64
	TxBytes       int64
}

// ListPeers merges the live dump with the registry by public key. Peers
// only seen live get a synthesized name; a failed live query degrades to
// registry-only data with a logged warning, reads never fail on it.
func (r *Reconciler) ListPeers(ctx context.Context) ([]PeerView, error) {
	declared, err := r.reg.ListPeers(ctx)
	if err != nil {
		return nil, err
	}

	live, err := r.ctl.DumpPeers(ctx)
	if err != nil {
		r.log.WithError(err).Warn("live peer query failed, reporting registry state only")
		live = nil
	}

	liveByKey := make(map[string]wgctl.Peer, len(live))
	for _, p := range live {
		liveByKey[p.PublicKey] = p
	}

	now := r.now()
	views := make([]PeerView, 0, len(declared)+len(live))
	seen := make(map[string]bool, len(declared))

	for _, d := range declared {
		v := PeerView{
			PublicKey:  d.PublicKey,
			Name:       d.Name,
			IPv4:       d.IPv4,
			IPv6:       d.IPv6,
			AllowedIPs: d.AllowedIPs,
			Keepalive:  d.Keepalive,
			Enabled:    d.Enabled,
		}
		if lp, ok := liveByKey[d.PublicKey]; ok {
			v.Applied = true
			v.Endpoint = lp.Endpoint
			v.LastHandshake = lp.LatestHandshake
			v.RxBytes = lp.RxBytes
			v.TxBytes = lp.TxBytes
			v.Connected = r.Connected(lp.LatestHandshake, now)
		}
		seen[d.PublicKey] = true
		views = append(views, v)
	}

	for _, lp := range live {
		if seen[lp.PublicKey] {
			continue
		}
		views = append(views, PeerView{
			PublicKey:     lp.PublicKey,
			Name:          synthesizedName(lp.PublicKey),
			IPv4:          lp.IPv4Address,
			IPv6:          lp.IPv6Address,
			AllowedIPs:    lp.AllowedIPs,
			Endpoint:      lp.Endpoint,
			Keepalive:     lp.PersistentKeepalive,
			Enabled:       true,
			Applied:       true,
			LastHandshake: lp.LatestHandshake,
			RxBytes:       lp.RxBytes,
			TxBytes:       lp.TxBytes,
			Connected:     r.Connected(lp.LatestHandshake, now),
		})
	}
	return views, nil
}

// PeerConfig renders the distributable client configuration for a peer.
// Fails with ErrKeyUnavailable for peers whose key material this engine
// never held.
func (r *Reconciler) PeerConfig(ctx context.Context, publicKey string) (string, error) {
	peer, err := r.reg.GetPeer(ctx, publicKey)
	if err != nil {
		return "", err
	}
	iface, err := r.reg.GetInterface(ctx, r.ctl.Interface())
	if err != nil {
		return "", err
	}
	material, ok := r.secrets.Get(publicKey)
	if !ok {
		return "", fmt.Errorf("%w: %s", errors.ErrKeyUnavailable, peer.Name)
	}

	addrs := []string{peer.IPv4 + "/32"}
	if peer.IPv6 != "" {
		addrs = append(addrs, peer.IPv6+"/128")
	}

	return wgconf.RenderClient(wgconf.ClientProfile{
		PrivateKey:      material.PrivateKey,
		Addresses:       addrs,
		DNS:             iface.DNS,
		ServerPublicKey: iface.PublicKey,
		PresharedKey:    material.PresharedKey,
		Keepalive:       peer.Keepalive,
		Endpoint:        iface.Endpoint,
		Port:            iface.ListenPort,
	}), nil
}

// allocate picks the next free address in the interface block. The in-use
// set merges the registry with whatever is visible live, so an address a
// sync has not persisted yet is still never handed out twice.
func (r *Reconciler) allocate(ctx context.Context, iface registry.Interface) (string, error) {
	prefix, err := netip.ParsePrefix(iface.IPv4CIDR)
	if err != nil {
		return "", fmt.Errorf("parsing interface cidr: %w", err)
	}

	inUse := make(map[netip.Addr]bool)
	declared, err := r.reg.ListPeers(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range declared {
		if addr, err := netip.ParseAddr(p.IPv4); err == nil {
			inUse[addr] = true
		}
	}
	if live, err := r.ctl.DumpPeers(ctx); err == nil {
		for _, p := range live {
			if addr, err := netip.ParseAddr(p.IPv4Address); err == nil {
				inUse[addr] = true
			}
		}
	}

	addr, err := ipam.NextIPv4(prefix, inUse)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// appendPeerConfig adds one peer section to the on-disk document,
// rendering a fresh interface-only document when no file exists yet.
func (r *Reconciler) appendPeerConfig(iface registry.Interface, p wgconf.PeerConfig) error {
	doc, err := r.loadConfig()
	if err != nil {
		return err
	}
	if doc == nil {
		doc, err = r.renderDocument(iface, nil)
		if err != nil {
			return err
		}
	}
	doc.AddPeer(p)
	if err := doc.WriteFile(r.confPath); err != nil {
		return err
	}
	metrics.ConfigWrites.Inc()
	return nil
}

// loadConfig parses the on-disk document, returning nil without error
// when the file does not exist yet.
func (r *Reconciler) loadConfig() (*wgconf.Document, error) {
	data, err := os.ReadFile(r.confPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return wgconf.Parse(string(data))
}
