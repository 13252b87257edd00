package reconcile

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/wgkeeper/wgkeeper/lib/errors"
	"github.com/wgkeeper/wgkeeper/lib/ipam"
	"github.com/wgkeeper/wgkeeper/lib/keys"
	"github.com/wgkeeper/wgkeeper/lib/metrics"
	"github.com/wgkeeper/wgkeeper/lib/registry"
	"github.com/wgkeeper/wgkeeper/lib/wgconf"
)

// Sync regenerates the config document from the registry, writes it
// atomically, and applies it to the running interface without a restart.
func (r *Reconciler) Sync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncLocked(ctx)
}

// syncLocked is the sync path for callers already holding the interface
// lock. When the in-place apply fails it falls back to a full restart,
// gated by the restart limiter.
func (r *Reconciler) syncLocked(ctx context.Context) error {
	iface, err := r.reg.GetInterface(ctx, r.ctl.Interface())
	if err != nil {
		return err
	}
	peers, err := r.reg.ListPeers(ctx)
	if err != nil {
		return err
	}

	doc, err := r.renderDocument(iface, peers)
	if err != nil {
		return err
	}
	if err := doc.WriteFile(r.confPath); err != nil {
		return err
	}
	metrics.ConfigWrites.Inc()

	metrics.SyncsTotal.Inc()
	if err := r.ctl.SyncConfig(ctx, r.confPath); err != nil {
		metrics.SyncsFailed.Inc()
		r.log.WithError(err).Warn("in-place sync failed, falling back to interface restart")
		return r.restart(ctx)
	}
	return nil
}

// restart tears the interface down and brings it back up from the config
// file. An exhausted restart budget fails with ErrRestartSuppressed
// instead of restarting again.
func (r *Reconciler) restart(ctx context.Context) error {
	name := r.ctl.Interface()
	if !r.restarts.Allow(name) {
		metrics.RestartsSuppressed.Inc()
		return fmt.Errorf("%w: %s", errors.ErrRestartSuppressed, name)
	}
	metrics.RestartsTotal.Inc()

	if err := r.ctl.Down(ctx, r.confPath); err != nil {
		return err
	}
	return r.ctl.Up(ctx, r.confPath)
}

// renderDocument builds the full server document from registry state.
// Disabled peers stay declared but are not rendered; preshared keys come
// from the keystore where held.
func (r *Reconciler) renderDocument(iface registry.Interface, peers []registry.Peer) (*wgconf.Document, error) {
	addr, err := interfaceAddress(iface.IPv4CIDR)
	if err != nil {
		return nil, err
	}

	cfg := wgconf.InterfaceConfig{
		PrivateKey: iface.PrivateKey,
		Address:    addr,
		ListenPort: iface.ListenPort,
		DNS:        iface.DNS,
		MTU:        iface.MTU,
	}

	sections := make([]wgconf.PeerConfig, 0, len(peers))
	for _, p := range peers {
		if !p.Enabled {
			continue
		}
		pc := wgconf.PeerConfig{
			PublicKey:           p.PublicKey,
			AllowedIPs:          p.AllowedIPs,
			PersistentKeepalive: p.Keepalive,
		}
		if m, ok := r.secrets.Get(p.PublicKey); ok {
			pc.PresharedKey = m.PresharedKey
		}
		sections = append(sections, pc)
	}
	return wgconf.Render(cfg, sections), nil
}

// interfaceAddress renders the interface's reserved first-host address in
// CIDR form, e.g. "10.8.0.1/24" for the block "10.8.0.0/24".
func interfaceAddress(cidr string) (string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return "", fmt.Errorf("parsing interface cidr: %w", err)
	}
	addr, err := ipam.InterfaceAddress(prefix)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d", addr, prefix.Bits()), nil
}

// InitRequest configures interface bootstrap. Zero values get defaults.
type InitRequest struct {
	CIDR       string
	ListenPort int
	DNS        []string
	MTU        int
	Endpoint   string

	// Force regenerates the interface key pair even when a record
	// exists. Declared peers reference the old identity and are removed.
	Force bool
}

// InitInterface creates the interface record and writes its initial
// config document. Calling it again without Force returns the existing
// record unchanged.
func (r *Reconciler) InitInterface(ctx context.Context, req InitRequest) (registry.Interface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.reg.GetInterface(ctx, r.ctl.Interface())
	switch {
	case err == nil && !req.Force:
		return existing, nil
	case err != nil && !errors.Is(err, errors.ErrInterfaceNotConfigured):
		return registry.Interface{}, err
	}

	priv, err := r.keygen.GeneratePrivateKey()
	if err != nil {
		return registry.Interface{}, err
	}

	iface := registry.Interface{
		Name:       r.ctl.Interface(),
		PrivateKey: priv.String(),
		PublicKey:  keys.DerivePublicKey(priv).String(),
		ListenPort: req.ListenPort,
		IPv4CIDR:   req.CIDR,
		DNS:        req.DNS,
		MTU:        req.MTU,
		Endpoint:   req.Endpoint,
	}
	if iface.ListenPort == 0 {
		iface.ListenPort = DefaultListenPort
	}
	if iface.IPv4CIDR == "" {
		iface.IPv4CIDR = DefaultCIDR
	}
	if iface.MTU == 0 {
		iface.MTU = DefaultMTU
	}

	if req.Force {
		peers, err := r.reg.ListPeers(ctx)
		if err != nil {
			return registry.Interface{}, err
		}
		for _, p := range peers {
			if err := r.reg.DeletePeer(ctx, p.PublicKey); err != nil && !errors.IsNotFound(err) {
				return registry.Interface{}, err
			}
			r.secrets.Delete(p.PublicKey)
		}
	}

	if err := r.reg.PutInterface(ctx, iface); err != nil {
		return registry.Interface{}, err
	}

	doc, err := r.renderDocument(iface, nil)
	if err != nil {
		return registry.Interface{}, err
	}
	if err := doc.WriteFile(r.confPath); err != nil {
		return registry.Interface{}, err
	}
	metrics.ConfigWrites.Inc()

	return iface, nil
}

// Status summarizes declared peers and their live traffic, and refreshes
// the peer gauges.
func (r *Reconciler) Status(ctx context.Context) (metrics.Summary, []metrics.PeerTraffic, error) {
	views, err := r.ListPeers(ctx)
	if err != nil {
		return metrics.Summary{}, nil, err
	}

	var sum metrics.Summary
	traffic := make([]metrics.PeerTraffic, 0, len(views))
	for _, v := range views {
		sum.Total++
		if v.Enabled {
			sum.Enabled++
		}
		if v.Connected {
			sum.Connected++
		}
		traffic = append(traffic, metrics.PeerTraffic{
			PublicKey:     v.PublicKey,
			Name:          v.Name,
			RxBytes:       v.RxBytes,
			TxBytes:       v.TxBytes,
			RxMB:          metrics.BytesToMB(uint64(v.RxBytes)),
			TxMB:          metrics.BytesToMB(uint64(v.TxBytes)),
			LastHandshake: v.LastHandshake,
			Connected:     v.Connected,
		})
	}

	metrics.PeersDeclared.Set(int64(sum.Total))
	metrics.PeersConnected.Set(int64(sum.Connected))
	return sum, traffic, nil
}
