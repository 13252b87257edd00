package wgctl

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wgkeeper/wgkeeper/lib/errors"
)

// Controller drives one interface through the wg/wg-quick command surface.
type Controller struct {
	runner Runner
	iface  string
	wg     string
	quick  string
	log    *logrus.Entry
}

// Option configures a Controller.
type Option func(*Controller)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(c *Controller) { c.runner = r }
}

// WithBinaries overrides the wg and wg-quick executable paths.
func WithBinaries(wg, quick string) Option {
	return func(c *Controller) {
		c.wg = wg
		c.quick = quick
	}
}

// WithLogger replaces the controller's logger.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Controller) { c.log = l.WithField("component", "wgctl") }
}

// New creates a Controller for the named interface.
func New(iface string, opts ...Option) *Controller {
	c := &Controller{
		runner: &LocalRunner{},
		iface:  iface,
		wg:     "wg",
		quick:  "wg-quick",
		log:    logrus.StandardLogger().WithField("component", "wgctl"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Interface returns the managed interface name.
func (c *Controller) Interface() string {
	return c.iface
}

// interfaceAbsent recognizes the stderr the wg tooling emits when the
// interface does not exist.
func interfaceAbsent(err error) bool {
	var ce *errors.CommandError
	if !errors.As(err, &ce) {
		return false
	}
	return strings.Contains(ce.Stderr, "No such device") ||
		strings.Contains(ce.Stderr, "Unable to access interface")
}

// DumpPeers returns the live peer records for the interface.
// A missing interface is reported as ErrInterfaceDown so callers can tell
// "no peers" from "query failed"; it is never silently an empty list.
func (c *Controller) DumpPeers(ctx context.Context) ([]Peer, error) {
	out, err := c.runner.Run(ctx, nil, c.wg, "show", c.iface, "dump")
	if err != nil {
		if interfaceAbsent(err) {
			return nil, fmt.Errorf("%w: %v", errors.ErrInterfaceDown, err)
		}
		return nil, fmt.Errorf("dumping peers: %w", err)
	}
	return c.parseDump(string(out)), nil
}

// InterfaceInfo returns the live interface-level status, or nil if the
// status block carries no public key line.
func (c *Controller) InterfaceInfo(ctx context.Context) (*InterfaceInfo, error) {
	out, err := c.runner.Run(ctx, nil, c.wg, "show", c.iface)
	if err != nil {
		if interfaceAbsent(err) {
			return nil, fmt.Errorf("%w: %v", errors.ErrInterfaceDown, err)
		}
		return nil, fmt.Errorf("reading interface status: %w", err)
	}
	return parseStatus(string(out)), nil
}

// SetPeer applies a peer to the live interface: the identity first, then
// the preshared key over stdin, then allowed-ips, then keepalive.
func (c *Controller) SetPeer(ctx context.Context, publicKey, presharedKey string, allowedIPs []string, keepalive int) error {
	if _, err := c.runner.Run(ctx, nil, c.wg, "set", c.iface, "peer", publicKey); err != nil {
		return fmt.Errorf("adding peer: %w", err)
	}
	if presharedKey != "" {
		// The key goes over stdin; it must never appear in an argument
		// list visible to process listings.
		_, err := c.runner.Run(ctx, []byte(presharedKey+"\n"),
			c.wg, "set", c.iface, "peer", publicKey, "preshared-key", "/dev/stdin")
		if err != nil {
			return fmt.Errorf("setting preshared key: %w", err)
		}
	}
	if len(allowedIPs) > 0 {
		_, err := c.runner.Run(ctx, nil,
			c.wg, "set", c.iface, "peer", publicKey, "allowed-ips", strings.Join(allowedIPs, ","))
		if err != nil {
			return fmt.Errorf("setting allowed ips: %w", err)
		}
	}
	if keepalive > 0 {
		_, err := c.runner.Run(ctx, nil,
			c.wg, "set", c.iface, "peer", publicKey, "persistent-keepalive", strconv.Itoa(keepalive))
		if err != nil {
			return fmt.Errorf("setting keepalive: %w", err)
		}
	}
	return nil
}

// RemovePeer removes a peer from the live interface. Removing a peer that
// is not configured succeeds: the control plane treats it as a no-op. A
// missing interface is reported as ErrInterfaceDown so callers can decide
// whether the rest of a deletion should proceed.
func (c *Controller) RemovePeer(ctx context.Context, publicKey string) error {
	if _, err := c.runner.Run(ctx, nil, c.wg, "set", c.iface, "peer", publicKey, "remove"); err != nil {
		if interfaceAbsent(err) {
			return fmt.Errorf("%w: %v", errors.ErrInterfaceDown, err)
		}
		return fmt.Errorf("removing peer: %w", err)
	}
	return nil
}

// SyncConfig applies the config file to the running interface without a
// restart: wg-quick strip feeds wg syncconf over stdin.
func (c *Controller) SyncConfig(ctx context.Context, confPath string) error {
	stripped, err := c.runner.Run(ctx, nil, c.quick, "strip", confPath)
	if err != nil {
		return fmt.Errorf("stripping config: %w", err)
	}
	if _, err := c.runner.Run(ctx, stripped, c.wg, "syncconf", c.iface, "/dev/stdin"); err != nil {
		return fmt.Errorf("syncing config: %w", err)
	}
	return nil
}

// Up brings the interface up from the config file.
func (c *Controller) Up(ctx context.Context, confPath string) error {
	if _, err := c.runner.Run(ctx, nil, c.quick, "up", confPath); err != nil {
		return fmt.Errorf("bringing interface up: %w", err)
	}
	return nil
}

// Down tears the interface down. The interface already being down is not
// an error.
func (c *Controller) Down(ctx context.Context, confPath string) error {
	if _, err := c.runner.Run(ctx, nil, c.quick, "down", confPath); err != nil {
		if interfaceAbsent(err) || strings.Contains(err.Error(), "is not a WireGuard interface") {
			return nil
		}
		return fmt.Errorf("bringing interface down: %w", err)
	}
	return nil
}
