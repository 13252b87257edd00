// wgkeeper keeps a declared set of WireGuard peers consistent with the
// live state of a running interface: it manages key material and address
// allocation, mutates the interface config document safely, and applies
// changes through the wg/wg-quick control plane.
//
// Usage:
//
//	wgkeeper [--config path] [--verbose] <command>
//
// Commands:
//
//	init          create the interface record and initial config
//	peer add      declare a new peer and apply it live
//	peer list     show declared and live peers merged
//	peer remove   remove a peer everywhere
//	peer config   print a peer's client configuration
//	sync          regenerate and apply the interface config
//	status        show peer counts and traffic
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/wgkeeper/wgkeeper/lib/core"
	"github.com/wgkeeper/wgkeeper/lib/errors"
	"github.com/wgkeeper/wgkeeper/lib/metrics"
	"github.com/wgkeeper/wgkeeper/lib/ratelimit"
	"github.com/wgkeeper/wgkeeper/lib/reconcile"
	"github.com/wgkeeper/wgkeeper/lib/registry"
	"github.com/wgkeeper/wgkeeper/lib/wgctl"
	"github.com/wgkeeper/wgkeeper/version"
)

func main() {
	app := &cli.App{
		Name:    "wgkeeper",
		Usage:   "keep declared WireGuard peers in step with a live interface",
		Version: version.Full(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigPath(),
				Usage:   "path to the wgkeeper config file",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			cmdInit,
			cmdPeer,
			cmdSync,
			cmdStatus,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func defaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".wgkeeper", "config.toml")
}

// engine bundles everything a command needs.
type engine struct {
	cfg *core.Config
	reg registry.Store
	rec *reconcile.Reconciler

	limiter *ratelimit.KeyedLimiter
}

func (e *engine) close() {
	e.rec.Close()
	e.limiter.Close()
	if err := e.reg.Close(); err != nil {
		logrus.WithError(err).Warn("closing registry")
	}
}

func openEngine(c *cli.Context) (*engine, error) {
	cfg, err := core.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	log := core.SetupLogging(cfg.Log, c.Bool("verbose"))

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	reg, err := cfg.OpenRegistry()
	if err != nil {
		return nil, err
	}
	ks, err := cfg.OpenKeystore()
	if err != nil {
		reg.Close()
		return nil, err
	}

	ctl := wgctl.New(cfg.Interface.Name,
		wgctl.WithRunner(&wgctl.LocalRunner{Timeout: time.Duration(cfg.Reconciler.CommandTimeout)}),
		wgctl.WithLogger(log),
	)
	limiter := ratelimit.NewKeyed(cfg.Reconciler.RestartRate, cfg.Reconciler.RestartBurst, time.Hour)

	rec := reconcile.New(ctl, reg,
		reconcile.WithKeystore(ks),
		reconcile.WithConfigPath(cfg.Reconciler.ConfigPath),
		reconcile.WithHandshakeThreshold(time.Duration(cfg.Reconciler.HandshakeThreshold)),
		reconcile.WithRestartLimiter(limiter),
		reconcile.WithLogger(log),
	)
	metrics.RecordStartTime()

	return &engine{cfg: cfg, reg: reg, rec: rec, limiter: limiter}, nil
}

var cmdInit = &cli.Command{
	Name:  "init",
	Usage: "create the interface record and write its initial config",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "endpoint",
			Usage: "public host clients connect to (overrides config)",
		},
		&cli.BoolFlag{
			Name:  "force",
			Usage: "regenerate the interface keys; removes all declared peers",
		},
	},
	Action: func(c *cli.Context) error {
		e, err := openEngine(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer e.close()

		endpoint := e.cfg.Interface.Endpoint
		if v := c.String("endpoint"); v != "" {
			endpoint = v
		}

		iface, err := e.rec.InitInterface(c.Context, reconcile.InitRequest{
			CIDR:       e.cfg.Interface.Address,
			ListenPort: e.cfg.Interface.ListenPort,
			DNS:        e.cfg.Interface.DNS,
			MTU:        e.cfg.Interface.MTU,
			Endpoint:   endpoint,
			Force:      c.Bool("force"),
		})
		if err != nil {
			return cli.Exit(err, 1)
		}

		fmt.Printf("interface %s initialized\n", iface.Name)
		fmt.Printf("  public key:  %s\n", iface.PublicKey)
		fmt.Printf("  address:     %s\n", iface.IPv4CIDR)
		fmt.Printf("  listen port: %d\n", iface.ListenPort)
		return nil
	},
}

var cmdPeer = &cli.Command{
	Name:  "peer",
	Usage: "manage declared peers",
	Subcommands: []*cli.Command{
		cmdPeerAdd,
		cmdPeerList,
		cmdPeerRemove,
		cmdPeerConfig,
	},
}

var cmdPeerAdd = &cli.Command{
	Name:      "add",
	Usage:     "declare a new peer, apply it live, and print its client config",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "ip",
			Usage: "explicit IPv4 address (caller guarantees it is free)",
		},
		&cli.StringSliceFlag{
			Name:  "allowed-ips",
			Usage: "override the peer's allowed IPs",
		},
		&cli.IntFlag{
			Name:  "keepalive",
			Usage: "persistent keepalive seconds",
			Value: reconcile.DefaultKeepalive,
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("peer add requires exactly one name argument", 2)
		}
		e, err := openEngine(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer e.close()

		created, err := e.rec.CreatePeer(c.Context, reconcile.CreatePeerRequest{
			Name:       c.Args().First(),
			IPv4:       c.String("ip"),
			AllowedIPs: c.StringSlice("allowed-ips"),
			Keepalive:  c.Int("keepalive"),
		})
		if se, partial := errors.IsSyncFailure(err); partial {
			// The peer is live; persistence lagged. Report and continue.
			for _, w := range se.Warnings {
				fmt.Fprintf(os.Stderr, "warning: %v\n", w)
			}
		} else if err != nil {
			return cli.Exit(err, 1)
		}

		fmt.Fprintf(os.Stderr, "peer %s created (%s, %s)\n",
			created.Name, created.IPv4, created.State)

		text, err := e.rec.PeerConfig(c.Context, created.PublicKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: client config unavailable: %v\n", err)
			return nil
		}
		fmt.Print(text)
		return nil
	},
}

var cmdPeerList = &cli.Command{
	Name:  "list",
	Usage: "show declared and live peers merged by public key",
	Action: func(c *cli.Context) error {
		e, err := openEngine(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer e.close()

		views, err := e.rec.ListPeers(c.Context)
		if err != nil {
			return cli.Exit(err, 1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPUBLIC KEY\tADDRESS\tENDPOINT\tSTATE\tCONNECTED\tRX MB\tTX MB")
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\t%.2f\t%.2f\n",
				v.Name, shortKey(v.PublicKey), v.IPv4, v.Endpoint,
				peerState(v), v.Connected,
				metrics.BytesToMB(uint64(v.RxBytes)), metrics.BytesToMB(uint64(v.TxBytes)))
		}
		return w.Flush()
	},
}

var cmdPeerRemove = &cli.Command{
	Name:      "remove",
	Usage:     "remove a peer from the interface, config, and registry",
	ArgsUsage: "<name-or-public-key>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "fail when the peer is not in the registry",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("peer remove requires exactly one argument", 2)
		}
		e, err := openEngine(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer e.close()

		publicKey, err := resolvePeer(c, e, c.Args().First())
		if err != nil {
			return cli.Exit(err, 1)
		}

		err = e.rec.DeletePeer(c.Context, publicKey, c.Bool("strict"))
		if se, partial := errors.IsSyncFailure(err); partial {
			for _, w := range se.Warnings {
				fmt.Fprintf(os.Stderr, "warning: %v\n", w)
			}
		} else if err != nil {
			return cli.Exit(err, 1)
		}
		fmt.Fprintf(os.Stderr, "peer %s removed\n", shortKey(publicKey))
		return nil
	},
}

var cmdPeerConfig = &cli.Command{
	Name:      "config",
	Usage:     "print a peer's distributable client configuration",
	ArgsUsage: "<name-or-public-key>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "out",
			Aliases: []string{"o"},
			Usage:   "write the config to a file instead of stdout",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("peer config requires exactly one argument", 2)
		}
		e, err := openEngine(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer e.close()

		publicKey, err := resolvePeer(c, e, c.Args().First())
		if err != nil {
			return cli.Exit(err, 1)
		}

		text, err := e.rec.PeerConfig(c.Context, publicKey)
		if err != nil {
			return cli.Exit(err, 1)
		}

		if out := c.String("out"); out != "" {
			peer, err := e.reg.GetPeer(c.Context, publicKey)
			if err != nil {
				return cli.Exit(err, 1)
			}
			if fi, err := os.Stat(out); err == nil && fi.IsDir() {
				out = filepath.Join(out, reconcile.ClientFileName(peer.Name))
			}
			if err := os.WriteFile(out, []byte(text), 0600); err != nil {
				return cli.Exit(err, 1)
			}
			fmt.Fprintf(os.Stderr, "client config written to %s\n", out)
			return nil
		}
		fmt.Print(text)
		return nil
	},
}

var cmdSync = &cli.Command{
	Name:  "sync",
	Usage: "regenerate the interface config from the registry and apply it",
	Action: func(c *cli.Context) error {
		e, err := openEngine(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer e.close()

		if err := e.rec.Sync(c.Context); err != nil {
			if errors.Is(err, errors.ErrRestartSuppressed) {
				return cli.Exit(fmt.Sprintf("sync failed and %v", err), 3)
			}
			return cli.Exit(err, 1)
		}
		fmt.Fprintln(os.Stderr, "interface synced")
		return nil
	},
}

var cmdStatus = &cli.Command{
	Name:  "status",
	Usage: "show peer counts and per-peer traffic",
	Action: func(c *cli.Context) error {
		e, err := openEngine(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer e.close()

		sum, traffic, err := e.rec.Status(c.Context)
		if err != nil {
			return cli.Exit(err, 1)
		}

		fmt.Printf("peers: %d total, %d enabled, %d connected\n",
			sum.Total, sum.Enabled, sum.Connected)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCONNECTED\tLAST HANDSHAKE\tRX MB\tTX MB")
		for _, tr := range traffic {
			handshake := "never"
			if !tr.LastHandshake.IsZero() {
				handshake = tr.LastHandshake.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%v\t%s\t%.2f\t%.2f\n",
				tr.Name, tr.Connected, handshake, tr.RxMB, tr.TxMB)
		}
		return w.Flush()
	},
}

// resolvePeer accepts either a public key or a declared peer name.
func resolvePeer(c *cli.Context, e *engine, arg string) (string, error) {
	if _, err := e.reg.GetPeer(c.Context, arg); err == nil {
		return arg, nil
	}
	peers, err := e.reg.ListPeers(c.Context)
	if err != nil {
		return "", err
	}
	for _, p := range peers {
		if p.Name == arg {
			return p.PublicKey, nil
		}
	}
	// Fall through with the argument as-is so non-strict removals of
	// live-only peers still reach the control plane.
	return arg, nil
}

func shortKey(publicKey string) string {
	if len(publicKey) > 12 {
		return publicKey[:12] + "..."
	}
	return publicKey
}

func peerState(v reconcile.PeerView) string {
	switch {
	case v.Applied:
		return string(reconcile.StateApplied)
	default:
		return string(reconcile.StateDeclared)
	}
}
