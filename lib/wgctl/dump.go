package wgctl

import (
	"strconv"
	"strings"
	"time"
)

// dumpFieldCount is the number of tab-separated fields in a peer record of
// `wg show <iface> dump`: public key, preshared key, endpoint, allowed-ips,
// latest handshake, rx, tx, keepalive.
const dumpFieldCount = 8

// noneField is the placeholder the dump format uses for absent values.
const noneField = "(none)"

// Peer is one live peer record observed on the interface. Counters are
// monotonic until the interface restarts.
type Peer struct {
	PublicKey    string
	PresharedKey string
	Endpoint     string

	// AllowedIPs is the full ordered CIDR list from the dump.
	AllowedIPs []string
	// IPv4Address and IPv6Address are the host parts of the first entry
	// of each family in AllowedIPs. Later same-family entries stay
	// available in AllowedIPs.
	IPv4Address string
	IPv6Address string

	// LatestHandshake is zero when the peer has never completed a
	// handshake.
	LatestHandshake time.Time
	RxBytes         int64
	TxBytes         int64

	// PersistentKeepalive is in seconds; zero means disabled.
	PersistentKeepalive int
}

// InterfaceInfo is the interface-level status of a live interface.
type InterfaceInfo struct {
	PublicKey  string
	ListenPort int
}

// parseDump parses `wg show <iface> dump` output. The first record is
// interface-level and skipped. Records with fewer than dumpFieldCount
// fields are skipped and logged, never fatal; non-numeric counters
// default to zero.
func (c *Controller) parseDump(out string) []Peer {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) <= 1 {
		return nil
	}

	peers := make([]Peer, 0, len(lines)-1)
	for i, raw := range lines[1:] {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		fields := strings.Split(raw, "\t")
		if len(fields) < dumpFieldCount {
			c.log.WithFields(logFields(c.iface, i+2, len(fields))).
				Warn("skipping malformed dump record")
			continue
		}

		p := Peer{
			PublicKey:           fields[0],
			PresharedKey:        optionalField(fields[1]),
			Endpoint:            optionalField(fields[2]),
			LatestHandshake:     parseHandshake(fields[4]),
			RxBytes:             parseCounter(fields[5]),
			TxBytes:             parseCounter(fields[6]),
			PersistentKeepalive: parseKeepalive(fields[7]),
		}
		p.AllowedIPs, p.IPv4Address, p.IPv6Address = parseAllowedIPs(fields[3])
		peers = append(peers, p)
	}
	return peers
}

func logFields(iface string, lineNo, fields int) map[string]interface{} {
	return map[string]interface{}{
		"interface": iface,
		"line":      lineNo,
		"fields":    fields,
	}
}

func optionalField(v string) string {
	if v == noneField {
		return ""
	}
	return v
}

func parseHandshake(v string) time.Time {
	epoch, err := strconv.ParseInt(v, 10, 64)
	if err != nil || epoch == 0 {
		return time.Time{}
	}
	return time.Unix(epoch, 0)
}

func parseCounter(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseKeepalive(v string) int {
	if v == "off" || v == noneField {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseAllowedIPs splits a comma-separated CIDR list and picks the first
// entry of each address family as the peer's primary address. Entries are
// classified IPv6 by the presence of a colon.
func parseAllowedIPs(csv string) (list []string, ipv4, ipv6 string) {
	if strings.TrimSpace(csv) == "" || csv == noneField {
		return nil, "", ""
	}
	for _, entry := range strings.Split(csv, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		list = append(list, entry)

		addr := entry
		if i := strings.Index(addr, "/"); i >= 0 {
			addr = addr[:i]
		}
		if strings.Contains(addr, ":") {
			if ipv6 == "" {
				ipv6 = addr
			}
		} else if ipv4 == "" {
			ipv4 = addr
		}
	}
	return list, ipv4, ipv6
}

// parseStatus parses the human-readable `wg show <iface>` block by its
// labeled lines. Returns nil when the public key line is absent.
func parseStatus(out string) *InterfaceInfo {
	info := &InterfaceInfo{}
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "public key:"):
			info.PublicKey = strings.TrimSpace(strings.TrimPrefix(line, "public key:"))
		case strings.HasPrefix(line, "listening port:"):
			port := strings.TrimSpace(strings.TrimPrefix(line, "listening port:"))
			if n, err := strconv.Atoi(port); err == nil {
				info.ListenPort = n
			}
		}
	}
	if info.PublicKey == "" {
		return nil
	}
	return info
}
