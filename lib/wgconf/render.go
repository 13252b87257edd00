package wgconf

import (
	"fmt"
	"strings"
)

// InterfaceConfig is the Interface section of a rendered server document.
type InterfaceConfig struct {
	PrivateKey string
	// Address is the interface address in CIDR form, e.g. "10.8.0.1/24".
	Address    string
	ListenPort int
	DNS        []string
	MTU        int
}

// PeerConfig is one Peer section of a rendered server document.
type PeerConfig struct {
	PublicKey           string
	PresharedKey        string
	AllowedIPs          []string
	PersistentKeepalive int
	Endpoint            string
}

// ClientProfile describes the distributable client-side configuration for
// a single peer: the peer's own Interface block plus a Peer block pointing
// at the managed interface.
type ClientProfile struct {
	// Client-side interface.
	PrivateKey string
	Addresses  []string
	DNS        []string

	// Server-side peer the client connects to.
	ServerPublicKey string
	PresharedKey    string
	AllowedIPs      []string
	Keepalive       int
	Endpoint        string
	Port            int
}

// Render regenerates a complete server document from declarative state.
// The result contains exactly one Interface section followed by one Peer
// section per entry of peers, in order.
func Render(iface InterfaceConfig, peers []PeerConfig) *Document {
	doc := &Document{trailingNewline: true}

	s := &Section{
		Name:   SectionInterface,
		header: line{raw: "[" + SectionInterface + "]"},
	}
	s.append("PrivateKey", iface.PrivateKey)
	s.append("Address", iface.Address)
	if iface.ListenPort > 0 {
		s.append("ListenPort", fmt.Sprintf("%d", iface.ListenPort))
	}
	if len(iface.DNS) > 0 {
		s.append("DNS", strings.Join(iface.DNS, ", "))
	}
	if iface.MTU > 0 {
		s.append("MTU", fmt.Sprintf("%d", iface.MTU))
	}
	doc.sections = append(doc.sections, s)

	for _, p := range peers {
		doc.AddPeer(p)
	}
	return doc
}

// RenderClient produces the distributable client config text.
func RenderClient(p ClientProfile) string {
	var b strings.Builder

	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", p.PrivateKey)
	if len(p.Addresses) > 0 {
		fmt.Fprintf(&b, "Address = %s\n", strings.Join(p.Addresses, ", "))
	}
	if len(p.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(p.DNS, ", "))
	}

	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", p.ServerPublicKey)
	if p.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
	}
	allowed := p.AllowedIPs
	if len(allowed) == 0 {
		allowed = []string{"0.0.0.0/0"}
	}
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(allowed, ", "))
	if p.Keepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.Keepalive)
	}
	if p.Endpoint != "" {
		fmt.Fprintf(&b, "Endpoint = %s:%d\n", p.Endpoint, p.Port)
	}
	return b.String()
}
