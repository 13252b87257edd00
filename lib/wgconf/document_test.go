package wgconf

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wgkeeper/wgkeeper/lib/errors"
)

const testDoc = `[Interface]
PrivateKey = MITUgapB4QfRFF54ITXL3TaiYiSsVYkchqfjAXjxM10=
Address = 10.8.0.1/24
ListenPort = 51820
DNS = 1.1.1.1, 8.8.8.8

[Peer]
PublicKey = pjFx72IjbMh84SH1nq8Qfbl7HD5mSScHXCV1eISR7lk=
PresharedKey = wXU+vSTdEoIwSi+Tmv35SCOFg17wCAwnmYxeQPpbzDg=
AllowedIPs = 10.8.0.2/32
PersistentKeepalive = 25

[Peer]
PublicKey = wXU+vSTdEoIwSi+Tmv35SCOFg17wCAwnmYxeQPpbzDg=
AllowedIPs = 10.8.0.3/32, fd00::3/128
Endpoint = 192.0.2.10:51820
`

func TestParse_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"full document", testDoc},
		{"no trailing newline", strings.TrimSuffix(testDoc, "\n")},
		{"empty", ""},
		{"interface only", "[Interface]\nPrivateKey = abc\n"},
		{"leading comment", "# managed by wgkeeper\n\n[Interface]\nAddress = 10.8.0.1/24\n"},
		{"comments between sections", "[Interface]\nAddress = 10.8.0.1/24\n# a peer\n[Peer]\nPublicKey = k\n"},
		{"indented values", "[Interface]\n  PrivateKey   =   abc  \n"},
		{"blank lines everywhere", "\n\n[Interface]\n\nAddress = 10.8.0.1/24\n\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse(tt.text)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if got := doc.Serialize(); got != tt.text {
				t.Errorf("round trip mismatch:\n%s", cmp.Diff(tt.text, got))
			}
		})
	}
}

func TestParse_PreservesUnrecognizedKeys(t *testing.T) {
	text := "[Interface]\nPrivateKey = abc\nFwMark = 0x42\nPostUp = iptables -A FORWARD -i wg0 -j ACCEPT\n"

	doc, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := doc.Serialize(); got != text {
		t.Errorf("unrecognized keys must round-trip verbatim:\n%s", cmp.Diff(text, got))
	}

	// Unrecognized keys are still readable through the model.
	if v, ok := doc.Interface().Get("FwMark"); !ok || v != "0x42" {
		t.Errorf("Get(FwMark) = %q, %v", v, ok)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantLine int
	}{
		{"key before any section", "PrivateKey = abc\n[Interface]\n", 1},
		{"unterminated header", "[Interface]\nAddress = 10.8.0.1/24\n[Peer\n", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			if err == nil {
				t.Fatal("Parse should fail")
			}
			var pe *errors.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %T, want ParseError", err)
			}
			if pe.Line != tt.wantLine {
				t.Errorf("error line = %d, want %d", pe.Line, tt.wantLine)
			}
		})
	}
}

func TestDocument_Accessors(t *testing.T) {
	doc, err := Parse(testDoc)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	iface := doc.Interface()
	if iface == nil {
		t.Fatal("Interface section missing")
	}
	if v, _ := iface.Get("ListenPort"); v != "51820" {
		t.Errorf("ListenPort = %q, want 51820", v)
	}

	peers := doc.Peers()
	if len(peers) != 2 {
		t.Fatalf("peers = %d, want 2", len(peers))
	}

	found := doc.FindPeer("pjFx72IjbMh84SH1nq8Qfbl7HD5mSScHXCV1eISR7lk=")
	if found == nil {
		t.Fatal("FindPeer should locate the first peer")
	}
	if v, _ := found.Get("AllowedIPs"); v != "10.8.0.2/32" {
		t.Errorf("AllowedIPs = %q", v)
	}

	if doc.FindPeer("absent") != nil {
		t.Error("FindPeer should return nil for unknown keys")
	}
}

func TestDocument_AddPeer(t *testing.T) {
	doc, err := Parse(testDoc)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	doc.AddPeer(PeerConfig{
		PublicKey:           "newpeerkey=",
		PresharedKey:        "psk=",
		AllowedIPs:          []string{"10.8.0.4/32"},
		PersistentKeepalive: 25,
	})

	if len(doc.Peers()) != 3 {
		t.Fatalf("peers = %d, want 3", len(doc.Peers()))
	}

	out := doc.Serialize()
	if !strings.HasPrefix(out, testDoc) {
		t.Errorf("existing content must be untouched:\n%s", cmp.Diff(testDoc, out[:len(testDoc)]))
	}
	want := testDoc + "\n[Peer]\nPublicKey = newpeerkey=\nPresharedKey = psk=\nAllowedIPs = 10.8.0.4/32\nPersistentKeepalive = 25\n"
	if out != want {
		t.Errorf("appended section mismatch:\n%s", cmp.Diff(want, out))
	}
}

func TestDocument_AddPeer_OmitsEmptyFields(t *testing.T) {
	doc := &Document{}
	doc.AddPeer(PeerConfig{PublicKey: "k=", AllowedIPs: []string{"10.8.0.2/32"}})

	out := doc.Serialize()
	for _, absent := range []string{"PresharedKey", "PersistentKeepalive", "Endpoint"} {
		if strings.Contains(out, absent) {
			t.Errorf("serialized peer should omit %s:\n%s", absent, out)
		}
	}
}

func TestDocument_RemovePeer(t *testing.T) {
	doc, err := Parse(testDoc)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	// Snapshot each surviving section before removal.
	beforeIface := sectionText(doc.Interface())
	beforeSecond := sectionText(doc.Peers()[1])

	if !doc.RemovePeer("pjFx72IjbMh84SH1nq8Qfbl7HD5mSScHXCV1eISR7lk=") {
		t.Fatal("RemovePeer should report success")
	}

	peers := doc.Peers()
	if len(peers) != 1 {
		t.Fatalf("peers after removal = %d, want 1", len(peers))
	}

	if got := sectionText(doc.Interface()); got != beforeIface {
		t.Errorf("interface section changed:\n%s", cmp.Diff(beforeIface, got))
	}
	if got := sectionText(peers[0]); got != beforeSecond {
		t.Errorf("surviving peer section changed:\n%s", cmp.Diff(beforeSecond, got))
	}

	if strings.Contains(doc.Serialize(), "pjFx72IjbMh84SH1nq8Qfbl7HD5mSScHXCV1eISR7lk=") {
		t.Error("removed peer's key still present in serialized document")
	}
}

func TestDocument_RemovePeer_Absent(t *testing.T) {
	doc, err := Parse(testDoc)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if doc.RemovePeer("absent") {
		t.Error("RemovePeer should report false for unknown keys")
	}
	if got := doc.Serialize(); got != testDoc {
		t.Errorf("document changed by no-op removal:\n%s", cmp.Diff(testDoc, got))
	}
}

func TestSection_Set(t *testing.T) {
	doc, err := Parse("[Interface]\nAddress = 10.8.0.1/24\n")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	iface := doc.Interface()
	iface.Set("Address", "10.9.0.1/24")
	iface.Set("ListenPort", "51821")

	if v, _ := iface.Get("Address"); v != "10.9.0.1/24" {
		t.Errorf("Address = %q", v)
	}
	want := "[Interface]\nAddress = 10.9.0.1/24\nListenPort = 51821\n"
	if got := doc.Serialize(); got != want {
		t.Errorf("Set result mismatch:\n%s", cmp.Diff(want, got))
	}
}

// sectionText renders a single section for before/after comparison.
func sectionText(s *Section) string {
	var b strings.Builder
	b.WriteString(s.header.raw)
	for _, l := range s.body {
		b.WriteString("\n")
		b.WriteString(l.raw)
	}
	return b.String()
}
