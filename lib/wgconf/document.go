// Package wgconf models the [Interface]/[Peer] configuration document.
// Parsing keeps every input line verbatim, so a parse/serialize round trip
// reproduces the original text byte for byte, including comments and keys
// this engine does not recognize. All mutation goes through the parsed
// model; the document is never edited by line scanning.
package wgconf

import (
	"strconv"
	"strings"

	"github.com/wgkeeper/wgkeeper/lib/errors"
)

// Recognized section names.
const (
	SectionInterface = "Interface"
	SectionPeer      = "Peer"
)

// Recognized keys per section. Anything else is preserved verbatim but
// never interpreted.
var (
	interfaceKeys = []string{"PrivateKey", "Address", "ListenPort", "DNS"}
	peerKeys      = []string{"PublicKey", "PresharedKey", "AllowedIPs", "PersistentKeepalive", "Endpoint"}
)

// line is one physical line of the document. raw is serialized unchanged;
// key/value are only set for parseable key-value lines.
type line struct {
	raw   string
	key   string
	value string
}

// Section is one bracketed section with its body lines.
type Section struct {
	// Name is the section name without brackets, e.g. "Interface".
	Name string

	header line
	body   []line
}

// Document is an ordered sequence of sections, with any lines that precede
// the first section preserved as a preamble.
type Document struct {
	preamble []line
	sections []*Section

	// trailingNewline records whether the source text ended with a
	// newline, so serialization can reproduce it exactly.
	trailingNewline bool
}

// Parse builds a Document from configuration text.
// Key-value lines before any section header fail with a ParseError.
func Parse(text string) (*Document, error) {
	doc := &Document{trailingNewline: strings.HasSuffix(text, "\n")}

	raw := strings.Split(text, "\n")
	if doc.trailingNewline {
		// Drop the empty element produced by the final newline.
		raw = raw[:len(raw)-1]
	}

	var current *Section
	for i, r := range raw {
		trimmed := strings.TrimSpace(r)
		switch {
		case strings.HasPrefix(trimmed, "["):
			end := strings.Index(trimmed, "]")
			if end < 0 {
				return nil, &errors.ParseError{Line: i + 1, Msg: "unterminated section header"}
			}
			current = &Section{
				Name:   strings.TrimSpace(trimmed[1:end]),
				header: line{raw: r},
			}
			doc.sections = append(doc.sections, current)

		default:
			l := parseLine(r)
			if current == nil {
				if l.key != "" {
					return nil, &errors.ParseError{Line: i + 1, Msg: "key-value pair outside of a section"}
				}
				doc.preamble = append(doc.preamble, l)
				continue
			}
			current.body = append(current.body, l)
		}
	}
	return doc, nil
}

// parseLine extracts a key-value pair from a physical line. Comments and
// blank lines carry no key and are kept raw-only.
func parseLine(r string) line {
	trimmed := strings.TrimSpace(r)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
		return line{raw: r}
	}
	eq := strings.Index(trimmed, "=")
	if eq < 0 {
		return line{raw: r}
	}
	return line{
		raw:   r,
		key:   strings.TrimSpace(trimmed[:eq]),
		value: strings.TrimSpace(trimmed[eq+1:]),
	}
}

// Serialize renders the document. For a document that was produced by
// Parse and not mutated, the output is byte-identical to the input.
func (d *Document) Serialize() string {
	var b strings.Builder
	first := true

	writeLine := func(r string) {
		if !first {
			b.WriteString("\n")
		}
		first = false
		b.WriteString(r)
	}

	for _, l := range d.preamble {
		writeLine(l.raw)
	}
	for _, s := range d.sections {
		writeLine(s.header.raw)
		for _, l := range s.body {
			writeLine(l.raw)
		}
	}
	if d.trailingNewline && !first {
		b.WriteString("\n")
	}
	return b.String()
}

// Interface returns the document's Interface section, or nil if absent.
func (d *Document) Interface() *Section {
	for _, s := range d.sections {
		if s.Name == SectionInterface {
			return s
		}
	}
	return nil
}

// Peers returns the document's Peer sections in order.
func (d *Document) Peers() []*Section {
	var out []*Section
	for _, s := range d.sections {
		if s.Name == SectionPeer {
			out = append(out, s)
		}
	}
	return out
}

// FindPeer returns the Peer section whose PublicKey matches, or nil.
func (d *Document) FindPeer(publicKey string) *Section {
	for _, s := range d.Peers() {
		if v, ok := s.Get("PublicKey"); ok && v == publicKey {
			return s
		}
	}
	return nil
}

// AddPeer appends a well-formed Peer section built from p. A blank
// separator line is inserted when the document does not already end
// with one.
func (d *Document) AddPeer(p PeerConfig) {
	d.ensureSeparator()

	s := &Section{
		Name:   SectionPeer,
		header: line{raw: "[" + SectionPeer + "]"},
	}
	s.append("PublicKey", p.PublicKey)
	if p.PresharedKey != "" {
		s.append("PresharedKey", p.PresharedKey)
	}
	if len(p.AllowedIPs) > 0 {
		s.append("AllowedIPs", strings.Join(p.AllowedIPs, ", "))
	}
	if p.PersistentKeepalive > 0 {
		s.append("PersistentKeepalive", strconv.Itoa(p.PersistentKeepalive))
	}
	if p.Endpoint != "" {
		s.append("Endpoint", p.Endpoint)
	}
	d.sections = append(d.sections, s)
	d.trailingNewline = true
}

// RemovePeer excises exactly the Peer section whose PublicKey matches,
// leaving every other section untouched. Returns false if no section
// matches.
func (d *Document) RemovePeer(publicKey string) bool {
	for i, s := range d.sections {
		if s.Name != SectionPeer {
			continue
		}
		if v, ok := s.Get("PublicKey"); ok && v == publicKey {
			d.sections = append(d.sections[:i], d.sections[i+1:]...)
			return true
		}
	}
	return false
}

// ensureSeparator makes the document end with a blank line so an appended
// section is visually separated.
func (d *Document) ensureSeparator() {
	if len(d.sections) == 0 {
		if n := len(d.preamble); n > 0 && strings.TrimSpace(d.preamble[n-1].raw) != "" {
			d.preamble = append(d.preamble, line{raw: ""})
		}
		return
	}
	last := d.sections[len(d.sections)-1]
	if n := len(last.body); n == 0 || strings.TrimSpace(last.body[n-1].raw) != "" {
		last.body = append(last.body, line{raw: ""})
	}
}

// Get returns the value of the first body line with the given key.
func (s *Section) Get(key string) (string, bool) {
	for _, l := range s.body {
		if l.key == key {
			return l.value, true
		}
	}
	return "", false
}

// Set replaces the value of the first body line with the given key, or
// appends a new line when the key is absent.
func (s *Section) Set(key, value string) {
	for i, l := range s.body {
		if l.key == key {
			s.body[i] = canonicalLine(key, value)
			return
		}
	}
	s.append(key, value)
}

func (s *Section) append(key, value string) {
	s.body = append(s.body, canonicalLine(key, value))
}

func canonicalLine(key, value string) line {
	return line{
		raw:   key + " = " + value,
		key:   key,
		value: value,
	}
}
