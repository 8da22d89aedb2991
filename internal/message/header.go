package message

import (
	"net/textproto"
	"strings"
)

// Header is an ordered list of header fields. Unlike textproto.MIMEHeader it
// preserves the original wire order across distinct header names as well as
// duplicates of the same name, since the core re-emits headers largely
// unchanged and callers (hooks) may depend on positional order.
type Header []HeaderField

// HeaderField is a single "Name: Value" header line.
type HeaderField struct {
	Name  string
	Value string
}

// Add appends a field, canonicalising the name.
func (h *Header) Add(name, value string) {
	*h = append(*h, HeaderField{Name: textproto.CanonicalMIMEHeaderKey(name), Value: value})
}

// Get returns the first value for name, or "" if absent.
func (h Header) Get(name string) string {
	name = textproto.CanonicalMIMEHeaderKey(name)
	for _, f := range h {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Values returns all values for name in encounter order.
func (h Header) Values(name string) []string {
	name = textproto.CanonicalMIMEHeaderKey(name)
	var out []string
	for _, f := range h {
		if f.Name == name {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether any field with name is present.
func (h Header) Has(name string) bool {
	name = textproto.CanonicalMIMEHeaderKey(name)
	for _, f := range h {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Set replaces all existing fields named name with a single field carrying
// value, preserving the position of the first existing occurrence (or
// appending if none existed).
func (h *Header) Set(name, value string) {
	name = textproto.CanonicalMIMEHeaderKey(name)
	set := false
	out := (*h)[:0]
	for _, f := range *h {
		if f.Name != name {
			out = append(out, f)
			continue
		}
		if !set {
			out = append(out, HeaderField{Name: name, Value: value})
			set = true
		}
	}
	if !set {
		out = append(out, HeaderField{Name: name, Value: value})
	}
	*h = out
}

// Del removes every field named name.
func (h *Header) Del(name string) {
	name = textproto.CanonicalMIMEHeaderKey(name)
	out := (*h)[:0]
	for _, f := range *h {
		if f.Name != name {
			out = append(out, f)
		}
	}
	*h = out
}

// Clone returns a deep copy.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	copy(out, h)
	return out
}

// FilterTokens drops every comma-separated token in value for which drop
// returns true, used to trim hop-by-hop tokens out of headers such as
// Connection without disturbing the rest of the list.
func FilterTokens(value string, drop func(string) bool) string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t == "" || drop(t) {
			continue
		}
		out = append(out, t)
	}
	return strings.Join(out, ", ")
}
