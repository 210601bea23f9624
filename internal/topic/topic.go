// Package topic implements the topic address grammar used by the streaming
// engine. A topic names one data stream: a bare integration type, a type
// plus subtype, a type plus instance id, or all three.
package topic

import (
	"fmt"
	"strings"
)

// Reserved subtype names. A two-part topic whose second part is one of these
// is parsed as type:subtype; any other second part is an instance id.
const (
	SubtypeStatus   = "status"
	SubtypeQueue    = "queue"
	SubtypeCalendar = "calendar"
	SubtypeMissing  = "missing"
)

var reservedSubtypes = map[string]struct{}{
	SubtypeStatus:   {},
	SubtypeQueue:    {},
	SubtypeCalendar: {},
	SubtypeMissing:  {},
}

// Topic is the parsed form of a topic address. Type is always set; Subtype
// and Instance may be empty. Topics are case-sensitive.
type Topic struct {
	Type     string
	Subtype  string
	Instance string
}

// Parse parses a topic address of the form "type", "type:subtype",
// "type:instance", or "type:subtype:instance".
func Parse(s string) (Topic, error) {
	if s == "" {
		return Topic{}, fmt.Errorf("parse topic: empty")
	}
	parts := strings.Split(s, ":")
	for _, p := range parts {
		if p == "" {
			return Topic{}, fmt.Errorf("parse topic %q: empty segment", s)
		}
	}
	switch len(parts) {
	case 1:
		return Topic{Type: parts[0]}, nil
	case 2:
		if _, ok := reservedSubtypes[parts[1]]; ok {
			return Topic{Type: parts[0], Subtype: parts[1]}, nil
		}
		return Topic{Type: parts[0], Instance: parts[1]}, nil
	case 3:
		if _, ok := reservedSubtypes[parts[1]]; !ok {
			return Topic{}, fmt.Errorf("parse topic %q: unknown subtype %q", s, parts[1])
		}
		return Topic{Type: parts[0], Subtype: parts[1], Instance: parts[2]}, nil
	default:
		return Topic{}, fmt.Errorf("parse topic %q: too many segments", s)
	}
}

// MustParse is Parse for known-good literals; it panics on error.
func MustParse(s string) Topic {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String renders the canonical address.
func (t Topic) String() string {
	var b strings.Builder
	b.WriteString(t.Type)
	if t.Subtype != "" {
		b.WriteByte(':')
		b.WriteString(t.Subtype)
	}
	if t.Instance != "" {
		b.WriteByte(':')
		b.WriteString(t.Instance)
	}
	return b.String()
}

// TypeSubtype returns "type" or "type:subtype", the key used by interval
// override tables and per-topic filters.
func (t Topic) TypeSubtype() string {
	if t.Subtype == "" {
		return t.Type
	}
	return t.Type + ":" + t.Subtype
}

// IsReservedSubtype reports whether name is a reserved subtype.
func IsReservedSubtype(name string) bool {
	_, ok := reservedSubtypes[name]
	return ok
}
