package model

import (
	"maps"
	"net/netip"
	"strings"
)

// Attributes of a discovered item, e.g. host, mac, vendor. Each one may be
// learned independently and at a different time.
type Attributes map[string]string

// Merge returns the union of a and partial where a non-empty value in
// partial wins. Blank values never erase what is already known.
func (a Attributes) Merge(partial Attributes) Attributes {
	out := make(Attributes, len(a)+len(partial))
	maps.Copy(out, a)
	for k, v := range partial {
		if strings.TrimSpace(v) == "" {
			continue
		}
		out[k] = v
	}
	return out
}

type Item struct {
	Key          string     `json:"key"`
	Attributes   Attributes `json:"attributes"`
	AlreadyKnown bool       `json:"already_known"`
}

// Membership is an externally owned set of known keys.
type Membership map[string]struct{}

func NewMembership(keys ...string) Membership {
	m := make(Membership, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		m[k] = struct{}{}
	}
	return m
}

func (m Membership) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// CompareKeys orders addresses numerically and anything else lexically
// after them.
func CompareKeys(a, b string) int {
	aa, aErr := netip.ParseAddr(a)
	ba, bErr := netip.ParseAddr(b)
	switch {
	case aErr == nil && bErr == nil:
		return aa.Compare(ba)
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	}
	return strings.Compare(a, b)
}
