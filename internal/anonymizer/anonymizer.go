// Package anonymizer strips or masks fields on records bound for a
// subsource whose agreement requires it, per spec.md §4.6. It is the last
// stage before publication and never changes routing state.
package anonymizer

import (
	"net"

	"github.com/cert-padua/n6pipe/internal/event"
)

// Rule describes one (org, subsource) agreement's anonymization requirement.
type Rule struct {
	// DropFields removes these Extra keys entirely.
	DropFields []string
	// MaskAddresses, when true, truncates every address IP to its /24 (or
	// /48 for IPv6) network prefix and clears ASN/CC.
	MaskAddresses bool
}

// Key identifies one org's agreement for one subsource. Org is empty for a
// subsource-wide default rule applied to every org without a more specific
// entry — two orgs receiving the same source can still require different
// treatment (one raw, one anonymized), per spec.md §3's per-organization
// anonymization predicate.
type Key struct {
	Org    string
	Source string
}

// Rules maps an (org, subsource) pair to its anonymization rule. A pair
// absent from the map, with no subsource-wide default either, passes
// through unmodified.
type Rules map[Key]Rule

// Anonymizer applies org/subsource-specific anonymization rules.
type Anonymizer struct {
	rules Rules
}

// New constructs an Anonymizer.
func New(rules Rules) *Anonymizer {
	if rules == nil {
		rules = Rules{}
	}
	return &Anonymizer{rules: rules}
}

// Apply returns an anonymized copy of e bound for org. The input is never
// mutated, so a caller may have already fanned e out to recipients that do
// not require anonymization. An org-specific rule takes precedence over a
// subsource-wide default (Key{Source: e.Source}).
func (a *Anonymizer) Apply(e *event.Event, org string) *event.Event {
	rule, ok := a.rules[Key{Org: org, Source: e.Source}]
	if !ok {
		rule, ok = a.rules[Key{Source: e.Source}]
	}
	if !ok {
		return e
	}
	out := e.Clone()

	for _, field := range rule.DropFields {
		delete(out.Extra, field)
	}
	if rule.MaskAddresses {
		for i := range out.Address {
			out.Address[i].IP = maskIP(out.Address[i].IP)
			out.Address[i].ASN = nil
			out.Address[i].CC = ""
		}
	}
	return out
}

func maskIP(ip string) string {
	parts := splitDot(ip)
	if len(parts) == 4 {
		return parts[0] + "." + parts[1] + "." + parts[2] + ".0/24"
	}
	if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() == nil {
		return parsed.Mask(net.CIDRMask(48, 128)).String() + "/48"
	}
	return ip
}

func splitDot(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
