// Package filter expands one incoming record into the set of per-organization
// records each org is entitled to see, per spec.md §4.5: a record fans out
// into at most one "threats", one "inside" and one "search" copy per
// authorized org, governed by the org's inside criteria, subsource grants,
// and full_access flag.
package filter

import (
	"net"
	"strconv"
	"strings"

	"github.com/cert-padua/n6pipe/internal/authsnapshot"
	"github.com/cert-padua/n6pipe/internal/event"
)

// Zone is the destination queue family a fanned-out copy is routed to.
type Zone string

const (
	ZoneInside   Zone = "inside"
	ZoneThreats  Zone = "threats"
	ZoneSearch   Zone = "search"
)

// Recipient is one (org, zone) delivery the filter produced for a record.
type Recipient struct {
	OrgID string
	Zone  Zone
	Event event.Event
}

// Config controls category-driven reductions layered on top of the
// per-org authorization logic.
type Config struct {
	// CategoriesFilteredThroughFQDNOnly lists categories where an inside-zone
	// match is only made through FQDN-suffix criteria, never ASN/CC/IP, to
	// avoid over-broad matches for high-volume categories like spam.
	CategoriesFilteredThroughFQDNOnly map[event.Category]struct{}
}

// NewConfig builds a Config from the plain category-name list the INI
// loader produces.
func NewConfig(categoriesFQDNOnly []string) Config {
	set := make(map[event.Category]struct{}, len(categoriesFQDNOnly))
	for _, c := range categoriesFQDNOnly {
		set[event.Category(c)] = struct{}{}
	}
	return Config{CategoriesFilteredThroughFQDNOnly: set}
}

// Filter computes the fan-out of one record against an authorization
// snapshot.
type Filter struct {
	cfg Config
}

// New constructs a Filter.
func New(cfg Config) *Filter {
	return &Filter{cfg: cfg}
}

// Expand returns every (org, zone) recipient entitled to see e, given the
// current authorization snapshot and the record's subsource (the
// provider.channel pair, per event.Event.Source).
func (f *Filter) Expand(e *event.Event, snap *authsnapshot.Snapshot) []Recipient {
	if snap == nil {
		return nil
	}
	fqdnOnly := false
	if _, ok := f.cfg.CategoriesFilteredThroughFQDNOnly[e.Category]; ok {
		fqdnOnly = true
	}

	var out []Recipient
	for orgID, org := range snap.Orgs {
		sub, granted := org.Subsources[e.Source]
		if !org.FullAccess {
			if !granted || sub.Excluded || !sub.Passes(e) {
				continue
			}
		}
		fullAccess := org.FullAccess || sub.FullAccess

		// An org's own full_access bypasses the subsource's zone
		// restriction too, matching its bypass of the inside-criteria
		// match below: full access means every zone, unconditionally.
		allowZone := func(z authsnapshot.AccessZone) bool {
			return org.FullAccess || sub.AllowsZone(z)
		}

		if allowZone(authsnapshot.ZoneThreats) {
			out = append(out, Recipient{OrgID: orgID, Zone: ZoneThreats, Event: *e})
		}
		if allowZone(authsnapshot.ZoneInside) && (fullAccess || f.matchesInside(e, org.InsideCriteria, fqdnOnly)) {
			out = append(out, Recipient{OrgID: orgID, Zone: ZoneInside, Event: *e})
		}
		// search is a per-(event, org) triple like every other zone, per
		// spec.md §4.5 — not a single org-less copy handed to every record
		// regardless of authorization.
		if allowZone(authsnapshot.ZoneSearch) {
			out = append(out, Recipient{OrgID: orgID, Zone: ZoneSearch, Event: *e})
		}
	}
	return out
}

// matchesInside reports whether e satisfies at least one of an org's
// inside criteria.
func (f *Filter) matchesInside(e *event.Event, criteria []authsnapshot.InsideCriterion, fqdnOnly bool) bool {
	fqdn, _ := e.Extra["fqdn"].(string)
	url, _ := e.Extra["url"].(string)

	for _, c := range criteria {
		if c.FQDNSuffix != "" && fqdn != "" && matchesFQDNSuffix(fqdn, c.FQDNSuffix) {
			return true
		}
		if fqdnOnly {
			continue
		}
		if c.URLSubstring != "" && url != "" && strings.Contains(url, c.URLSubstring) {
			return true
		}
		for _, addr := range e.Address {
			if c.CC != "" && addr.CC != "" && strings.EqualFold(addr.CC, c.CC) {
				return true
			}
			if c.ASN != nil && addr.ASN != nil && *c.ASN == *addr.ASN {
				return true
			}
			if c.IPNetwork != "" && matchesCIDR(addr.IP, c.IPNetwork) {
				return true
			}
		}
	}
	return false
}

func matchesFQDNSuffix(fqdn, suffix string) bool {
	fqdn = strings.ToLower(strings.TrimSuffix(fqdn, "."))
	suffix = strings.ToLower(strings.TrimPrefix(suffix, "."))
	return fqdn == suffix || strings.HasSuffix(fqdn, "."+suffix)
}

func matchesCIDR(ip, cidr string) bool {
	if !strings.Contains(cidr, "/") {
		return ip == cidr
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return network.Contains(parsed)
}

// asnString renders an ASN for logging/debug purposes.
func asnString(asn *int) string {
	if asn == nil {
		return ""
	}
	return strconv.Itoa(*asn)
}
