package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cert-padua/n6pipe/internal/authsnapshot"
	"github.com/cert-padua/n6pipe/internal/event"
)

func asnPtr(n int) *int { return &n }

func baseEvent() *event.Event {
	return &event.Event{
		ID:          "deadbeefdeadbeefdeadbeefdeadbeef",
		Source:      "example.scanning",
		Restriction: event.RestrictionPublic,
		Confidence:  event.ConfidenceMedium,
		Category:    event.CategoryScanning,
		Address:     []event.Address{{IP: "203.0.113.5", ASN: asnPtr(64512), CC: "PL"}},
	}
}

func TestExpandScenario(t *testing.T) {
	// spec.md scenario 4: an org whose inside-criteria match the record's
	// ASN gets both an "inside" and a "threats" copy; an org granted the
	// subsource but with non-matching criteria gets "threats" but not
	// "inside"; each authorized org also gets its own "search" copy.
	snap := &authsnapshot.Snapshot{
		Orgs: map[string]authsnapshot.Org{
			"org-inside": {
				ID:             "org-inside",
				InsideCriteria: []authsnapshot.InsideCriterion{{ASN: asnPtr(64512)}},
				Subsources:     map[string]authsnapshot.Subsource{"example.scanning": {Name: "example.scanning"}},
			},
			"org-threats-only": {
				ID:             "org-threats-only",
				InsideCriteria: []authsnapshot.InsideCriterion{{ASN: asnPtr(99999)}},
				Subsources:     map[string]authsnapshot.Subsource{"example.scanning": {Name: "example.scanning"}},
			},
			"org-unauthorized": {
				ID:         "org-unauthorized",
				Subsources: map[string]authsnapshot.Subsource{},
			},
		},
	}

	f := New(NewConfig(nil))
	recipients := f.Expand(baseEvent(), snap)

	zonesByOrg := map[string]map[Zone]bool{}
	for _, r := range recipients {
		if r.OrgID == "" {
			continue
		}
		if zonesByOrg[r.OrgID] == nil {
			zonesByOrg[r.OrgID] = map[Zone]bool{}
		}
		zonesByOrg[r.OrgID][r.Zone] = true
	}

	assert.True(t, zonesByOrg["org-inside"][ZoneInside])
	assert.True(t, zonesByOrg["org-inside"][ZoneThreats])

	assert.False(t, zonesByOrg["org-threats-only"][ZoneInside])
	assert.True(t, zonesByOrg["org-threats-only"][ZoneThreats])

	assert.Nil(t, zonesByOrg["org-unauthorized"])

	// search is a per-org triple like the other zones: every authorized org
	// gets its own search copy, and the unauthorized org gets none.
	assert.True(t, zonesByOrg["org-inside"][ZoneSearch])
	assert.True(t, zonesByOrg["org-threats-only"][ZoneSearch])
	var searchCount int
	for _, r := range recipients {
		if r.Zone == ZoneSearch {
			searchCount++
		}
	}
	assert.Equal(t, 2, searchCount)
}

func TestExpandFullAccessBypassesInsideCriteria(t *testing.T) {
	snap := &authsnapshot.Snapshot{
		Orgs: map[string]authsnapshot.Org{
			"org-full": {ID: "org-full", FullAccess: true},
		},
	}
	f := New(NewConfig(nil))
	recipients := f.Expand(baseEvent(), snap)

	var gotInside bool
	for _, r := range recipients {
		if r.OrgID == "org-full" && r.Zone == ZoneInside {
			gotInside = true
		}
	}
	assert.True(t, gotInside, "full_access org must get an inside copy regardless of criteria")
}

func TestExpandFQDNOnlyCategoryIgnoresIPCriteria(t *testing.T) {
	cfg := NewConfig([]string{string(event.CategorySpam)})
	f := New(cfg)

	e := baseEvent()
	e.Category = event.CategorySpam

	snap := &authsnapshot.Snapshot{
		Orgs: map[string]authsnapshot.Org{
			"org-ip-only": {
				ID:             "org-ip-only",
				InsideCriteria: []authsnapshot.InsideCriterion{{ASN: asnPtr(64512)}},
				Subsources:     map[string]authsnapshot.Subsource{"example.scanning": {}},
			},
		},
	}
	e.Source = "example.scanning"

	recipients := f.Expand(e, snap)
	for _, r := range recipients {
		if r.OrgID == "org-ip-only" {
			assert.NotEqual(t, ZoneInside, r.Zone, "FQDN-only category must not match via ASN criteria")
		}
	}
}

func TestExpandCategoryDenyExcludesOrg(t *testing.T) {
	snap := &authsnapshot.Snapshot{
		Orgs: map[string]authsnapshot.Org{
			"org-no-scanning": {
				ID: "org-no-scanning",
				Subsources: map[string]authsnapshot.Subsource{
					"example.scanning": {
						Name:        "example.scanning",
						CategoryDeny: map[event.Category]struct{}{event.CategoryScanning: {}},
					},
				},
			},
		},
	}
	f := New(NewConfig(nil))
	recipients := f.Expand(baseEvent(), snap)
	assert.Empty(t, recipients, "a category on the deny list must exclude the org entirely")
}

func TestExpandCategoryAllowRestrictsToListedCategories(t *testing.T) {
	snap := &authsnapshot.Snapshot{
		Orgs: map[string]authsnapshot.Org{
			"org-phish-only": {
				ID: "org-phish-only",
				Subsources: map[string]authsnapshot.Subsource{
					"example.scanning": {
						Name:          "example.scanning",
						CategoryAllow: map[event.Category]struct{}{event.CategoryPhish: {}},
					},
				},
			},
		},
	}
	f := New(NewConfig(nil))
	recipients := f.Expand(baseEvent(), snap)
	assert.Empty(t, recipients, "scanning events must not reach an org allow-listed for phish only")
}

func TestExpandConfidenceFloorExcludesBelowThreshold(t *testing.T) {
	snap := &authsnapshot.Snapshot{
		Orgs: map[string]authsnapshot.Org{
			"org-high-confidence-only": {
				ID: "org-high-confidence-only",
				Subsources: map[string]authsnapshot.Subsource{
					"example.scanning": {Name: "example.scanning", ConfidenceFloor: event.ConfidenceHigh},
				},
			},
		},
	}
	f := New(NewConfig(nil))

	e := baseEvent() // ConfidenceMedium
	recipients := f.Expand(e, snap)
	assert.Empty(t, recipients, "medium confidence must not pass a high confidence floor")

	e.Confidence = event.ConfidenceHigh
	recipients = f.Expand(e, snap)
	assert.NotEmpty(t, recipients, "high confidence must pass a high confidence floor")
}

func TestExpandAccessZonesRestrictRecipientZones(t *testing.T) {
	snap := &authsnapshot.Snapshot{
		Orgs: map[string]authsnapshot.Org{
			"org-threats-zone-only": {
				ID: "org-threats-zone-only",
				Subsources: map[string]authsnapshot.Subsource{
					"example.scanning": {
						Name:        "example.scanning",
						FullAccess:  true, // would otherwise also qualify for inside
						AccessZones: map[authsnapshot.AccessZone]struct{}{authsnapshot.ZoneThreats: {}},
					},
				},
			},
		},
	}
	f := New(NewConfig(nil))
	recipients := f.Expand(baseEvent(), snap)

	require.Len(t, recipients, 1)
	assert.Equal(t, ZoneThreats, recipients[0].Zone, "a grant scoped to the threats zone must not also produce inside or search copies")
}

func TestMatchesFQDNSuffix(t *testing.T) {
	assert.True(t, matchesFQDNSuffix("www.example.com", "example.com"))
	assert.True(t, matchesFQDNSuffix("example.com", "example.com"))
	assert.False(t, matchesFQDNSuffix("notexample.com", "example.com"))
}

func TestMatchesCIDR(t *testing.T) {
	assert.True(t, matchesCIDR("203.0.113.5", "203.0.113.0/24"))
	assert.False(t, matchesCIDR("198.51.100.5", "203.0.113.0/24"))
}
