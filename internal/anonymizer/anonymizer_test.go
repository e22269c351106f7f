package anonymizer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cert-padua/n6pipe/internal/event"
)

func asnPtr(n int) *int { return &n }

func TestApplyPassthroughForUnknownSource(t *testing.T) {
	a := New(nil)
	e := &event.Event{Source: "example.scanning", Extra: map[string]interface{}{"fqdn": "x.example.com"}}
	out := a.Apply(e, "org-1")
	assert.Same(t, e, out)
}

func TestApplyDropsFields(t *testing.T) {
	a := New(Rules{{Org: "org-1", Source: "example.scanning"}: {DropFields: []string{"fqdn"}}})
	e := &event.Event{Source: "example.scanning", Extra: map[string]interface{}{"fqdn": "x.example.com", "url": "http://x"}}
	out := a.Apply(e, "org-1")
	_, hasFQDN := out.Extra["fqdn"]
	assert.False(t, hasFQDN)
	assert.Equal(t, "http://x", out.Extra["url"])
	_, stillHasFQDN := e.Extra["fqdn"]
	assert.True(t, stillHasFQDN, "input must not be mutated")
}

func TestApplyMasksAddresses(t *testing.T) {
	a := New(Rules{{Org: "org-1", Source: "example.scanning"}: {MaskAddresses: true}})
	e := &event.Event{
		Source:  "example.scanning",
		Address: []event.Address{{IP: "203.0.113.5", ASN: asnPtr(64512), CC: "PL"}},
	}
	out := a.Apply(e, "org-1")
	assert.Equal(t, "203.0.113.0/24", out.Address[0].IP)
	assert.Nil(t, out.Address[0].ASN)
	assert.Equal(t, "", out.Address[0].CC)
	assert.Equal(t, 64512, *e.Address[0].ASN, "input must not be mutated")
}

func TestApplyDiffersPerOrgForSameSource(t *testing.T) {
	a := New(Rules{{Org: "org-strict", Source: "example.scanning"}: {MaskAddresses: true}})
	e := &event.Event{
		Source:  "example.scanning",
		Address: []event.Address{{IP: "203.0.113.5", ASN: asnPtr(64512), CC: "PL"}},
	}

	strict := a.Apply(e, "org-strict")
	assert.Equal(t, "203.0.113.0/24", strict.Address[0].IP)

	lenient := a.Apply(e, "org-lenient")
	assert.Same(t, e, lenient, "an org with no rule of its own and no subsource-wide default passes through unmodified")
}

func TestApplySubsourceWideDefaultAppliesToOrgsWithoutAnOverride(t *testing.T) {
	a := New(Rules{{Source: "example.scanning"}: {MaskAddresses: true}})
	e := &event.Event{
		Source:  "example.scanning",
		Address: []event.Address{{IP: "203.0.113.5"}},
	}
	out := a.Apply(e, "any-org")
	assert.Equal(t, "203.0.113.0/24", out.Address[0].IP)
}
