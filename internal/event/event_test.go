package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() *Event {
	return &Event{
		ID:          "deadbeefdeadbeefdeadbeefdeadbeef",
		Source:      "example.scanning",
		Restriction: RestrictionPublic,
		Confidence:  ConfidenceMedium,
		Category:    CategoryScanning,
		Time:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestValidateAcceptsWellFormedEvent(t *testing.T) {
	e := validEvent()
	assert.NoError(t, e.Validate(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), time.Minute))
}

func TestValidateRejectsBadSource(t *testing.T) {
	e := validEvent()
	e.Source = "not-dotted"
	assert.Error(t, e.Validate(time.Now(), time.Minute))
}

func TestValidateRejectsFutureTime(t *testing.T) {
	e := validEvent()
	e.Time = time.Now().Add(time.Hour)
	assert.Error(t, e.Validate(time.Now(), time.Minute))
}

func TestValidateRejectsDuplicateAddress(t *testing.T) {
	e := validEvent()
	e.Address = []Address{{IP: "203.0.113.5"}, {IP: "203.0.113.5"}}
	assert.Error(t, e.Validate(time.Now().Add(24*time.Hour), time.Minute))
}

func TestProviderChannel(t *testing.T) {
	e := validEvent()
	assert.Equal(t, "example", e.Provider())
	assert.Equal(t, "scanning", e.Channel())
}

func TestCloneIsIndependent(t *testing.T) {
	e := validEvent()
	e.Address = []Address{{IP: "203.0.113.5"}}
	e.Extra = map[string]interface{}{"fqdn": "x.example.com"}

	c := e.Clone()
	c.Address[0].IP = "198.51.100.1"
	c.Extra["fqdn"] = "changed.example.com"

	assert.Equal(t, "203.0.113.5", e.Address[0].IP)
	assert.Equal(t, "x.example.com", e.Extra["fqdn"])
}

func TestExtractExtra(t *testing.T) {
	raw := []byte(`{"ip":"203.0.113.5","category":"scanning","source":"example.scanning","meta":{"fqdn":"x.example.com","url":"http://x"}}`)
	extra := ExtractExtra(raw, []string{"meta.fqdn", "meta.url", "meta.missing"})
	require.Contains(t, extra, "fqdn")
	require.Contains(t, extra, "url")
	assert.Equal(t, "x.example.com", extra["fqdn"])
	assert.Equal(t, "http://x", extra["url"])
	_, hasMissing := extra["missing"]
	assert.False(t, hasMissing)
}
