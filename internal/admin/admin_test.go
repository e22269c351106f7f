package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeHealth struct {
	details map[string]any
}

func (f fakeHealth) HealthDetails() map[string]any { return f.details }

func TestHealthEndpointReturns200(t *testing.T) {
	s := New("aggregator", fakeHealth{details: map[string]any{"broker_alive": true}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyEndpointReflectsBrokerState(t *testing.T) {
	s := New("aggregator", fakeHealth{details: map[string]any{"broker_alive": false}})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s2 := New("aggregator", fakeHealth{details: map[string]any{"broker_alive": true}})
	req2 := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec2 := httptest.NewRecorder()
	s2.Handler().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}
