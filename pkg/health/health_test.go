package health

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerReadinessWaitsForCriticalComponents(t *testing.T) {
	c := NewChecker("cache", "runtime")

	ready := c.GetReadiness()
	assert.Equal(t, "not_ready", ready.Status)

	c.Set("cache", true, "")
	ready = c.GetReadiness()
	assert.Equal(t, "not_ready", ready.Status, "runtime still unregistered")

	c.Set("runtime", true, "")
	ready = c.GetReadiness()
	assert.Equal(t, "ready", ready.Status)
}

func TestCheckerUnhealthyComponentFailsReadiness(t *testing.T) {
	c := NewChecker("cache")
	c.Set("cache", false, "disk full")

	ready := c.GetReadiness()
	require.Equal(t, "not_ready", ready.Status)
	assert.Contains(t, ready.Components["cache"], "disk full")
}

func TestHealthHandlerReportsServiceUnavailable(t *testing.T) {
	c := NewChecker()
	c.Set("cache", false, "boom")

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	c.HealthHandler()(rec, req)

	assert.Equal(t, 503, rec.Code)
}

func TestLivenessHealthyWithNoComponents(t *testing.T) {
	c := NewChecker()
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	c.HealthHandler()(rec, req)
	assert.Equal(t, 200, rec.Code)
}
