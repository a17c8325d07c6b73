package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker struct {
	status, message string
}

func (c staticChecker) CheckReady() (string, string) {
	return c.status, c.message
}

type staticDeps map[string]bool

func (d staticDeps) Health() map[string]bool {
	return d
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		statuses []string
		want     string
	}{
		{[]string{"ok", "ok"}, "ok"},
		{[]string{"ok", "degraded"}, "degraded"},
		{[]string{"degraded", "fail"}, "fail"},
		{[]string{"fail", "ok"}, "fail"},
		{nil, "ok"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, overallStatus(tt.statuses...), "статусы %v", tt.statuses)
	}
}

func TestHealthLive(t *testing.T) {
	h := NewHealthHandler(nil, nil)
	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthLiveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, serviceName, resp.Service)
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		pg, kc     ReadinessChecker
		wantCode   int
		wantStatus string
	}{
		{"всё доступно", staticChecker{"ok", ""}, staticChecker{"ok", ""}, http.StatusOK, "ok"},
		{"пул исчерпан", staticChecker{"degraded", "пул исчерпан"}, staticChecker{"ok", ""}, http.StatusOK, "degraded"},
		{"Keycloak недоступен", staticChecker{"ok", ""}, staticChecker{"fail", "timeout"}, http.StatusServiceUnavailable, "fail"},
		{"checker не задан", nil, staticChecker{"ok", ""}, http.StatusServiceUnavailable, "fail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pg, tt.kc)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp healthReadyResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Nil(t, resp.Dependencies)
		})
	}
}

func TestHealthReady_Dependencies(t *testing.T) {
	h := NewHealthHandler(staticChecker{"ok", ""}, staticChecker{"ok", ""}).
		WithDependencies(staticDeps{"postgresql": true, "keycloak-jwks": false})

	rec := httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code, "карта зависимостей не влияет на статус")
	var resp healthReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, map[string]bool{"postgresql": true, "keycloak-jwks": false}, resp.Dependencies)
}
