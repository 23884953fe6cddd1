//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/auralabs/aura/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()

	Error(w, http.StatusTeapot, "short and stout")

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.JSONEq(t, `{"error":"short and stout"}`, w.Body.String())
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("message", "cannot be empty"), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", domain.ErrValidation), http.StatusBadRequest},
		{domain.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("load session: %w", domain.ErrSessionNotFound), http.StatusNotFound},
		{domain.ErrMessageNotFound, http.StatusNotFound},
		{errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		writeServiceError(w, slog.Default(), "test", tt.err)
		assert.Equal(t, tt.want, w.Code, tt.err.Error())
	}
}

func TestInternalErrorsHideDetails(t *testing.T) {
	w := httptest.NewRecorder()
	writeServiceError(w, slog.Default(), "test", errors.New("pq: password authentication failed"))

	assert.NotContains(t, w.Body.String(), "password")
}

func TestDecodeJSONRejectsOversizedBody(t *testing.T) {
	body := `{"message":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	w := httptest.NewRecorder()

	var v SendMessageRequest
	assert.False(t, decodeJSON(w, req, &v))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":`))
	w := httptest.NewRecorder()

	var v SendMessageRequest
	assert.False(t, decodeJSON(w, req, &v))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeHealth struct {
	pingErr  error
	statsErr error
	stats    domain.JobStats
}

func (f *fakeHealth) Ping(context.Context) error { return f.pingErr }

func (f *fakeHealth) JobStats(context.Context) (domain.JobStats, error) {
	return f.stats, f.statsErr
}

func getHealth(t *testing.T, repo HealthChecker) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	NewHealthHandler(repo, 0).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealthHealthy(t *testing.T) {
	code, body := getHealth(t, &fakeHealth{stats: domain.JobStats{Pending: 2, Failed: 1}})

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["checks"].(map[string]interface{})["database"])
	assert.InDelta(t, 2, body["jobs"].(map[string]interface{})["pending"], 0)
}

func TestHealthDatabaseDown(t *testing.T) {
	code, body := getHealth(t, &fakeHealth{pingErr: errors.New("connection refused")})

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unreachable", body["checks"].(map[string]interface{})["database"])
}

func TestHealthStatsUnavailableStillHealthy(t *testing.T) {
	code, body := getHealth(t, &fakeHealth{statsErr: errors.New("no such table: jobs")})

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "unknown", body["checks"].(map[string]interface{})["jobs"])
}
