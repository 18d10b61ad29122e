package handler

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/server/middleware"
)

// ---------------------------------------------------------------------------
// queryBool tests
// ---------------------------------------------------------------------------

func TestQueryBool(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"true for 'true'", "/keys?includeRevoked=true", true},
		{"true for '1'", "/keys?includeRevoked=1", true},
		{"false for 'false'", "/keys?includeRevoked=false", false},
		{"false for missing", "/keys", false},
		{"false for '0'", "/keys?includeRevoked=0", false},
		{"false for empty", "/keys?includeRevoked=", false},
		{"case sensitive", "/keys?includeRevoked=TRUE", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			assert.Equal(t, tt.want, queryBool(r, "includeRevoked"))
		})
	}
}

// ---------------------------------------------------------------------------
// writeError / writeJSON tests
// ---------------------------------------------------------------------------

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, "Invalid input", map[string]interface{}{"field": "name"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":{"code":400,"message":"Invalid input","context":{"field":"name"}}}`, w.Body.String())
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"hello":"world"}`, w.Body.String())
}

// ---------------------------------------------------------------------------
// writeStoreError tests
// ---------------------------------------------------------------------------

func TestWriteStoreError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
		logged  bool
	}{
		{"validation", &config.ValidationError{Field: "name", Message: "is required"}, http.StatusBadRequest, "name: is required", false},
		{"wrapped validation", errors.Wrap(&config.ValidationError{Field: "expiresAt", Message: "must be in the future"}, "create"), http.StatusBadRequest, "expiresAt: must be in the future", false},
		{"not found", config.ErrNotFound, http.StatusNotFound, "API key not found", false},
		{"storage", &config.StorageError{Op: "list api keys", Err: errors.New("no such table: api_keys")}, http.StatusInternalServerError, "Internal server error", true},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "Internal server error", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logs, nil))

			r := httptest.NewRequest(http.MethodGet, "/keys", nil)
			r.Header.Set(middleware.RequestIDHeader, "req-123")
			w := httptest.NewRecorder()
			middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeStoreError(w, r, logger, tt.err, "test op")
			})).ServeHTTP(w, r)

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), `"message":"`+tt.message+`"`)
			assert.NotContains(t, w.Body.String(), "no such table")
			if tt.logged {
				assert.Contains(t, logs.String(), "test op failed")
				assert.Contains(t, logs.String(), "request_id=req-123")
			} else {
				assert.Empty(t, logs.String())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// readJSON tests
// ---------------------------------------------------------------------------

func TestReadJSONRejectsOversizedBody(t *testing.T) {
	body := `{"name":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/keys", strings.NewReader(body))
	w := httptest.NewRecorder()

	var v createKeyRequest
	err := readJSON(w, r, &v)
	require.Error(t, err)

	var maxErr *http.MaxBytesError
	assert.True(t, errors.As(err, &maxErr))
}
