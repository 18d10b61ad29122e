package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/telemetry"
)

const testRootSecret = "handler-root-secret"

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store   *config.Store
	metrics *telemetry.Metrics
	logs    *bytes.Buffer
	router  chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory store and a
// chi router with the key routes mounted behind the real gates.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	metrics := telemetry.NewMetrics()
	gate := &middleware.Gate{
		Auth:    service.NewAuthService(store, testRootSecret, logger),
		Logger:  logger,
		Metrics: metrics,
	}
	keys := NewKeyHandler(store, logger, metrics)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/keys", func(r chi.Router) {
		r.Use(gate.RequireAdmin)
		r.Post("/", keys.CreateKey)
		r.Get("/", keys.ListKeys)
		r.Get("/{id}", keys.GetKey)
		r.Put("/{id}", keys.UpdateKey)
		r.Delete("/{id}", keys.DeleteKey)
	})
	r.With(gate.RequireKey).Get("/me", Me)
	r.With(gate.OptionalKey).Get("/status", Status)

	return &testEnv{
		store:   store,
		metrics: metrics,
		logs:    logs,
		router:  r,
	}
}

// seedKey creates a key directly in the store.
func (e *testEnv) seedKey(t *testing.T, name string, perms []string) (string, *model.APIKey) {
	t.Helper()
	plaintext, key, err := e.store.CreateAPIKey(context.Background(), name, perms, nil)
	require.NoError(t, err)
	return plaintext, key
}

// do executes a request authenticated with token (none when empty).
func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// admin executes a request with the root secret.
func (e *testEnv) admin(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, testRootSecret, body)
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(buf).Encode(v))
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	require.Equal(t, want, rr.Code, "body = %s", rr.Body.String())
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v), "body = %s", rr.Body.String())
}
