package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/secret"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/telemetry"
)

const testRootSecret = "middleware-root-secret"

type fixture struct {
	store   *config.Store
	gate    *Gate
	metrics *telemetry.Metrics
	logs    *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := config.NewStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	metrics := telemetry.NewMetrics()
	return &fixture{
		store:   store,
		metrics: metrics,
		logs:    logs,
		gate: &Gate{
			Auth:    service.NewAuthService(store, testRootSecret, logger),
			Logger:  logger,
			Metrics: metrics,
		},
	}
}

func (f *fixture) createKey(t *testing.T, perms []string) (string, *model.APIKey) {
	t.Helper()
	plaintext, key, err := f.store.CreateAPIKey(context.Background(), "test key", perms, nil)
	require.NoError(t, err)
	return plaintext, key
}

// failingValidator simulates an unavailable store.
type failingValidator struct{}

func (failingValidator) ValidateAPIKey(context.Context, string) (*model.APIKey, error) {
	return nil, &config.StorageError{Op: "get api key by hash", Err: errors.New("connection refused")}
}

func failingGate(logs io.Writer) *Gate {
	logger := slog.New(slog.NewTextHandler(logs, nil))
	return &Gate{Auth: service.NewAuthService(failingValidator{}, testRootSecret, logger), Logger: logger}
}

// principalEcho responds 200 with the principal the gate attached.
func principalEcho(t *testing.T, got **Principal) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = GetPrincipal(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func mustNotRun(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called")
	})
}

func serve(h http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/keys", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// scrape renders the metrics registry in the exposition format.
func scrape(t *testing.T, m *telemetry.Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var body model.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error
}

// ---------------------------------------------------------------------------
// Bearer parsing
// ---------------------------------------------------------------------------

func TestParseBearer(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer kg_abc", "kg_abc", true},
		{"", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"bearer kg_abc", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer  kg_abc", "", false},
		{"Bearer kg_abc extra", "", false},
		{"Token kg_abc", "", false},
	}
	for _, tt := range tests {
		token, ok := parseBearer(tt.header)
		assert.Equal(t, tt.ok, ok, "header %q", tt.header)
		assert.Equal(t, tt.token, token, "header %q", tt.header)
	}
}

// ---------------------------------------------------------------------------
// RequireKey
// ---------------------------------------------------------------------------

func TestRequireKeyAcceptsValidKey(t *testing.T) {
	f := newFixture(t)
	plaintext, key := f.createKey(t, []string{"read"})

	var got *Principal
	rr := serve(f.gate.RequireKey(principalEcho(t, &got)), "Bearer "+plaintext)

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, got)
	assert.Equal(t, PrincipalAPIKey, got.Type)
	assert.Equal(t, key.ID, got.Key.ID)
	assert.False(t, got.IsAdmin)
	assert.Contains(t, scrape(t, f.metrics), `keygate_auth_decisions_total{gate="key",outcome="api_key"} 1`)
}

func TestRequireKeyRejects(t *testing.T) {
	f := newFixture(t)
	plaintext, _ := f.createKey(t, nil)
	revoked, revokedKey := f.createKey(t, nil)
	_, err := f.store.RevokeAPIKey(context.Background(), revokedKey.ID)
	require.NoError(t, err)
	unknown, err := secret.Generate()
	require.NoError(t, err)

	tests := map[string]string{
		"missing header":  "",
		"wrong scheme":    "Basic " + plaintext,
		"lowercase":       "bearer " + plaintext,
		"double space":    "Bearer  " + plaintext,
		"empty token":     "Bearer ",
		"no prefix":       "Bearer sk-" + plaintext[3:],
		"unknown key":     "Bearer " + unknown,
		"revoked key":     "Bearer " + revoked,
		"root secret":     "Bearer " + testRootSecret,
		"truncated token": "Bearer " + plaintext[:20],
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			rr := serve(f.gate.RequireKey(mustNotRun(t)), header)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"))
			assert.Equal(t, http.StatusUnauthorized, decodeError(t, rr).Code)
		})
	}
}

func TestRequireKeyStorageFailure(t *testing.T) {
	var logs bytes.Buffer
	token, err := secret.Generate()
	require.NoError(t, err)

	rr := serve(failingGate(&logs).RequireKey(mustNotRun(t)), "Bearer "+token)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	detail := decodeError(t, rr)
	assert.Equal(t, "Internal server error", detail.Message)
	assert.NotContains(t, rr.Body.String(), "connection refused")
	assert.Contains(t, logs.String(), "authenticate api key failed")
	assert.NotContains(t, logs.String(), token)
}

func TestRequireKeyExpiredKey(t *testing.T) {
	f := newFixture(t)
	expires := time.Now().Add(300 * time.Millisecond)
	plaintext, _, err := f.store.CreateAPIKey(context.Background(), "short lived", nil, &expires)
	require.NoError(t, err)

	var got *Principal
	rr := serve(f.gate.RequireKey(principalEcho(t, &got)), "Bearer "+plaintext)
	require.Equal(t, http.StatusOK, rr.Code)

	time.Sleep(400 * time.Millisecond)
	rr = serve(f.gate.RequireKey(mustNotRun(t)), "Bearer "+plaintext)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

// ---------------------------------------------------------------------------
// OptionalKey
// ---------------------------------------------------------------------------

func TestOptionalKey(t *testing.T) {
	f := newFixture(t)
	plaintext, key := f.createKey(t, []string{"read"})

	var got *Principal
	rr := serve(f.gate.OptionalKey(principalEcho(t, &got)), "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, got)

	rr = serve(f.gate.OptionalKey(principalEcho(t, &got)), "Bearer kg_nope")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, got)

	rr = serve(f.gate.OptionalKey(principalEcho(t, &got)), "Bearer "+plaintext)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, got)
	assert.Equal(t, key.ID, got.Key.ID)

	body := scrape(t, f.metrics)
	assert.Contains(t, body, `keygate_auth_decisions_total{gate="optional",outcome="anonymous"} 2`)
	assert.Contains(t, body, `keygate_auth_decisions_total{gate="optional",outcome="api_key"} 1`)
}

func TestOptionalKeyStorageFailureContinues(t *testing.T) {
	var logs bytes.Buffer
	token, err := secret.Generate()
	require.NoError(t, err)

	got := &Principal{}
	rr := serve(failingGate(&logs).OptionalKey(principalEcho(t, &got)), "Bearer "+token)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, got)
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "continuing anonymously")
}

// ---------------------------------------------------------------------------
// RequireAdmin
// ---------------------------------------------------------------------------

func TestRequireAdminRootSecret(t *testing.T) {
	f := newFixture(t)

	var got *Principal
	rr := serve(f.gate.RequireAdmin(principalEcho(t, &got)), "Bearer "+testRootSecret)

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, got)
	assert.Equal(t, PrincipalRoot, got.Type)
	assert.True(t, got.IsAdmin)
	assert.Nil(t, got.Key)
	assert.Contains(t, scrape(t, f.metrics), `keygate_auth_decisions_total{gate="admin",outcome="root_admin"} 1`)
}

func TestRequireAdminElevatedKeys(t *testing.T) {
	f := newFixture(t)

	for _, perms := range [][]string{nil, {"admin"}, {"read", "admin"}} {
		plaintext, key := f.createKey(t, perms)

		var got *Principal
		rr := serve(f.gate.RequireAdmin(principalEcho(t, &got)), "Bearer "+plaintext)

		require.Equal(t, http.StatusOK, rr.Code, "perms %v", perms)
		require.NotNil(t, got)
		assert.Equal(t, PrincipalAPIKey, got.Type)
		assert.True(t, got.IsAdmin)
		assert.Equal(t, key.ID, got.Key.ID)
	}
}

func TestRequireAdminForbidsOrdinaryKey(t *testing.T) {
	f := newFixture(t)
	plaintext, _ := f.createKey(t, []string{"read", "write"})

	rr := serve(f.gate.RequireAdmin(mustNotRun(t)), "Bearer "+plaintext)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, http.StatusForbidden, decodeError(t, rr).Code)
	assert.Contains(t, scrape(t, f.metrics), `keygate_auth_decisions_total{gate="admin",outcome="forbidden"} 1`)
}

func TestRequireAdminUnauthorized(t *testing.T) {
	f := newFixture(t)
	unknown, err := secret.Generate()
	require.NoError(t, err)

	for _, header := range []string{"", "Bearer " + unknown, "Bearer wrong-secret", "Bearer " + strings.ToUpper(testRootSecret)} {
		rr := serve(f.gate.RequireAdmin(mustNotRun(t)), header)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "header %q", header)
	}
}

func TestRequireAdminStorageFailure(t *testing.T) {
	var logs bytes.Buffer
	token, err := secret.Generate()
	require.NoError(t, err)

	g := failingGate(&logs)
	rr := serve(g.RequireAdmin(mustNotRun(t)), "Bearer "+token)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, logs.String(), "authorize admin failed")

	// The root secret never reaches the failing store.
	var got *Principal
	rr = serve(g.RequireAdmin(principalEcho(t, &got)), "Bearer "+testRootSecret)
	assert.Equal(t, http.StatusOK, rr.Code)
}

// ---------------------------------------------------------------------------
// RequirePermission
// ---------------------------------------------------------------------------

func TestRequirePermission(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := RequirePermission("write")(ok)

	tests := []struct {
		name      string
		principal *Principal
		want      int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"root", &Principal{Type: PrincipalRoot, IsAdmin: true}, http.StatusOK},
		{"wildcard", &Principal{Type: PrincipalAPIKey, Key: &model.APIKey{Permissions: []string{"*"}}}, http.StatusOK},
		{"granted", &Principal{Type: PrincipalAPIKey, Key: &model.APIKey{Permissions: []string{"read", "write"}}}, http.StatusOK},
		{"missing", &Principal{Type: PrincipalAPIKey, Key: &model.APIKey{Permissions: []string{"read"}}}, http.StatusForbidden},
		{"admin is not write", &Principal{Type: PrincipalAPIKey, Key: &model.APIKey{Permissions: []string{"admin"}}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.principal != nil {
				req = req.WithContext(withPrincipal(req.Context(), tt.principal))
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

// ---------------------------------------------------------------------------
// Context helpers
// ---------------------------------------------------------------------------

func TestGetPrincipalAndAPIKey(t *testing.T) {
	assert.Nil(t, GetPrincipal(context.Background()))
	assert.Nil(t, GetAPIKey(context.Background()))

	key := &model.APIKey{ID: "k1"}
	ctx := withPrincipal(context.Background(), keyPrincipal(key))
	assert.Equal(t, key, GetAPIKey(ctx))

	ctx = withPrincipal(context.Background(), &Principal{Type: PrincipalRoot, IsAdmin: true})
	assert.NotNil(t, GetPrincipal(ctx))
	assert.Nil(t, GetAPIKey(ctx))
}

// ---------------------------------------------------------------------------
// RequestID
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))

	respID := rr.Header().Get(RequestIDHeader)
	assert.Len(t, respID, 36)
	assert.Equal(t, respID, seen)
}

func TestRequestIDClientValue(t *testing.T) {
	tests := map[string]bool{
		"my-custom-trace-id-123": true,
		"has space":              false,
		strings.Repeat("x", 129): false,
		"tab\tinside":            false,
		strings.Repeat("a", 128): true,
		"unicode-\u00e9":         false,
	}
	for id, kept := range tests {
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(RequestIDHeader, id)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if kept {
			assert.Equal(t, id, rr.Header().Get(RequestIDHeader))
		} else {
			assert.NotEqual(t, id, rr.Header().Get(RequestIDHeader))
			assert.Len(t, rr.Header().Get(RequestIDHeader), 36)
		}
	}
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
}

// ---------------------------------------------------------------------------
// Logger, Metrics and RateLimit
// ---------------------------------------------------------------------------

func TestLoggerRecordsPrincipalNotSecret(t *testing.T) {
	f := newFixture(t)
	plaintext, key := f.createKey(t, nil)

	var logs bytes.Buffer
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequestID(Logger(slog.New(slog.NewTextHandler(&logs, nil)))(f.gate.RequireKey(ok)))

	rr := serve(h, "Bearer "+plaintext)
	require.Equal(t, http.StatusNoContent, rr.Code)

	line := logs.String()
	assert.Contains(t, line, "status=204")
	assert.Contains(t, line, "principal=api_key")
	assert.Contains(t, line, "key_id="+key.ID)
	assert.Contains(t, line, "request_id="+rr.Header().Get(RequestIDHeader))
	assert.NotContains(t, line, plaintext)
}

func TestLoggerLevels(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	for status, level := range map[int]string{200: "INFO", 404: "WARN", 503: "ERROR"} {
		logs.Reset()
		h := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Contains(t, logs.String(), "level="+level)
	}
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	m := telemetry.NewMetrics()
	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Get("/keys/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/keys/"+id, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	body := scrape(t, m)
	assert.Contains(t, body, `keygate_http_requests_total{method="GET",route="/keys/{id}",status="404"} 3`)
	assert.Contains(t, body, `keygate_http_requests_total{method="GET",route="<no-route>",status="404"} 1`)
}

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := RateLimit(2)(ok)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/keys", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
		if rr.Code == http.StatusTooManyRequests {
			assert.Equal(t, http.StatusTooManyRequests, decodeError(t, rr).Code)
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// Another client has its own budget.
	req := httptest.NewRequest(http.MethodGet, "/keys", nil)
	req.RemoteAddr = "192.0.2.2:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimitDisabled(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := RateLimit(0)(ok)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(h, "").Code)
	}
}
