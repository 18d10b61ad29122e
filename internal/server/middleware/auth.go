package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-faster/errors"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/telemetry"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"

	principalHolderKey contextKeyAuth = "auth_principal_holder"
)

// Principal types.
const (
	PrincipalRoot   = "root"
	PrincipalAPIKey = "api_key"
)

// Principal represents the authenticated identity making the request. Key is
// nil for the root principal.
type Principal struct {
	Type    string
	Key     *model.APIKey
	IsAdmin bool
}

// Gate builds the authentication middlewares. Logger and Metrics are
// optional.
type Gate struct {
	Auth    *service.AuthService
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (g *Gate) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

// RequireKey rejects the request with 401 unless it carries a valid API key
// as "Authorization: Bearer <key>". Storage failures yield 500. On success
// the key's Principal is attached to the request context.
func (g *Gate) RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := parseBearer(r.Header.Get("Authorization"))
		if !ok {
			g.Metrics.AuthDecision(telemetry.GateKey, telemetry.OutcomeUnauthorized)
			writeAuthError(w, http.StatusUnauthorized, "Authentication required. Provide a Bearer API key.")
			return
		}

		key, err := g.Auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, config.ErrInternal) {
				g.Metrics.AuthDecision(telemetry.GateKey, telemetry.OutcomeError)
				g.logger().Error("authenticate api key failed",
					"error", err, "request_id", GetRequestID(r.Context()))
				writeAuthError(w, http.StatusInternalServerError, "Internal server error")
				return
			}
			g.Metrics.AuthDecision(telemetry.GateKey, telemetry.OutcomeUnauthorized)
			writeAuthError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		g.Metrics.AuthDecision(telemetry.GateKey, telemetry.OutcomeAPIKey)
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), keyPrincipal(key))))
	})
}

// OptionalKey attaches a Principal when the request carries a valid API key
// and otherwise lets the request through anonymously. It never rejects.
func (g *Gate) OptionalKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := parseBearer(r.Header.Get("Authorization"))
		if !ok {
			g.Metrics.AuthDecision(telemetry.GateOptional, telemetry.OutcomeAnonymous)
			next.ServeHTTP(w, r)
			return
		}

		key, err := g.Auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, config.ErrInternal) {
				g.Metrics.AuthDecision(telemetry.GateOptional, telemetry.OutcomeError)
				g.logger().Warn("optional authentication failed, continuing anonymously",
					"error", err, "request_id", GetRequestID(r.Context()))
			} else {
				g.Metrics.AuthDecision(telemetry.GateOptional, telemetry.OutcomeAnonymous)
			}
			next.ServeHTTP(w, r)
			return
		}

		g.Metrics.AuthDecision(telemetry.GateOptional, telemetry.OutcomeAPIKey)
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), keyPrincipal(key))))
	})
}

// RequireAdmin admits the root secret or an API key holding "*" or "admin".
// A valid key without those permissions gets 403; anything else 401.
func (g *Gate) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := parseBearer(r.Header.Get("Authorization"))
		if !ok {
			g.Metrics.AuthDecision(telemetry.GateAdmin, telemetry.OutcomeUnauthorized)
			writeAuthError(w, http.StatusUnauthorized, "Authentication required. Provide a Bearer token.")
			return
		}

		d := g.Auth.Authorize(r.Context(), token)
		switch d.Kind {
		case service.DecisionRootAdmin:
			g.Metrics.AuthDecision(telemetry.GateAdmin, telemetry.OutcomeRootAdmin)
			p := &Principal{Type: PrincipalRoot, IsAdmin: true}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
			return
		case service.DecisionElevatedKey:
			g.Metrics.AuthDecision(telemetry.GateAdmin, telemetry.OutcomeElevatedKey)
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), keyPrincipal(d.Key))))
			return
		}

		switch {
		case errors.Is(d.Err, service.ErrForbidden):
			g.Metrics.AuthDecision(telemetry.GateAdmin, telemetry.OutcomeForbidden)
			writeAuthError(w, http.StatusForbidden, "Admin access required")
		case errors.Is(d.Err, config.ErrInternal):
			g.Metrics.AuthDecision(telemetry.GateAdmin, telemetry.OutcomeError)
			g.logger().Error("authorize admin failed",
				"error", d.Err, "request_id", GetRequestID(r.Context()))
			writeAuthError(w, http.StatusInternalServerError, "Internal server error")
		default:
			g.Metrics.AuthDecision(telemetry.GateAdmin, telemetry.OutcomeUnauthorized)
			writeAuthError(w, http.StatusUnauthorized, "Invalid credentials")
		}
	})
}

// RequirePermission returns a middleware that enforces scope on the
// principal attached by an earlier gate. Root and "*" keys always pass.
func RequirePermission(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := GetPrincipal(r.Context())
			if p == nil {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if p.Type != PrincipalRoot && (p.Key == nil || !p.Key.HasPermission(scope)) {
				writeAuthError(w, http.StatusForbidden, "Missing permission: "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

// GetAPIKey returns the API key record of the authenticated principal, or
// nil for anonymous and root requests.
func GetAPIKey(ctx context.Context) *model.APIKey {
	if p := GetPrincipal(ctx); p != nil {
		return p.Key
	}
	return nil
}

// principalHolder carries the principal back up to Logger, which runs
// outside the gates.
type principalHolder struct {
	p *Principal
}

func withPrincipalHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, principalHolderKey, h)
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	if h, ok := ctx.Value(principalHolderKey).(*principalHolder); ok {
		h.p = p
	}
	return context.WithValue(ctx, AuthPrincipalKey, p)
}

func keyPrincipal(key *model.APIKey) *Principal {
	return &Principal{Type: PrincipalAPIKey, Key: key, IsAdmin: key.IsAdmin()}
}

// parseBearer accepts exactly "Bearer <token>": the scheme, one space and a
// non-empty token without whitespace.
func parseBearer(header string) (string, bool) {
	const scheme = "Bearer "
	if !strings.HasPrefix(header, scheme) {
		return "", false
	}
	token := header[len(scheme):]
	if token == "" || strings.ContainsAny(token, " \t\r\n") {
		return "", false
	}
	return token, true
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.NewErrorResponse(status, message))
}
