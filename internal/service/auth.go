package service

import (
	"context"
	"log/slog"

	"github.com/go-faster/errors"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/secret"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMalformedToken     = errors.New("malformed token")
	ErrForbidden          = errors.New("admin privileges required")
)

// KeyValidator resolves a plaintext key to its record. It returns nil with
// no error when the key is unknown, revoked or expired. *config.Store
// implements it.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context, plaintext string) (*model.APIKey, error)
}

// DecisionKind tags the outcome of Authorize.
type DecisionKind int

const (
	DecisionDenied DecisionKind = iota
	DecisionRootAdmin
	DecisionElevatedKey
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionRootAdmin:
		return "root_admin"
	case DecisionElevatedKey:
		return "elevated_key"
	default:
		return "denied"
	}
}

// Decision is the result of an administrative authorization check. Key is
// set only for DecisionElevatedKey; Err only for DecisionDenied.
type Decision struct {
	Kind DecisionKind
	Key  *model.APIKey
	Err  error
}

// Allowed reports whether the decision grants admin access.
func (d Decision) Allowed() bool {
	return d.Kind == DecisionRootAdmin || d.Kind == DecisionElevatedKey
}

// AuthService makes authentication and admin authorization decisions for
// bearer tokens.
type AuthService struct {
	keys       KeyValidator
	rootSecret string
	logger     *slog.Logger
}

// NewAuthService returns an AuthService. An empty rootSecret disables the
// root admin path.
func NewAuthService(keys KeyValidator, rootSecret string, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		keys:       keys,
		rootSecret: rootSecret,
		logger:     logger,
	}
}

// RootConfigured reports whether a root secret is set.
func (s *AuthService) RootConfigured() bool {
	return s.rootSecret != ""
}

// Authenticate resolves an API key token to its record. Tokens without the
// key prefix are rejected with ErrMalformedToken before the store is
// consulted. Unknown, revoked and expired keys yield ErrInvalidCredentials.
// Storage failures are returned as is and match config.ErrInternal.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*model.APIKey, error) {
	if !secret.HasTokenPrefix(token) {
		return nil, ErrMalformedToken
	}
	key, err := s.keys.ValidateAPIKey(ctx, token)
	if err != nil {
		return nil, errors.Wrap(err, "validate api key")
	}
	if key == nil {
		return nil, ErrInvalidCredentials
	}
	return key, nil
}

// Authorize decides whether token grants admin access. The root secret is
// checked first, in constant time and without touching the store. Any other
// token must be a valid API key holding "*" or "admin".
func (s *AuthService) Authorize(ctx context.Context, token string) Decision {
	if s.rootSecret != "" && secret.Equal(token, s.rootSecret) {
		return Decision{Kind: DecisionRootAdmin}
	}

	key, err := s.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, ErrMalformedToken) {
			err = ErrInvalidCredentials
		}
		return Decision{Kind: DecisionDenied, Err: err}
	}
	if !key.IsAdmin() {
		s.logger.Debug("api key lacks admin permission", "key_id", key.ID)
		return Decision{Kind: DecisionDenied, Err: ErrForbidden}
	}
	return Decision{Kind: DecisionElevatedKey, Key: key}
}
