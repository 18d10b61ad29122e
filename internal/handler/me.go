package handler

import (
	"net/http"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/server/middleware"
)

type meResponse struct {
	Type  string         `json:"type"`
	Admin bool           `json:"admin"`
	Key   *model.KeyView `json:"key"`
}

// Me describes the caller's credential. It must sit behind RequireKey or
// RequireAdmin; key is null for the root principal.
// GET /me
func Me(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	resp := meResponse{Type: p.Type, Admin: p.IsAdmin}
	if p.Key != nil {
		v := p.Key.View()
		resp.Key = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Authenticated bool   `json:"authenticated"`
	KeyID         string `json:"keyId,omitempty"`
}

// Status reports whether the request carried a valid key. It sits behind
// OptionalKey and never fails.
// GET /status
func Status(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if key := middleware.GetAPIKey(r.Context()); key != nil {
		resp.Authenticated = true
		resp.KeyID = key.ID
	}
	writeJSON(w, http.StatusOK, resp)
}
