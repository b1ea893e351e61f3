package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/relaymesh/relay/internal/admin"
	"github.com/relaymesh/relay/internal/auth"
)

// handleAdminApply applies one declarative config command. Only users with
// the is_admin attribute may call it.
func (s *Server) handleAdminApply(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		errorJSON(w, http.StatusUnauthorized, "no authenticated identity")
		return
	}

	user, err := s.Catalog.GetUserByFingerprint(r.Context(), id.Fingerprint)
	if err != nil {
		writeRelayError(w, err)
		return
	}
	if user == nil || !user.Attributes.IsAdmin {
		errorJSON(w, http.StatusForbidden, "User is unauthorized for administrative actions!")
		return
	}

	var cmd admin.ConfigCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		errorJSON(w, http.StatusBadRequest, "request body is not a valid config command")
		return
	}

	if err := admin.Apply(r.Context(), s.Catalog, cmd); err != nil {
		writeRelayError(w, err)
		return
	}

	slog.Info("config command applied", "admin", id.SubjectDN)
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}
