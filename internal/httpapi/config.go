package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/streamhub/streamhub/internal/authjwt"
	"github.com/streamhub/streamhub/internal/project"
)

// configEntry is the wire shape of a project's admin config, matching
// the registry entry a deployer loads at provisioning time.
type configEntry struct {
	SigningSecrets []string `json:"signingSecrets"`
	CORSOrigins    []string `json:"corsOrigins,omitempty"`
	IsPublic       bool     `json:"isPublic,omitempty"`
}

// dispatchConfig handles GET/PUT /v1/config/{projectId}. GET, and PUT
// on an existing project, require manage scope regardless of whether
// the request is a read or a write (a PUT that creates a new project
// is gated by the X-Bootstrap-Secret header instead), so this route bypasses the method-derived Authorize helper
// in favor of authjwt.AuthorizeScope with an explicit requirement.
func (h *Handler) dispatchConfig(w http.ResponseWriter, r *http.Request, path string) error {
	m := configRoute.FindStringSubmatch(path)
	projectID := m[1]
	if !validID(projectID) {
		return newHTTPError(http.StatusBadRequest, "invalid project id")
	}

	existing, err := h.projects.Get(projectID)
	exists := err == nil

	switch r.Method {
	case http.MethodGet:
		if !exists {
			return newHTTPError(http.StatusNotFound, "project not found")
		}
		if _, err := authjwt.AuthorizeScope(r, projectID, existing.SigningSecrets, authjwt.ScopeManage); err != nil {
			return mapAuthError(err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return json.NewEncoder(w).Encode(configEntry{
			SigningSecrets: existing.SigningSecrets,
			CORSOrigins:    existing.CORSOrigins,
			IsPublic:       existing.IsPublic,
		})

	case http.MethodPut:
		body, readErr := io.ReadAll(io.LimitReader(r.Body, 64*1024))
		if readErr != nil {
			return newHTTPError(http.StatusBadRequest, "failed to read body")
		}
		var entry configEntry
		if err := json.Unmarshal(body, &entry); err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid JSON body")
		}
		if len(entry.SigningSecrets) == 0 {
			return newHTTPError(http.StatusBadRequest, "signingSecrets must contain at least one secret")
		}

		if !exists {
			if h.BootstrapSecret == "" || r.Header.Get("X-Bootstrap-Secret") != h.BootstrapSecret {
				return newHTTPError(http.StatusUnauthorized, "project creation requires a valid bootstrap secret")
			}
			if _, err := h.projects.CreateProject(projectID, entry.SigningSecrets[0], entry.IsPublic); err != nil {
				return err
			}
			for _, secret := range entry.SigningSecrets[1:] {
				if err := h.projects.AddSigningSecret(projectID, secret); err != nil {
					return err
				}
			}
			if len(entry.CORSOrigins) > 0 {
				if err := h.projects.SetCORSOrigins(projectID, entry.CORSOrigins); err != nil {
					return err
				}
			}
			w.WriteHeader(http.StatusCreated)
			return nil
		}

		if _, err := authjwt.AuthorizeScope(r, projectID, existing.SigningSecrets, authjwt.ScopeManage); err != nil {
			return mapAuthError(err)
		}

		if err := reconcileSecrets(h.projects, projectID, existing.SigningSecrets, entry.SigningSecrets); err != nil {
			return err
		}
		if err := h.projects.SetCORSOrigins(projectID, entry.CORSOrigins); err != nil {
			return err
		}
		if err := h.projects.SetPublic(projectID, entry.IsPublic); err != nil {
			return err
		}

		w.WriteHeader(http.StatusOK)
		return nil

	default:
		return newHTTPError(http.StatusMethodNotAllowed, "method not allowed")
	}
}

// reconcileSecrets drives the registry's add/remove primitives to turn
// current into want: new secrets are added as primary (walking want
// from its end, so want[0], added last, ends up first-tried), and secrets no
// longer wanted are removed — except when removing would leave zero
// secrets, in which case that removal is skipped rather than erroring
// out the whole request, since a replacement the caller also removed
// in the same call would otherwise make the project unreachable.
func reconcileSecrets(reg *project.Registry, projectID string, current, want []string) error {
	wantSet := make(map[string]bool, len(want))
	for _, s := range want {
		wantSet[s] = true
	}
	currentSet := make(map[string]bool, len(current))
	for _, s := range current {
		currentSet[s] = true
	}

	for i := len(want) - 1; i >= 0; i-- {
		s := want[i]
		if !currentSet[s] {
			if err := reg.AddSigningSecret(projectID, s); err != nil {
				return err
			}
		}
	}

	remaining := len(current)
	for _, s := range current {
		if wantSet[s] {
			continue
		}
		if remaining <= 1 {
			continue
		}
		if err := reg.RemoveSigningSecret(projectID, s); err != nil && !errors.Is(err, project.ErrSecretNotFound) {
			return err
		}
		remaining--
	}
	return nil
}
