package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/streamhub/streamhub/internal/authjwt"
	"github.com/streamhub/streamhub/internal/project"
	"github.com/streamhub/streamhub/internal/streamactor"
)

type subscribeRequest struct {
	EstuaryID string `json:"estuaryId"`
}

// dispatchEstuarySubscribe handles POST/DELETE
// /v1/estuary/subscribe/{projectId}/{sourceStreamId}.
func (h *Handler) dispatchEstuarySubscribe(w http.ResponseWriter, r *http.Request, path string) error {
	m := estuarySubscribeRoute.FindStringSubmatch(path)
	projectID, sourceStreamID := m[1], m[2]
	if !validID(projectID) || !validID(sourceStreamID) {
		return newHTTPError(http.StatusBadRequest, "invalid project or stream id")
	}

	if _, err := h.authorizeProjectRequest(r, projectID); err != nil {
		return err
	}

	var req subscribeRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if !validID(req.EstuaryID) {
		return newHTTPError(http.StatusBadRequest, "invalid estuaryId")
	}

	switch r.Method {
	case http.MethodPost:
		if err := h.fanoutMgr.Subscribe(r.Context(), projectID, sourceStreamID, req.EstuaryID); err != nil {
			if errors.Is(err, streamactor.ErrStreamNotFound) {
				return newHTTPError(http.StatusNotFound, "source stream not found")
			}
			return mapEstuaryError(err)
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	case http.MethodDelete:
		h.fanoutMgr.Unsubscribe(projectID, sourceStreamID, req.EstuaryID)
		w.WriteHeader(http.StatusNoContent)
		return nil
	default:
		return newHTTPError(http.StatusMethodNotAllowed, "method not allowed")
	}
}

// dispatchEstuary handles POST/GET/DELETE /v1/estuary/{projectId}/{estuaryId}.
func (h *Handler) dispatchEstuary(w http.ResponseWriter, r *http.Request, path string) error {
	m := estuaryRoute.FindStringSubmatch(path)
	projectID, estuaryID := m[1], m[2]
	if !validID(projectID) || !validID(estuaryID) {
		return newHTTPError(http.StatusBadRequest, "invalid project or estuary id")
	}

	if _, err := h.authorizeProjectRequest(r, projectID); err != nil {
		return err
	}

	switch r.Method {
	case http.MethodPost:
		ttl := time.Duration(0)
		if ttlStr := r.Header.Get(HeaderStreamTTL); ttlStr != "" {
			secs, err := parseTTL(ttlStr)
			if err != nil {
				return newHTTPError(http.StatusBadRequest, err.Error())
			}
			ttl = time.Duration(secs) * time.Second
		}
		if err := h.fanoutMgr.Touch(r.Context(), projectID, estuaryID, ttl); err != nil {
			return mapEstuaryError(err)
		}
		w.WriteHeader(http.StatusNoContent)
		return nil

	case http.MethodGet:
		actor, err := h.registry.Get(projectID, estuaryID)
		if err != nil {
			return err
		}
		meta, err := actor.Get(r.Context())
		if err != nil {
			if errors.Is(err, streamactor.ErrStreamNotFound) {
				return newHTTPError(http.StatusNotFound, "estuary not found")
			}
			return err
		}
		sources := h.fanoutMgr.Sources(projectID, estuaryID)
		refs := make([]map[string]string, 0, len(sources))
		for _, s := range sources {
			refs = append(refs, map[string]string{"projectId": s.ProjectID, "streamId": s.StreamID})
		}
		resp := map[string]any{
			"estuaryId":        estuaryID,
			"contentType":      meta.ContentType,
			"streamNextOffset": meta.CurrentOffset.String(),
			"sources":          refs,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return json.NewEncoder(w).Encode(resp)

	case http.MethodDelete:
		if err := h.fanoutMgr.DeleteTarget(r.Context(), projectID, estuaryID); err != nil {
			if errors.Is(err, streamactor.ErrStreamNotFound) {
				return newHTTPError(http.StatusNotFound, "estuary not found")
			}
			return err
		}
		h.registry.Evict(projectID, estuaryID)
		w.WriteHeader(http.StatusNoContent)
		return nil

	default:
		return newHTTPError(http.StatusMethodNotAllowed, "method not allowed")
	}
}

// authorizeProjectRequest requires read scope for GET (inspect) and
// write scope for every other estuary method: subscribing, touching,
// or deleting a fan-out target mutates state owned by the project.
// There is no public-read bypass here the way there is for GET on an
// individual stream.
func (h *Handler) authorizeProjectRequest(r *http.Request, projectID string) (*authjwt.Claims, error) {
	proj, err := h.projects.Get(projectID)
	if err != nil {
		if errors.Is(err, project.ErrProjectNotFound) {
			return nil, newHTTPError(http.StatusUnauthorized, "unknown project")
		}
		return nil, err
	}
	required := authjwt.ScopeWrite
	if r.Method == http.MethodGet {
		required = authjwt.ScopeRead
	}
	claims, err := authjwt.AuthorizeScope(r, projectID, proj.SigningSecrets, required)
	if err != nil {
		return nil, mapAuthError(err)
	}
	return claims, nil
}

func mapEstuaryError(err error) error {
	if errors.Is(err, streamactor.ErrStreamNotFound) {
		return newHTTPError(http.StatusNotFound, "stream not found")
	}
	if errors.Is(err, streamactor.ErrConfigMismatch) {
		return newHTTPError(http.StatusConflict, err.Error())
	}
	return err
}
