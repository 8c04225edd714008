package apikeys

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/casaflow/gateway/pkg/authz"
	"github.com/casaflow/gateway/pkg/httputil"
)

// Handlers provides the HTTP management surface for API keys. The owner
// principal comes from the management session, passed as a header by the
// fronting service.
type Handlers struct {
	service *Service
}

// NewHandlers creates API key management handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers key management routes.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/keys", h.create).Methods("POST")
	router.HandleFunc("/keys", h.list).Methods("GET")
	router.HandleFunc("/keys/{id}", h.get).Methods("GET")
	router.HandleFunc("/keys/{id}", h.revoke).Methods("DELETE")
}

type createKeyRequest struct {
	Name        string              `json:"name"`
	Permissions authz.PermissionSet `json:"permissions"`
	RateCeiling *RateCeiling        `json:"rate_ceiling,omitempty"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
}

type createKeyResponse struct {
	Key    *APIKey `json:"key"`
	Secret string  `json:"secret"`
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFrom(r)
	if ownerID == "" {
		httputil.WriteUnauthorized(w, "missing owner principal")
		return
	}

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	key, secret, err := h.service.Issue(r.Context(), ownerID, req.Name, req.Permissions, req.RateCeiling, req.ExpiresAt)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	// The plaintext secret appears in this response and nowhere else.
	httputil.WriteJSON(w, http.StatusCreated, createKeyResponse{Key: key, Secret: secret})
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFrom(r)
	if ownerID == "" {
		httputil.WriteUnauthorized(w, "missing owner principal")
		return
	}

	keys, err := h.service.List(r.Context(), ownerID)
	if err != nil {
		httputil.WriteInternalError(w, "failed to list keys")
		return
	}

	type listedKey struct {
		*APIKey
		Secret string `json:"secret"`
	}
	out := make([]listedKey, 0, len(keys))
	for _, key := range keys {
		out = append(out, listedKey{APIKey: key, Secret: key.RedactedSecret()})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFrom(r)
	if ownerID == "" {
		httputil.WriteUnauthorized(w, "missing owner principal")
		return
	}

	key, err := h.service.Get(r.Context(), mux.Vars(r)["id"], ownerID)
	if err != nil {
		httputil.WriteNotFound(w, "key not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, key)
}

func (h *Handlers) revoke(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFrom(r)
	if ownerID == "" {
		httputil.WriteUnauthorized(w, "missing owner principal")
		return
	}

	if err := h.service.Revoke(r.Context(), mux.Vars(r)["id"], ownerID); err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteNotFound(w, "key not found")
			return
		}
		httputil.WriteInternalError(w, "failed to revoke key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ownerFrom(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}
