package webhooks

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/casaflow/gateway/pkg/httputil"
)

// Handlers provides the HTTP management surface for webhook subscriptions.
type Handlers struct {
	registry *Registry
	engine   *Engine
}

// NewHandlers creates webhook management handlers.
func NewHandlers(registry *Registry, engine *Engine) *Handlers {
	return &Handlers{registry: registry, engine: engine}
}

// RegisterRoutes registers webhook management routes.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks", h.create).Methods("POST")
	router.HandleFunc("/webhooks", h.list).Methods("GET")
	router.HandleFunc("/webhooks/{id}", h.get).Methods("GET")
	router.HandleFunc("/webhooks/{id}", h.update).Methods("PUT")
	router.HandleFunc("/webhooks/{id}", h.delete).Methods("DELETE")
	router.HandleFunc("/webhooks/{id}/activate", h.activate).Methods("POST")
	router.HandleFunc("/webhooks/{id}/deactivate", h.deactivate).Methods("POST")
	router.HandleFunc("/webhooks/{id}/deliveries", h.deliveries).Methods("GET")
	router.HandleFunc("/webhooks/{id}/stats", h.stats).Methods("GET")
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	var config Config
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	created, err := h.registry.Register(&config)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	// The generated secret is included in this response only; subsequent
	// reads return it redacted.
	httputil.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	configs := h.registry.List(r.URL.Query().Get("owner_id"))
	for _, config := range configs {
		config.Secret = ""
	}
	httputil.WriteJSON(w, http.StatusOK, configs)
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	config, err := h.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteNotFound(w, err.Error())
		return
	}
	config.Secret = ""
	httputil.WriteJSON(w, http.StatusOK, config)
}

func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	var updates Config
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	config, err := h.registry.Update(mux.Vars(r)["id"], &updates)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	config.Secret = ""
	httputil.WriteJSON(w, http.StatusOK, config)
}

func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(mux.Vars(r)["id"]); err != nil {
		httputil.WriteNotFound(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handlers) deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handlers) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	config, err := h.registry.SetActive(mux.Vars(r)["id"], active)
	if err != nil {
		httputil.WriteNotFound(w, err.Error())
		return
	}
	config.Secret = ""
	httputil.WriteJSON(w, http.StatusOK, config)
}

func (h *Handlers) deliveries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records := h.engine.DeliveryLog().ByWebhook(mux.Vars(r)["id"], limit)
	httputil.WriteJSON(w, http.StatusOK, records)
}

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.engine.DeliveryLog().Stats(mux.Vars(r)["id"]))
}
