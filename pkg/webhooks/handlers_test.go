package webhooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casaflow/gateway/pkg/observability"
)

func newHandlerTestRouter(t *testing.T) (*mux.Router, *Registry) {
	t.Helper()
	registry := NewRegistry()
	engine := NewEngine(registry, DefaultEngineConfig(), observability.NopLogger(), nil)
	router := mux.NewRouter()
	NewHandlers(registry, engine).RegisterRoutes(router)
	return router, registry
}

func TestCreateWebhookReturnsSecretOnce(t *testing.T) {
	router, _ := newHandlerTestRouter(t)

	body := `{"name":"crm","url":"https://example.com/hook","events":["offer.created"]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/webhooks", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	var created Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.True(t, strings.HasPrefix(created.Secret, "whsec_"))

	// Subsequent reads redact the secret.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/webhooks/"+created.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var fetched Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Empty(t, fetched.Secret)
}

func TestCreateWebhookValidation(t *testing.T) {
	router, _ := newHandlerTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/webhooks", strings.NewReader(`{"url":"","events":[]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookLifecycleOverHTTP(t *testing.T) {
	router, registry := newHandlerTestRouter(t)

	config, err := registry.Register(&Config{
		URL:    "https://example.com/hook",
		Events: []EventType{EventTaskCreated},
	})
	require.NoError(t, err)

	// Deactivate.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/webhooks/"+config.ID+"/deactivate", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := registry.Get(config.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	// Update.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("PUT", "/webhooks/"+config.ID, strings.NewReader(`{"name":"renamed"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	// Delete, then a read is a 404.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("DELETE", "/webhooks/"+config.ID, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/webhooks/"+config.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookDeliveriesEndpoint(t *testing.T) {
	router, registry := newHandlerTestRouter(t)

	config, err := registry.Register(&Config{
		URL:    "https://example.com/hook",
		Events: []EventType{EventTaskCreated},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/webhooks/"+config.ID+"/deliveries?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/webhooks/"+config.ID+"/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats DeliveryStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, config.ID, stats.WebhookID)
	assert.Equal(t, 0, stats.Total)
}
