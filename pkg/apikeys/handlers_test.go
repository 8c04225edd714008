package apikeys

import (
	"context"
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

func newHandlerTestRouter(t *testing.T) (*mux.Router, *Service) {
	t.Helper()
	service := NewService(NewMemoryStore(), observability.NopLogger(), nil)
	router := mux.NewRouter()
	NewHandlers(service).RegisterRoutes(router)
	return router, service
}

func ownerRequest(method, target, ownerID, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if ownerID != "" {
		req.Header.Set("X-Owner-ID", ownerID)
	}
	return req
}

func TestCreateKeyOverHTTP(t *testing.T) {
	router, _ := newHandlerTestRouter(t)

	body := `{"name":"integration","permissions":[{"resource":"properties","actions":["read","list"]}]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, ownerRequest("POST", "/keys", "owner-1", body))

	require.Equal(t, http.StatusCreated, rec.Code)
	var created createKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.Key.ID)
	require.NoError(t, ValidateTokenFormat(created.Secret))

	// Listing never exposes the plaintext secret again.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, ownerRequest("GET", "/keys", "owner-1", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.Secret)
	assert.Contains(t, rec.Body.String(), created.Key.TokenPrefix)
}

func TestCreateKeyRequiresOwner(t *testing.T) {
	router, _ := newHandlerTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, ownerRequest("POST", "/keys", "", `{"name":"x"}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateKeyRejectsBadPermissions(t *testing.T) {
	router, _ := newHandlerTestRouter(t)

	body := `{"name":"bad","permissions":[{"resource":"invoices","actions":["read"]}]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, ownerRequest("POST", "/keys", "owner-1", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeKeyOverHTTP(t *testing.T) {
	router, service := newHandlerTestRouter(t)

	key, _, err := service.Issue(context.Background(), "owner-1", "k", readPermissions(), nil, nil)
	require.NoError(t, err)

	// Another owner cannot revoke it.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, ownerRequest("DELETE", "/keys/"+key.ID, "owner-2", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, ownerRequest("DELETE", "/keys/"+key.ID, "owner-1", ""))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
