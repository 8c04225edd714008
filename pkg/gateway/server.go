package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/casaflow/gateway/pkg/httputil"
)

// APIPrefix is stripped from inbound paths before dispatch; the dispatcher
// sees resource-relative paths like /properties/123.
const APIPrefix = "/api/v1"

// Server is the inbound HTTP surface. Every request under the API prefix is
// converted to the request envelope and run through the dispatcher; the
// dispatcher's response envelope is written back with rate-limit headers.
type Server struct {
	dispatcher *Dispatcher
}

// NewServer creates the HTTP surface over a dispatcher.
func NewServer(dispatcher *Dispatcher) *Server {
	return &Server{dispatcher: dispatcher}
}

// RegisterRoutes mounts the API surface on the router.
func (s *Server) RegisterRoutes(router *mux.Router) {
	router.PathPrefix(APIPrefix + "/").HandlerFunc(s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	req, err := s.buildRequest(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	resp := s.dispatcher.Dispatch(r.Context(), req)
	writeResponse(w, resp)
}

func (s *Server) buildRequest(r *http.Request) (*Request, error) {
	path := strings.TrimPrefix(r.URL.Path, APIPrefix)
	if path == "" || path == "/" {
		return nil, fmt.Errorf("missing resource path")
	}

	req := &Request{
		Method: r.Method,
		Path:   path,
		APIKey: extractAPIKey(r),
	}

	if len(r.URL.Query()) > 0 {
		req.Query = make(map[string]string)
		for key, values := range r.URL.Query() {
			req.Query[key] = values[0]
		}
	}

	req.Headers = make(map[string]string, len(r.Header))
	for key := range r.Header {
		req.Headers[key] = r.Header.Get(key)
	}

	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req.Body); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
	}
	return req, nil
}

// extractAPIKey reads the credential from the X-API-Key header or an
// Authorization bearer token.
func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	meta := resp.Metadata
	if meta.RateLimitLimit != nil {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(*meta.RateLimitLimit))
	}
	if meta.RateLimitRemaining != nil {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(*meta.RateLimitRemaining))
	}
	if meta.RateLimitReset != nil {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(meta.RateLimitReset.Unix(), 10))
	}
	if meta.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*meta.RetryAfter))
	}

	status := http.StatusOK
	if resp.Error != nil {
		status = resp.Error.Code.HTTPStatus()
	}
	httputil.WriteJSON(w, status, resp)
}
