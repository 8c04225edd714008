// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

// Key is the type for context keys to prevent collisions
type Key string

const (
	// APIKeyKey contains the validated *apikeys.APIKey for the request
	// Set by: gateway.Dispatcher after credential validation
	// Required by: resource handlers, rate limit evaluation
	APIKeyKey Key = "api_key"

	// OwnerIDKey contains the owning principal ID string of the validated key
	// Set by: gateway.Dispatcher
	// Used by: resource handlers for owner scoping
	OwnerIDKey Key = "owner_id"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: gateway.Dispatcher
	// Used by: logger, response metadata
	RequestIDKey Key = "request_id"
)
