// Package apikeys implements the credential store: issuing, validating,
// revoking and listing API keys. Secrets are stored only as SHA-256 hashes;
// the plaintext token is returned exactly once at issue time.
package apikeys

import (
	"errors"
	"time"

	"github.com/casaflow/gateway/pkg/authz"
)

var (
	// ErrNotFound is returned when no key matches the lookup.
	ErrNotFound = errors.New("api key not found")
	// ErrInactive is returned when the key has been revoked.
	ErrInactive = errors.New("api key is inactive")
	// ErrExpired is returned when the key is past its expiry.
	ErrExpired = errors.New("api key is expired")
)

// RateCeiling is the per-key request ceiling. It can only tighten the
// endpoint rule it is combined with, never loosen it.
type RateCeiling struct {
	MaxRequests   int `json:"max_requests" yaml:"max_requests"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

// DefaultRateCeiling is applied when a key is issued without one.
func DefaultRateCeiling() RateCeiling {
	return RateCeiling{MaxRequests: 1000, WindowSeconds: 3600}
}

// APIKey is a third-party caller credential.
type APIKey struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	OwnerID     string              `json:"owner_id"`
	TokenHash   string              `json:"-"` // never exposed
	TokenPrefix string              `json:"token_prefix"`
	Permissions authz.PermissionSet `json:"permissions"`
	RateCeiling RateCeiling         `json:"rate_ceiling"`
	CreatedAt   time.Time           `json:"created_at"`
	LastUsedAt  *time.Time          `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
	Active      bool                `json:"active"`
}

// Usable reports whether the key can authenticate a request at t.
func (k *APIKey) Usable(t time.Time) error {
	if !k.Active {
		return ErrInactive
	}
	if k.ExpiresAt != nil && t.After(*k.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// RedactedSecret is the placeholder shown in listings instead of the secret.
func (k *APIKey) RedactedSecret() string {
	return k.TokenPrefix + "…"
}

func (k *APIKey) clone() *APIKey {
	out := *k
	out.Permissions = append(authz.PermissionSet(nil), k.Permissions...)
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		out.LastUsedAt = &t
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}
