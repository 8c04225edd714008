// Package webhooks stores subscriber configurations and delivers signed
// event notifications with retry and backoff.
package webhooks

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of domain events subscribers can receive.
type EventType string

const (
	EventPropertyCreated    EventType = "property.created"
	EventPropertyUpdated    EventType = "property.updated"
	EventPropertyDeleted    EventType = "property.deleted"
	EventOfferCreated       EventType = "offer.created"
	EventOfferUpdated       EventType = "offer.updated"
	EventOfferStatusChanged EventType = "offer.status_changed"
	EventUserCreated        EventType = "user.created"
	EventUserUpdated        EventType = "user.updated"
	EventTaskCreated        EventType = "task.created"
	EventTaskUpdated        EventType = "task.updated"
	EventTaskCompleted      EventType = "task.completed"
	EventCommunicationSent  EventType = "communication.sent"
	EventDocumentUploaded   EventType = "document.uploaded"
)

var eventTypes = map[EventType]bool{
	EventPropertyCreated:    true,
	EventPropertyUpdated:    true,
	EventPropertyDeleted:    true,
	EventOfferCreated:       true,
	EventOfferUpdated:       true,
	EventOfferStatusChanged: true,
	EventUserCreated:        true,
	EventUserUpdated:        true,
	EventTaskCreated:        true,
	EventTaskUpdated:        true,
	EventTaskCompleted:      true,
	EventCommunicationSent:  true,
	EventDocumentUploaded:   true,
}

// ParseEventType validates an event name against the closed enumeration.
func ParseEventType(s string) (EventType, error) {
	e := EventType(s)
	if !eventTypes[e] {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return e, nil
}

// RetryPolicy controls delivery retries. An attempt that fails with attempt
// number n is retried after backoffMultiplier^n seconds while n <= MaxRetries,
// so a webhook gets the initial attempt plus up to MaxRetries retries.
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// DefaultRetryPolicy returns the retry policy used when a subscription does
// not carry its own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BackoffMultiplier: 2.0}
}

// Delay returns how long to wait after a failure at the given attempt number.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	seconds := 1.0
	for i := 0; i < attempt; i++ {
		seconds *= p.BackoffMultiplier
	}
	return time.Duration(seconds * float64(time.Second))
}

// ShouldRetry reports whether a failure at the given attempt gets another try.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt <= p.MaxRetries
}

// Config is a registered webhook subscription.
type Config struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	URL         string                 `json:"url"`
	Events      []EventType            `json:"events"`
	Secret      string                 `json:"secret,omitempty"`
	OwnerID     string                 `json:"owner_id,omitempty"`
	Active      bool                   `json:"active"`
	RetryPolicy RetryPolicy            `json:"retry_policy"`
	Filters     map[string]interface{} `json:"filters,omitempty"`
	Headers     map[string]string      `json:"headers,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// subscribed reports whether the config listens for the event type.
func (c *Config) subscribed(event EventType) bool {
	for _, e := range c.Events {
		if e == event {
			return true
		}
	}
	return false
}

// matchesFilters applies the optional field-equality filters to the payload
// data. Every filter must match; a missing field is a mismatch.
func (c *Config) matchesFilters(data map[string]interface{}) bool {
	for field, want := range c.Filters {
		got, ok := data[field]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (c *Config) clone() *Config {
	out := *c
	out.Events = append([]EventType(nil), c.Events...)
	if c.Filters != nil {
		out.Filters = make(map[string]interface{}, len(c.Filters))
		for k, v := range c.Filters {
			out.Filters[k] = v
		}
	}
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

// Payload is the JSON body delivered to subscribers.
type Payload struct {
	Event     EventType              `json:"event"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	WebhookID string                 `json:"webhookId"`
	Attempt   int                    `json:"attempt"`
}

// ErrNotFound is returned when no webhook matches the lookup.
var ErrNotFound = fmt.Errorf("webhook not found")

// Registry stores webhook subscriptions. Configs are read on every trigger
// and written rarely, so lookups take the read lock and return copies.
type Registry struct {
	mu       sync.RWMutex
	webhooks map[string]*Config
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{webhooks: make(map[string]*Config)}
}

// Register validates and stores a new subscription. A shared secret is
// generated when the caller does not provide one.
func (r *Registry) Register(config *Config) (*Config, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	config.ID = uuid.NewString()
	if config.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			return nil, err
		}
		config.Secret = secret
	}
	if config.RetryPolicy.MaxRetries <= 0 || config.RetryPolicy.BackoffMultiplier <= 1.0 {
		config.RetryPolicy = DefaultRetryPolicy()
	}
	config.Active = true
	now := time.Now().UTC()
	config.CreatedAt = now
	config.UpdatedAt = now

	r.mu.Lock()
	r.webhooks[config.ID] = config.clone()
	r.mu.Unlock()
	return config, nil
}

// Update applies non-zero fields of updates to an existing subscription.
func (r *Registry) Update(id string, updates *Config) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	config, ok := r.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}

	if updates.URL != "" {
		if _, err := url.ParseRequestURI(updates.URL); err != nil {
			return nil, fmt.Errorf("invalid webhook URL: %w", err)
		}
		config.URL = updates.URL
	}
	if updates.Name != "" {
		config.Name = updates.Name
	}
	if len(updates.Events) > 0 {
		for _, e := range updates.Events {
			if !eventTypes[e] {
				return nil, fmt.Errorf("unknown event type %q", e)
			}
		}
		config.Events = append([]EventType(nil), updates.Events...)
	}
	if updates.Secret != "" {
		config.Secret = updates.Secret
	}
	if updates.Filters != nil {
		config.Filters = updates.Filters
	}
	if updates.Headers != nil {
		config.Headers = updates.Headers
	}
	if updates.RetryPolicy.MaxRetries > 0 {
		config.RetryPolicy.MaxRetries = updates.RetryPolicy.MaxRetries
	}
	if updates.RetryPolicy.BackoffMultiplier > 1.0 {
		config.RetryPolicy.BackoffMultiplier = updates.RetryPolicy.BackoffMultiplier
	}
	config.UpdatedAt = time.Now().UTC()

	return config.clone(), nil
}

// SetActive toggles a subscription.
func (r *Registry) SetActive(id string, active bool) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	config, ok := r.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	config.Active = active
	config.UpdatedAt = time.Now().UTC()
	return config.clone(), nil
}

// Delete removes a subscription.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.webhooks[id]; !ok {
		return ErrNotFound
	}
	delete(r.webhooks, id)
	return nil
}

// Get returns a subscription by ID.
func (r *Registry) Get(id string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	config, ok := r.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return config.clone(), nil
}

// List returns all subscriptions, optionally scoped to an owner.
func (r *Registry) List(ownerID string) []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Config, 0, len(r.webhooks))
	for _, config := range r.webhooks {
		if ownerID != "" && config.OwnerID != ownerID {
			continue
		}
		out = append(out, config.clone())
	}
	return out
}

// Match returns the active subscriptions for an event whose filters all
// equal-match the payload data. An owner ID further scopes the match.
func (r *Registry) Match(event EventType, data map[string]interface{}, ownerID string) []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Config
	for _, config := range r.webhooks {
		if !config.Active || !config.subscribed(event) {
			continue
		}
		if ownerID != "" && config.OwnerID != "" && config.OwnerID != ownerID {
			continue
		}
		if !config.matchesFilters(data) {
			continue
		}
		out = append(out, config.clone())
	}
	return out
}

func validateConfig(config *Config) error {
	if config.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if _, err := url.ParseRequestURI(config.URL); err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if len(config.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, e := range config.Events {
		if !eventTypes[e] {
			return fmt.Errorf("unknown event type %q", e)
		}
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

// Sign computes the signature header value for a payload body:
// "sha256=" followed by the hex HMAC-SHA256 of the body under the secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature lets receivers check a delivery: recompute the keyed hash
// over the raw body with their copy of the secret and compare.
func VerifySignature(body []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
