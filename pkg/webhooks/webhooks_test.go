package webhooks

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterGeneratesSecret(t *testing.T) {
	registry := NewRegistry()

	config, err := registry.Register(&Config{
		Name:   "crm sync",
		URL:    "https://example.com/hook",
		Events: []EventType{EventPropertyCreated},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, config.ID)
	assert.True(t, config.Active)
	assert.True(t, strings.HasPrefix(config.Secret, "whsec_"))
	assert.Equal(t, DefaultRetryPolicy(), config.RetryPolicy)
}

func TestRegisterKeepsProvidedSecret(t *testing.T) {
	registry := NewRegistry()

	config, err := registry.Register(&Config{
		URL:    "https://example.com/hook",
		Events: []EventType{EventPropertyCreated},
		Secret: "shared-with-subscriber",
	})
	require.NoError(t, err)
	assert.Equal(t, "shared-with-subscriber", config.Secret)
}

func TestRegisterValidation(t *testing.T) {
	registry := NewRegistry()

	tests := []struct {
		name   string
		config *Config
	}{
		{"missing url", &Config{Events: []EventType{EventPropertyCreated}}},
		{"invalid url", &Config{URL: "not a url", Events: []EventType{EventPropertyCreated}}},
		{"no events", &Config{URL: "https://example.com/hook"}},
		{"unknown event", &Config{URL: "https://example.com/hook", Events: []EventType{"property.archived"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.Register(tt.config)
			assert.Error(t, err)
		})
	}
}

func TestUpdateAndDelete(t *testing.T) {
	registry := NewRegistry()

	config, err := registry.Register(&Config{
		URL:    "https://example.com/hook",
		Events: []EventType{EventPropertyCreated},
	})
	require.NoError(t, err)

	updated, err := registry.Update(config.ID, &Config{
		URL:    "https://example.com/hook/v2",
		Events: []EventType{EventOfferCreated, EventOfferStatusChanged},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook/v2", updated.URL)
	assert.Equal(t, []EventType{EventOfferCreated, EventOfferStatusChanged}, updated.Events)

	_, err = registry.Update("missing", &Config{URL: "https://example.com"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, registry.Delete(config.ID))
	_, err = registry.Get(config.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMatch(t *testing.T) {
	registry := NewRegistry()

	subscribed, err := registry.Register(&Config{
		URL:    "https://example.com/a",
		Events: []EventType{EventOfferCreated},
	})
	require.NoError(t, err)

	_, err = registry.Register(&Config{
		URL:    "https://example.com/b",
		Events: []EventType{EventTaskCreated},
	})
	require.NoError(t, err)

	matches := registry.Match(EventOfferCreated, map[string]interface{}{"status": "nueva"}, "")
	require.Len(t, matches, 1)
	assert.Equal(t, subscribed.ID, matches[0].ID)

	// An event nobody subscribes to matches nothing, even when the payload
	// looks interesting.
	matches = registry.Match(EventOfferStatusChanged, map[string]interface{}{"status": "aceptada"}, "")
	assert.Len(t, matches, 0)
}

func TestMatchFilters(t *testing.T) {
	registry := NewRegistry()

	config, err := registry.Register(&Config{
		URL:     "https://example.com/hook",
		Events:  []EventType{EventOfferStatusChanged},
		Filters: map[string]interface{}{"status": "aceptada"},
	})
	require.NoError(t, err)

	matches := registry.Match(EventOfferStatusChanged, map[string]interface{}{"status": "aceptada"}, "")
	require.Len(t, matches, 1)
	assert.Equal(t, config.ID, matches[0].ID)

	assert.Len(t, registry.Match(EventOfferStatusChanged, map[string]interface{}{"status": "rechazada"}, ""), 0)
	assert.Len(t, registry.Match(EventOfferStatusChanged, map[string]interface{}{}, ""), 0)
}

func TestMatchOwnerScoping(t *testing.T) {
	registry := NewRegistry()

	mine, err := registry.Register(&Config{
		URL:     "https://example.com/mine",
		Events:  []EventType{EventTaskCreated},
		OwnerID: "owner-1",
	})
	require.NoError(t, err)

	_, err = registry.Register(&Config{
		URL:     "https://example.com/theirs",
		Events:  []EventType{EventTaskCreated},
		OwnerID: "owner-2",
	})
	require.NoError(t, err)

	matches := registry.Match(EventTaskCreated, nil, "owner-1")
	require.Len(t, matches, 1)
	assert.Equal(t, mine.ID, matches[0].ID)
}

func TestMatchSkipsInactive(t *testing.T) {
	registry := NewRegistry()

	config, err := registry.Register(&Config{
		URL:    "https://example.com/hook",
		Events: []EventType{EventTaskCreated},
	})
	require.NoError(t, err)

	_, err = registry.SetActive(config.ID, false)
	require.NoError(t, err)

	assert.Len(t, registry.Match(EventTaskCreated, nil, ""), 0)
}

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BackoffMultiplier: 2.0}

	assert.Equal(t, 2*time.Second, policy.Delay(1))
	assert.Equal(t, 4*time.Second, policy.Delay(2))
	assert.Equal(t, 8*time.Second, policy.Delay(3))

	assert.True(t, policy.ShouldRetry(1))
	assert.True(t, policy.ShouldRetry(3))
	assert.False(t, policy.ShouldRetry(4))
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event":"offer.created","data":{"id":"o-1"}}`)

	signature := Sign(body, "secret-a")
	assert.True(t, strings.HasPrefix(signature, "sha256="))

	// Same body and secret reproduce the signature; a wrong secret or a
	// tampered body never match.
	assert.True(t, VerifySignature(body, signature, "secret-a"))
	assert.False(t, VerifySignature(body, signature, "secret-b"))
	assert.False(t, VerifySignature([]byte(`{"event":"offer.created"}`), signature, "secret-a"))
}

func TestParseEventType(t *testing.T) {
	event, err := ParseEventType("offer.status_changed")
	require.NoError(t, err)
	assert.Equal(t, EventOfferStatusChanged, event)

	_, err = ParseEventType("offer.archived")
	assert.Error(t, err)
}

func TestDeliveryLogBounds(t *testing.T) {
	log := NewDeliveryLog(10)

	base := time.Now().UTC()
	for i := 0; i < 12; i++ {
		log.Add(&DeliveryRecord{
			ID:        string(rune('a' + i)),
			WebhookID: "wh-1",
			Status:    DeliveryStatusSent,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	records := log.ByWebhook("wh-1", 0)
	assert.True(t, len(records) <= 10)

	// Newest first; the oldest entries are the ones evicted.
	assert.Equal(t, base.Add(11*time.Second), records[0].CreatedAt)
}

func TestDeliveryLogCopyOnRead(t *testing.T) {
	log := NewDeliveryLog(10)
	pending := &DeliveryRecord{ID: "d1", WebhookID: "wh-1", Status: DeliveryStatusPending, CreatedAt: time.Now()}
	log.Add(pending)

	// Mutations on handed-out records never reach the stored copy.
	got, ok := log.Get("d1")
	require.True(t, ok)
	got.Status = DeliveryStatusSent

	again, ok := log.Get("d1")
	require.True(t, ok)
	assert.Equal(t, DeliveryStatusPending, again.Status)

	records := log.ByWebhook("wh-1", 0)
	require.Len(t, records, 1)
	records[0].Status = DeliveryStatusSent
	assert.Equal(t, 1, log.Stats("wh-1").Retrying)

	// The record added keeps a life of its own too.
	pending.Status = DeliveryStatusSent
	again, _ = log.Get("d1")
	assert.Equal(t, DeliveryStatusPending, again.Status)
}

func TestDeliveryLogConcurrentUpdateAndStats(t *testing.T) {
	log := NewDeliveryLog(100)
	log.Add(&DeliveryRecord{ID: "d1", WebhookID: "wh-1", Status: DeliveryStatusPending, CreatedAt: time.Now()})

	// A delivery worker updating a record while the management surface reads
	// the log must never touch the same record instance.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			record, ok := log.Get("d1")
			if !ok {
				return
			}
			record.Attempts = i
			record.Status = DeliveryStatusFailedRetry
			next := time.Now().Add(time.Second)
			record.NextRetryAt = &next
			log.Update(record)
		}(i)
		go func() {
			defer wg.Done()
			log.Stats("wh-1")
			log.ByWebhook("wh-1", 0)
		}()
	}
	wg.Wait()

	record, ok := log.Get("d1")
	require.True(t, ok)
	assert.Equal(t, DeliveryStatusFailedRetry, record.Status)
}

func TestDeliveryLogStats(t *testing.T) {
	log := NewDeliveryLog(100)

	log.Add(&DeliveryRecord{ID: "1", WebhookID: "wh-1", Status: DeliveryStatusSent, CreatedAt: time.Now()})
	log.Add(&DeliveryRecord{ID: "2", WebhookID: "wh-1", Status: DeliveryStatusSent, CreatedAt: time.Now()})
	log.Add(&DeliveryRecord{ID: "3", WebhookID: "wh-1", Status: DeliveryStatusFailedTerminal, CreatedAt: time.Now()})
	log.Add(&DeliveryRecord{ID: "4", WebhookID: "wh-1", Status: DeliveryStatusFailedRetry, CreatedAt: time.Now()})
	log.Add(&DeliveryRecord{ID: "5", WebhookID: "other", Status: DeliveryStatusSent, CreatedAt: time.Now()})

	stats := log.Stats("wh-1")
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Sent)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Retrying)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.001)
}
