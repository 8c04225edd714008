package webhooks

import (
	"sort"
	"sync"
	"time"
)

// DeliveryStatus tracks a delivery through its state machine:
// Pending → Sent | FailedRetryable → (after backoff) Pending | FailedTerminal.
type DeliveryStatus string

const (
	DeliveryStatusPending        DeliveryStatus = "pending"
	DeliveryStatusSent           DeliveryStatus = "sent"
	DeliveryStatusFailedRetry    DeliveryStatus = "failed_retryable"
	DeliveryStatusFailedTerminal DeliveryStatus = "failed_terminal"
)

// DeliveryRecord is the observable trace of one delivery sequence. It lives
// in memory only for operational inspection; it is not durable.
type DeliveryRecord struct {
	ID           string         `json:"id"`
	WebhookID    string         `json:"webhook_id"`
	Event        EventType      `json:"event"`
	URL          string         `json:"url"`
	Status       DeliveryStatus `json:"status"`
	StatusCode   int            `json:"status_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Attempts     int            `json:"attempts"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Duration     time.Duration  `json:"duration,omitempty"`
}

// DeliveryStats summarizes outcomes for one webhook.
type DeliveryStats struct {
	WebhookID   string  `json:"webhook_id"`
	Total       int     `json:"total"`
	Sent        int     `json:"sent"`
	Failed      int     `json:"failed"`
	Retrying    int     `json:"retrying"`
	SuccessRate float64 `json:"success_rate"`
}

func (r *DeliveryRecord) clone() *DeliveryRecord {
	out := *r
	if r.NextRetryAt != nil {
		t := *r.NextRetryAt
		out.NextRetryAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// DeliveryLog keeps a bounded in-memory record of recent deliveries. Records
// in the map are never mutated in place: readers get copies, and writers hand
// in a record that is copied on store. The delivery workers can therefore
// update a record they hold while the management API reads the log.
type DeliveryLog struct {
	mu         sync.RWMutex
	records    map[string]*DeliveryRecord
	maxRecords int
}

// NewDeliveryLog creates a delivery log bounded to maxRecords entries.
func NewDeliveryLog(maxRecords int) *DeliveryLog {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &DeliveryLog{
		records:    make(map[string]*DeliveryRecord),
		maxRecords: maxRecords,
	}
}

// Add stores a copy of the record, evicting the oldest tenth when full.
func (l *DeliveryLog) Add(record *DeliveryRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) >= l.maxRecords {
		l.evictOldest()
	}
	l.records[record.ID] = record.clone()
}

// Update replaces a stored record with a copy of the given one.
func (l *DeliveryLog) Update(record *DeliveryRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[record.ID] = record.clone()
}

// Get returns a copy of a record by ID.
func (l *DeliveryLog) Get(id string) (*DeliveryRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	record, ok := l.records[id]
	if !ok {
		return nil, false
	}
	return record.clone(), true
}

// ByWebhook returns copies of the most recent records for a webhook.
func (l *DeliveryLog) ByWebhook(webhookID string, limit int) []*DeliveryRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*DeliveryRecord
	for _, record := range l.records {
		if record.WebhookID == webhookID {
			out = append(out, record.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats summarizes delivery outcomes for a webhook.
func (l *DeliveryLog) Stats(webhookID string) DeliveryStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := DeliveryStats{WebhookID: webhookID}
	for _, record := range l.records {
		if record.WebhookID != webhookID {
			continue
		}
		stats.Total++
		switch record.Status {
		case DeliveryStatusSent:
			stats.Sent++
		case DeliveryStatusFailedTerminal:
			stats.Failed++
		case DeliveryStatusFailedRetry, DeliveryStatusPending:
			stats.Retrying++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Sent) / float64(stats.Total)
	}
	return stats
}

func (l *DeliveryLog) evictOldest() {
	records := make([]*DeliveryRecord, 0, len(l.records))
	for _, record := range l.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	evict := len(records) / 10
	if evict == 0 {
		evict = 1
	}
	for i := 0; i < evict && i < len(records); i++ {
		delete(l.records, records[i].ID)
	}
}
