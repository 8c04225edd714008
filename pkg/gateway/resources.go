package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casaflow/gateway/pkg/authz"
	"github.com/casaflow/gateway/pkg/webhooks"
)

// record is one stored resource object. Records are owner-scoped: a key's
// owning principal only sees its own records.
type record struct {
	ID        string                 `json:"id"`
	OwnerID   string                 `json:"owner_id"`
	Fields    map[string]interface{} `json:"fields"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// ResourceStore is an in-memory CRUD store backing one resource collection.
// Production deployments swap in a database-backed handler; the store exists
// so the pipeline is exercisable end to end without one.
//
// Accessors exchange copies: a record handed out is never the one in the
// map, so handlers can read response data without holding the store lock
// while a concurrent update mutates the stored fields.
type ResourceStore struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewResourceStore creates an empty store.
func NewResourceStore() *ResourceStore {
	return &ResourceStore{records: make(map[string]*record)}
}

func (s *ResourceStore) create(ownerID string, fields map[string]interface{}) *record {
	now := time.Now().UTC()
	rec := &record{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Fields:    cloneFields(fields),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return rec.clone()
}

func (s *ResourceStore) get(id, ownerID string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec.OwnerID != ownerID {
		return nil, false
	}
	return rec.clone(), true
}

func (s *ResourceStore) list(ownerID string) []*record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*record, 0)
	for _, rec := range s.records {
		if rec.OwnerID == ownerID {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *ResourceStore) update(id, ownerID string, fields map[string]interface{}) (*record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.OwnerID != ownerID {
		return nil, false
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	rec.UpdatedAt = time.Now().UTC()
	return rec.clone(), true
}

func (s *ResourceStore) delete(id, ownerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.OwnerID != ownerID {
		return false
	}
	delete(s.records, id)
	return true
}

func (s *ResourceStore) count(ownerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if rec.OwnerID == ownerID {
			n++
		}
	}
	return n
}

func (r *record) clone() *record {
	out := *r
	out.Fields = cloneFields(r.Fields)
	return &out
}

func cloneFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// recordResponse flattens a record for the response envelope: stored fields
// plus the identity and timestamp columns. The flat shape is what the event
// filters match against.
func recordResponse(rec *record) map[string]interface{} {
	out := cloneFields(rec.Fields)
	out["id"] = rec.ID
	out["owner_id"] = rec.OwnerID
	out["created_at"] = rec.CreatedAt
	out["updated_at"] = rec.UpdatedAt
	return out
}

// pathID extracts the record ID from the secondary path segment.
func pathID(path string) (string, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || segments[1] == "" {
		return "", ValidationError("missing resource id in path")
	}
	return segments[1], nil
}

// RegisterResourceHandlers wires CRUD handlers for every domain resource onto
// the dispatcher: store-backed collections for the data resources, an
// aggregate view for analytics, and the webhook registry for webhooks.
func RegisterResourceHandlers(d *Dispatcher, registry *webhooks.Registry) error {
	collections := []authz.Resource{
		authz.ResourceProperties,
		authz.ResourceOffers,
		authz.ResourceUsers,
		authz.ResourceTasks,
		authz.ResourceDocuments,
		authz.ResourceCommunications,
		authz.ResourceTemplates,
	}

	stores := make(map[authz.Resource]*ResourceStore, len(collections))
	for _, resource := range collections {
		store := NewResourceStore()
		stores[resource] = store
		for action, handler := range crudHandlers(store) {
			if err := d.Register(resource, action, handler); err != nil {
				return err
			}
		}
	}

	if err := d.Register(authz.ResourceAnalytics, authz.ActionList, analyticsHandler(stores)); err != nil {
		return err
	}
	return registerWebhookHandlers(d, registry)
}

func crudHandlers(store *ResourceStore) map[authz.Action]HandlerFunc {
	return map[authz.Action]HandlerFunc{
		authz.ActionCreate: func(ctx context.Context, req *Request, ownerID string) (interface{}, error) {
			if len(req.Body) == 0 {
				return nil, ValidationError("request body is required")
			}
			return recordResponse(store.create(ownerID, req.Body)), nil
		},
		authz.ActionList: func(ctx context.Context, req *Request, ownerID string) (interface{}, error) {
			records := store.list(ownerID)
			out := make([]map[string]interface{}, 0, len(records))
			for _, rec := range records {
				out = append(out, recordResponse(rec))
			}
			return out, nil
		},
		authz.ActionRead: func(ctx context.Context, req *Request, ownerID string) (interface{}, error) {
			id, err := pathID(req.Path)
			if err != nil {
				return nil, err
			}
			rec, ok := store.get(id, ownerID)
			if !ok {
				return nil, NotFoundError("resource not found")
			}
			return recordResponse(rec), nil
		},
		authz.ActionUpdate: func(ctx context.Context, req *Request, ownerID string) (interface{}, error) {
			id, err := pathID(req.Path)
			if err != nil {
				return nil, err
			}
			if len(req.Body) == 0 {
				return nil, ValidationError("request body is required")
			}
			rec, ok := store.update(id, ownerID, req.Body)
			if !ok {
				return nil, NotFoundError("resource not found")
			}
			return recordResponse(rec), nil
		},
		authz.ActionDelete: func(ctx context.Context, req *Request, ownerID string) (interface{}, error) {
			id, err := pathID(req.Path)
			if err != nil {
				return nil, err
			}
			rec, ok := store.get(id, ownerID)
			if !ok {
				return nil, NotFoundError("resource not found")
			}
			deleted := recordResponse(rec)
			store.delete(id, ownerID)
			return deleted, nil
		},
	}
}

// analyticsHandler reports per-collection record counts for the owner.
func analyticsHandler(stores map[authz.Resource]*ResourceStore) HandlerFunc {
	return func(ctx context.Context, req *Request, ownerID string) (interface{}, error) {
		counts := make(map[string]int, len(stores))
		total := 0
		for resource, store := range stores {
			n := store.count(ownerID)
			counts[string(resource)] = n
			total += n
		}
		return map[string]interface{}{
			"counts":       counts,
			"total":        total,
			"generated_at": time.Now().UTC(),
		}, nil
	}
}

// registerWebhookHandlers exposes the subscription registry as an API
// resource so callers with webhooks permissions can manage their own
// subscriptions through the gateway itself.
func registerWebhookHandlers(d *Dispatcher, registry *webhooks.Registry) error {
	ownedConfig := func(id, ownerID string) (*webhooks.Config, error) {
		config, err := registry.Get(id)
		if err != nil || config.OwnerID != ownerID {
			return nil, NotFoundError("webhook not found")
		}
		return config, nil
	}

	handlers := map[authz.Action]HandlerFunc{
		authz.ActionCreate: func(ctx context.Context, req *Request, ownerID string) (interface{}, error) {
			config, err := decodeWebhookConfig(req.Body)
			if err != nil {
				return nil, err
			}
			config.OwnerID = ownerID
			created, err := registry.Register(config)
			if err != nil {
				return nil, ValidationError(err.Error())
			}
			// Secret included once, on creation only.
			return created, nil
		},
		authz.ActionList: func(ctx context.Context, req *Request, ownerID string) (interface{}, error) {
			configs := registry.List(ownerID)
			for _, config := range configs {
				config.Secret = ""
			}
			return configs, nil
		},
		authz.ActionRead: func(ctx context.Context, req *Request, ownerID string) (interface{}, error) {
			id, err := pathID(req.Path)
			if err != nil {
				return nil, err
			}
			config, err := ownedConfig(id, ownerID)
			if err != nil {
				return nil, err
			}
			config.Secret = ""
			return config, nil
		},
		authz.ActionUpdate: func(ctx context.Context, req *Request, ownerID string) (interface{}, error) {
			id, err := pathID(req.Path)
			if err != nil {
				return nil, err
			}
			if _, err := ownedConfig(id, ownerID); err != nil {
				return nil, err
			}
			updates, err := decodeWebhookConfig(req.Body)
			if err != nil {
				return nil, err
			}
			updated, err := registry.Update(id, updates)
			if err != nil {
				if errors.Is(err, webhooks.ErrNotFound) {
					return nil, NotFoundError("webhook not found")
				}
				return nil, ValidationError(err.Error())
			}
			updated.Secret = ""
			return updated, nil
		},
		authz.ActionDelete: func(ctx context.Context, req *Request, ownerID string) (interface{}, error) {
			id, err := pathID(req.Path)
			if err != nil {
				return nil, err
			}
			config, err := ownedConfig(id, ownerID)
			if err != nil {
				return nil, err
			}
			if err := registry.Delete(id); err != nil {
				return nil, NotFoundError("webhook not found")
			}
			config.Secret = ""
			return config, nil
		},
	}

	for action, handler := range handlers {
		if err := d.Register(authz.ResourceWebhooks, action, handler); err != nil {
			return err
		}
	}
	return nil
}

// decodeWebhookConfig converts a request body into a subscription config.
// Going through the JSON field names keeps the inbound shape identical to the
// management API's.
func decodeWebhookConfig(body map[string]interface{}) (*webhooks.Config, error) {
	if len(body) == 0 {
		return nil, ValidationError("request body is required")
	}

	config := &webhooks.Config{}
	if v, ok := body["name"].(string); ok {
		config.Name = v
	}
	if v, ok := body["url"].(string); ok {
		config.URL = v
	}
	if v, ok := body["secret"].(string); ok {
		config.Secret = v
	}
	if events, ok := body["events"].([]interface{}); ok {
		for _, e := range events {
			name, ok := e.(string)
			if !ok {
				return nil, ValidationError("events must be strings")
			}
			event, err := webhooks.ParseEventType(name)
			if err != nil {
				return nil, ValidationError(err.Error())
			}
			config.Events = append(config.Events, event)
		}
	}
	if filters, ok := body["filters"].(map[string]interface{}); ok {
		config.Filters = filters
	}
	if headers, ok := body["headers"].(map[string]interface{}); ok {
		config.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			s, ok := v.(string)
			if !ok {
				return nil, ValidationError(fmt.Sprintf("header %q must be a string", k))
			}
			config.Headers[k] = s
		}
	}
	if policy, ok := body["retry_policy"].(map[string]interface{}); ok {
		if v, ok := policy["max_retries"].(float64); ok {
			config.RetryPolicy.MaxRetries = int(v)
		}
		if v, ok := policy["backoff_multiplier"].(float64); ok {
			config.RetryPolicy.BackoffMultiplier = v
		}
	}
	return config, nil
}
