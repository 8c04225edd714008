package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/casaflow/gateway/pkg/apikeys"
	"github.com/casaflow/gateway/pkg/authz"
	"github.com/casaflow/gateway/pkg/contextkeys"
	"github.com/casaflow/gateway/pkg/observability"
	"github.com/casaflow/gateway/pkg/ratelimit"
	"github.com/casaflow/gateway/pkg/webhooks"
)

// HandlerFunc is a resource handler. It receives the validated owner ID of
// the presented key; owner scoping of the underlying data is the handler's
// responsibility.
type HandlerFunc func(ctx context.Context, req *Request, ownerID string) (interface{}, error)

type handlerKey struct {
	resource authz.Resource
	action   authz.Action
}

// Dispatcher runs the orchestration pipeline for every inbound request:
// credential validation, rate limiting, authorization, then the resource
// handler. Checks run strictly in that order and fail fast; a request
// rejected by one stage never reaches the next.
type Dispatcher struct {
	keys       *apikeys.Service
	limiter    ratelimit.Evaluator
	engine     *webhooks.Engine
	handlers   map[handlerKey]HandlerFunc
	logger     *observability.Logger
	metrics    *observability.Metrics
	production bool
	now        func() time.Time
}

// NewDispatcher creates a dispatcher. In production mode internal error
// details are logged but withheld from responses.
func NewDispatcher(keys *apikeys.Service, limiter ratelimit.Evaluator, engine *webhooks.Engine, logger *observability.Logger, metrics *observability.Metrics, production bool) *Dispatcher {
	return &Dispatcher{
		keys:       keys,
		limiter:    limiter,
		engine:     engine,
		handlers:   make(map[handlerKey]HandlerFunc),
		logger:     logger,
		metrics:    metrics,
		production: production,
		now:        time.Now,
	}
}

// Register binds a handler to a (resource, action) pair. Registering an
// unknown resource or action is a programming error.
func (d *Dispatcher) Register(resource authz.Resource, action authz.Action, handler HandlerFunc) error {
	if _, err := authz.ParseResource(string(resource)); err != nil {
		return err
	}
	if _, err := authz.ParseAction(string(action)); err != nil {
		return err
	}
	d.handlers[handlerKey{resource, action}] = handler
	return nil
}

// Dispatch runs one request through the pipeline and always returns a
// response; pipeline failures are encoded in the envelope, never returned as
// Go errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	start := d.now()
	requestID := uuid.NewString()
	ctx = context.WithValue(ctx, contextkeys.RequestIDKey, requestID)
	meta := Metadata{Timestamp: start.UTC(), RequestID: requestID}

	log := d.logger.WithFields(map[string]interface{}{
		"request_id": requestID,
		"method":     req.Method,
		"path":       req.Path,
	})

	// 1. Credential. Nothing else is evaluated for an invalid key.
	key, err := d.keys.Validate(ctx, req.APIKey)
	if err != nil {
		log.WithError(err).Info("request rejected: invalid api key")
		return d.fail(req, start, meta, &Error{Code: CodeInvalidAPIKey, Message: invalidKeyMessage(err)})
	}
	ctx = context.WithValue(ctx, contextkeys.OwnerIDKey, key.OwnerID)
	ctx = context.WithValue(ctx, contextkeys.APIKeyKey, key.ID)

	// 2. Rate limit. A limiter error fails open: availability over strict
	// accounting when the shared counter store is down.
	decision, err := d.limiter.Allow(ctx, key.ID, req.Method, req.Path, ratelimit.Ceiling{
		MaxRequests:   key.RateCeiling.MaxRequests,
		WindowSeconds: key.RateCeiling.WindowSeconds,
	})
	if err != nil {
		log.WithError(err).Warn("rate limiter unavailable, admitting request")
		decision = ratelimit.Decision{Allowed: true}
	}
	applyRateMetadata(&meta, decision)
	if !decision.Allowed {
		log.WithField("tier", string(decision.Tier)).Info("request rejected: rate limit exceeded")
		return d.fail(req, start, meta, &Error{
			Code:    CodeRateLimitExceeded,
			Message: fmt.Sprintf("rate limit exceeded, retry after %d seconds", retryAfterSeconds(decision)),
		})
	}

	// 3. Authorization. Pure check, no I/O.
	resource, action, err := authz.Route(req.Method, req.Path)
	if err != nil {
		return d.fail(req, start, meta, &Error{Code: CodeNotFound, Message: err.Error()})
	}
	if !key.Permissions.Allows(resource, action) {
		log.WithFields(map[string]interface{}{
			"resource": string(resource),
			"action":   string(action),
		}).Info("request rejected: insufficient permissions")
		return d.fail(req, start, meta, &Error{
			Code:    CodeInsufficientPermissions,
			Message: fmt.Sprintf("key does not permit %s on %s", action, resource),
		})
	}

	// 4. Resource handler.
	handler, ok := d.handlers[handlerKey{resource, action}]
	if !ok {
		return d.fail(req, start, meta, &Error{
			Code:    CodeNotFound,
			Message: fmt.Sprintf("no handler for %s %s", req.Method, req.Path),
		})
	}

	data, handlerErr := d.invoke(ctx, handler, req, key.OwnerID)
	if handlerErr != nil {
		return d.fail(req, start, meta, d.normalize(log, handlerErr))
	}

	// 5. Domain event, fire and forget. A failed or dropped delivery never
	// fails the request that caused it.
	if event, ok := eventFor(resource, action, data); ok {
		d.engine.Trigger(event, eventData(data), key.OwnerID)
	}

	meta.DurationMS = d.now().Sub(start).Milliseconds()
	d.count(req, "ok", start)
	return &Response{Success: true, Data: data, Metadata: meta}
}

// invoke runs the handler with panic containment. A panicking handler is an
// internal error, not a crashed service.
func (d *Dispatcher) invoke(ctx context.Context, handler HandlerFunc, req *Request, ownerID string) (data interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, req, ownerID)
}

// normalize maps a handler error to the response taxonomy. Handlers may
// return *Error directly; anything else becomes INTERNAL_ERROR with detail
// withheld in production.
func (d *Dispatcher) normalize(log *observability.Logger, err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	log.WithError(err).Error("resource handler failed")
	out := &Error{Code: CodeInternalError, Message: "internal error"}
	if !d.production {
		out.Details = err.Error()
	}
	return out
}

func (d *Dispatcher) fail(req *Request, start time.Time, meta Metadata, apiErr *Error) *Response {
	meta.DurationMS = d.now().Sub(start).Milliseconds()
	d.count(req, string(apiErr.Code), start)
	return &Response{Success: false, Error: apiErr, Metadata: meta}
}

func (d *Dispatcher) count(req *Request, code string, start time.Time) {
	if d.metrics == nil {
		return
	}
	resource, action, err := authz.Route(req.Method, req.Path)
	if err != nil {
		resource, action = "unknown", "unknown"
	}
	d.metrics.RequestsTotal.WithLabelValues(string(resource), string(action), code).Inc()
	d.metrics.RequestDuration.WithLabelValues(string(resource), string(action)).Observe(d.now().Sub(start).Seconds())
}

func applyRateMetadata(meta *Metadata, decision ratelimit.Decision) {
	if decision.Limit == 0 {
		return
	}
	limit := decision.Limit
	remaining := decision.Remaining
	reset := decision.ResetAt
	meta.RateLimitLimit = &limit
	meta.RateLimitRemaining = &remaining
	meta.RateLimitReset = &reset
	if !decision.Allowed {
		after := retryAfterSeconds(decision)
		meta.RetryAfter = &after
	}
}

func retryAfterSeconds(decision ratelimit.Decision) int {
	seconds := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func invalidKeyMessage(err error) string {
	switch {
	case errors.Is(err, apikeys.ErrExpired):
		return "api key expired"
	case errors.Is(err, apikeys.ErrInactive):
		return "api key revoked"
	default:
		return "invalid api key"
	}
}

// eventFor maps a successful mutating call to the domain event it emits.
// Reads and lists emit nothing. Offer updates that carry a status transition
// and completed tasks get their dedicated event types.
func eventFor(resource authz.Resource, action authz.Action, data interface{}) (webhooks.EventType, bool) {
	fields, _ := data.(map[string]interface{})

	switch resource {
	case authz.ResourceProperties:
		switch action {
		case authz.ActionCreate:
			return webhooks.EventPropertyCreated, true
		case authz.ActionUpdate:
			return webhooks.EventPropertyUpdated, true
		case authz.ActionDelete:
			return webhooks.EventPropertyDeleted, true
		}
	case authz.ResourceOffers:
		switch action {
		case authz.ActionCreate:
			return webhooks.EventOfferCreated, true
		case authz.ActionUpdate:
			if _, ok := fields["status"]; ok {
				return webhooks.EventOfferStatusChanged, true
			}
			return webhooks.EventOfferUpdated, true
		}
	case authz.ResourceUsers:
		switch action {
		case authz.ActionCreate:
			return webhooks.EventUserCreated, true
		case authz.ActionUpdate:
			return webhooks.EventUserUpdated, true
		}
	case authz.ResourceTasks:
		switch action {
		case authz.ActionCreate:
			return webhooks.EventTaskCreated, true
		case authz.ActionUpdate:
			if status, _ := fields["status"].(string); status == "completed" {
				return webhooks.EventTaskCompleted, true
			}
			return webhooks.EventTaskUpdated, true
		}
	case authz.ResourceCommunications:
		if action == authz.ActionCreate {
			return webhooks.EventCommunicationSent, true
		}
	case authz.ResourceDocuments:
		if action == authz.ActionCreate {
			return webhooks.EventDocumentUploaded, true
		}
	}
	return "", false
}

func eventData(data interface{}) map[string]interface{} {
	if fields, ok := data.(map[string]interface{}); ok {
		return fields
	}
	return map[string]interface{}{"data": data}
}
