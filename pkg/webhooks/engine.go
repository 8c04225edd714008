package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/casaflow/gateway/pkg/async"
	"github.com/casaflow/gateway/pkg/observability"
)

// EngineConfig sizes the delivery engine.
type EngineConfig struct {
	// QueueSize bounds the dispatch queue. When the queue is full new
	// deliveries are dropped and counted rather than blocking the
	// triggering request.
	QueueSize int
	// Workers is the number of concurrent delivery goroutines.
	Workers int
	// Timeout covers connect plus response for one outbound call.
	Timeout time.Duration
	// LogSize bounds the in-memory delivery record log.
	LogSize int
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		QueueSize: 256,
		Workers:   8,
		Timeout:   10 * time.Second,
		LogSize:   1000,
	}
}

// Engine delivers signed event notifications. Triggering is fire-and-forget:
// deliveries flow through a bounded queue consumed by a worker pool, and
// failures are rescheduled by the retry scheduler. Delivery is at-least-once;
// receivers deduplicate on their side.
type Engine struct {
	registry    *Registry
	log         *DeliveryLog
	queue       chan *deliveryJob
	scheduler   *retryScheduler
	client      *http.Client
	workers     *async.Group
	workerCount int
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewEngine creates a delivery engine over the registry.
func NewEngine(registry *Registry, cfg EngineConfig, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultEngineConfig().QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultEngineConfig().Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultEngineConfig().Timeout
	}

	return &Engine{
		registry:    registry,
		log:         NewDeliveryLog(cfg.LogSize),
		queue:       make(chan *deliveryJob, cfg.QueueSize),
		scheduler:   newRetryScheduler(),
		client:      &http.Client{Timeout: cfg.Timeout},
		workerCount: cfg.Workers,
		logger:      logger,
		metrics:     metrics,
	}
}

// Start launches the delivery workers and the retry scheduler.
func (e *Engine) Start(ctx context.Context) {
	e.workers = async.NewGroup(ctx, e.logger, "webhook delivery")

	for i := 0; i < e.workerCount; i++ {
		e.workers.Go(func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-e.queue:
					e.updateQueueDepth()
					e.deliver(ctx, job)
				}
			}
		})
	}

	e.workers.Go(func(ctx context.Context) error {
		e.scheduler.Run(ctx, e.enqueue)
		return nil
	})
}

// Stop cancels the workers and waits for in-flight deliveries to finish.
// Nothing mutates after Stop returns.
func (e *Engine) Stop() error {
	if e.workers == nil {
		return nil
	}
	return e.workers.Stop()
}

// Trigger matches active subscriptions for the event and enqueues one
// delivery per match. It never blocks: queue-full drops are counted and
// logged. Returns the number of deliveries enqueued.
func (e *Engine) Trigger(event EventType, data map[string]interface{}, ownerID string) int {
	if _, err := ParseEventType(string(event)); err != nil {
		e.logger.WithError(err).Warn("dropping trigger for unknown event type")
		return 0
	}

	matches := e.registry.Match(event, data, ownerID)
	enqueued := 0
	for _, config := range matches {
		record := &DeliveryRecord{
			ID:        uuid.NewString(),
			WebhookID: config.ID,
			Event:     event,
			URL:       config.URL,
			Status:    DeliveryStatusPending,
			CreatedAt: time.Now().UTC(),
		}
		e.log.Add(record)

		job := &deliveryJob{
			WebhookID: config.ID,
			Event:     event,
			Data:      data,
			Attempt:   1,
			RecordID:  record.ID,
		}
		if e.tryEnqueue(job) {
			enqueued++
		} else {
			record.Status = DeliveryStatusFailedTerminal
			record.ErrorMessage = "dispatch queue full"
			e.log.Update(record)
		}
	}
	return enqueued
}

// DeliveryLog exposes the delivery records for the management API.
func (e *Engine) DeliveryLog() *DeliveryLog {
	return e.log
}

// PendingRetries reports how many deliveries wait in the retry scheduler.
func (e *Engine) PendingRetries() int {
	return e.scheduler.Len()
}

func (e *Engine) tryEnqueue(job *deliveryJob) bool {
	select {
	case e.queue <- job:
		e.updateQueueDepth()
		return true
	default:
		if e.metrics != nil {
			e.metrics.WebhookQueueDropsTotal.Inc()
		}
		e.logger.WithFields(map[string]interface{}{
			"webhook_id": job.WebhookID,
			"event":      job.Event,
		}).Warn("webhook dispatch queue full, dropping delivery")
		return false
	}
}

// enqueue is used by the retry scheduler; a full queue pushes the job back
// with a short delay instead of dropping a retry that is already owed.
func (e *Engine) enqueue(job *deliveryJob) {
	select {
	case e.queue <- job:
		e.updateQueueDepth()
	default:
		e.scheduler.Schedule(job, time.Now().Add(time.Second))
	}
}

func (e *Engine) deliver(ctx context.Context, job *deliveryJob) {
	record, ok := e.log.Get(job.RecordID)
	if !ok {
		record = &DeliveryRecord{
			ID:        job.RecordID,
			WebhookID: job.WebhookID,
			Event:     job.Event,
			Status:    DeliveryStatusPending,
			CreatedAt: time.Now().UTC(),
		}
	}
	record.Attempts = job.Attempt

	config, err := e.registry.Get(job.WebhookID)
	if err != nil || !config.Active {
		e.finish(record, DeliveryStatusFailedTerminal, 0, "webhook removed or inactive")
		return
	}

	start := time.Now()
	statusCode, err := e.send(ctx, config, job)
	record.Duration = time.Since(start)
	record.StatusCode = statusCode

	if e.metrics != nil {
		e.metrics.WebhookDeliveryLatency.Observe(record.Duration.Seconds())
	}

	if err == nil {
		e.finish(record, DeliveryStatusSent, statusCode, "")
		return
	}

	if config.RetryPolicy.ShouldRetry(job.Attempt) {
		delay := config.RetryPolicy.Delay(job.Attempt)
		nextAt := time.Now().Add(delay)
		record.Status = DeliveryStatusFailedRetry
		record.ErrorMessage = err.Error()
		record.NextRetryAt = &nextAt
		e.log.Update(record)
		e.countDelivery("retryable_failure")
		if e.metrics != nil {
			e.metrics.WebhookRetriesPending.Set(float64(e.scheduler.Len() + 1))
		}

		retry := *job
		retry.Attempt = job.Attempt + 1
		e.scheduler.Schedule(&retry, nextAt)

		e.logger.WithFields(map[string]interface{}{
			"webhook_id": job.WebhookID,
			"event":      job.Event,
			"attempt":    job.Attempt,
			"retry_in":   delay.String(),
		}).WithError(err).Warn("webhook delivery failed, retry scheduled")
		return
	}

	e.finish(record, DeliveryStatusFailedTerminal, statusCode, fmt.Sprintf("max retries exceeded: %v", err))
	e.logger.WithFields(map[string]interface{}{
		"webhook_id": job.WebhookID,
		"event":      job.Event,
		"attempts":   job.Attempt,
	}).Error("webhook delivery abandoned")
}

// send performs one outbound call. A non-2xx response or transport failure
// is an error eligible for retry.
func (e *Engine) send(ctx context.Context, config *Config, job *deliveryJob) (int, error) {
	payload := Payload{
		Event:     job.Event,
		Data:      job.Data,
		Timestamp: time.Now().UTC(),
		WebhookID: config.ID,
		Attempt:   job.Attempt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Sign(body, config.Secret))
	req.Header.Set("X-Webhook-Event", string(job.Event))
	req.Header.Set("X-Webhook-ID", config.ID)
	req.Header.Set("X-Webhook-Attempt", fmt.Sprintf("%d", job.Attempt))
	for key, value := range config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (e *Engine) finish(record *DeliveryRecord, status DeliveryStatus, statusCode int, errMsg string) {
	now := time.Now().UTC()
	record.Status = status
	record.StatusCode = statusCode
	record.ErrorMessage = errMsg
	record.CompletedAt = &now
	record.NextRetryAt = nil
	e.log.Update(record)

	switch status {
	case DeliveryStatusSent:
		e.countDelivery("sent")
	case DeliveryStatusFailedTerminal:
		e.countDelivery("terminal_failure")
	}
	if e.metrics != nil {
		e.metrics.WebhookRetriesPending.Set(float64(e.scheduler.Len()))
	}
}

func (e *Engine) countDelivery(outcome string) {
	if e.metrics != nil {
		e.metrics.WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) updateQueueDepth() {
	if e.metrics != nil {
		e.metrics.WebhookQueueDepth.Set(float64(len(e.queue)))
	}
}
