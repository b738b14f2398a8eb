package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
	"github.com/gsmlg-opt/repub-sub002/pkg/observability"
)

const (
	defaultQueueSize        = 256
	defaultFailureThreshold = 20
	deliveryTimeout         = 10 * time.Second
	drainTimeout            = 30 * time.Second
	maxAttempts             = 5
)

// backoffSchedule is the wait before each retry attempt. The retry
// window is not bounded by any per-event deadline; only dispatcher
// shutdown cuts it short.
var backoffSchedule = []time.Duration{
	time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// event is one queued registry event.
type event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Dispatcher fans registry events out to registered webhooks.
type Dispatcher struct {
	store   metadata.Store
	logger  *observability.Logger
	metrics *observability.Metrics
	client  *http.Client

	queue chan event
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once

	// ctx spans the dispatcher's lifetime; Close cancels it to abort
	// in-flight deliveries and backoff waits once the drain window ends.
	ctx    context.Context
	cancel context.CancelFunc

	// backoff is shortened in tests; production uses backoffSchedule.
	backoff []time.Duration
}

// NewDispatcher builds a dispatcher; Start must be called before events
// flow.
func NewDispatcher(store metadata.Store, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:   store,
		logger:  logger,
		metrics: metrics,
		client:  &http.Client{Timeout: deliveryTimeout},
		queue:   make(chan event, defaultQueueSize),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		backoff: backoffSchedule,
	}
}

// Start launches the dispatch worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Emit queues an event for delivery. Never blocks: when the queue is
// full the event is dropped and logged.
func (d *Dispatcher) Emit(eventType string, data map[string]interface{}) {
	ev := event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	select {
	case d.queue <- ev:
		if d.metrics != nil {
			d.metrics.WebhookQueueDepth.Set(float64(len(d.queue)))
		}
	default:
		d.logger.WithField("event", eventType).Warn("webhook queue full, dropping event")
	}
}

// Close stops the worker after draining queued events. The drain is
// bounded by the drain timeout; past it the lifetime context is
// cancelled, aborting any in-flight delivery or backoff wait.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.stop)
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drainTimeout):
			d.logger.Warn("webhook drain timed out, aborting in-flight deliveries")
			d.cancel()
			<-done
		}
		d.cancel()
	})
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.queue:
			d.dispatch(ev)
		case <-d.stop:
			// Drain what is already queued.
			for {
				select {
				case ev := <-d.queue:
					d.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

// dispatch delivers one event to every subscribed active webhook. It
// runs under the dispatcher's lifetime context so the full backoff
// schedule fits; per-attempt bounds come from the HTTP client timeout.
func (d *Dispatcher) dispatch(ev event) {
	ctx := d.ctx

	hooks, err := d.store.ListWebhooks(ctx)
	if err != nil {
		d.logger.WithError(err).Error("list webhooks for dispatch")
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.WithError(err).Error("encode webhook event")
		return
	}

	for _, hook := range hooks {
		if !hook.IsActive || !hook.SubscribedTo(ev.Type) {
			continue
		}
		d.deliverWithRetry(ctx, hook, ev, body)
	}
	if d.metrics != nil {
		d.metrics.WebhookQueueDepth.Set(float64(len(d.queue)))
	}
}

// deliverWithRetry attempts delivery up to maxAttempts times, then
// records the terminal outcome against the webhook's failure counter.
// Dispatcher shutdown abandons the remaining attempts without counting
// a terminal failure.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, hook *metadata.Webhook, ev event, body []byte) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, jitter(d.backoff[attempt-1])) {
				d.logger.WithFields(map[string]interface{}{
					"webhook": hook.ID,
					"event":   ev.Type,
				}).Warn("webhook delivery abandoned on shutdown")
				return
			}
		}
		if _, err := d.deliverOnce(ctx, hook, ev, body); err != nil {
			lastErr = err
			continue
		}
		d.recordOutcome(ctx, hook, true)
		return
	}

	d.logger.WithError(lastErr).WithFields(map[string]interface{}{
		"webhook": hook.ID,
		"event":   ev.Type,
	}).Error("webhook delivery exhausted retries")
	d.recordOutcome(ctx, hook, false)
}

// deliverOnce performs a single signed POST and logs the attempt.
func (d *Dispatcher) deliverOnce(ctx context.Context, hook *metadata.Webhook, ev event, body []byte) (*metadata.WebhookDelivery, error) {
	deliveryID := uuid.NewString()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Repub-Event", ev.Type)
	req.Header.Set("X-Repub-Delivery-Id", deliveryID)
	if hook.Secret != "" {
		req.Header.Set("X-Repub-Signature", Sign(hook.Secret, body))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsed := time.Since(start)

	delivery := &metadata.WebhookDelivery{
		ID:          deliveryID,
		WebhookID:   hook.ID,
		EventType:   ev.Type,
		DeliveredAt: start.UTC(),
		DurationMS:  elapsed.Milliseconds(),
	}

	if err != nil {
		delivery.Error = err.Error()
	} else {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		delivery.StatusCode = resp.StatusCode
		delivery.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
		if !delivery.Success {
			delivery.Error = "endpoint returned " + strconv.Itoa(resp.StatusCode)
		}
	}

	if logErr := d.store.RecordWebhookDelivery(ctx, delivery); logErr != nil {
		d.logger.WithError(logErr).Warn("record webhook delivery")
	}
	if d.metrics != nil {
		status := "success"
		if !delivery.Success {
			status = "failure"
		}
		d.metrics.WebhookDeliveriesTotal.WithLabelValues(ev.Type, status).Inc()
		d.metrics.WebhookDeliveryDuration.Observe(elapsed.Seconds())
	}

	if !delivery.Success {
		return delivery, fmt.Errorf("delivery failed: %s", delivery.Error)
	}
	return delivery, nil
}

// Test performs one synchronous, unretried delivery of a synthetic ping
// event, for the admin console. The attempt is recorded like any other;
// it does not touch the failure counter.
func (d *Dispatcher) Test(ctx context.Context, hookID string) (*metadata.WebhookDelivery, error) {
	hook, err := d.store.GetWebhook(ctx, hookID)
	if err != nil {
		return nil, err
	}
	ev := event{
		ID:        uuid.NewString(),
		Type:      "ping",
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"message": "test delivery"},
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode test event: %w", err)
	}
	delivery, _ := d.deliverOnce(ctx, hook, ev, body)
	if delivery == nil {
		return nil, fmt.Errorf("deliver test event to %s", hook.URL)
	}
	return delivery, nil
}

// recordOutcome updates the failure counter and auto-disables the
// webhook past the threshold.
func (d *Dispatcher) recordOutcome(ctx context.Context, hook *metadata.Webhook, success bool) {
	failures, err := d.store.RecordWebhookResult(ctx, hook.ID, success, time.Now().UTC())
	if err != nil {
		d.logger.WithError(err).WithField("webhook", hook.ID).Warn("record webhook outcome")
		return
	}
	if success || failures < d.failureThreshold(ctx) {
		return
	}
	if err := d.store.SetWebhookActive(ctx, hook.ID, false); err != nil {
		d.logger.WithError(err).WithField("webhook", hook.ID).Warn("auto-disable webhook")
		return
	}
	d.logger.WithFields(map[string]interface{}{
		"webhook":  hook.ID,
		"failures": failures,
	}).Warn("webhook auto-disabled after repeated failures")
}

func (d *Dispatcher) failureThreshold(ctx context.Context) int {
	raw, err := d.store.GetConfig(ctx, metadata.ConfigWebhookThreshold)
	if err != nil {
		return defaultFailureThreshold
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultFailureThreshold
	}
	return n
}

// Sign computes the delivery signature header value for a body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against a body. Receivers use this;
// it is exported for integration tests and client tooling.
func Verify(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

// jitter spreads a backoff delay by up to 20 percent.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

// sleepCtx waits for the duration unless the context ends first. It
// reports whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
