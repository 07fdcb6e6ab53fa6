package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/config"
	"github.com/willibrandon/hostwatch/internal/logger"
)

var (
	// ErrWebhookQueueFull is returned by Publish when the delivery queue is full.
	ErrWebhookQueueFull = errors.New("webhook queue full")

	// ErrWebhookStopped is returned by Publish after Stop.
	ErrWebhookStopped = errors.New("webhook delivery stopped")
)

const (
	webhookQueueSize    = 100
	webhookDrainTimeout = 5 * time.Second
)

// WebhookPayload is the JSON body posted for every lifecycle transition.
type WebhookPayload struct {
	// Event is alert_triggered, alert_acknowledged, alert_resolved or alert_escalated.
	Event     string       `json:"event"`
	Alert     WebhookAlert `json:"alert"`
	Timestamp time.Time    `json:"timestamp"`
	Agent     WebhookAgent `json:"agent"`
}

// WebhookAlert describes the alert event.
type WebhookAlert struct {
	ID             string          `json:"id"`
	RuleID         string          `json:"rule_id,omitempty"`
	RuleName       string          `json:"rule_name,omitempty"`
	Severity       alerts.Severity `json:"severity,omitempty"`
	Host           string          `json:"host"`
	Status         alerts.Status   `json:"status"`
	Value          float64         `json:"value"`
	Message        string          `json:"message"`
	Tier           alerts.Tier     `json:"tier,omitempty"`
	TriggeredAt    time.Time       `json:"triggered_at"`
	AcknowledgedBy string          `json:"acknowledged_by,omitempty"`
}

// WebhookAgent identifies the sender.
type WebhookAgent struct {
	Version  string `json:"version"`
	Hostname string `json:"hostname,omitempty"`
}

// NewWebhookPayload builds the body for a lifecycle transition.
func NewWebhookPayload(l alerts.Lifecycle, hostname string) WebhookPayload {
	return WebhookPayload{
		Event: "alert_" + string(l.Kind),
		Alert: WebhookAlert{
			ID:             l.Event.ID,
			RuleID:         l.Event.RuleID,
			RuleName:       l.RuleName,
			Severity:       l.Severity,
			Host:           l.Event.Host,
			Status:         l.Event.Status,
			Value:          l.Event.Value,
			Message:        l.Event.Message,
			Tier:           l.Tier,
			TriggeredAt:    l.Event.TriggeredAt,
			AcknowledgedBy: l.Event.AcknowledgedBy,
		},
		Timestamp: l.At,
		Agent: WebhookAgent{
			Version:  Version,
			Hostname: hostname,
		},
	}
}

// WebhookDelivery posts lifecycle transitions to an HTTP endpoint from a
// background worker. It implements alerts.Publisher; Publish never blocks
// the evaluation tick.
type WebhookDelivery struct {
	url            string
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	client         *http.Client
	hostname       string

	mu     sync.Mutex
	closed bool
	queue  chan WebhookPayload
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebhookDelivery creates a stopped delivery worker.
func NewWebhookDelivery(cfg config.WebhookConfig) *WebhookDelivery {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hostname, _ := os.Hostname()

	ctx, cancel := context.WithCancel(context.Background())
	return &WebhookDelivery{
		url:            cfg.URL,
		maxRetries:     max(cfg.MaxRetries, 0),
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
		client:         &http.Client{Timeout: timeout},
		hostname:       hostname,
		queue:          make(chan WebhookPayload, webhookQueueSize),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start launches the delivery worker.
func (wd *WebhookDelivery) Start() {
	wd.wg.Add(1)
	go wd.deliveryWorker()
}

// Stop closes the queue and gives queued payloads a short window to drain.
func (wd *WebhookDelivery) Stop() {
	wd.mu.Lock()
	if wd.closed {
		wd.mu.Unlock()
		return
	}
	wd.closed = true
	close(wd.queue)
	wd.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wd.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(webhookDrainTimeout):
		logger.Warn("webhook drain timed out", "pending", len(wd.queue))
		wd.cancel()
		<-done
	}
	wd.cancel()
}

// Publish implements alerts.Publisher by queueing the transition.
func (wd *WebhookDelivery) Publish(_ context.Context, l alerts.Lifecycle) error {
	payload := NewWebhookPayload(l, wd.hostname)

	wd.mu.Lock()
	defer wd.mu.Unlock()
	if wd.closed {
		return ErrWebhookStopped
	}

	select {
	case wd.queue <- payload:
		logger.Debug("webhook queued", "kind", l.Kind, "event", l.Event.ID)
		return nil
	default:
		return fmt.Errorf("%w: dropping %s for event %s", ErrWebhookQueueFull, payload.Event, l.Event.ID)
	}
}

func (wd *WebhookDelivery) deliveryWorker() {
	defer wd.wg.Done()

	for payload := range wd.queue {
		if err := wd.deliverWithRetry(payload); err != nil {
			logger.Warn("webhook delivery failed",
				"kind", payload.Event,
				"event", payload.Alert.ID,
				"error", err)
		}
	}
}

func (wd *WebhookDelivery) deliverWithRetry(payload WebhookPayload) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = wd.initialBackoff
	b.MaxInterval = wd.maxBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(wd.maxRetries)), wd.ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return wd.deliver(payload)
	}, policy, func(err error, wait time.Duration) {
		logger.Debug("webhook retry", "attempt", attempt, "wait", wait, "error", err)
	})
	if err == nil && attempt > 1 {
		logger.Info("webhook delivered after retry", "event", payload.Alert.ID, "attempts", attempt)
	}
	return err
}

// deliver sends one request. Client errors other than 429 are permanent.
func (wd *WebhookDelivery) deliver(payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(wd.ctx, http.MethodPost, wd.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hostwatch/"+Version)

	resp, err := wd.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("HTTP %d: %s (retryable)", resp.StatusCode, string(respBody))
	}
	return backoff.Permanent(fmt.Errorf("HTTP %d: %s (not retryable)", resp.StatusCode, string(respBody)))
}
