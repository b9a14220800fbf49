package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"fringe/internal/config"
	"fringe/internal/events"
	"fringe/internal/logging"
)

const userAgent = "Fringe/0.1.0"

// Severity grades an alert for the receiving webhook.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Service delivers alerts. Implementations must be safe for concurrent use.
type Service interface {
	Send(ctx context.Context, alert Alert) error
}

// NewService builds an alert service backed by the configured webhook. When
// no webhook URL is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	endpoint := strings.TrimSpace(cfg.Notifications.WebhookURL)
	if endpoint == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &webhookService{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type webhookService struct {
	endpoint string
	client   *http.Client
}

func (w *webhookService) Send(ctx context.Context, alert Alert) error {
	if w == nil || w.client == nil {
		return nil
	}
	if alert.Source == "" {
		alert.Source = "fringe"
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	if alert.Severity == "" {
		alert.Severity = SeverityInfo
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Send(context.Context, Alert) error { return nil }

// Relay subscribes to the event bus and forwards the alert-worthy subset to
// a Service. Delivery failures are logged, never retried; alerts are a
// courtesy surface and must not back-pressure the pipeline.
type Relay struct {
	cfg     *config.Config
	service Service
	bus     *events.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRelay wires a relay between the bus and an alert service.
func NewRelay(cfg *config.Config, service Service, bus *events.Bus, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Relay{
		cfg:     cfg,
		service: service,
		bus:     bus,
		logger:  logger.With(logging.String("component", "notifications")),
	}
}

// Start begins forwarding events. It is a no-op when the service is a noop
// or every alert class is disabled.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("notification relay already running")
	}
	if _, ok := r.service.(noopService); ok {
		return nil
	}
	n := r.cfg.Notifications
	if !n.DeadLetters && !n.StaleGroups && !n.SweepFindings {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	sub := r.bus.Subscribe()
	r.wg.Add(1)
	go r.run(runCtx, sub)
	return nil
}

// Stop halts forwarding and waits for the relay goroutine.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

func (r *Relay) run(ctx context.Context, sub events.Subscriber) {
	defer r.wg.Done()
	defer r.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			alert, send := r.alertFor(evt)
			if !send {
				continue
			}
			if err := r.service.Send(ctx, alert); err != nil && ctx.Err() == nil {
				r.logger.Warn("alert delivery failed",
					logging.Error(err),
					logging.String("title", alert.Title),
					logging.String(logging.FieldErrorHint, "check notifications.webhook_url"),
				)
			}
		}
	}
}

// alertFor maps bus events onto alerts, honoring the per-class config flags.
func (r *Relay) alertFor(evt events.Event) (Alert, bool) {
	n := r.cfg.Notifications
	switch evt.Type {
	case events.TypeJobDeadLettered:
		if !n.DeadLetters {
			return Alert{}, false
		}
		return Alert{
			Severity: SeverityCritical,
			Title:    "Fringe - Job Dead-Lettered",
			Message: fmt.Sprintf("conversion job %d for group %s dead-lettered after %s attempts: %s",
				evt.JobID, evt.GroupKey, orUnknown(evt.Field("attempts")), orUnknown(evt.Field("error"))),
			Timestamp: evt.Timestamp,
		}, true
	case events.TypeGroupStale:
		if !n.StaleGroups {
			return Alert{}, false
		}
		return Alert{
			Severity: SeverityWarning,
			Title:    "Fringe - Stale Observation Group",
			Message: fmt.Sprintf("group %s aged out with %s of %s fragments",
				evt.GroupKey, orUnknown(evt.Field("members")), orUnknown(evt.Field("expected"))),
			Timestamp: evt.Timestamp,
		}, true
	case events.TypeProductMissing:
		if !n.SweepFindings {
			return Alert{}, false
		}
		return Alert{
			Severity: SeverityWarning,
			Title:    "Fringe - Artifact Missing",
			Message: fmt.Sprintf("registered artifact %s for group %s is gone from storage",
				orUnknown(evt.Field("artifact")), evt.GroupKey),
			Timestamp: evt.Timestamp,
		}, true
	case events.TypeAnomalyRecorded:
		if !n.SweepFindings {
			return Alert{}, false
		}
		subject := evt.GroupKey
		if subject == "" {
			subject = evt.Field("artifact")
		}
		return Alert{
			Severity: SeverityWarning,
			Title:    "Fringe - Data Anomaly",
			Message: fmt.Sprintf("%s anomaly on %s: %s",
				orUnknown(evt.Field("kind")), orUnknown(subject), evt.Message),
			Timestamp: evt.Timestamp,
		}, true
	default:
		return Alert{}, false
	}
}

func orUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return "unknown"
	}
	return value
}
