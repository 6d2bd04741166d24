package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/TimurManjosov/goautorun/internal/telemetry"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize       = 1000
	defaultTimeout         = 10 * time.Second
	defaultMaxRetries      = 3
	defaultInitialInterval = time.Second

	// maxResponseBodySize limits how much of a failed response body is logged
	maxResponseBodySize = 1024
)

// Options tunes delivery. Zero values select defaults; MaxRetries < 0 disables retries.
type Options struct {
	MaxRetries      int
	Timeout         time.Duration
	QueueSize       int
	InitialInterval time.Duration
	Client          *http.Client
}

// Dispatcher delivers events to a fixed set of endpoints from a single worker.
type Dispatcher struct {
	endpoints []Endpoint
	opts      Options
	client    *http.Client
	logger    zerolog.Logger

	queue  chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
}

func NewDispatcher(endpoints []Endpoint, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	} else if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaultInitialInterval
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		endpoints: endpoints,
		opts:      opts,
		client:    client,
		logger:    logger,
		queue:     make(chan Event, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins processing events from the queue
func (d *Dispatcher) Start() {
	go d.worker()
}

// Close stops accepting events, drains the queue and waits for the worker.
// Retry waits still pending when ctx ends are cut short. Close must follow
// Start and is safe to call multiple times.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}

// Dispatch queues an event without blocking. It reports false when the event
// was dropped because the queue is full or the dispatcher is closed.
func (d *Dispatcher) Dispatch(event Event) bool {
	if len(d.endpoints) == 0 {
		return false
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- event:
		return true
	default:
		telemetry.WebhookDeliveries.WithLabelValues("dropped").Inc()
		d.logger.Error().Str("event", event.Type).Str("resource", event.Resource.Key).
			Int("queue_size", cap(d.queue)).Msg("webhook queue full, dropping event")
		return false
	}
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for event := range d.queue {
		for _, ep := range d.endpoints {
			d.deliver(d.ctx, ep, event)
		}
	}
}

// deliver posts event to ep, retrying transport errors, 5xx and 429 with
// exponential backoff. Other 4xx responses are not retried.
func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, event Event) {
	log := d.logger.With().Str("url", ep.URL).Str("event", event.Type).Str("delivery", event.ID).Logger()

	payload, err := json.Marshal(event)
	if err != nil {
		telemetry.WebhookDeliveries.WithLabelValues("failure").Inc()
		log.Error().Err(err).Msg("failed to marshal webhook payload")
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialInterval

	attempt := 0
	status, err := backoff.Retry(ctx, func() (int, error) {
		attempt++
		return d.post(ctx, ep, event, payload)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("webhook delivery failed")
		}),
	)
	if err != nil {
		telemetry.WebhookDeliveries.WithLabelValues("failure").Inc()
		log.Error().Err(err).Int("attempts", attempt).Msg("webhook delivery failed permanently")
		return
	}
	telemetry.WebhookDeliveries.WithLabelValues("success").Inc()
	log.Debug().Int("status", status).Int("attempts", attempt).Msg("webhook delivered")
}

func (d *Dispatcher) post(ctx context.Context, ep Endpoint, event Event, payload []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Autorun-Event", event.Type)
	req.Header.Set("X-Autorun-Delivery", event.ID)
	if ep.Secret != "" {
		req.Header.Set("X-Autorun-Signature", Sign(payload, ep.Secret, time.Now()))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	err = fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return resp.StatusCode, backoff.Permanent(err)
	}
	return resp.StatusCode, err
}
