// Package collector is the HTTP backend. Batches are POSTed as a JSON array
// to a remote collector, with bounded retry and a configurable fallback when
// the collector stays unavailable.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/logging"
	"github.com/tinytelemetry/lookout/internal/metrics"
	"github.com/tinytelemetry/lookout/internal/model"
	"github.com/tinytelemetry/lookout/internal/queue"
)

// Fallback policies applied once retries are exhausted.
const (
	FallbackDrop   = "drop"   // log and drop the batch
	FallbackQueue  = "queue"  // redeliver from the background queue
	FallbackRetain = "retain" // report a transient error so the caller keeps the batch
)

// Delivery modes.
const (
	ModeSync  = "sync"  // deliver on the flushing goroutine
	ModeQueue = "queue" // always hand batches to the background queue
)

// APIKeyHeader carries the collector token.
const APIKeyHeader = "x-api-key"

const backendName = "http"

// Enqueuer schedules background tasks. *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(t queue.Task, delay time.Duration) error
}

// Config configures the collector client.
type Config struct {
	Endpoint         string
	Token            string
	Timeout          time.Duration
	RetryTimes       int           // extra attempts after the first
	RetrySleep       time.Duration // wait before the first retry
	RetryMultiplier  float64       // > 1 grows the wait between retries
	Fallback         string
	Mode             string
	QueueDelay       time.Duration
	BreakerThreshold uint32 // consecutive failures that open the breaker, 0 = off
	BreakerCooldown  time.Duration
}

// Client delivers batches to a remote collector and reads them back.
type Client struct {
	cfg     Config
	http    *fasthttp.Client
	queue   Enqueuer
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *metrics.Collector
}

var _ model.Backend = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithQueue sets the queue used for redelivery.
func WithQueue(q Enqueuer) Option { return func(c *Client) { c.queue = q } }

// WithLogger sets the operator logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(c *Client) { c.metrics = m } }

// New validates cfg and builds a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("collector: invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = model.DefaultHTTPTimeout
	}
	if cfg.RetryTimes < 0 {
		cfg.RetryTimes = 0
	}
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackDrop
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSync
	}
	switch cfg.Fallback {
	case FallbackDrop, FallbackQueue, FallbackRetain:
	default:
		return nil, fmt.Errorf("collector: unknown fallback %q", cfg.Fallback)
	}
	switch cfg.Mode {
	case ModeSync, ModeQueue:
	default:
		return nil, fmt.Errorf("collector: unknown mode %q", cfg.Mode)
	}

	c := &Client{
		cfg: cfg,
		http: &fasthttp.Client{
			MaxConnsPerHost:               16,
			MaxIdleConnDuration:           10 * time.Second,
			ReadTimeout:                   cfg.Timeout,
			WriteTimeout:                  cfg.Timeout,
			DisableHeaderNamesNormalizing: true,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)

	if (cfg.Fallback == FallbackQueue || cfg.Mode == ModeQueue) && c.queue == nil {
		return nil, errors.New("collector: queue fallback or mode requires a redelivery queue")
	}

	c.clampRetryBudget()

	if cfg.BreakerThreshold > 0 {
		cooldown := cfg.BreakerCooldown
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		threshold := cfg.BreakerThreshold
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "collector",
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("collector: circuit breaker state change",
					zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
			},
		})
	}
	return c, nil
}

// clampRetryBudget keeps the total sleep across retries within
// model.DefaultRetryBudget.
func (c *Client) clampRetryBudget() {
	if c.cfg.RetryTimes == 0 || c.cfg.RetrySleep <= 0 {
		return
	}
	total := time.Duration(0)
	wait := float64(c.cfg.RetrySleep)
	for i := 0; i < c.cfg.RetryTimes; i++ {
		total += time.Duration(wait)
		if c.cfg.RetryMultiplier > 1 {
			wait *= c.cfg.RetryMultiplier
		}
	}
	if total <= model.DefaultRetryBudget {
		return
	}
	scaled := time.Duration(float64(c.cfg.RetrySleep) * float64(model.DefaultRetryBudget) / float64(total))
	c.logger.Warn("collector: retry sleep exceeds budget, scaling down",
		zap.Duration("requested", c.cfg.RetrySleep), zap.Duration("applied", scaled), zap.Duration("budget", model.DefaultRetryBudget))
	c.cfg.RetrySleep = scaled
}

// Name identifies the backend.
func (c *Client) Name() string { return backendName }

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Create delivers a batch. A nil return means the collector accepted the
// batch or it was handed to the redelivery queue.
func (c *Client) Create(ctx context.Context, batch []*model.Entry) error {
	if len(batch) == 0 {
		return nil
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("%w: encode batch: %v", model.ErrUndeliverable, err)
	}

	if c.cfg.Mode == ModeQueue {
		qerr := c.enqueue(body, len(batch), 0)
		if qerr == nil {
			return nil
		}
		c.logger.Warn("collector: could not queue batch, delivering inline", zap.Error(qerr))
	}
	return c.deliver(ctx, body, len(batch), false)
}

// deliver sends body with retries and applies the fallback policy. A
// redelivery never falls back again.
func (c *Client) deliver(ctx context.Context, body []byte, n int, redelivery bool) error {
	err := c.send(ctx, body)
	if err == nil || model.IsUndeliverable(err) || redelivery {
		return err
	}

	switch c.cfg.Fallback {
	case FallbackQueue:
		if qerr := c.enqueue(body, n, c.cfg.QueueDelay); qerr != nil {
			return fmt.Errorf("collector: delivery failed (%v), redelivery not queued: %w", err, qerr)
		}
		c.logger.Warn("collector: delivery failed, batch queued for redelivery",
			zap.Int("entries", n), zap.Duration("delay", c.cfg.QueueDelay), zap.Error(err))
		return nil
	case FallbackRetain:
		return err
	default:
		return fmt.Errorf("%w: %v", model.ErrUndeliverable, err)
	}
}

func (c *Client) enqueue(body []byte, n int, delay time.Duration) error {
	if c.queue == nil {
		return errors.New("collector: no redelivery queue")
	}
	err := c.queue.Enqueue(queue.Task{
		Name: "collector-redelivery",
		Run: func(ctx context.Context) error {
			err := c.deliver(ctx, body, n, true)
			switch {
			case err == nil:
				c.metrics.Redelivery("delivered")
				return nil
			case model.IsUndeliverable(err):
				c.metrics.Redelivery("rejected")
				c.metrics.DropEntries("undeliverable", n)
				c.logger.Error("collector: redelivered batch rejected", zap.Int("entries", n), zap.Error(err))
				return nil
			default:
				c.metrics.Redelivery("failed")
				return err
			}
		},
	}, delay)
	if err == nil {
		c.metrics.Redelivery("enqueued")
	}
	return err
}

func (c *Client) newBackOff() backoff.BackOff {
	if c.cfg.RetryMultiplier > 1 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.cfg.RetrySleep
		b.Multiplier = c.cfg.RetryMultiplier
		b.RandomizationFactor = 0
		b.MaxInterval = model.DefaultRetryBudget
		return b
	}
	return backoff.NewConstantBackOff(c.cfg.RetrySleep)
}

// send posts body, retrying transient failures up to RetryTimes more times.
func (c *Client) send(ctx context.Context, body []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		err := c.attempt(ctx, body)
		if err != nil {
			c.metrics.DeliveryAttempt(backendName, "error")
			return struct{}{}, err
		}
		c.metrics.DeliveryAttempt(backendName, "ok")
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.cfg.RetryTimes+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("collector: retrying delivery",
				zap.Int("attempt", attempt), zap.Duration("next", next), zap.Error(err))
		}),
	)
	return err
}

func (c *Client) attempt(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return backoff.Permanent(err)
	}
	status, resp, err := c.post(ctx, body)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("collector: %w", err))
		}
		return fmt.Errorf("collector: request failed: %w", err)
	}
	switch {
	case status == fasthttp.StatusAccepted || status == fasthttp.StatusOK:
		return nil
	case status >= 400 && status < 500 && status != fasthttp.StatusRequestTimeout && status != fasthttp.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("%w: collector rejected batch with status %d: %s",
			model.ErrUndeliverable, status, truncate(resp, 200)))
	default:
		return fmt.Errorf("collector: unexpected status %d", status)
	}
}

// post sends one request, through the circuit breaker when enabled.
func (c *Client) post(ctx context.Context, body []byte) (int, []byte, error) {
	if c.breaker == nil {
		return c.do(ctx, fasthttp.MethodPost, c.cfg.Endpoint, body)
	}
	var (
		status int
		resp   []byte
	)
	_, err := c.breaker.Execute(func() (any, error) {
		var err error
		status, resp, err = c.do(ctx, fasthttp.MethodPost, c.cfg.Endpoint, body)
		if err != nil {
			return nil, err
		}
		if status >= 500 {
			return nil, fmt.Errorf("status %d", status)
		}
		return nil, nil
	})
	if err != nil && status == 0 {
		return 0, nil, err
	}
	return status, resp, nil
}

func (c *Client) do(ctx context.Context, method, uri string, body []byte) (int, []byte, error) {
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return 0, nil, context.DeadlineExceeded
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.Set(APIKeyHeader, c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return 0, nil, err
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return resp.StatusCode(), out, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
