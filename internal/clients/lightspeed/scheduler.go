package lightspeed

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"catalog-sync-service/internal/clients"
	"catalog-sync-service/internal/clock"
	"catalog-sync-service/internal/metrics"
)

// DefaultMinInterval is the minimum spacing between source API calls
const DefaultMinInterval = 1100 * time.Millisecond

// SchedulerConfig configures call spacing and rate-limit retries
type SchedulerConfig struct {
	MinInterval time.Duration
	Retry       *clients.RetryConfig
}

// Scheduler serializes calls to the source API so that consecutive call starts
// are at least MinInterval apart, across all concurrent callers. Rate-limited
// responses are retried with backoff; every other failure is returned at once.
type Scheduler struct {
	clock    clock.Clock
	interval time.Duration
	retry    *clients.RetryConfig
	metrics  *metrics.Metrics
	logger   *logrus.Entry

	// turn is a capacity-1 chain; holding it grants the right to stamp lastCallAt
	turn       chan struct{}
	lastCallAt time.Time
}

// NewScheduler creates a scheduler. Zero values fall back to defaults.
func NewScheduler(cfg SchedulerConfig, clk clock.Clock, m *metrics.Metrics, logger *logrus.Entry) *Scheduler {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Retry == nil {
		cfg.Retry = clients.DefaultRetryConfig()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		clock:    clk,
		interval: cfg.MinInterval,
		retry:    cfg.Retry,
		metrics:  m,
		logger:   logger.WithField("component", "scheduler"),
		turn:     make(chan struct{}, 1),
	}
}

// Schedule runs call under the spacing rule and retries rate-limited outcomes.
// The backoff sleep happens outside the chain so other callers keep moving.
func (s *Scheduler) Schedule(ctx context.Context, operation string, call clients.Call) (*clients.Response, error) {
	for attempt := 1; ; attempt++ {
		if err := s.waitTurn(ctx); err != nil {
			return nil, &clients.RequestError{Operation: operation, Message: err.Error(), Attempts: attempt - 1}
		}

		resp, err := call(ctx)
		kind := clients.Classify(resp, err)
		s.metrics.SourceCall(kind.String())

		switch kind {
		case clients.KindNone:
			return resp, nil

		case clients.KindRateLimited:
			if attempt >= s.retry.MaxAttempts {
				return nil, &clients.RequestError{
					Operation:   operation,
					StatusCode:  resp.StatusCode,
					Message:     diagnostic(resp),
					RateLimited: true,
					Attempts:    attempt,
				}
			}
			delay := s.retry.Backoff(attempt, clients.ParseRetryHint(resp, s.clock.Now()))
			s.logger.WithFields(logrus.Fields{
				"operation": operation,
				"attempt":   attempt,
				"delay":     delay.String(),
			}).Warn("Source API rate limited, backing off")
			s.metrics.SourceRetry()
			if err := s.clock.Sleep(ctx, delay); err != nil {
				return nil, &clients.RequestError{Operation: operation, Message: err.Error(), Attempts: attempt}
			}

		default:
			if err != nil {
				return nil, &clients.RequestError{
					Operation: operation,
					Message:   clients.SanitizeDiagnostic([]byte(err.Error())),
					Attempts:  attempt,
				}
			}
			return nil, &clients.RequestError{
				Operation:  operation,
				StatusCode: resp.StatusCode,
				Message:    diagnostic(resp),
				Attempts:   attempt,
			}
		}
	}
}

// waitTurn blocks until this caller may start a call and records the start time
func (s *Scheduler) waitTurn(ctx context.Context) error {
	start := s.clock.Now()
	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.turn }()

	if !s.lastCallAt.IsZero() {
		if wait := s.interval - s.clock.Now().Sub(s.lastCallAt); wait > 0 {
			if err := s.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	s.lastCallAt = s.clock.Now()
	s.metrics.SchedulerWait(s.lastCallAt.Sub(start))
	return nil
}

func diagnostic(resp *clients.Response) string {
	if resp == nil {
		return ""
	}
	if msg := clients.SanitizeDiagnostic(resp.Body); msg != "" {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}
