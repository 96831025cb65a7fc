package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// Attempt is one try of a guarded call.
type Attempt struct {
	Number    int
	delivered bool
}

// Delivered records that this attempt forwarded output to task subscribers.
// A later failure of the attempt is returned without a retry, which would
// publish the same fragments twice.
func (a *Attempt) Delivered() {
	a.delivered = true
}

// Observer receives retry and breaker transitions, e.g. for metrics.
type Observer interface {
	RetryScheduled(operation string)
	BreakerStateChanged(operation, state string)
}

type Option func(*Executor)

func WithObserver(observer Observer) Option {
	return func(e *Executor) {
		if observer != nil {
			e.observer = observer
		}
	}
}

// Executor guards calls to the model provider and the NATS transport with
// bounded retries and a breaker per operation.
type Executor struct {
	cfg      Config
	logger   *zap.Logger
	observer Observer

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewExecutor(cfg Config, logger *zap.Logger, options ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		cfg:      cfg.normalize(),
		logger:   logger.Named("resilience"),
		observer: nopObserver{},
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Execute guards a call that forwards nothing until it succeeds, such as a
// publish or a request whose response is read afterwards.
func (e *Executor) Execute(ctx context.Context, operation string, fn func(context.Context) error, classifier ErrorClassifier) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	return e.ExecuteStream(ctx, operation, func(ctx context.Context, _ *Attempt) error {
		return fn(ctx)
	}, classifier)
}

// ExecuteStream guards a call that forwards output while it runs. fn marks
// the attempt Delivered once output left the process; failures before that
// are retried per classifier.
func (e *Executor) ExecuteStream(ctx context.Context, operation string, fn func(context.Context, *Attempt) error, classifier ErrorClassifier) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	if classifier == nil {
		classifier = recordOnly
	}

	run := func() error {
		return e.attempts(ctx, op, fn, classifier)
	}
	if !e.cfg.BreakerEnabled {
		return run()
	}
	_, err := e.breaker(op, classifier).Execute(func() (struct{}, error) {
		return struct{}{}, run()
	})
	return err
}

func (e *Executor) attempts(ctx context.Context, op string, fn func(context.Context, *Attempt) error, classifier ErrorClassifier) error {
	schedule := newBackoff(e.cfg)
	var err error
	for n := 1; n <= e.cfg.RetryMaxAttempts; n++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		attempt := &Attempt{Number: n}
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if attempt.delivered {
			e.logger.Warn("stream_failed_after_output",
				zap.String("operation", op),
				zap.Int("attempt", n),
				zap.Error(err),
			)
			return err
		}
		if !classifier(err).Retryable || n == e.cfg.RetryMaxAttempts {
			return err
		}

		wait := schedule.next()
		e.observer.RetryScheduled(op)
		e.logger.Warn("retry_attempt",
			zap.String("operation", op),
			zap.Int("attempt", n),
			zap.Int("max_attempts", e.cfg.RetryMaxAttempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if !sleep(ctx, wait) {
			return err
		}
	}
	return err
}

func (e *Executor) breaker(op string, classifier ErrorClassifier) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[op]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        op,
		MaxRequests: e.cfg.BreakerHalfOpenMaxCalls,
		Timeout:     e.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= e.cfg.BreakerMinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= e.cfg.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classifier(err).RecordFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.observer.BreakerStateChanged(name, to.String())
			e.logger.Warn("circuit_breaker_state_change",
				zap.String("operation", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	e.breakers[op] = cb
	e.observer.BreakerStateChanged(op, gobreaker.StateClosed.String())
	return cb
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// backoff grows geometrically up to the configured ceiling.
type backoff struct {
	current    time.Duration
	ceiling    time.Duration
	multiplier float64
}

func newBackoff(cfg Config) *backoff {
	return &backoff{current: cfg.RetryInitialBackoff, ceiling: cfg.RetryMaxBackoff, multiplier: cfg.RetryMultiplier}
}

func (b *backoff) next() time.Duration {
	wait := min(b.current, b.ceiling)
	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.ceiling)
	return wait
}

func sleep(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func recordOnly(error) ErrorClassification {
	return ErrorClassification{RecordFailure: true}
}

type nopObserver struct{}

func (nopObserver) RetryScheduled(string)              {}
func (nopObserver) BreakerStateChanged(string, string) {}
