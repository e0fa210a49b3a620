package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
	"github.com/tjfontaine/insight-pipeline/internal/telemetry"
)

const (
	defaultMaxCycles           = 2
	defaultMaxTransientRetries = 2
	defaultBaseDelay           = 500 * time.Millisecond
	defaultCallTimeout         = 25 * time.Second
)

// CallFunc is one attempt of a logical upstream call using credential.
type CallFunc func(ctx context.Context, credential string) error

// Options configures a Controller. Zero values take defaults.
type Options struct {
	// MaxCycles is how many full rotations through the pool are attempted
	// before giving up with UpstreamExhausted.
	MaxCycles int
	// MaxTransientRetries bounds retries of non-quota failures on one credential.
	MaxTransientRetries int
	// BaseDelay is the backoff unit: delay = base * 2^attempt + jitter(0..base).
	BaseDelay time.Duration
	// CallTimeout bounds each individual attempt.
	CallTimeout time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Controller wraps upstream calls with credential rotation and backoff.
// Safe for concurrent use; all callers share the pool's cursor.
type Controller struct {
	pool *Pool
	opts Options
}

// NewController creates a rotation controller over pool.
func NewController(pool *Pool, opts Options) *Controller {
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = defaultMaxCycles
	}
	if opts.MaxTransientRetries < 0 {
		opts.MaxTransientRetries = 0
	} else if opts.MaxTransientRetries == 0 {
		opts.MaxTransientRetries = defaultMaxTransientRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Controller{pool: pool, opts: opts}
}

// Pool returns the controller's credential pool.
func (c *Controller) Pool() *Pool {
	return c.pool
}

// Do runs fn until it succeeds, rotating credentials on quota failures.
//
// Quota failures rotate immediately, up to one full pass over the pool per
// cycle; after a full pass of quota failures the controller backs off and
// starts another cycle, up to MaxCycles. Other failures are retried with
// backoff on the same credential up to MaxTransientRetries and then returned.
// Errors are *domain.APIError except for caller cancellation, which returns
// ctx.Err() unchanged.
func (c *Controller) Do(ctx context.Context, stage string, fn CallFunc) error {
	size := c.pool.Size()
	var lastErr error

	for cycle := 0; cycle < c.opts.MaxCycles; cycle++ {
		if cycle > 0 {
			delay := c.backoff(cycle - 1)
			c.opts.Logger.Warn("all credentials quota-limited, backing off",
				slog.String("stage", stage),
				slog.Int("cycle", cycle),
				slog.Duration("delay", delay))
			if err := c.opts.Sleep(ctx, delay); err != nil {
				return c.contextError(ctx, stage, err)
			}
		}

		for r := 0; r < size; r++ {
			idx, cred := c.pool.Current()
			kind, err := c.attempt(ctx, stage, cred, fn)
			if err == nil {
				return nil
			}
			if kind == "" {
				return c.contextError(ctx, stage, err)
			}
			if kind != ports.ProviderErrorQuota {
				return terminalError(stage, kind, err)
			}

			lastErr = err
			next := c.pool.Rotate(idx)
			c.opts.Metrics.RecordRotation(stage)
			c.opts.Logger.Warn("credential quota-limited, rotating",
				slog.String("stage", stage),
				slog.Int("from", idx),
				slog.Int("to", next),
				slog.String("credential", Fingerprint(cred)))
		}
	}

	c.opts.Metrics.RecordExhausted(stage)
	return domain.ErrUpstreamExhausted(
		fmt.Sprintf("all %d credentials quota-limited after %d cycles", size, c.opts.MaxCycles),
		lastErr,
	)
}

// attempt calls fn on one credential, retrying non-quota failures.
// A returned kind of "" means the caller's context ended.
func (c *Controller) attempt(ctx context.Context, stage, cred string, fn CallFunc) (ports.ProviderErrorKind, error) {
	for try := 0; ; try++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		err := fn(callCtx, cred)
		deadlineHit := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			c.opts.Metrics.RecordUpstreamCall(stage, "ok")
			return "", nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		kind := Classify(err)
		if deadlineHit && kind != ports.ProviderErrorQuota {
			kind = ports.ProviderErrorTimeout
		}
		c.opts.Metrics.RecordUpstreamCall(stage, string(kind))

		if kind == ports.ProviderErrorQuota || kind == ports.ProviderErrorRejected {
			return kind, err
		}
		if try >= c.opts.MaxTransientRetries {
			return kind, err
		}

		delay := c.backoff(try)
		c.opts.Logger.Warn("upstream call failed, retrying on same credential",
			slog.String("stage", stage),
			slog.String("kind", string(kind)),
			slog.Int("attempt", try+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if err := c.opts.Sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

func (c *Controller) backoff(attempt int) time.Duration {
	base := c.opts.BaseDelay
	return base<<attempt + rand.N(base)
}

func (c *Controller) contextError(ctx context.Context, stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrUpstreamTimeout(fmt.Sprintf("%s: deadline elapsed", stage), err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func terminalError(stage string, kind ports.ProviderErrorKind, err error) error {
	switch kind {
	case ports.ProviderErrorRejected:
		return domain.ErrContentRejected(fmt.Sprintf("%s: provider rejected content", stage)).WithCause(err)
	case ports.ProviderErrorTimeout:
		return domain.ErrUpstreamTimeout(fmt.Sprintf("%s: upstream call timed out", stage), err)
	default:
		return domain.ErrUpstreamError(fmt.Sprintf("%s: upstream call failed", stage), err)
	}
}

// status429Pattern matches a 429 reported as a status in an error message,
// not the digits inside sizes or identifiers.
var status429Pattern = regexp.MustCompile(`\b(?:status(?: code)?|code|error|http)\W{0,3}429\b|\b429\W{0,3}too many requests\b`)

// Classify maps an upstream failure to a ProviderErrorKind.
// Explicit ProviderError kinds win; otherwise HTTP 429, resource-exhausted
// statuses and quota messages are quota-class.
func Classify(err error) ports.ProviderErrorKind {
	if err == nil {
		return ""
	}
	if pe, ok := ports.AsProviderError(err); ok {
		if pe.Kind != "" && pe.Kind != ports.ProviderErrorUnknown {
			return pe.Kind
		}
		if pe.StatusCode == http.StatusTooManyRequests {
			return ports.ProviderErrorQuota
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ports.ProviderErrorTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case status429Pattern.MatchString(msg),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "resourceexhausted"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "quota"):
		return ports.ProviderErrorQuota
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ports.ProviderErrorInvalid
	}
	return ports.ProviderErrorUnknown
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
