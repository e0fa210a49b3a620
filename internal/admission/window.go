// Package admission gates pipeline entry with a per-caller sliding-window
// rate limit and a per-caller daily quota, both kept in a shared KVStore.
package admission

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
)

// DefaultWindow is the sliding window length.
const DefaultWindow = time.Minute

// WindowResult is the outcome of one sliding-window check.
type WindowResult struct {
	Allowed   bool
	Estimate  float64
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// SlidingWindow approximates a rolling request count from two fixed buckets:
// estimate = previous × (1 − elapsed fraction) + current.
type SlidingWindow struct {
	store  ports.KVStore
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewSlidingWindow creates a limiter allowing limit requests per window.
func NewSlidingWindow(store ports.KVStore, limit int, window time.Duration, now func() time.Time) *SlidingWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &SlidingWindow{store: store, limit: limit, window: window, now: now}
}

func (w *SlidingWindow) key(caller string, bucket int64) string {
	return fmt.Sprintf("rl:%s:%d", caller, bucket)
}

// Allow counts this request against caller and reports whether it fits the window.
// Rejected requests are still counted.
func (w *SlidingWindow) Allow(ctx context.Context, caller string) (*WindowResult, error) {
	now := w.now()
	width := w.window.Nanoseconds()
	bucket := now.UnixNano() / width
	start := time.Unix(0, bucket*width)
	frac := float64(now.Sub(start)) / float64(w.window)

	curKey := w.key(caller, bucket)
	cur, err := w.store.Incr(ctx, curKey)
	if err != nil {
		return nil, fmt.Errorf("increment window counter: %w", err)
	}
	if cur == 1 {
		if err := w.store.Expire(ctx, curKey, 2*w.window); err != nil {
			return nil, fmt.Errorf("expire window counter: %w", err)
		}
	}

	var prev int64
	raw, ok, err := w.store.Get(ctx, w.key(caller, bucket-1))
	if err != nil {
		return nil, fmt.Errorf("read previous window: %w", err)
	}
	if ok {
		if prev, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("parse previous window: %w", err)
		}
	}

	estimate := float64(prev)*(1-frac) + float64(cur)
	remaining := w.limit - int(math.Ceil(estimate))
	if remaining < 0 {
		remaining = 0
	}

	return &WindowResult{
		Allowed:   estimate <= float64(w.limit),
		Estimate:  estimate,
		Limit:     w.limit,
		Remaining: remaining,
		ResetAt:   start.Add(w.window),
	}, nil
}
