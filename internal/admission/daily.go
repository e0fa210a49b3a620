package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
)

// dailyKeyTTL outlives the UTC day so a counter is never dropped early.
const dailyKeyTTL = 48 * time.Hour

// QuotaResult is the outcome of one daily quota check.
type QuotaResult struct {
	Allowed   bool
	Used      int64
	Limit     int
	Unlimited bool
	ResetAt   time.Time
}

// DailyQuota counts requests per caller per UTC calendar day.
type DailyQuota struct {
	store ports.KVStore
	now   func() time.Time
}

// NewDailyQuota creates a daily quota counter.
func NewDailyQuota(store ports.KVStore, now func() time.Time) *DailyQuota {
	if now == nil {
		now = time.Now
	}
	return &DailyQuota{store: store, now: now}
}

// DayKey returns the counter key for caller on the UTC day containing t.
func DayKey(caller string, t time.Time) string {
	return fmt.Sprintf("quota:%s:%s", caller, t.UTC().Format("2006-01-02"))
}

// Allow consumes one unit of caller's daily quota. A negative limit is
// unlimited and touches no counter.
func (q *DailyQuota) Allow(ctx context.Context, caller string, limit int) (*QuotaResult, error) {
	now := q.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)

	if limit < 0 {
		return &QuotaResult{Allowed: true, Limit: limit, Unlimited: true, ResetAt: midnight}, nil
	}

	key := DayKey(caller, now)
	n, err := q.store.Incr(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("increment daily counter: %w", err)
	}
	if n == 1 {
		if err := q.store.Expire(ctx, key, dailyKeyTTL); err != nil {
			return nil, fmt.Errorf("expire daily counter: %w", err)
		}
	}

	return &QuotaResult{
		Allowed: n <= int64(limit),
		Used:    n,
		Limit:   limit,
		ResetAt: midnight,
	}, nil
}
