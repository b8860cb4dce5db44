// Package quota tracks per-namespace usage on the shared store and
// emits threshold events. Exceeding the limit is an explicit rejection,
// never conflated with a cache miss.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentcache/agentcache/internal/kv"
	"github.com/agentcache/agentcache/internal/webhook"
)

// ErrExceeded is returned once a namespace is over its limit.
var ErrExceeded = errors.New("quota exceeded")

// warnFraction is the usage fraction that triggers quota.warning.
const warnFraction = 0.8

// Tracker counts requests per namespace in the shared store so every
// worker sees the same totals.
type Tracker struct {
	store    kv.Store
	notifier *webhook.Notifier
	log      *logrus.Logger
	limit    int64
	window   time.Duration
}

// New creates a Tracker. limit <= 0 disables enforcement; window > 0
// resets counters that long after their first increment. notifier may
// be nil, in which case threshold events are skipped.
func New(store kv.Store, notifier *webhook.Notifier, log *logrus.Logger, limit int64, window time.Duration) *Tracker {
	return &Tracker{store: store, notifier: notifier, log: log, limit: limit, window: window}
}

func counterKey(namespace string) string {
	return "quota:" + namespace + ":used"
}

// Consume records one request against the namespace and enforces the
// limit. Crossing 80% emits quota.warning, crossing 100% emits
// quota.exceeded; while over the limit every call returns ErrExceeded.
func (t *Tracker) Consume(ctx context.Context, namespace string) error {
	if t.limit <= 0 {
		return nil
	}

	used, err := t.store.Incr(ctx, counterKey(namespace), 1)
	if err != nil {
		// A store outage must not reject traffic; quota resumes when
		// the store does.
		t.log.WithError(err).WithField("namespace", namespace).
			Warn("quota: counter unavailable, skipping enforcement")
		return nil
	}
	if used == 1 && t.window > 0 {
		if err := t.store.Expire(ctx, counterKey(namespace), t.window); err != nil {
			t.log.WithError(err).Warn("quota: set window expiry failed")
		}
	}

	warnAt := int64(float64(t.limit) * warnFraction)
	if t.notifier != nil {
		switch {
		case used == warnAt:
			t.notifier.Notify(namespace, webhook.QuotaData{
				Namespace: namespace, Used: used, Limit: t.limit,
				Fraction: float64(used) / float64(t.limit),
			})
		case used == t.limit+1:
			t.notifier.Notify(namespace, webhook.QuotaData{
				Namespace: namespace, Used: used, Limit: t.limit,
				Fraction: float64(used) / float64(t.limit), Exceeded: true,
			})
		}
	}

	if used > t.limit {
		return fmt.Errorf("%w: namespace %s used %d of %d", ErrExceeded, namespace, used, t.limit)
	}
	return nil
}

// Usage returns the current counter and limit for a namespace.
func (t *Tracker) Usage(ctx context.Context, namespace string) (used, limit int64, err error) {
	v, found, err := t.store.Get(ctx, counterKey(namespace))
	if err != nil {
		return 0, t.limit, err
	}
	if found {
		fmt.Sscanf(string(v), "%d", &used)
	}
	return used, t.limit, nil
}
