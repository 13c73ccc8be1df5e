package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"bifrost.org/internal/entitlement"
	"bifrost.org/internal/identity"
	"bifrost.org/internal/obs"
	"bifrost.org/internal/webhook"
)

const (
	DefaultInterval = 60 * time.Minute
	lockKey         = "bifrost:reaper:tick"
)

// ErrSkipped is returned by RunOnce when another tick holds the guard.
var ErrSkipped = errors.New("reaper: tick already running")

// Store lists expired links.
type Store interface {
	ListExpiredLinks(ctx context.Context, now time.Time) ([]identity.AppLink, error)
}

// Entitlements performs the downgrade. ok is false when the link was renewed
// or regranted after it was listed.
type Entitlements interface {
	Expire(ctx context.Context, observed identity.AppLink) (change entitlement.Change, ok bool, err error)
}

// Notifier emits webhook events.
type Notifier interface {
	Emit(ctx context.Context, appID, event string, payload webhook.Payload)
}

// Locker is a cross-instance mutual exclusion. TryLock must not block; ok is
// false when someone else holds the key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Reaper downgrades subscriptions whose expiry has passed.
type Reaper struct {
	store        Store
	entitlements Entitlements
	notifier     Notifier
	logger       *slog.Logger
	metrics      *obs.Metrics
	locker       Locker
	interval     time.Duration
	now          func() time.Time

	running atomic.Bool
}

// Option configures Reaper.
type Option func(*Reaper)

func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reaper) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLocker(l Locker) Option {
	return func(r *Reaper) { r.locker = l }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

// New constructs a Reaper.
func New(store Store, entitlements Entitlements, notifier Notifier, logger *slog.Logger, opts ...Option) *Reaper {
	if logger == nil {
		logger = obs.Logger()
	}
	r := &Reaper{
		store:        store,
		entitlements: entitlements,
		notifier:     notifier,
		logger:       logger.With("component", "reaper"),
		interval:     DefaultInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Failure records one candidate that could not be processed.
type Failure struct {
	AccountID     string `json:"account_id"`
	ApplicationID string `json:"app_id"`
	Err           string `json:"error"`
}

// Report summarises a tick.
type Report struct {
	At         time.Time `json:"at"`
	Scanned    int       `json:"scanned"`
	Downgraded int       `json:"downgraded"`
	Skipped    int       `json:"skipped"`
	Failures   []Failure `json:"failures,omitempty"`
}

// Tick finds expired links, downgrades each and emits subscription_expired.
// Candidates are independent: one failure does not stop the scan. Only a
// failure to list candidates aborts.
func (r *Reaper) Tick(ctx context.Context) (Report, error) {
	now := r.now().UTC()
	report := Report{At: now}
	candidates, err := r.store.ListExpiredLinks(ctx, now)
	if err != nil {
		return report, fmt.Errorf("list expired links: %w", err)
	}
	report.Scanned = len(candidates)

	for _, link := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		_, ok, err := r.entitlements.Expire(ctx, link)
		if err != nil {
			r.logger.Error("downgrade failed",
				"account_id", link.AccountID, "app_id", link.ApplicationID, "error", err)
			report.Failures = append(report.Failures, Failure{
				AccountID: link.AccountID, ApplicationID: link.ApplicationID, Err: err.Error(),
			})
			continue
		}
		if !ok {
			report.Skipped++
			continue
		}
		report.Downgraded++

		if r.notifier != nil {
			r.notifier.Emit(ctx, link.ApplicationID, webhook.EventSubscriptionExpired, webhook.Payload{
				AccountID: link.AccountID,
				Extra: map[string]any{
					"previous_role": link.Role.String(),
					"new_role":      identity.DefaultRole.String(),
					"reason":        "expired",
				},
			})
		}
	}
	return report, nil
}

// RunOnce runs a tick unless one is already running here or, with a Locker,
// in another instance. A skipped tick returns ErrSkipped.
func (r *Reaper) RunOnce(ctx context.Context) (Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.metrics.ReaperTick("skipped", 0)
		return Report{}, ErrSkipped
	}
	defer r.running.Store(false)

	if r.locker != nil {
		release, ok, err := r.locker.TryLock(ctx, lockKey, r.interval)
		if err != nil {
			r.metrics.ReaperTick("lock_error", 0)
			return Report{}, fmt.Errorf("acquire reaper lock: %w", err)
		}
		if !ok {
			r.metrics.ReaperTick("skipped", 0)
			return Report{}, ErrSkipped
		}
		defer release()
	}

	start := time.Now()
	report, err := r.Tick(ctx)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case len(report.Failures) > 0:
		outcome = "partial"
	}
	r.metrics.ReaperTick(outcome, report.Downgraded)
	r.logger.Info("reaper tick finished",
		"outcome", outcome, "scanned", report.Scanned, "downgraded", report.Downgraded,
		"skipped", report.Skipped, "failures", len(report.Failures), "duration_ms", time.Since(start).Milliseconds())
	return report, err
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", "interval", r.interval.String())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, ErrSkipped) && ctx.Err() == nil {
			r.logger.Error("reaper tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
