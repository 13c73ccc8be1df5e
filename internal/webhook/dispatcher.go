package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"bifrost.org/internal/identity"
	"bifrost.org/internal/obs"
)

const (
	EventSubscriptionSuccess = "subscription_success"
	EventSubscriptionExpired = "subscription_expired"
	EventAccountRoleChange   = "account_role_change"
	EventAccountUpdate       = "account_update"

	HeaderEvent     = "X-Bifrost-Event"
	HeaderSignature = "X-Bifrost-Signature"
	HeaderTimestamp = "X-Bifrost-Timestamp"

	defaultTimeout = 5 * time.Second
)

// ErrDeliveryFailed marks a webhook that did not reach the client application.
var ErrDeliveryFailed = fmt.Errorf("webhook: %w", identity.ErrUpstreamDeliveryFailed)

// Payload is what a caller hands to Emit. Identity fields are filled in from
// the account at dispatch time.
type Payload struct {
	AccountID string
	Extra     map[string]any
}

// Event is the signed JSON envelope posted to the client application.
type Event struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	ExtraData map[string]any `json:"extra_data"`
}

// Store is the read access the dispatcher needs.
type Store interface {
	GetApplication(ctx context.Context, id string) (identity.Application, error)
	GetAccount(ctx context.Context, id string) (identity.Account, error)
	ListLinksByAccount(ctx context.Context, accountID string) ([]identity.AppLink, error)
}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher signs and delivers webhook events. Delivery is a single attempt
// that runs detached from the caller; failures are logged and counted only.
type Dispatcher struct {
	store   Store
	client  Doer
	timeout time.Duration
	logger  *slog.Logger
	metrics *obs.Metrics
	now     func() time.Time
	sync    bool

	wg sync.WaitGroup
}

// Option configures Dispatcher.
type Option func(*Dispatcher)

func WithHTTPClient(c Doer) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithSync makes Emit deliver inline. Used by tests and one-shot tools.
func WithSync() Option {
	return func(d *Dispatcher) { d.sync = true }
}

// New constructs a Dispatcher.
func New(store Store, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = obs.Logger()
	}
	d := &Dispatcher{
		store:   store,
		client:  &http.Client{},
		timeout: defaultTimeout,
		logger:  logger.With("component", "webhook"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Emit dispatches event to the application. It never reports failure to the
// caller; the triggering state change has already committed.
func (d *Dispatcher) Emit(ctx context.Context, appID, event string, payload Payload) {
	// The secret and callback are read per dispatch so rotation applies immediately.
	app, err := d.store.GetApplication(ctx, appID)
	if err != nil {
		d.logger.Error("webhook application lookup failed", "app_id", appID, "event", event, "error", err)
		d.metrics.WebhookDelivered(event, "lookup_failed", 0)
		return
	}
	env := d.envelope(ctx, event, payload)
	d.dispatch(ctx, app, env)
}

// EmitForAccount dispatches event to every application the account is linked to.
func (d *Dispatcher) EmitForAccount(ctx context.Context, accountID, event string, payload Payload) {
	links, err := d.store.ListLinksByAccount(ctx, accountID)
	if err != nil {
		d.logger.Error("webhook link lookup failed", "account_id", accountID, "event", event, "error", err)
		return
	}
	payload.AccountID = accountID
	for _, link := range links {
		d.Emit(ctx, link.ApplicationID, event, payload)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, app identity.Application, env Event) {
	if strings.TrimSpace(app.CallbackURL) == "" {
		d.logger.Debug("webhook skipped, no callback url", "app_id", app.ID, "event", env.Event)
		d.metrics.WebhookDelivered(env.Event, "skipped", 0)
		return
	}
	if d.sync {
		_ = d.Deliver(ctx, app, env)
		return
	}
	detached := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.Deliver(detached, app, env)
	}()
}

// Deliver performs one signed POST bounded by the dispatcher timeout.
func (d *Dispatcher) Deliver(ctx context.Context, app identity.Application, env Event) error {
	start := time.Now()
	err := d.post(ctx, app, env)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		d.logger.Warn("webhook delivery failed",
			"app_id", app.ID, "event", env.Event, "url", app.CallbackURL, "error", err)
	} else {
		d.logger.Info("webhook delivered", "app_id", app.ID, "event", env.Event)
	}
	d.metrics.WebhookDelivered(env.Event, outcome, time.Since(start))
	return err
}

func (d *Dispatcher) post(ctx context.Context, app identity.Application, env Event) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrDeliveryFailed, err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, app.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, env.Event)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(d.now().UTC().Unix(), 10))
	req.Header.Set(HeaderSignature, SignatureHeader(app.WebhookSecret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight asynchronous deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) envelope(ctx context.Context, event string, payload Payload) Event {
	data := map[string]any{}
	if payload.AccountID != "" {
		data["account_id"] = payload.AccountID
		acc, err := d.store.GetAccount(ctx, payload.AccountID)
		switch {
		case err == nil:
			putNonEmpty(data, "email", acc.Email)
			putNonEmpty(data, "username", acc.Username)
			putNonEmpty(data, "phone", acc.Phone)
			putNonEmpty(data, "telegram_id", acc.ChatID)
			putNonEmpty(data, "display_name", acc.DisplayName)
		case errors.Is(err, identity.ErrNotFound):
		default:
			d.logger.Warn("webhook account lookup failed", "account_id", payload.AccountID, "error", err)
		}
	}
	extra := make(map[string]any, len(payload.Extra))
	for k, v := range payload.Extra {
		extra[k] = v
	}
	return Event{Event: event, Data: data, ExtraData: extra}
}

func putNonEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
