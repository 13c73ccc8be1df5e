package apps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"bifrost.org/internal/audit"
	"bifrost.org/internal/auth"
	"bifrost.org/internal/identity"
	"bifrost.org/internal/ids"
	"bifrost.org/internal/obs"
)

// ErrUnauthorized is returned for unknown clients and wrong secrets alike.
var ErrUnauthorized = errors.New("apps: invalid client credentials")

const maxSlug = 24

// Registry manages client applications and their credentials.
type Registry struct {
	store  identity.ApplicationStore
	logger *slog.Logger
	now    func() time.Time

	// verified remembers the last secret that matched a given stored hash so
	// repeat requests skip bcrypt. Keys include the hash; rotation invalidates.
	verified sync.Map
}

// Option configures Registry.
type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs a Registry.
func New(store identity.ApplicationStore, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = obs.Logger()
	}
	r := &Registry{store: store, logger: logger.With("component", "apps"), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterRequest describes a new client application.
type RegisterRequest struct {
	Name           string   `json:"name"`
	CallbackURL    string   `json:"callback_url"`
	WebURL         string   `json:"web_url"`
	APIURL         string   `json:"api_url"`
	LogoURL        string   `json:"logo_url"`
	QRURL          string   `json:"qr_url"`
	ForbiddenRoles []string `json:"forbidden_roles"`
}

// Credentials are returned exactly once, at registration or rotation.
type Credentials struct {
	Application   identity.Application `json:"application"`
	ClientSecret  string               `json:"client_secret,omitempty"`
	WebhookSecret string               `json:"webhook_secret,omitempty"`
}

// Register creates an application with a client id of the form
// <slug>_<8 hex>. The client secret is stored only as a bcrypt hash.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (Credentials, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Credentials{}, fmt.Errorf("%w: application name is required", identity.ErrInvalidInput)
	}
	slug := slugify(name)
	if slug == "" {
		return Credentials{}, fmt.Errorf("%w: application name must contain letters or digits", identity.ErrInvalidInput)
	}
	for _, u := range []string{req.CallbackURL, req.WebURL, req.APIURL} {
		if err := validateURL(u); err != nil {
			return Credentials{}, err
		}
	}
	forbidden := make([]string, 0, len(req.ForbiddenRoles))
	for _, role := range req.ForbiddenRoles {
		if role = strings.ToLower(strings.TrimSpace(role)); role != "" {
			forbidden = append(forbidden, role)
		}
	}

	secret, err := ids.Secret(24)
	if err != nil {
		return Credentials{}, err
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		return Credentials{}, err
	}
	webhookSecret, err := ids.Secret(24)
	if err != nil {
		return Credentials{}, err
	}

	app := identity.Application{
		Name:             name,
		CallbackURL:      strings.TrimSpace(req.CallbackURL),
		WebURL:           strings.TrimSpace(req.WebURL),
		APIURL:           strings.TrimSpace(req.APIURL),
		LogoURL:          strings.TrimSpace(req.LogoURL),
		QRURL:            strings.TrimSpace(req.QRURL),
		ClientSecretHash: hash,
		WebhookSecret:    webhookSecret,
		ForbiddenRoles:   forbidden,
		CreatedAt:        r.now().UTC(),
	}
	if len(forbidden) == 0 {
		app.ForbiddenRoles = nil
	}

	var created identity.Application
	for attempt := 0; attempt < 3; attempt++ {
		suffix, err := ids.Secret(4)
		if err != nil {
			return Credentials{}, err
		}
		app.ID = slug + "_" + suffix
		created, err = r.store.CreateApplication(ctx, app)
		if err == nil {
			break
		}
		if !errors.Is(err, identity.ErrConflict) {
			return Credentials{}, err
		}
	}
	if created.ID == "" {
		return Credentials{}, fmt.Errorf("%w: could not allocate client id", identity.ErrConflict)
	}

	_ = audit.LogEvent(ctx, "app.registered", map[string]any{"client_id": created.ID, "name": created.Name})
	r.logger.Info("application registered", "client_id", created.ID)
	return Credentials{Application: created, ClientSecret: secret, WebhookSecret: webhookSecret}, nil
}

// RotateClientSecret issues a new client secret; the old one stops working.
func (r *Registry) RotateClientSecret(ctx context.Context, clientID string) (string, error) {
	if _, err := r.store.GetApplication(ctx, clientID); err != nil {
		return "", err
	}
	secret, err := ids.Secret(24)
	if err != nil {
		return "", err
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		return "", err
	}
	if err := r.store.UpdateApplicationSecrets(ctx, clientID, hash, ""); err != nil {
		return "", err
	}
	r.verified.Delete(clientID)
	_ = audit.LogEvent(ctx, "app.client_secret_rotated", map[string]any{"client_id": clientID})
	return secret, nil
}

// RotateWebhookSecret replaces the signing secret. Deliveries read it fresh,
// so the next event is signed with the new value.
func (r *Registry) RotateWebhookSecret(ctx context.Context, clientID string) (string, error) {
	if _, err := r.store.GetApplication(ctx, clientID); err != nil {
		return "", err
	}
	secret, err := ids.Secret(24)
	if err != nil {
		return "", err
	}
	if err := r.store.UpdateApplicationSecrets(ctx, clientID, "", secret); err != nil {
		return "", err
	}
	_ = audit.LogEvent(ctx, "app.webhook_secret_rotated", map[string]any{"client_id": clientID})
	return secret, nil
}

// Authenticate verifies client credentials and returns the application.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (identity.Application, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" || secret == "" {
		return identity.Application{}, ErrUnauthorized
	}
	app, err := r.store.GetApplication(ctx, clientID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return identity.Application{}, ErrUnauthorized
		}
		return identity.Application{}, err
	}
	key := app.ClientSecretHash + ":" + digest(secret)
	if cached, ok := r.verified.Load(clientID); ok && cached.(string) == key {
		return app, nil
	}
	if err := auth.VerifySecret(app.ClientSecretHash, secret); err != nil {
		return identity.Application{}, ErrUnauthorized
	}
	r.verified.Store(clientID, key)
	return app, nil
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func slugify(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			underscore = false
		case b.Len() > 0 && !underscore:
			b.WriteByte('_')
			underscore = true
		}
		if b.Len() >= maxSlug {
			break
		}
	}
	return strings.Trim(b.String(), "_")
}

func validateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q is not an http(s) url", identity.ErrInvalidInput, raw)
	}
	return nil
}
