package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"bifrost.org/internal/accounts"
	"bifrost.org/internal/apps"
	"bifrost.org/internal/auth"
	"bifrost.org/internal/entitlement"
	"bifrost.org/internal/identity"
	"bifrost.org/internal/obs"
	"bifrost.org/internal/payments"
)

const maxBodyBytes = maxProofBytes + 1<<20

// Pinger is any dependency /readyz should check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyCheck checks the database and, when configured, the cache.
type ReadyCheck struct {
	DB    *sql.DB
	Cache Pinger
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Cache != nil {
		return rp.Cache.Ping(ctx)
	}
	return nil
}

// Directory resolves accounts and applications named in request bodies.
type Directory interface {
	GetAccount(ctx context.Context, id string) (identity.Account, error)
	FindAccountByEmail(ctx context.Context, email string) (identity.Account, error)
	FindAccountByPhone(ctx context.Context, phone string) (identity.Account, error)
	FindAccountByChatID(ctx context.Context, chatID string) (identity.Account, error)
	GetApplication(ctx context.Context, id string) (identity.Application, error)
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Payments     *payments.Engine
	Entitlements *entitlement.Manager
	Accounts     *accounts.Service
	Apps         *apps.Registry
	Tokens       *auth.Tokens
	Directory    Directory
	Ready        ReadyCheck
	Version      string

	// BotURL prefixes the secure payment link, e.g. https://t.me/bifrost_bot.
	BotURL       string
	OperatorApps []string
	RateBurst    int
	RatePerSec   float64
}

// API is the internal service-to-service HTTP layer.
type API struct {
	mux          *http.ServeMux
	readyCheck   ReadyCheck
	version      string
	payments     *payments.Engine
	entitlements *entitlement.Manager
	accounts     *accounts.Service
	apps         *apps.Registry
	clients      ClientAuthenticator
	tokens       *auth.Tokens
	directory    Directory
	botURL       string
	operators    map[string]struct{}
	rateBurst    int
	ratePerSec   float64
}

func New(d Deps) *API {
	a := &API{
		mux:          http.NewServeMux(),
		readyCheck:   d.Ready,
		version:      d.Version,
		payments:     d.Payments,
		entitlements: d.Entitlements,
		accounts:     d.Accounts,
		apps:         d.Apps,
		clients:      d.Apps,
		tokens:       d.Tokens,
		directory:    d.Directory,
		botURL:       strings.TrimRight(strings.TrimSpace(d.BotURL), "/"),
		operators:    map[string]struct{}{},
		rateBurst:    d.RateBurst,
		ratePerSec:   d.RatePerSec,
	}
	for _, id := range d.OperatorApps {
		if id = strings.TrimSpace(id); id != "" {
			a.operators[id] = struct{}{}
		}
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 50
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 25
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	// payments
	a.mux.HandleFunc("POST /internal/payments/secure-intent", a.secureIntent)
	a.mux.HandleFunc("POST /internal/payments/submit-proof", a.submitProof)
	a.mux.HandleFunc("GET /internal/payments/status/{transaction_id}", a.transactionStatus)
	a.mux.HandleFunc("POST /internal/payments/approve", a.approveTransaction)
	a.mux.HandleFunc("POST /internal/payments/reject", a.rejectTransaction)
	a.mux.HandleFunc("POST /internal/payments/claim", a.claimPayment)
	a.mux.HandleFunc("POST /internal/payments/record", a.recordPayment)
	a.mux.HandleFunc("POST /internal/payments/provider-callback", a.providerCallback)
	a.mux.HandleFunc("POST /internal/grant-premium", a.grantRole)
	a.mux.HandleFunc("POST /internal/grant-role", a.grantRole)

	// accounts and verification
	a.mux.HandleFunc("POST /internal/accounts", a.registerAccount)
	a.mux.HandleFunc("POST /internal/accounts/{account_id}/purge", a.purgeAccount)
	a.mux.HandleFunc("GET /internal/accounts/{account_id}/role", a.getRole)
	a.mux.HandleFunc("PUT /internal/accounts/{account_id}/role", a.setRole)
	a.mux.HandleFunc("DELETE /internal/accounts/{account_id}/role", a.removeRole)
	a.mux.HandleFunc("GET /internal/accounts/{account_id}/managed-apps", a.managedApps)
	a.mux.HandleFunc("POST /internal/link-account", a.linkAccount)
	a.mux.HandleFunc("POST /internal/generate-link-token", a.generateLinkToken)
	a.mux.HandleFunc("POST /internal/validate-token", a.validateToken)
	a.mux.HandleFunc("POST /internal/otp/issue", a.issueOTP)
	a.mux.HandleFunc("POST /internal/otp/verify", a.verifyOTP)

	// applications
	a.mux.HandleFunc("POST /internal/apps", a.registerApp)
	a.mux.HandleFunc("GET /internal/apps/{client_id}/users", a.appUsers)
	a.mux.HandleFunc("POST /internal/apps/{client_id}/rotate-secret", a.rotateClientSecret)
	a.mux.HandleFunc("POST /internal/apps/{client_id}/rotate-webhook-secret", a.rotateWebhookSecret)

	return a
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withClientAuth(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "bifrost",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyCheck.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
