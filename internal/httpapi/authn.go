package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"bifrost.org/internal/apps"
	"bifrost.org/internal/auth"
	"bifrost.org/internal/entitlement"
	"bifrost.org/internal/identity"
)

const (
	basicRealm = `Basic realm="bifrost"`

	// ActorTokenHeader carries the identity token of the end user on whose
	// behalf the calling application acts.
	ActorTokenHeader = "X-Actor-Token"
)

var errMissingActor = errors.New("actor token required")

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
}

// ClientAuthenticator verifies client_id:client_secret pairs.
type ClientAuthenticator interface {
	Authenticate(ctx context.Context, clientID, secret string) (identity.Application, error)
}

// withClientAuth requires HTTP Basic credentials of a registered application
// on every non-public path and puts the application in the request context.
func (a *API) withClientAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		clientID, secret, ok := r.BasicAuth()
		if !ok {
			unauthorized(w, r, "missing client credentials")
			return
		}
		app, err := a.clients.Authenticate(r.Context(), clientID, secret)
		if err != nil {
			if errors.Is(err, apps.ErrUnauthorized) {
				unauthorized(w, r, "invalid client credentials")
				return
			}
			handleDomainError(w, r, err)
			return
		}
		ctx := auth.ContextWithApplication(r.Context(), app)
		ctx = auth.ContextWithActor(ctx, "client:"+app.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", basicRealm)
	writeError(w, r, http.StatusUnauthorized, codeUnauthorized, msg)
}

// caller returns the authenticated application. Handlers only run behind
// withClientAuth, so a missing value is a wiring bug.
func caller(r *http.Request) identity.Application {
	app, _ := auth.ApplicationFromContext(r.Context())
	return app
}

func (a *API) isOperator(app identity.Application) bool {
	_, ok := a.operators[app.ID]
	return ok
}

// actsFor reports whether the caller may act on behalf of appID: itself, or
// any application when the caller is an operator.
func (a *API) actsFor(r *http.Request, appID string) bool {
	app := caller(r)
	return appID == "" || appID == app.ID || a.isOperator(app)
}

func (a *API) requireOperator(w http.ResponseWriter, r *http.Request) bool {
	if a.isOperator(caller(r)) {
		return true
	}
	writeError(w, r, http.StatusForbidden, identity.CodePermissionDenied, "operator application required")
	return false
}

// actor resolves the end user behind the request from an identity token the
// calling application obtained for that user. Without a token the actor is
// anonymous; with an invalid one the request is refused.
func (a *API) actor(r *http.Request) (entitlement.Actor, error) {
	raw := strings.TrimSpace(r.Header.Get(ActorTokenHeader))
	if raw == "" {
		return entitlement.Actor{}, errMissingActor
	}
	claims, err := a.tokens.Validate(raw, caller(r).ID)
	if err != nil {
		return entitlement.Actor{}, err
	}
	return entitlement.Actor{AccountID: claims.Subject, SuperAdmin: a.accounts.IsSuperAdmin(claims.Subject)}, nil
}

func actorRejected(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := codeUnauthorized, "invalid actor token"
	switch {
	case errors.Is(err, errMissingActor):
		msg = err.Error()
	case errors.Is(err, auth.ErrTokenExpired):
		code, msg = identity.CodeExpired, "actor token expired"
	}
	writeError(w, r, http.StatusUnauthorized, code, msg)
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
