package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"bifrost.org/internal/accounts"
	"bifrost.org/internal/apps"
	"bifrost.org/internal/audit"
	"bifrost.org/internal/auth"
	"bifrost.org/internal/identity"
)

type generateLinkTokenRequest struct {
	AccountID string `json:"account_id"`
}

type linkAccountResponse struct {
	Success bool             `json:"success"`
	Account identity.Account `json:"account"`
}

type validateTokenRequest struct {
	JWT string `json:"jwt"`
}

type validateTokenResponse struct {
	IsValid   bool       `json:"is_valid"`
	AccountID string     `json:"account_id,omitempty"`
	Role      string     `json:"app_specific_role,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	Code      string     `json:"code,omitempty"`
}

type setRoleRequest struct {
	Role     string `json:"role"`
	Duration string `json:"duration"`
}

type roleResponse struct {
	AccountID string        `json:"account_id"`
	AppID     string        `json:"app_id"`
	Role      identity.Role `json:"role"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	Expired   bool          `json:"expired"`
}

type rotatedSecretResponse struct {
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

func (a *API) registerAccount(w http.ResponseWriter, r *http.Request) {
	var req accounts.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	acc, err := a.accounts.Register(r.Context(), req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// purgeAccount is reserved to operator applications acting for a super admin
// whose identity token rides in ActorTokenHeader.
func (a *API) purgeAccount(w http.ResponseWriter, r *http.Request) {
	if !a.requireOperator(w, r) {
		return
	}
	actor, err := a.actor(r)
	if err != nil {
		actorRejected(w, r, err)
		return
	}
	accountID := r.PathValue("account_id")
	ctx := auth.ContextWithActor(r.Context(), actor.AccountID)
	if err := a.accounts.Purge(ctx, actor.AccountID, accountID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "account_id": accountID})
}

func (a *API) linkAccount(w http.ResponseWriter, r *http.Request) {
	var req accounts.LinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	acc, err := a.accounts.LinkChat(r.Context(), req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, linkAccountResponse{Success: true, Account: acc})
}

func (a *API) generateLinkToken(w http.ResponseWriter, r *http.Request) {
	var req generateLinkTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		invalidInput(w, r, "account_id is required")
		return
	}
	tok, err := a.accounts.GenerateLinkToken(r.Context(), strings.TrimSpace(req.AccountID))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// validateToken checks an identity token minted for the calling application
// and reports the account's current role there.
func (a *API) validateToken(w http.ResponseWriter, r *http.Request) {
	var req validateTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.JWT) == "" {
		writeJSON(w, http.StatusBadRequest, validateTokenResponse{Error: "missing token", Code: identity.CodeInvalidInput})
		return
	}
	app := caller(r)
	claims, err := a.tokens.Validate(strings.TrimSpace(req.JWT), app.ID)
	if err != nil {
		resp := validateTokenResponse{Error: "invalid token", Code: codeUnauthorized}
		if errors.Is(err, auth.ErrTokenExpired) {
			resp.Error, resp.Code = "token expired", identity.CodeExpired
		}
		writeJSON(w, http.StatusUnauthorized, resp)
		return
	}
	view, err := a.entitlements.GetRole(r.Context(), claims.Subject, app.ID)
	if errors.Is(err, identity.ErrNotFound) {
		writeJSON(w, http.StatusForbidden, validateTokenResponse{
			AccountID: claims.Subject,
			Error:     "account is not linked to this application",
			Code:      identity.CodePermissionDenied,
		})
		return
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	role := view.Role
	if view.Expired && role.Above(identity.DefaultRole) {
		role = identity.DefaultRole
	}
	writeJSON(w, http.StatusOK, validateTokenResponse{
		IsValid:   true,
		AccountID: claims.Subject,
		Role:      role.String(),
		ExpiresAt: view.ExpiresAt,
	})
}

func (a *API) issueOTP(w http.ResponseWriter, r *http.Request) {
	var req accounts.OTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	challenge, err := a.accounts.IssueOTP(r.Context(), req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

func (a *API) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var req accounts.VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	session, err := a.accounts.VerifyOTP(r.Context(), caller(r).ID, req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) getRole(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("account_id")
	appID := caller(r).ID
	view, err := a.entitlements.GetRole(r.Context(), accountID, appID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roleResponse{
		AccountID: accountID,
		AppID:     appID,
		Role:      view.Role,
		ExpiresAt: view.ExpiresAt,
		Expired:   view.Expired,
	})
}

// setRole is the back-office assignment: the actor's own role in the calling
// application bounds what it may assign. The actor is the subject of the
// identity token in ActorTokenHeader.
func (a *API) setRole(w http.ResponseWriter, r *http.Request) {
	actorRef, err := a.actor(r)
	if err != nil {
		actorRejected(w, r, err)
		return
	}
	var req setRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	role, err := identity.ParseRole(req.Role)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	var duration identity.Duration
	if strings.TrimSpace(req.Duration) != "" {
		if duration, err = identity.ParseDuration(req.Duration); err != nil {
			handleDomainError(w, r, err)
			return
		}
	}
	appID := caller(r).ID
	actor, err := a.entitlements.GetRole(r.Context(), actorRef.AccountID, appID)
	if errors.Is(err, identity.ErrNotFound) {
		writeError(w, r, http.StatusForbidden, identity.CodePermissionDenied, "actor has no role in this application")
		return
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	accountID := r.PathValue("account_id")
	if _, err := a.directory.GetAccount(r.Context(), accountID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	ctx := auth.ContextWithActor(r.Context(), actorRef.AccountID)
	actorRole := actor.Role
	if actor.Expired {
		actorRole = identity.DefaultRole
	}
	change, err := a.entitlements.SetRole(ctx, actorRole, accountID, appID, role, duration)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, "role.set", map[string]any{
		"account_id":    accountID,
		"app_id":        appID,
		"previous_role": change.PreviousRole().String(),
		"role":          role.String(),
	})
	writeJSON(w, http.StatusOK, roleResponse{
		AccountID: accountID,
		AppID:     appID,
		Role:      change.Current.Role,
		ExpiresAt: change.Current.ExpiresAt,
	})
}

// removeRole unlinks the account from the calling application. Without an
// actor token only guest links can go; the holder or a super admin, proven by
// token, may remove any link.
func (a *API) removeRole(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("account_id")
	actor, err := a.actor(r)
	if err != nil && !errors.Is(err, errMissingActor) {
		actorRejected(w, r, err)
		return
	}
	ctx := auth.ContextWithActor(r.Context(), actor.AccountID)
	if err := a.entitlements.Remove(ctx, accountID, caller(r).ID, actor); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, "role.removed", map[string]any{"account_id": accountID, "app_id": caller(r).ID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) managedApps(w http.ResponseWriter, r *http.Request) {
	list, err := a.entitlements.ListManagedApps(r.Context(), r.PathValue("account_id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []identity.Application{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": list})
}

func (a *API) registerApp(w http.ResponseWriter, r *http.Request) {
	if !a.requireOperator(w, r) {
		return
	}
	var req apps.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	creds, err := a.apps.Register(r.Context(), req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, creds)
}

func (a *API) appUsers(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if !a.actsFor(r, clientID) {
		writeError(w, r, http.StatusForbidden, identity.CodePermissionDenied, "cannot list users of another application")
		return
	}
	users, err := a.entitlements.ListAppUsers(r.Context(), clientID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"client_id": clientID, "users": users})
}

func (a *API) rotateClientSecret(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if !a.actsFor(r, clientID) {
		writeError(w, r, http.StatusForbidden, identity.CodePermissionDenied, "cannot rotate another application's secret")
		return
	}
	secret, err := a.apps.RotateClientSecret(r.Context(), clientID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rotatedSecretResponse{ClientID: clientID, ClientSecret: secret})
}

func (a *API) rotateWebhookSecret(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if !a.actsFor(r, clientID) {
		writeError(w, r, http.StatusForbidden, identity.CodePermissionDenied, "cannot rotate another application's secret")
		return
	}
	secret, err := a.apps.RotateWebhookSecret(r.Context(), clientID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rotatedSecretResponse{ClientID: clientID, WebhookSecret: secret})
}
