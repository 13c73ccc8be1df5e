package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"bifrost.org/internal/accounts"
	"bifrost.org/internal/apps"
	"bifrost.org/internal/identity"
	"bifrost.org/internal/webhook"
)

func TestOTPLoginThenValidateToken(t *testing.T) {
	env := newTestAPI(t)
	accountID := env.registerAccount(map[string]any{"email": "otp@example.com"})

	resp := env.post("/internal/otp/issue", map[string]any{"identifier": "OTP@example.com", "channel": "email"}, basic(env.shop))
	expectStatus(t, resp, http.StatusOK)
	challenge := decode[accounts.OTPChallenge](t, resp)
	if challenge.AccountID != accountID || len(challenge.Code) != 6 {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}

	resp = env.post("/internal/otp/verify", map[string]any{
		"identifier": "otp@example.com", "channel": "email", "code": challenge.Code,
	}, basic(env.shop))
	expectStatus(t, resp, http.StatusOK)
	session := decode[accounts.Session](t, resp)
	if session.Token == "" || session.Role.String() != "user" {
		t.Fatalf("unexpected session: %+v", session)
	}

	resp = env.post("/internal/validate-token", map[string]any{"jwt": session.Token}, basic(env.shop))
	expectStatus(t, resp, http.StatusOK)
	got := decode[validateTokenResponse](t, resp)
	if !got.IsValid || got.AccountID != accountID || got.Role != "user" {
		t.Fatalf("unexpected validation: %+v", got)
	}

	// Tokens are scoped to the application they were minted for.
	resp = env.post("/internal/validate-token", map[string]any{"jwt": session.Token}, basic(env.other))
	expectStatus(t, resp, http.StatusUnauthorized)
	if body := decode[validateTokenResponse](t, resp); body.IsValid {
		t.Fatalf("token must not validate for another application: %+v", body)
	}

	resp = env.post("/internal/otp/verify", map[string]any{
		"identifier": "otp@example.com", "channel": "email", "code": challenge.Code,
	}, basic(env.shop))
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decode[map[string]any](t, resp); body["code"] != "invalid" {
		t.Fatalf("reused code: unexpected body %v", body)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	env := newTestAPI(t)

	resp := env.post("/internal/validate-token", map[string]any{"jwt": "not-a-token"}, basic(env.shop))
	expectStatus(t, resp, http.StatusUnauthorized)
	if body := decode[validateTokenResponse](t, resp); body.IsValid || body.Code != codeUnauthorized {
		t.Fatalf("unexpected body: %+v", body)
	}

	resp = env.post("/internal/validate-token", map[string]any{"jwt": ""}, basic(env.shop))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestValidateTokenRequiresLink(t *testing.T) {
	env := newTestAPI(t)
	accountID := env.registerAccount(map[string]any{"email": "nolink@example.com"})
	token, _, err := env.tokens.Issue(accountID, env.shop.Application.ID, "nolink@example.com")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	resp := env.post("/internal/validate-token", map[string]any{"jwt": token}, basic(env.shop))
	expectStatus(t, resp, http.StatusForbidden)
	if body := decode[validateTokenResponse](t, resp); body.IsValid || body.Code != "permission_denied" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestLinkAccountThroughDeepLink(t *testing.T) {
	env := newTestAPI(t)
	accountID := env.registerAccount(map[string]any{"email": "chat@example.com"})
	// a link so account_update has somewhere to go
	resp := env.post("/internal/grant-premium", map[string]any{"account_id": accountID}, basic(env.shop))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.post("/internal/generate-link-token", map[string]any{"account_id": accountID}, basic(env.shop))
	expectStatus(t, resp, http.StatusOK)
	tok := decode[accounts.LinkToken](t, resp)
	if !strings.HasPrefix(tok.DeepLink, testBotURL+"?start=") || tok.Token == "" {
		t.Fatalf("unexpected link token: %+v", tok)
	}
	if !tok.ExpiresAt.After(time.Now()) {
		t.Fatalf("link token already expired: %v", tok.ExpiresAt)
	}

	link := map[string]any{"token": tok.Token, "telegram_id": "555001", "display_name": "Chat User"}
	resp = env.post("/internal/link-account", link, basic(env.shop))
	expectStatus(t, resp, http.StatusOK)
	linked := decode[linkAccountResponse](t, resp)
	if linked.Account.ID != accountID || linked.Account.ChatID != "555001" {
		t.Fatalf("unexpected linked account: %+v", linked.Account)
	}
	if len(env.hooks.byEvent(webhook.EventAccountUpdate)) != 1 {
		t.Fatal("expected one account_update webhook")
	}

	resp = env.post("/internal/link-account", link, basic(env.shop))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRegisterAccountConflict(t *testing.T) {
	env := newTestAPI(t)
	env.registerAccount(map[string]any{"email": "dup@example.com"})

	resp := env.post("/internal/accounts", map[string]any{"email": "DUP@example.com"}, basic(env.shop))
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = env.post("/internal/accounts", map[string]any{"display_name": "Nobody"}, basic(env.shop))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

// actingAs returns client credentials plus an identity token for accountID
// minted for the same application.
func (env *testEnv) actingAs(t *testing.T, c apps.Credentials, accountID string) map[string]string {
	t.Helper()
	token, _, err := env.tokens.Issue(accountID, c.Application.ID, "")
	if err != nil {
		t.Fatalf("issue actor token: %v", err)
	}
	h := basic(c)
	h[ActorTokenHeader] = token
	return h
}

func TestSetAndRemoveRole(t *testing.T) {
	env := newTestAPI(t)
	adminID := env.registerAccount(map[string]any{"email": "admin@example.com"})
	userID := env.registerAccount(map[string]any{"email": "member@example.com"})
	now := time.Now().UTC()
	if _, err := env.store.UpsertLink(context.Background(), identity.AppLink{
		AccountID: adminID, ApplicationID: env.shop.Application.ID, Role: identity.RoleAdmin,
		LinkedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	resp := env.do(http.MethodPut, "/internal/accounts/"+userID+"/role", map[string]any{
		"role": "premium_user", "duration": "1m",
	}, basic(env.shop))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = env.do(http.MethodPut, "/internal/accounts/"+userID+"/role", map[string]any{
		"role": "premium_user", "duration": "1m",
	}, env.actingAs(t, env.shop, adminID))
	expectStatus(t, resp, http.StatusOK)
	set := decode[roleResponse](t, resp)
	if set.Role != identity.RolePremiumUser || set.ExpiresAt == nil {
		t.Fatalf("unexpected role: %+v", set)
	}

	// admins cannot mint peers
	resp = env.do(http.MethodPut, "/internal/accounts/"+userID+"/role", map[string]any{"role": "admin"}, env.actingAs(t, env.shop, adminID))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = env.do(http.MethodPut, "/internal/accounts/"+adminID+"/role", map[string]any{"role": "user"}, env.actingAs(t, env.shop, userID))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	// a token minted for another application does not identify an actor here
	resp = env.do(http.MethodPut, "/internal/accounts/"+userID+"/role", map[string]any{"role": "user"}, func() map[string]string {
		h := env.actingAs(t, env.other, adminID)
		h["Authorization"] = basic(env.shop)["Authorization"]
		return h
	}())
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = env.do(http.MethodDelete, "/internal/accounts/"+adminID+"/role", nil, env.actingAs(t, env.shop, userID))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = env.do(http.MethodDelete, "/internal/accounts/"+adminID+"/role", nil, env.actingAs(t, env.shop, adminID))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.get("/internal/accounts/"+adminID+"/role", nil, basic(env.shop))
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestRemovePaidLinkNeedsVerifiedActor(t *testing.T) {
	env := newTestAPI(t)
	userID := env.registerAccount(map[string]any{"email": "paid@example.com"})
	resp := env.post("/internal/grant-premium", map[string]any{"account_id": userID}, basic(env.shop))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	rolePath := "/internal/accounts/" + userID + "/role"

	// claimed identities in the query are ignored
	for _, claimed := range []string{userID, "root-account"} {
		resp = env.do(http.MethodDelete, rolePath+"?"+url.Values{"actor_id": {claimed}}.Encode(), nil, basic(env.shop))
		expectStatus(t, resp, http.StatusForbidden)
		resp.Body.Close()
	}

	bad := basic(env.shop)
	bad[ActorTokenHeader] = "forged"
	resp = env.do(http.MethodDelete, rolePath, nil, bad)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = env.get(rolePath, nil, basic(env.shop))
	expectStatus(t, resp, http.StatusOK)
	if got := decode[roleResponse](t, resp); got.Role != identity.RolePremiumUser {
		t.Fatalf("paid link must survive: %+v", got)
	}

	resp = env.do(http.MethodDelete, rolePath, nil, env.actingAs(t, env.shop, "root-account"))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestManagedAppsEmpty(t *testing.T) {
	env := newTestAPI(t)
	accountID := env.registerAccount(map[string]any{"email": "plain@example.com"})

	resp := env.get("/internal/accounts/"+accountID+"/managed-apps", nil, basic(env.shop))
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string][]any](t, resp)
	if len(body["apps"]) != 0 {
		t.Fatalf("expected no managed apps, got %v", body["apps"])
	}
}

func TestPurgeAccount(t *testing.T) {
	env := newTestAPI(t)
	accountID := env.registerAccount(map[string]any{"telegram_id": "31337"})
	resp := env.post("/internal/grant-premium", map[string]any{"telegram_id": "31337"}, basic(env.shop))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	purgePath := "/internal/accounts/" + accountID + "/purge"

	resp = env.post(purgePath, nil, env.actingAs(t, env.shop, "root-account"))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = env.post(purgePath, nil, basic(env.ops))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = env.post(purgePath, nil, env.actingAs(t, env.ops, "someone"))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = env.post(purgePath, nil, env.actingAs(t, env.ops, "root-account"))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	removed := 0
	for _, h := range env.hooks.byEvent(webhook.EventAccountRoleChange) {
		if h.event.ExtraData["new_role"] == "removed" {
			removed++
		}
	}
	if removed != 1 {
		t.Fatalf("expected one removal webhook, got %d", removed)
	}

	resp = env.get("/internal/accounts/"+accountID+"/role", nil, basic(env.shop))
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
