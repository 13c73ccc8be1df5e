package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

type client struct {
	base   string
	id     string
	secret string
	http   *http.Client
}

func (c *client) call(ctx context.Context, method, path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(c.id, c.secret)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func main() {
	c := &client{
		base:   os.Getenv("BIFROST_API_URL"),
		id:     os.Getenv("BIFROST_CLIENT_ID"),
		secret: os.Getenv("BIFROST_CLIENT_SECRET"),
		http:   &http.Client{Timeout: 10 * time.Second},
	}
	if c.base == "" {
		c.base = "http://localhost:8080"
	}
	if c.id == "" || c.secret == "" {
		log.Fatal("BIFROST_CLIENT_ID and BIFROST_CLIENT_SECRET are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var account struct {
		ID string `json:"id"`
	}
	email := fmt.Sprintf("smoke-%s@example.com", uuid.NewString()[:8])
	if code, err := c.call(ctx, http.MethodPost, "/internal/accounts", map[string]any{"email": email}, &account); err != nil || code != http.StatusCreated {
		log.Fatalf("register account: status=%d err=%v", code, err)
	}

	var intent struct {
		TransactionID string `json:"transaction_id"`
	}
	if code, err := c.call(ctx, http.MethodPost, "/internal/payments/secure-intent", map[string]any{
		"account_id":    account.ID,
		"amount":        1000,
		"currency":      "USD",
		"target_role":   "premium_user",
		"duration":      "1m",
		"client_ref_id": "smoke-" + uuid.NewString(),
	}, &intent); err != nil || code != http.StatusOK {
		log.Fatalf("secure intent: status=%d err=%v", code, err)
	}

	for i := 0; i < 2; i++ {
		var settled struct {
			Status           string `json:"status"`
			AlreadyCompleted bool   `json:"already_completed"`
		}
		code, err := c.call(ctx, http.MethodPost, "/internal/payments/approve", map[string]any{"transaction_id": intent.TransactionID}, &settled)
		if err != nil || code != http.StatusOK || settled.Status != "completed" {
			log.Fatalf("approve #%d: status=%d body=%+v err=%v", i+1, code, settled, err)
		}
		if i == 1 && !settled.AlreadyCompleted {
			log.Fatal("second approval must report already_completed")
		}
	}

	var role struct {
		Role string `json:"role"`
	}
	if code, err := c.call(ctx, http.MethodGet, "/internal/accounts/"+account.ID+"/role", nil, &role); err != nil || code != http.StatusOK {
		log.Fatalf("role: status=%d err=%v", code, err)
	}
	if role.Role != "premium_user" {
		log.Fatalf("unexpected role %q", role.Role)
	}

	fmt.Printf("payments smoke test passed: account=%s transaction=%s\n", account.ID, intent.TransactionID)
}
