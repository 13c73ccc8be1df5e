// Package approval forwards payment proofs to whoever approves them. The
// chat front-end that renders approve/reject buttons lives outside this
// service; it calls back into the payments API with the decision.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"bifrost.org/internal/obs"
)

// Proof is an uploaded receipt plus the context an approver needs.
type Proof struct {
	TransactionID string
	AccountID     string
	ApplicationID string
	FileName      string
	ContentType   string
	Body          []byte
	Caption       string
}

// Channel delivers proofs for manual approval.
type Channel interface {
	Forward(ctx context.Context, p Proof) error
}

// LogChannel records proofs in the structured log and keeps them in memory
// until an operator drains them.
type LogChannel struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []Proof
}

// NewLogChannel builds a LogChannel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = obs.Logger()
	}
	return &LogChannel{logger: logger.With("component", "approval")}
}

func (c *LogChannel) Forward(ctx context.Context, p Proof) error {
	if len(p.Body) == 0 {
		return fmt.Errorf("approval: empty proof")
	}
	sum := sha256.Sum256(p.Body)
	c.logger.InfoContext(ctx, "payment proof awaiting approval",
		"transaction_id", p.TransactionID,
		"account_id", p.AccountID,
		"app_id", p.ApplicationID,
		"file_name", p.FileName,
		"content_type", p.ContentType,
		"size", len(p.Body),
		"sha256", hex.EncodeToString(sum[:]),
		"caption", p.Caption,
	)
	c.mu.Lock()
	c.pending = append(c.pending, p)
	c.mu.Unlock()
	return nil
}

// Drain returns and clears the proofs received so far.
func (c *LogChannel) Drain() []Proof {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// Caption renders the approver-facing summary of a transaction.
func Caption(appName, txID, role, duration string, amount int64, currency, who string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payment proof for %s\n", appName)
	fmt.Fprintf(&b, "Transaction: %s\n", txID)
	fmt.Fprintf(&b, "Plan: %s / %s\n", role, duration)
	fmt.Fprintf(&b, "Amount: %s %s\n", formatMinor(amount), currency)
	if who != "" {
		fmt.Fprintf(&b, "From: %s\n", who)
	}
	return b.String()
}

func formatMinor(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
