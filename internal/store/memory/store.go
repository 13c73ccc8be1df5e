package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bifrost.org/internal/identity"
	"bifrost.org/internal/ids"
)

// Store implements identity.Store with in-process concurrency safety. Every
// conditional update runs under the same mutex, which gives it the same
// compare-and-swap guarantees as the PostgreSQL store.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]identity.Account
	apps     map[string]identity.Application
	links    map[linkKey]identity.AppLink
	txs      map[string]identity.Transaction
	tokens   map[tokenKey]identity.VerificationToken
	payments map[string]identity.PaymentLog
}

type linkKey struct{ account, app string }

type tokenKey struct {
	identifier string
	channel    identity.Channel
	purpose    identity.Purpose
}

var _ identity.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts: make(map[string]identity.Account),
		apps:     make(map[string]identity.Application),
		links:    make(map[linkKey]identity.AppLink),
		txs:      make(map[string]identity.Transaction),
		tokens:   make(map[tokenKey]identity.VerificationToken),
		payments: make(map[string]identity.PaymentLog),
	}
}

// --- accounts ---

func (s *Store) CreateAccount(ctx context.Context, acc identity.Account) (identity.Account, error) {
	acc.Normalize()
	if err := acc.Validate(); err != nil {
		return identity.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if sparseClash(existing.Email, acc.Email) || sparseClash(existing.Username, acc.Username) ||
			sparseClash(existing.Phone, acc.Phone) || sparseClash(existing.ChatID, acc.ChatID) {
			return identity.Account{}, fmt.Errorf("%w: account identifier already registered", identity.ErrConflict)
		}
	}
	if acc.ID == "" {
		acc.ID = ids.New()
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	acc.AuthProviders = append([]string(nil), acc.AuthProviders...)
	s.accounts[acc.ID] = acc
	return acc, nil
}

func sparseClash(a, b string) bool { return a != "" && a == b }

func (s *Store) GetAccount(ctx context.Context, id string) (identity.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return identity.Account{}, fmt.Errorf("%w: account %s", identity.ErrNotFound, id)
	}
	return acc, nil
}

func (s *Store) findAccount(match func(identity.Account) bool) (identity.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, acc := range s.accounts {
		if match(acc) {
			return acc, nil
		}
	}
	return identity.Account{}, fmt.Errorf("%w: account", identity.ErrNotFound)
}

func (s *Store) FindAccountByEmail(ctx context.Context, email string) (identity.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return identity.Account{}, fmt.Errorf("%w: account", identity.ErrNotFound)
	}
	return s.findAccount(func(a identity.Account) bool { return a.Email == email })
}

func (s *Store) FindAccountByPhone(ctx context.Context, phone string) (identity.Account, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return identity.Account{}, fmt.Errorf("%w: account", identity.ErrNotFound)
	}
	return s.findAccount(func(a identity.Account) bool { return a.Phone == phone })
}

func (s *Store) FindAccountByChatID(ctx context.Context, chatID string) (identity.Account, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return identity.Account{}, fmt.Errorf("%w: account", identity.ErrNotFound)
	}
	return s.findAccount(func(a identity.Account) bool { return a.ChatID == chatID })
}

func (s *Store) SetChatID(ctx context.Context, accountID, chatID, displayName string) (identity.Account, error) {
	chatID = strings.TrimSpace(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return identity.Account{}, fmt.Errorf("%w: account %s", identity.ErrNotFound, accountID)
	}
	for id, other := range s.accounts {
		if id != accountID && sparseClash(other.ChatID, chatID) {
			return identity.Account{}, fmt.Errorf("%w: chat id linked to another account", identity.ErrConflict)
		}
	}
	acc.ChatID = chatID
	if strings.TrimSpace(displayName) != "" {
		acc.DisplayName = strings.TrimSpace(displayName)
	}
	if !contains(acc.AuthProviders, "telegram") {
		acc.AuthProviders = append(append([]string(nil), acc.AuthProviders...), "telegram")
	}
	s.accounts[accountID] = acc
	return acc, nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return fmt.Errorf("%w: account %s", identity.ErrNotFound, id)
	}
	delete(s.accounts, id)
	for k := range s.links {
		if k.account == id {
			delete(s.links, k)
		}
	}
	return nil
}

// --- applications ---

func (s *Store) CreateApplication(ctx context.Context, app identity.Application) (identity.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apps[app.ID]; exists {
		return identity.Application{}, fmt.Errorf("%w: application %s", identity.ErrConflict, app.ID)
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now().UTC()
	}
	app.ForbiddenRoles = append([]string(nil), app.ForbiddenRoles...)
	s.apps[app.ID] = app
	return app, nil
}

func (s *Store) GetApplication(ctx context.Context, id string) (identity.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[id]
	if !ok {
		return identity.Application{}, fmt.Errorf("%w: application %s", identity.ErrNotFound, id)
	}
	return app, nil
}

func (s *Store) ListApplications(ctx context.Context) ([]identity.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]identity.Application, 0, len(s.apps))
	for _, app := range s.apps {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateApplicationSecrets(ctx context.Context, id, clientSecretHash, webhookSecret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok {
		return fmt.Errorf("%w: application %s", identity.ErrNotFound, id)
	}
	if clientSecretHash != "" {
		app.ClientSecretHash = clientSecretHash
	}
	if webhookSecret != "" {
		app.WebhookSecret = webhookSecret
	}
	s.apps[id] = app
	return nil
}

// --- links ---

func (s *Store) GetLink(ctx context.Context, accountID, appID string) (identity.AppLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[linkKey{accountID, appID}]
	if !ok {
		return identity.AppLink{}, fmt.Errorf("%w: link %s/%s", identity.ErrNotFound, accountID, appID)
	}
	return copyLink(link), nil
}

func (s *Store) UpsertLink(ctx context.Context, link identity.AppLink) (identity.AppLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[link.AccountID]; !ok {
		return identity.AppLink{}, fmt.Errorf("%w: account %s", identity.ErrNotFound, link.AccountID)
	}
	if _, ok := s.apps[link.ApplicationID]; !ok {
		return identity.AppLink{}, fmt.Errorf("%w: application %s", identity.ErrNotFound, link.ApplicationID)
	}
	key := linkKey{link.AccountID, link.ApplicationID}
	if existing, ok := s.links[key]; ok {
		link.LinkedAt = existing.LinkedAt
	}
	if link.LinkedAt.IsZero() {
		link.LinkedAt = link.UpdatedAt
	}
	link = copyLink(link)
	s.links[key] = link
	return copyLink(link), nil
}

func (s *Store) DeleteLink(ctx context.Context, accountID, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey{accountID, appID}
	if _, ok := s.links[key]; !ok {
		return fmt.Errorf("%w: link %s/%s", identity.ErrNotFound, accountID, appID)
	}
	delete(s.links, key)
	return nil
}

func (s *Store) listLinks(match func(identity.AppLink) bool) []identity.AppLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []identity.AppLink
	for _, link := range s.links {
		if match(link) {
			out = append(out, copyLink(link))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].ApplicationID < out[j].ApplicationID
	})
	return out
}

func (s *Store) ListLinksByAccount(ctx context.Context, accountID string) ([]identity.AppLink, error) {
	return s.listLinks(func(l identity.AppLink) bool { return l.AccountID == accountID }), nil
}

func (s *Store) ListLinksByApp(ctx context.Context, appID string) ([]identity.AppLink, error) {
	return s.listLinks(func(l identity.AppLink) bool { return l.ApplicationID == appID }), nil
}

func (s *Store) ListExpiredLinks(ctx context.Context, now time.Time) ([]identity.AppLink, error) {
	return s.listLinks(func(l identity.AppLink) bool {
		return l.Role.Above(identity.DefaultRole) && l.ExpiredAt(now)
	}), nil
}

func (s *Store) ExpireLink(ctx context.Context, observed identity.AppLink, now time.Time) (identity.AppLink, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey{observed.AccountID, observed.ApplicationID}
	cur, ok := s.links[key]
	if !ok || observed.ExpiresAt == nil || cur.ExpiresAt == nil {
		return identity.AppLink{}, false, nil
	}
	if cur.Role != observed.Role || !cur.ExpiresAt.Equal(*observed.ExpiresAt) || !cur.ExpiredAt(now) || !cur.Role.Above(identity.DefaultRole) {
		return identity.AppLink{}, false, nil
	}
	cur.Role = identity.DefaultRole
	cur.ExpiresAt = nil
	cur.UpdatedAt = now
	s.links[key] = cur
	return copyLink(cur), true, nil
}

// --- transactions ---

func (s *Store) CreateTransaction(ctx context.Context, tx identity.Transaction) (identity.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.txs[tx.ID]; exists {
		return identity.Transaction{}, fmt.Errorf("%w: transaction %s", identity.ErrConflict, tx.ID)
	}
	s.txs[tx.ID] = copyTx(tx)
	return copyTx(tx), nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (identity.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return identity.Transaction{}, fmt.Errorf("%w: transaction %s", identity.ErrNotFound, id)
	}
	return copyTx(tx), nil
}

func (s *Store) AttachAccount(ctx context.Context, txID, accountID string, now time.Time) (identity.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return identity.Transaction{}, fmt.Errorf("%w: transaction %s", identity.ErrNotFound, txID)
	}
	if _, ok := s.accounts[accountID]; !ok {
		return identity.Transaction{}, fmt.Errorf("%w: account %s", identity.ErrNotFound, accountID)
	}
	switch tx.AccountID {
	case accountID:
		return copyTx(tx), nil
	case "":
		tx.AccountID = accountID
		tx.UpdatedAt = now
		s.txs[txID] = tx
		return copyTx(tx), nil
	default:
		return identity.Transaction{}, fmt.Errorf("%w: transaction attached to another account", identity.ErrConflict)
	}
}

func (s *Store) CompleteTransaction(ctx context.Context, txID string, c identity.Completion) (identity.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return identity.Transaction{}, false, fmt.Errorf("%w: transaction %s", identity.ErrNotFound, txID)
	}
	if tx.Status != identity.TxPending {
		return copyTx(tx), false, nil
	}
	completed := c.CompletedAt
	tx.Status = identity.TxCompleted
	tx.ApprovedBy = c.ApprovedBy
	if c.ProviderRef != "" {
		tx.ProviderRef = c.ProviderRef
	}
	tx.CompletedAt = &completed
	tx.ExpiresAt = copyTime(c.ExpiresAt)
	tx.UpdatedAt = completed
	s.txs[txID] = tx
	return copyTx(tx), true, nil
}

func (s *Store) RejectTransaction(ctx context.Context, txID, reason string, now time.Time) (identity.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return identity.Transaction{}, false, fmt.Errorf("%w: transaction %s", identity.ErrNotFound, txID)
	}
	if tx.Status != identity.TxPending {
		return copyTx(tx), false, nil
	}
	tx.Status = identity.TxRejected
	tx.RejectReason = reason
	tx.UpdatedAt = now
	s.txs[txID] = tx
	return copyTx(tx), true, nil
}

func (s *Store) LatestPendingTransaction(ctx context.Context, accountID, appID string) (identity.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  identity.Transaction
		found bool
	)
	for _, tx := range s.txs {
		if tx.AccountID != accountID || tx.ApplicationID != appID || tx.Status != identity.TxPending {
			continue
		}
		if !found || tx.CreatedAt.After(best.CreatedAt) || (tx.CreatedAt.Equal(best.CreatedAt) && tx.ID > best.ID) {
			best = tx
			found = true
		}
	}
	if !found {
		return identity.Transaction{}, fmt.Errorf("%w: pending transaction", identity.ErrNotFound)
	}
	return copyTx(best), nil
}

// --- verification tokens ---

func (s *Store) ReplaceToken(ctx context.Context, tok identity.VerificationToken) (identity.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	s.tokens[tokenKey{tok.Identifier, tok.Channel, tok.Purpose}] = tok
	return tok, nil
}

func (s *Store) FindToken(ctx context.Context, identifier string, channel identity.Channel, purpose identity.Purpose) (identity.VerificationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[tokenKey{identifier, channel, purpose}]
	if !ok {
		return identity.VerificationToken{}, fmt.Errorf("%w: verification token", identity.ErrNotFound)
	}
	return tok, nil
}

func (s *Store) FindTokenByValue(ctx context.Context, channel identity.Channel, value string) (identity.VerificationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, tok := range s.tokens {
		if k.channel == channel && tok.Value == value {
			return tok, nil
		}
	}
	return identity.VerificationToken{}, fmt.Errorf("%w: verification token", identity.ErrNotFound)
}

func (s *Store) ConsumeToken(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, tok := range s.tokens {
		if tok.ID != id {
			continue
		}
		if tok.Consumed {
			return false, nil
		}
		tok.Consumed = true
		s.tokens[k] = tok
		return true, nil
	}
	// replaced by a newer token since it was read
	return false, nil
}

// --- payment logs ---

func (s *Store) RecordPayment(ctx context.Context, p identity.PaymentLog) (identity.PaymentLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.payments {
		if existing.ProviderTxID == p.ProviderTxID {
			return identity.PaymentLog{}, fmt.Errorf("%w: payment %s already recorded", identity.ErrConflict, p.ProviderTxID)
		}
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.Status == "" {
		p.Status = identity.PaymentUnclaimed
	}
	s.payments[p.ID] = p
	return p, nil
}

func (s *Store) FindUnclaimedPayment(ctx context.Context, reference string) (identity.PaymentLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  identity.PaymentLog
		found bool
	)
	for _, p := range s.payments {
		if p.Status != identity.PaymentUnclaimed || !strings.HasSuffix(p.ProviderTxID, reference) {
			continue
		}
		if !found || p.CreatedAt.After(best.CreatedAt) {
			best = p
			found = true
		}
	}
	if !found {
		return identity.PaymentLog{}, fmt.Errorf("%w: unclaimed payment %q", identity.ErrNotFound, reference)
	}
	return best, nil
}

func (s *Store) ClaimPayment(ctx context.Context, id, accountID, appID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return false, fmt.Errorf("%w: payment %s", identity.ErrNotFound, id)
	}
	if p.Status != identity.PaymentUnclaimed {
		return false, nil
	}
	p.Status = identity.PaymentClaimed
	p.ClaimedBy = accountID
	p.ClaimedFor = appID
	p.ClaimedAt = &now
	s.payments[id] = p
	return true, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyLink(l identity.AppLink) identity.AppLink {
	l.ExpiresAt = copyTime(l.ExpiresAt)
	return l
}

func copyTx(tx identity.Transaction) identity.Transaction {
	tx.CompletedAt = copyTime(tx.CompletedAt)
	tx.ExpiresAt = copyTime(tx.ExpiresAt)
	return tx
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
