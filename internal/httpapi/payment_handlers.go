package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bifrost.org/internal/audit"
	"bifrost.org/internal/identity"
	"bifrost.org/internal/payments"
)

type secureIntentRequest struct {
	AccountID   string `json:"account_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	TargetRole  string `json:"target_role"`
	Duration    string `json:"duration"`
	Description string `json:"description"`
	ClientRefID string `json:"client_ref_id"`
}

type secureIntentResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
	SecureLink    string `json:"secure_link,omitempty"`
	ManualCommand string `json:"manual_command"`
}

type transactionStatusResponse struct {
	TransactionID string            `json:"transaction_id"`
	Status        identity.TxStatus `json:"status"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Role          identity.Role     `json:"target_role"`
	Duration      identity.Duration `json:"duration"`
	AccountID     string            `json:"account_id,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type transactionRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

type settleResponse struct {
	Success          bool              `json:"success"`
	TransactionID    string            `json:"transaction_id"`
	Status           identity.TxStatus `json:"status"`
	AlreadyCompleted bool              `json:"already_completed,omitempty"`
}

type grantRequest struct {
	TelegramID     string `json:"telegram_id"`
	AccountID      string `json:"account_id"`
	TargetClientID string `json:"target_client_id"`
	TargetRole     string `json:"target_role"`
	Duration       string `json:"duration"`
}

type grantResponse struct {
	Success       bool          `json:"success"`
	Path          string        `json:"path"`
	Role          identity.Role `json:"role"`
	App           string        `json:"app"`
	TransactionID string        `json:"transaction_id,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
}

type claimRequest struct {
	TrxInput      string `json:"trx_input"`
	TargetAppID   string `json:"target_app_id"`
	IdentityType  string `json:"identity_type"`
	IdentityValue string `json:"identity_value"`
}

type claimResponse struct {
	Success   bool          `json:"success"`
	PaymentID string        `json:"payment_id"`
	Role      identity.Role `json:"role"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

type recordPaymentRequest struct {
	ProviderTxID string `json:"provider_tx_id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	PayerName    string `json:"payer_name"`
	RawText      string `json:"raw_text"`
}

type providerCallbackRequest struct {
	TransactionID string `json:"transaction_id"`
	ProviderRef   string `json:"provider_ref"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
}

func (a *API) secureIntent(w http.ResponseWriter, r *http.Request) {
	var req secureIntentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	if req.Amount <= 0 || strings.TrimSpace(req.ClientRefID) == "" {
		invalidInput(w, r, "amount and client_ref_id are required")
		return
	}
	app := caller(r)
	tx, err := a.payments.CreateIntent(r.Context(), payments.IntentRequest{
		ApplicationID: app.ID,
		AccountID:     strings.TrimSpace(req.AccountID),
		Amount:        req.Amount,
		Currency:      req.Currency,
		Role:          req.TargetRole,
		Duration:      req.Duration,
		Description:   req.Description,
		ClientRef:     req.ClientRefID,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	resp := secureIntentResponse{
		Success:       true,
		TransactionID: tx.ID,
		ManualCommand: "/pay " + tx.ID,
	}
	if a.botURL != "" {
		resp.SecureLink = a.botURL + "?start=" + tx.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) submitProof(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxProofBytes); err != nil {
		invalidInput(w, r, "multipart form with a proof file is required")
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	txID := strings.TrimSpace(r.FormValue("transaction_id"))
	if txID == "" {
		invalidInput(w, r, "transaction_id is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		invalidInput(w, r, "file is required")
		return
	}
	defer file.Close()
	body, err := io.ReadAll(io.LimitReader(file, maxProofBytes+1))
	if err != nil {
		invalidInput(w, r, "read proof file")
		return
	}
	if len(body) > maxProofBytes {
		invalidInput(w, r, "proof file is too large")
		return
	}

	var accountID string
	switch {
	case r.FormValue("account_id") != "":
		accountID = strings.TrimSpace(r.FormValue("account_id"))
	case r.FormValue("email") != "":
		acc, err := a.resolveAccount(r, "email", r.FormValue("email"))
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		accountID = acc.ID
	case r.FormValue("telegram_id") != "":
		acc, err := a.resolveAccount(r, "telegram_id", r.FormValue("telegram_id"))
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		accountID = acc.ID
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	tx, err := a.payments.SubmitProof(r.Context(), payments.ProofRequest{
		ApplicationID: caller(r).ID,
		TransactionID: txID,
		AccountID:     accountID,
		FileName:      header.Filename,
		ContentType:   contentType,
		Body:          body,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, settleResponse{Success: true, TransactionID: tx.ID, Status: tx.Status})
}

func (a *API) transactionStatus(w http.ResponseWriter, r *http.Request) {
	tx, err := a.payments.Status(r.Context(), caller(r).ID, r.PathValue("transaction_id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionStatusResponse{
		TransactionID: tx.ID,
		Status:        tx.Status,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Role:          tx.Role,
		Duration:      tx.Duration,
		AccountID:     tx.AccountID,
		ExpiresAt:     tx.ExpiresAt,
		CompletedAt:   tx.CompletedAt,
		UpdatedAt:     tx.UpdatedAt,
	})
}

// ownedTransaction loads a transaction the caller may settle.
func (a *API) ownedTransaction(r *http.Request, txID string) (identity.Transaction, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return identity.Transaction{}, fmt.Errorf("%w: transaction_id is required", identity.ErrInvalidInput)
	}
	scope := caller(r).ID
	if a.isOperator(caller(r)) {
		scope = ""
	}
	return a.payments.Status(r.Context(), scope, txID)
}

func (a *API) approveTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	tx, err := a.ownedTransaction(r, req.TransactionID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	done, err := a.payments.Complete(r.Context(), tx.ID, "client:"+caller(r).ID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "payment.approved", map[string]any{
		"transaction_id":    tx.ID,
		"already_completed": done.AlreadyCompleted,
	})
	writeJSON(w, http.StatusOK, settleResponse{
		Success:          true,
		TransactionID:    done.Transaction.ID,
		Status:           done.Transaction.Status,
		AlreadyCompleted: done.AlreadyCompleted,
	})
}

func (a *API) rejectTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	tx, err := a.ownedTransaction(r, req.TransactionID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	rejected, err := a.payments.Reject(r.Context(), tx.ID, req.Reason)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "payment.rejected", map[string]any{
		"transaction_id": tx.ID,
		"reason":         req.Reason,
	})
	writeJSON(w, http.StatusOK, settleResponse{Success: true, TransactionID: rejected.ID, Status: rejected.Status})
}

func (a *API) grantRole(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	var (
		acc identity.Account
		err error
	)
	switch {
	case strings.TrimSpace(req.AccountID) != "":
		acc, err = a.resolveAccount(r, "account_id", req.AccountID)
	case strings.TrimSpace(req.TelegramID) != "":
		acc, err = a.resolveAccount(r, "telegram_id", req.TelegramID)
	default:
		invalidInput(w, r, "telegram_id or account_id is required")
		return
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	appID := strings.TrimSpace(req.TargetClientID)
	if appID == "" {
		appID = caller(r).ID
	}
	if !a.actsFor(r, appID) {
		writeError(w, r, http.StatusForbidden, identity.CodePermissionDenied, "cannot grant roles in another application")
		return
	}
	app, err := a.directory.GetApplication(r.Context(), appID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	res, err := a.payments.Grant(r.Context(), payments.GrantRequest{
		AccountID:     acc.ID,
		ApplicationID: app.ID,
		Role:          req.TargetRole,
		Duration:      req.Duration,
		Approver:      "client:" + caller(r).ID,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "role.granted", map[string]any{
		"account_id": acc.ID,
		"app_id":     app.ID,
		"role":       res.Link.Role.String(),
		"path":       res.Path,
	})
	resp := grantResponse{
		Success:   true,
		Path:      res.Path,
		Role:      res.Link.Role,
		App:       app.Name,
		ExpiresAt: res.Link.ExpiresAt,
	}
	if res.Transaction != nil {
		resp.TransactionID = res.Transaction.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) claimPayment(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.TrxInput) == "" || strings.TrimSpace(req.IdentityType) == "" {
		invalidInput(w, r, "trx_input and identity_type are required")
		return
	}
	appID := strings.TrimSpace(req.TargetAppID)
	if appID == "" {
		appID = caller(r).ID
	}
	if !a.actsFor(r, appID) {
		writeError(w, r, http.StatusForbidden, identity.CodePermissionDenied, "cannot claim for another application")
		return
	}
	if _, err := a.directory.GetApplication(r.Context(), appID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	acc, err := a.resolveAccount(r, req.IdentityType, req.IdentityValue)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	link, payment, err := a.payments.ClaimPayment(r.Context(), payments.ClaimRequest{
		Reference:     req.TrxInput,
		ApplicationID: appID,
		AccountID:     acc.ID,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		Success:   true,
		PaymentID: payment.ID,
		Role:      link.Role,
		ExpiresAt: link.ExpiresAt,
	})
}

func (a *API) recordPayment(w http.ResponseWriter, r *http.Request) {
	if !a.requireOperator(w, r) {
		return
	}
	var req recordPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	p, err := a.payments.RecordPayment(r.Context(), identity.PaymentLog{
		ProviderTxID: req.ProviderTxID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		PayerName:    req.PayerName,
		RawText:      req.RawText,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) providerCallback(w http.ResponseWriter, r *http.Request) {
	var req providerCallbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidInput(w, r, err.Error())
		return
	}
	tx, err := a.ownedTransaction(r, req.TransactionID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	settled, err := a.payments.HandleProviderPayment(r.Context(), payments.ProviderPayment{
		TransactionID: tx.ID,
		ProviderRef:   req.ProviderRef,
		Succeeded:     providerSucceeded(req.Status),
		Reason:        req.Reason,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse{Success: true, TransactionID: settled.ID, Status: settled.Status})
}

func providerSucceeded(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "succeeded", "paid", "completed", "00":
		return true
	}
	return false
}

// resolveAccount finds an account by the identifier kind used in request bodies.
func (a *API) resolveAccount(r *http.Request, kind, value string) (identity.Account, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return identity.Account{}, fmt.Errorf("%w: %s is empty", identity.ErrInvalidInput, kind)
	}
	ctx := r.Context()
	var (
		acc identity.Account
		err error
	)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "account_id", "id":
		acc, err = a.directory.GetAccount(ctx, value)
	case "telegram_id", "chat_id", "chat":
		acc, err = a.directory.FindAccountByChatID(ctx, value)
	case "email":
		acc, err = a.directory.FindAccountByEmail(ctx, strings.ToLower(value))
	case "phone":
		acc, err = a.directory.FindAccountByPhone(ctx, value)
	default:
		return identity.Account{}, fmt.Errorf("%w: unknown identity type %q", identity.ErrInvalidInput, kind)
	}
	if errors.Is(err, identity.ErrNotFound) {
		return identity.Account{}, fmt.Errorf("%w: account by %s", identity.ErrNotFound, kind)
	}
	return acc, err
}
