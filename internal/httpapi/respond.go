package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"bifrost.org/internal/identity"
	"bifrost.org/internal/obs"
)

const (
	maxJSONBytes  = 1 << 20
	maxProofBytes = 8 << 20

	codeUnauthorized = "unauthorized"
	codeRateLimited  = "rate_limited"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders {"error", "code", "request_id"}.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func invalidInput(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, http.StatusBadRequest, identity.CodeInvalidInput, msg)
}

// handleDomainError maps the sentinel errors of the domain packages onto HTTP.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := identity.Code(err)
	switch code {
	case identity.CodeNotFound:
		writeError(w, r, http.StatusNotFound, code, err.Error())
	case identity.CodeConflict, identity.CodeInvalidState:
		writeError(w, r, http.StatusConflict, code, err.Error())
	case identity.CodePermissionDenied:
		writeError(w, r, http.StatusForbidden, code, err.Error())
	case identity.CodeExpired:
		writeError(w, r, http.StatusGone, code, err.Error())
	case identity.CodeInvalid, identity.CodeInvalidInput:
		writeError(w, r, http.StatusBadRequest, code, err.Error())
	case identity.CodeUpstream:
		writeError(w, r, http.StatusBadGateway, code, err.Error())
	default:
		obs.Logger().ErrorContext(r.Context(), "request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err)
		writeError(w, r, http.StatusInternalServerError, identity.CodeInternal, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxJSONBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
