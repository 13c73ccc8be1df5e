package identity

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrInvalidState           = errors.New("invalid state")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrExpired                = errors.New("expired")
	ErrInvalid                = errors.New("invalid")
	ErrInvalidInput           = errors.New("invalid input")
	ErrUpstreamDeliveryFailed = errors.New("upstream delivery failed")
)

// Stable machine-readable codes exposed by the HTTP layer.
const (
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeInvalidState     = "invalid_state"
	CodePermissionDenied = "permission_denied"
	CodeExpired          = "expired"
	CodeInvalid          = "invalid"
	CodeInvalidInput     = "invalid_input"
	CodeUpstream         = "upstream_delivery_failed"
	CodeInternal         = "internal"
)

// Code returns the stable code for err, or CodeInternal for unknown errors.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrExpired):
		return CodeExpired
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrInvalid):
		return CodeInvalid
	case errors.Is(err, ErrUpstreamDeliveryFailed):
		return CodeUpstream
	default:
		return CodeInternal
	}
}
