// Package brokererr defines the error taxonomy surfaced at the broker's
// request boundary. Internal packages return a *brokererr.Error
// directly (or wrap one with fmt.Errorf's %w), and the HTTP layer
// inspects it with errors.As to pick a status code without
// string-matching messages.
package brokererr

import "fmt"

// Kind is one of the fixed error classes surfaced to callers.
type Kind string

const (
	BadRequest      Kind = "bad_request"
	Unauthorized    Kind = "unauthorized"
	Forbidden       Kind = "forbidden"
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	PaymentRequired Kind = "payment_required"
	Transient       Kind = "transient"
	Internal        Kind = "internal"
)

// Error is a classified broker error.
type Error struct {
	Kind    Kind
	Message string
	// Channels carries the publisher's authorized channel list on a
	// Forbidden publish rejection (§4.7 step 3).
	Channels []string
	// Price carries the current per-alert price on a PaymentRequired
	// rejection.
	Price float64
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Forbiddenf builds a Forbidden error carrying the caller's authorized
// channel list.
func Forbiddenf(channels []string, format string, args ...any) *Error {
	return &Error{Kind: Forbidden, Message: fmt.Sprintf(format, args...), Channels: channels}
}

// PaymentRequiredf builds a PaymentRequired error carrying the current
// per-alert price.
func PaymentRequiredf(price float64, format string, args ...any) *Error {
	return &Error{Kind: PaymentRequired, Message: fmt.Sprintf(format, args...), Price: price}
}

// StatusCode maps a Kind to the conventional HTTP status code.
func (k Kind) StatusCode() int {
	switch k {
	case BadRequest:
		return 400
	case Unauthorized:
		return 401
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case Conflict:
		return 409
	case PaymentRequired:
		return 402
	case Transient:
		return 503
	default:
		return 500
	}
}
