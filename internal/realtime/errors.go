package realtime

import (
	"context"
	"errors"
	"fmt"
)

// Every per-request failure the core reports wraps exactly one of these.
// The REST and websocket boundaries translate them with Code and Message.
var (
	ErrAuth             = errors.New("unauthorized")
	ErrNotAParticipant  = errors.New("not a participant of this conversation")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrEmptyContent     = errors.New("message content is empty")
	ErrValidation       = errors.New("invalid request")
	ErrStoreUnavailable = errors.New("store unavailable")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrAuth, "unauthorized"},
	{ErrNotAParticipant, "not_a_participant"},
	{ErrNotFound, "not_found"},
	{ErrForbidden, "forbidden"},
	{ErrEmptyContent, "empty_content"},
	{ErrValidation, "validation_error"},
	{ErrStoreUnavailable, "store_unavailable"},
}

// Code maps an error to its stable wire code. Unknown errors are "internal".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// Message is the text shown to the requester. Store failures never leak
// driver details.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		return "service temporarily unavailable, try again"
	case Code(err) == "internal":
		return "internal error"
	default:
		return err.Error()
	}
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storeError tags a store failure. Deadline and driver errors alike
// surface as ErrStoreUnavailable; the cause stays reachable for logging.
func storeError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: connection closed", op, ErrStoreUnavailable)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
