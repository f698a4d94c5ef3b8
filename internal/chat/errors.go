package chat

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is on any error returned by Service.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("conversation not found")
	ErrUpstream   = errors.New("upstream completion failed")
	ErrInternal   = errors.New("internal error")
)

// Error carries a kind, a caller-safe message and the underlying cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validationError(msg string) error {
	return &Error{Kind: ErrValidation, Msg: msg}
}

func notFound() error {
	return &Error{Kind: ErrNotFound, Msg: "Conversation not found"}
}

func upstreamError(err error) error {
	return &Error{Kind: ErrUpstream, Msg: "Upstream completion failed", Err: err}
}

func internalError(msg string, err error) error {
	return &Error{Kind: ErrInternal, Msg: msg, Err: err}
}

// PublicMessage is the text safe to show to a caller.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && !errors.Is(e.Kind, ErrInternal) {
		return e.Msg
	}
	return "Internal server error"
}
