package orchestrator

import (
	"errors"
	"fmt"

	"github.com/kalambet/posture/internal/tools"
)

// Error aborts a run. Message is safe to show to callers; Err is the internal
// cause and must only be logged.
type Error struct {
	Kind    tools.ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind carried by err, or "" when err is not an
// *Error.
func KindOf(err error) tools.ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

const modelUnavailableMessage = "The assistant is temporarily unavailable. Please try again later."

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: tools.InvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func modelUnavailable(err error) *Error {
	return &Error{Kind: tools.ModelUnavailable, Message: modelUnavailableMessage, Err: err}
}
