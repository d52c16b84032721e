package tools

import (
	"encoding/json"
	"fmt"
)

// ErrorKind classifies a failure anywhere in the pipeline.
type ErrorKind string

const (
	InvalidRequest       ErrorKind = "InvalidRequest"
	UnknownTool          ErrorKind = "UnknownTool"
	DataUnavailable      ErrorKind = "DataUnavailable"
	InvalidToolArguments ErrorKind = "InvalidToolArguments"
	ModelUnavailable     ErrorKind = "ModelUnavailable"
)

// Failure is the error half of Result.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Result is what every tool returns: exactly one of Payload or Failure is set.
// Tools never return Go errors; failures travel back to the model as data.
type Result struct {
	Payload any      `json:"payload,omitempty"`
	Failure *Failure `json:"error,omitempty"`
}

func Success(payload any) Result {
	return Result{Payload: payload}
}

func Fail(kind ErrorKind, format string, args ...any) Result {
	return Result{Failure: &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

func (r Result) OK() bool {
	return r.Failure == nil
}

// Content renders r as the JSON text sent back to the model in a tool message.
func (r Result) Content() string {
	var v any
	if r.OK() {
		v = struct {
			OK      bool `json:"ok"`
			Payload any  `json:"result"`
		}{true, r.Payload}
	} else {
		v = struct {
			OK    bool     `json:"ok"`
			Error *Failure `json:"error"`
		}{false, r.Failure}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":{"kind":%q,"message":"result could not be encoded"}}`, DataUnavailable)
	}
	return string(b)
}
