// Package wire defines the events a feedback stream carries to its client and
// their Server-Sent Events encoding.
//
// A well-formed sequence is an ordered run of delta / append-message events that
// ends in exactly one terminal event (finish or error).
package wire

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindTextDelta      Kind = "text-delta"
	KindReasoningDelta Kind = "reasoning-delta"
	KindAppendMessage  Kind = "append-message"
	KindError          Kind = "error"
	KindFinish         Kind = "finish"
)

// Event is the tagged union sent over the wire. Only the payload field matching
// Kind is populated.
type Event struct {
	Kind         Kind            `json:"type"`
	Delta        string          `json:"delta,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorText    string          `json:"errorText,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
}

func TextDelta(delta string) Event      { return Event{Kind: KindTextDelta, Delta: delta} }
func ReasoningDelta(delta string) Event { return Event{Kind: KindReasoningDelta, Delta: delta} }
func Error(text string) Event           { return Event{Kind: KindError, ErrorText: text} }

func Finish(reason string) Event {
	if reason == "" {
		reason = "stop"
	}
	return Event{Kind: KindFinish, FinishReason: reason}
}

// AppendMessage wraps an already persisted message so a reconnecting client can
// catch up to its final state.
func AppendMessage(message any) (Event, error) {
	b, err := json.Marshal(message)
	if err != nil {
		return Event{}, errors.Wrap(err, "wire: marshal append-message payload")
	}
	return Event{Kind: KindAppendMessage, Message: b}, nil
}

func (e Event) IsTerminal() bool {
	return e.Kind == KindFinish || e.Kind == KindError
}

func (e Event) IsDelta() bool {
	return e.Kind == KindTextDelta || e.Kind == KindReasoningDelta
}

func (k Kind) Valid() bool {
	switch k {
	case KindTextDelta, KindReasoningDelta, KindAppendMessage, KindError, KindFinish:
		return true
	default:
		return false
	}
}
