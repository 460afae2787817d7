package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ChatRole tags a message sent to the completion collaborator.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one role-tagged message in a completion request.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// Completer produces text for an ordered, role-tagged message sequence.
// Implementations must not rely on local side effects.
type Completer interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// ErrCompletionDisabled is returned by completers with no model configured.
var ErrCompletionDisabled = errors.New("completion disabled")

// UnavailableReason classifies why a completion could not be used.
type UnavailableReason string

const (
	ReasonDisabled      UnavailableReason = "disabled"
	ReasonError         UnavailableReason = "error"
	ReasonEmpty         UnavailableReason = "empty"
	ReasonErrorPrefixed UnavailableReason = "error-prefixed"
	ReasonCancelled     UnavailableReason = "cancelled"
)

// CompletionUnavailable reports that the collaborator produced nothing usable.
// It never reaches the learner; the policy answers from local content instead.
type CompletionUnavailable struct {
	Reason UnavailableReason
	Err    error
}

func (e *CompletionUnavailable) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("completion unavailable (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("completion unavailable (%s)", e.Reason)
}

func (e *CompletionUnavailable) Unwrap() error {
	return e.Err
}

// CompletionResult carries either usable text or the reason there is none.
type CompletionResult struct {
	Text    string
	Failure *CompletionUnavailable
}

// OK reports whether the result carries usable text.
func (r CompletionResult) OK() bool {
	return r.Failure == nil
}

// Replies starting with one of these are collaborator error messages dressed
// up as text.
var errorPrefixes = []string{"❌", "🤖 i'd love to chat", "error:", "[error]"}

// Complete calls completer and folds every failure mode into the result.
func Complete(ctx context.Context, completer Completer, messages []ChatMessage) CompletionResult {
	if completer == nil {
		return unavailable(ReasonDisabled, nil)
	}
	if err := ctx.Err(); err != nil {
		return unavailable(ReasonCancelled, err)
	}

	text, err := completer.Complete(ctx, messages)
	switch {
	case errors.Is(err, ErrCompletionDisabled):
		return unavailable(ReasonDisabled, err)
	case err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return unavailable(ReasonCancelled, err)
	case err != nil:
		return unavailable(ReasonError, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return unavailable(ReasonEmpty, nil)
	}
	lower := strings.ToLower(text)
	for _, prefix := range errorPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return unavailable(ReasonErrorPrefixed, nil)
		}
	}
	return CompletionResult{Text: text}
}

func unavailable(reason UnavailableReason, err error) CompletionResult {
	return CompletionResult{Failure: &CompletionUnavailable{Reason: reason, Err: err}}
}
