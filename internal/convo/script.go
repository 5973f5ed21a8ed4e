// Package convo implements the task and conversation state machine: branching
// threads of script items, ordered answer handlers, variable capture, and
// inactivity timeouts.
package convo

import (
	"context"
	"log/slog"

	"github.com/howdyai/botkit-sub002/internal/models"
	"github.com/howdyai/botkit-sub002/internal/pattern"
)

// ItemKind discriminates script item variants.
type ItemKind int

const (
	// ItemStatement delivers text and moves on.
	ItemStatement ItemKind = iota
	// ItemQuestion delivers text and waits for an answer to capture.
	ItemQuestion
	// ItemGoto unconditionally jumps to another thread.
	ItemGoto
	// ItemHook runs a callback when reached; used by the dialog layer for
	// child-dialog invocation.
	ItemHook
)

// HookFunc is a callback run while the conversation's identity lock is held.
type HookFunc func(ctx context.Context, c *Conversation) error

// ScriptItem is one entry in a thread: a statement, a question, a jump, or a
// hook. The order items are added to a thread is the order they run.
type ScriptItem struct {
	Kind       ItemKind
	Text       string
	Payload    any // opaque platform extras carried into the outbound Raw field
	Handlers   []Handler
	CaptureKey string
	Thread     string // jump target for ItemGoto
	Hook       HookFunc
}

// Action tells the engine what to do after a handler's pattern matched.
type Action int

const (
	// ActionAdvance moves to the next item in the current thread.
	ActionAdvance Action = iota
	// ActionRepeat re-sends the current question and waits again.
	ActionRepeat
	// ActionSilentRepeat waits again without re-sending anything.
	ActionSilentRepeat
	// ActionStop ends the conversation with the handler's status.
	ActionStop
	// ActionGoto jumps to the handler's thread.
	ActionGoto
	// ActionCustom runs the handler's Fn, which drives the conversation
	// itself via Next, Repeat, GotoThread or Stop.
	ActionCustom
)

// HandlerFunc is a custom answer callback. It runs after the matched answer
// was captured and should reposition the conversation (Next, GotoThread, ...);
// doing nothing leaves the question pending, equivalent to a silent repeat.
type HandlerFunc func(ctx context.Context, msg models.Message, c *Conversation) error

// Handler pairs a pattern with the action taken when it matches an answer.
type Handler struct {
	Pattern pattern.Spec
	Action  Action
	// Thread is the ActionGoto target.
	Thread string
	// Status overrides the terminal status for ActionStop; empty means stopped.
	Status models.ConversationStatus
	// Fn is the ActionCustom callback.
	Fn HandlerFunc
}

// Convenience constructors for the common handler shapes.

// OnLiteral matches s as a case-insensitive substring (or anchored expression
// with a leading '^') and advances.
func OnLiteral(s string) Handler {
	spec, err := pattern.Parse(s)
	if err != nil {
		// An invalid anchored expression degrades to a substring match so
		// script construction stays infallible; the router's Hears path
		// reports the error instead.
		slog.Warn("invalid handler pattern, matching as substring", "pattern", s, "error", err)
		spec = pattern.Literal(s)
	}
	return Handler{Pattern: spec}
}

// OnDefault marks the fallback handler that advances.
func OnDefault() Handler {
	return Handler{Pattern: pattern.Default()}
}

// validateHandlers warns about order-dependent misconfiguration. Multiple
// defaults are kept as registered; the first one wins at run time.
func validateHandlers(handlers []Handler) {
	defaults := 0
	for _, h := range handlers {
		if h.Pattern.IsDefault() {
			defaults++
		}
	}
	if defaults > 1 {
		slog.Warn("question has multiple default handlers; the first registered wins", "defaults", defaults)
	}
}
