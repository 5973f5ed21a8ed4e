// Package dialog implements the declarative scripted-dialog layer: named
// thread graphs of statements and questions defined once at startup and
// instantiated per conversation, with lifecycle hooks and child-dialog
// composition.
package dialog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/howdyai/botkit-sub002/internal/convo"
	"github.com/howdyai/botkit-sub002/internal/models"
)

type stepKind int

const (
	stepSay stepKind = iota
	stepAsk
	stepGoto
	stepChild
)

type step struct {
	kind       stepKind
	text       string
	payload    any
	handlers   []convo.Handler
	captureKey string
	target     string // goto target thread
	childID    string
	resultKey  string
}

// BeforeHook runs once on entering a thread, before its first item is
// delivered. It may redirect with c.GotoThread.
type BeforeHook func(ctx context.Context, c *convo.Conversation) error

// ChangeHook fires whenever capture writes the watched variable, regardless
// of which thread set it.
type ChangeHook func(ctx context.Context, c *convo.Conversation, value any) error

// Dialog is an immutable thread-graph definition. Build it once, register it,
// and the engine instantiates its runtime state per conversation.
type Dialog struct {
	id      string
	threads map[string][]step
	order   []string
	before  map[string][]BeforeHook
	change  map[string]ChangeHook
}

// New creates an empty dialog. The first thread that receives an item becomes
// the entry thread.
func New(id string) *Dialog {
	return &Dialog{
		id:      id,
		threads: make(map[string][]step),
		before:  make(map[string][]BeforeHook),
		change:  make(map[string]ChangeHook),
	}
}

// ID returns the dialog id.
func (d *Dialog) ID() string { return d.id }

// Say appends a statement to the default thread.
func (d *Dialog) Say(text string) {
	d.AddMessage(text, convo.DefaultThread)
}

// Ask appends a question to the default thread.
func (d *Dialog) Ask(text string, handlers []convo.Handler, captureKey string) {
	d.AddQuestion(text, handlers, captureKey, convo.DefaultThread)
}

// AddMessage appends a statement to the named thread.
func (d *Dialog) AddMessage(text, thread string) {
	d.addStep(thread, step{kind: stepSay, text: text})
}

// AddQuestion appends a question with its ordered handlers and capture key to
// the named thread.
func (d *Dialog) AddQuestion(text string, handlers []convo.Handler, captureKey, thread string) {
	defaults := 0
	for _, h := range handlers {
		if h.Pattern.IsDefault() {
			defaults++
		}
	}
	if defaults > 1 {
		slog.Warn("dialog question has multiple default handlers; the first registered wins",
			"dialog", d.id, "thread", thread, "defaults", defaults)
	}
	d.addStep(thread, step{kind: stepAsk, text: text, handlers: handlers, captureKey: captureKey})
}

// AddGoto appends an unconditional jump from thread to target.
func (d *Dialog) AddGoto(thread, target string) {
	d.addStep(thread, step{kind: stepGoto, target: target})
}

// AddChildDialog appends a child-dialog invocation to the named thread. The
// parent suspends, the child runs to completion, its captured responses are
// merged under vars[resultKey], and the parent resumes at the next item.
func (d *Dialog) AddChildDialog(childID, resultKey, thread string) {
	d.addStep(thread, step{kind: stepChild, childID: childID, resultKey: resultKey})
}

// Before registers a hook run on entering the named thread.
func (d *Dialog) Before(thread string, hook BeforeHook) {
	d.before[thread] = append(d.before[thread], hook)
}

// OnChange registers a hook fired whenever capture writes key.
func (d *Dialog) OnChange(key string, hook ChangeHook) {
	d.change[key] = hook
}

func (d *Dialog) addStep(thread string, s step) {
	if thread == "" {
		thread = convo.DefaultThread
	}
	if _, ok := d.threads[thread]; !ok {
		d.order = append(d.order, thread)
	}
	d.threads[thread] = append(d.threads[thread], s)
}

// entry returns the first thread items were added to.
func (d *Dialog) entry() string {
	if len(d.order) == 0 {
		return convo.DefaultThread
	}
	return d.order[0]
}

// validate checks the thread graph against the registry: every goto target
// and handler goto must name an existing thread, and every child id must
// already be registered. Violations fail registration, before any runtime
// traffic is processed.
func (d *Dialog) validate(reg *Registry) error {
	if len(d.order) == 0 {
		return fmt.Errorf("dialog %q has no threads", d.id)
	}
	for name, steps := range d.threads {
		for _, s := range steps {
			switch s.kind {
			case stepGoto:
				if _, ok := d.threads[s.target]; !ok {
					return fmt.Errorf("dialog %q thread %q: %w: %s", d.id, name, models.ErrUnknownThread, s.target)
				}
			case stepChild:
				if reg == nil || reg.get(s.childID) == nil {
					return fmt.Errorf("dialog %q thread %q: %w: %s", d.id, name, models.ErrUnknownDialog, s.childID)
				}
			case stepAsk:
				for _, h := range s.handlers {
					if h.Action == convo.ActionGoto {
						if _, ok := d.threads[h.Thread]; !ok {
							return fmt.Errorf("dialog %q thread %q handler: %w: %s", d.id, name, models.ErrUnknownThread, h.Thread)
						}
					}
				}
			}
		}
	}
	for name := range d.before {
		if _, ok := d.threads[name]; !ok {
			return fmt.Errorf("dialog %q before hook: %w: %s", d.id, models.ErrUnknownThread, name)
		}
	}
	return nil
}
