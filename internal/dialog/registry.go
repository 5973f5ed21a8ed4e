package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/howdyai/botkit-sub002/internal/convo"
	"github.com/howdyai/botkit-sub002/internal/models"
)

// Registry holds the dialogs known to one controller. Child dialogs must be
// registered before the dialogs that reference them, so every reference is
// validated at registration time.
type Registry struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{dialogs: make(map[string]*Dialog)}
}

// Add validates and registers a dialog. Unknown thread or child-dialog
// references fail here, before any runtime traffic is processed.
func (r *Registry) Add(d *Dialog) error {
	if err := d.validate(r); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.dialogs[d.id]; exists {
		return fmt.Errorf("%w: %s", models.ErrDuplicateDialog, d.id)
	}
	r.dialogs[d.id] = d
	slog.Debug("Dialog registered", "dialog", d.id, "threads", len(d.threads))
	return nil
}

// Get returns the dialog with the given id, or an error.
func (r *Registry) Get(id string) (*Dialog, error) {
	if d := r.get(id); d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", models.ErrUnknownDialog, id)
}

func (r *Registry) get(id string) *Dialog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dialogs[id]
}

// Instantiate compiles the dialog's thread graph into the conversation and
// points the conversation at the dialog's entry thread. The definition stays
// immutable; the conversation carries the per-invocation runtime state.
func (r *Registry) Instantiate(d *Dialog, c *convo.Conversation) error {
	if err := r.build(d, c, ""); err != nil {
		return err
	}
	return c.SetEntry(d.entry())
}

// build writes one dialog's threads into the conversation under the given
// namespace prefix ("" for the root dialog, "<childID>:" for children).
func (r *Registry) build(d *Dialog, c *convo.Conversation, prefix string) error {
	for _, name := range d.order {
		pname := prefix + name
		for _, s := range d.threads[name] {
			switch s.kind {
			case stepSay:
				c.AddMessage(s.text, pname)
			case stepAsk:
				c.AddQuestion(s.text, s.handlers, s.captureKey, pname)
			case stepGoto:
				c.AddGoto(pname, s.target)
			case stepChild:
				childID, resultKey := s.childID, s.resultKey
				c.AddHook(pname, func(ctx context.Context, c *convo.Conversation) error {
					return r.enterChild(ctx, c, childID, resultKey)
				})
			}
		}
		for _, hook := range d.before[name] {
			c.Before(pname, convo.HookFunc(hook))
		}
	}
	for key, hook := range d.change {
		c.OnChange(key, convo.ChangeHook(hook))
	}
	return nil
}

// enterChild suspends the parent thread, lays down the child's threads on
// first use, and jumps to the child's entry. The conversation resumes the
// parent once the child's graph is exhausted, merging the child's responses
// under resultKey.
func (r *Registry) enterChild(ctx context.Context, c *convo.Conversation, childID, resultKey string) error {
	child := r.get(childID)
	if child == nil {
		return fmt.Errorf("%w: %s", models.ErrUnknownDialog, childID)
	}
	childPrefix := childID + ":"
	entry := childPrefix + child.entry()
	if !c.HasThread(entry) {
		if err := r.build(child, c, childPrefix); err != nil {
			return err
		}
	}
	slog.Debug("Dialog entering child", "child", childID, "resultKey", resultKey)
	c.PushFrame(resultKey)
	return c.GotoThread(ctx, entry)
}
