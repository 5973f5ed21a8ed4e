package convo

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/howdyai/botkit-sub002/internal/events"
	"github.com/howdyai/botkit-sub002/internal/models"
)

// Task groups the conversations spawned from a single inbound trigger for one
// identity. It ends once every owned conversation has reached a terminal
// status.
type Task struct {
	id     string
	source models.Message
	bus    *events.Bus

	mu     sync.Mutex
	status models.TaskStatus
	convos []*Conversation
	onEnd  func(*Task)
}

// NewTask creates an active task triggered by source.
func NewTask(source models.Message) *Task {
	return &Task{
		id:     uuid.NewString(),
		source: source,
		bus:    events.NewBus(),
		status: models.TaskActive,
	}
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Source returns the message that triggered the task.
func (t *Task) Source() models.Message { return t.source }

// Status returns the task lifecycle status.
func (t *Task) Status() models.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Conversations returns the task's conversations in creation order.
func (t *Task) Conversations() []*Conversation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Conversation, len(t.convos))
	copy(out, t.convos)
	return out
}

// On registers a local task event handler. names may be a comma-separated
// list. The engine fires "end" when the task ends.
func (t *Task) On(names string, fn events.HandlerFunc) {
	t.bus.On(names, fn)
}

// Trigger fires a local task event.
func (t *Task) Trigger(name string, payload any) {
	t.bus.Trigger(name, payload)
}

// SetOnEnd installs the controller callback run when the task ends.
func (t *Task) SetOnEnd(fn func(*Task)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnd = fn
}

// CreateConversation adds a new conversation for the identity to the task,
// in status new. The caller scripts it and then calls Activate.
func (t *Task) CreateConversation(user, channel string, sender Sender) *Conversation {
	c := newConversation(t, user, channel, sender)
	t.mu.Lock()
	t.convos = append(t.convos, c)
	t.mu.Unlock()
	slog.Debug("Task conversation created", "task", t.id, "conversation", c.ID(), "user", user, "channel", channel)
	return c
}

// ActiveConversation returns the task's conversation for (user, channel) that
// still accepts input, or nil.
func (t *Task) ActiveConversation(user, channel string) *Conversation {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.convos {
		if c.User() == user && c.Channel() == channel && c.IsActive() {
			return c
		}
	}
	return nil
}

// conversationEnded is called by a conversation reaching a terminal status.
// When no conversation remains active (or new), the task ends.
func (t *Task) conversationEnded(ended *Conversation) {
	t.mu.Lock()
	if t.status == models.TaskEnded {
		t.mu.Unlock()
		return
	}
	for _, c := range t.convos {
		st := c.Status()
		if st == models.StatusNew || st == models.StatusActive || st == models.StatusEnding {
			t.mu.Unlock()
			return
		}
	}
	t.status = models.TaskEnded
	onEnd := t.onEnd
	t.mu.Unlock()

	slog.Debug("Task ended", "task", t.id, "conversations", len(t.convos))
	t.bus.Trigger("end", t)
	if onEnd != nil {
		onEnd(t)
	}
}

// End force-stops every conversation the task still owns.
func (t *Task) End() {
	for _, c := range t.Conversations() {
		if c.IsActive() || c.Status() == models.StatusNew {
			_ = c.Stop(models.StatusStopped)
		}
	}
}
