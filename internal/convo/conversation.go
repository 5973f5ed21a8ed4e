package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/howdyai/botkit-sub002/internal/models"
)

// DefaultThread is the thread a conversation starts in and the one Say/Ask
// append to while scripting.
const DefaultThread = "default"

// maxThreadRedirects bounds chained gotoThread redirects from before-thread
// hooks. Exceeding it indicates a redirect cycle.
const maxThreadRedirects = 32

// Sender delivers an outbound canonical message and returns the platform
// message id. The controller implements it on top of the send pipeline.
type Sender interface {
	Send(ctx context.Context, msg models.Message) (string, error)
}

// ChangeHook runs whenever a captured variable is written, regardless of
// which thread wrote it.
type ChangeHook func(ctx context.Context, c *Conversation, value any) error

// EndHook runs once when the conversation reaches a terminal status.
type EndHook func(c *Conversation)

// frame records where to resume the parent thread after a child dialog, and
// the parent's response scope while the child collects its own.
type frame struct {
	thread    string
	cursor    int
	resultKey string
	responses map[string]string
}

// Conversation is the low-level thread-graph state machine for one
// (user, channel) identity.
//
// All script execution (Activate, HandleMessage, FireTimeout) must be
// serialized externally; the controller holds a per-identity mutex for the
// duration of each call. The conversation's own mutex only guards the cheap
// fields the ticker reads concurrently.
type Conversation struct {
	id      string
	task    *Task
	user    string
	channel string
	sender  Sender

	threads map[string][]ScriptItem
	entry   string
	current string
	cursor  int
	// prompted is true once the current question has been delivered and the
	// conversation is waiting for an answer.
	prompted  bool
	redirects int
	frames    []frame

	vars       map[string]any
	responses  map[string]string
	transcript []models.Message

	beforeFns map[string][]HookFunc
	changeFns map[string][]ChangeHook
	endFns    []EndHook

	timeoutMessage string

	mu         sync.Mutex
	status     models.ConversationStatus
	startTime  time.Time
	lastActive time.Time
	timeout    time.Duration
	version    uint64
}

func newConversation(task *Task, user, channel string, sender Sender) *Conversation {
	return &Conversation{
		id:        uuid.NewString(),
		task:      task,
		user:      user,
		channel:   channel,
		sender:    sender,
		threads:   map[string][]ScriptItem{DefaultThread: nil},
		entry:     DefaultThread,
		current:   DefaultThread,
		vars:      make(map[string]any),
		responses: make(map[string]string),
		beforeFns: make(map[string][]HookFunc),
		changeFns: make(map[string][]ChangeHook),
		status:    models.StatusNew,
		timeout:   models.DefaultConversationTimeout,
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// Task returns the owning task.
func (c *Conversation) Task() *Task { return c.task }

// User returns the identity the conversation belongs to.
func (c *Conversation) User() string { return c.user }

// Channel returns the channel the conversation belongs to.
func (c *Conversation) Channel() string { return c.channel }

// Status returns the current lifecycle status.
func (c *Conversation) Status() models.ConversationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsActive reports whether the conversation still accepts input. It is true
// for both active and ending, so trailing timeout messages can be delivered.
func (c *Conversation) IsActive() bool {
	st := c.Status()
	return st == models.StatusActive || st == models.StatusEnding
}

// Successful reports whether the conversation ran to completion.
func (c *Conversation) Successful() bool {
	return c.Status() == models.StatusCompleted
}

// LastActive returns the time of the last send or received answer.
func (c *Conversation) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Version returns the monotonic counter used to discard stale timeout
// transitions. It advances on every inbound answer and outbound send.
func (c *Conversation) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// SetTimeout configures the inactivity window. Zero disables the timeout.
func (c *Conversation) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Timeout returns the configured inactivity window.
func (c *Conversation) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// SetTimeoutMessage configures a trailing message delivered when the
// conversation expires.
func (c *Conversation) SetTimeoutMessage(text string) {
	c.timeoutMessage = text
}

// Transcript returns a copy of the append-only log of sent and received
// messages.
func (c *Conversation) Transcript() []models.Message {
	out := make([]models.Message, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Vars returns the conversation variable for key.
func (c *Conversation) Var(key string) (any, bool) {
	v, ok := c.vars[key]
	return v, ok
}

// SetVar writes a conversation variable and fires onChange hooks for it.
func (c *Conversation) SetVar(ctx context.Context, key string, value any) error {
	c.vars[key] = value
	return c.fireChange(ctx, key, value)
}

// ExtractResponses returns the answers captured so far, keyed by each
// question's capture key.
func (c *Conversation) ExtractResponses() map[string]string {
	out := make(map[string]string, len(c.responses))
	for k, v := range c.responses {
		out[k] = v
	}
	return out
}

// ExtractResponse returns the captured answer for one key.
func (c *Conversation) ExtractResponse(key string) (string, bool) {
	v, ok := c.responses[key]
	return v, ok
}

// --- Script building ---

// AddMessage appends a statement to the named thread, creating the thread if
// needed. An empty thread name targets the default thread.
func (c *Conversation) AddMessage(text, thread string) {
	c.addItem(ScriptItem{Kind: ItemStatement, Text: text}, thread)
}

// AddQuestion appends a question with its ordered handlers and capture key to
// the named thread.
func (c *Conversation) AddQuestion(text string, handlers []Handler, captureKey, thread string) {
	validateHandlers(handlers)
	c.addItem(ScriptItem{Kind: ItemQuestion, Text: text, Handlers: handlers, CaptureKey: captureKey}, thread)
}

// AddGoto appends an unconditional jump to target at the end of thread.
func (c *Conversation) AddGoto(thread, target string) {
	c.addItem(ScriptItem{Kind: ItemGoto, Thread: target}, thread)
}

// AddHook appends a callback item to the named thread.
func (c *Conversation) AddHook(thread string, hook HookFunc) {
	c.addItem(ScriptItem{Kind: ItemHook, Hook: hook}, thread)
}

// Say appends a statement to the current thread.
func (c *Conversation) Say(text string) {
	c.addItem(ScriptItem{Kind: ItemStatement, Text: text}, c.current)
}

// Ask appends a question to the current thread. captureKey names the variable
// the answer is stored under; it may be empty to discard the answer.
func (c *Conversation) Ask(text string, handlers []Handler, captureKey string) {
	c.AddQuestion(text, handlers, captureKey, c.current)
}

func (c *Conversation) addItem(item ScriptItem, thread string) {
	if thread == "" {
		thread = DefaultThread
	}
	c.threads[thread] = append(c.threads[thread], item)
}

// HasThread reports whether the named thread exists.
func (c *Conversation) HasThread(name string) bool {
	_, ok := c.threads[name]
	return ok
}

// SetEntry changes the thread the conversation starts in. Used by the dialog
// layer when the entry thread is not named "default".
func (c *Conversation) SetEntry(name string) error {
	if !c.HasThread(name) {
		return fmt.Errorf("%w: %s", models.ErrUnknownThread, name)
	}
	c.entry = name
	c.current = name
	return nil
}

// Before registers a hook run on entering the named thread, before its first
// item is delivered. The hook may redirect with GotoThread.
func (c *Conversation) Before(thread string, hook HookFunc) {
	c.beforeFns[thread] = append(c.beforeFns[thread], hook)
}

// OnChange registers a hook fired whenever capture writes the named variable.
func (c *Conversation) OnChange(key string, hook ChangeHook) {
	c.changeFns[key] = append(c.changeFns[key], hook)
}

// OnEnd registers a hook run once when the conversation reaches a terminal
// status. Captured responses are available through ExtractResponses.
func (c *Conversation) OnEnd(fn EndHook) {
	c.endFns = append(c.endFns, fn)
}

// --- Execution ---

// Activate transitions new → active and delivers script items until the first
// question (or completion). The caller must hold the identity lock.
func (c *Conversation) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.status != models.StatusNew {
		c.mu.Unlock()
		return fmt.Errorf("cannot activate conversation in status %s", c.status)
	}
	c.status = models.StatusActive
	now := time.Now()
	c.startTime = now
	c.lastActive = now
	c.mu.Unlock()

	slog.Debug("Conversation activated", "id", c.id, "user", c.user, "channel", c.channel)
	if err := c.gotoThread(ctx, c.entry); err != nil {
		return err
	}
	return c.drive(ctx)
}

// HandleMessage feeds an inbound message to the conversation. It returns
// handled=true when the conversation claimed the message, which is the case
// for any message arriving while the conversation is active. The caller must
// hold the identity lock.
func (c *Conversation) HandleMessage(ctx context.Context, msg models.Message) (bool, error) {
	if !c.IsActive() {
		return false, nil
	}
	c.touch()
	c.transcript = append(c.transcript, msg)

	if c.Status() == models.StatusEnding {
		// Input racing the timeout's trailing message: claimed, not processed.
		slog.Debug("Conversation ending, discarding late input", "id", c.id)
		return true, nil
	}

	items := c.threads[c.current]
	if c.cursor < len(items) && items[c.cursor].Kind == ItemQuestion && c.prompted {
		return true, c.capture(ctx, msg, items[c.cursor])
	}

	// Active with no pending question (e.g. a prior send failed mid-thread):
	// resume delivery from the current pointer.
	return true, c.drive(ctx)
}

// capture runs the question's handlers in order: first matching non-default
// handler wins, then the first default, and with neither the question is
// silently repeated.
func (c *Conversation) capture(ctx context.Context, msg models.Message, item ScriptItem) error {
	var def *Handler
	for i := range item.Handlers {
		h := &item.Handlers[i]
		if h.Pattern.IsDefault() {
			if def == nil {
				def = h
			}
			continue
		}
		if h.Pattern.Matches(msg) {
			slog.Debug("Conversation handler matched", "id", c.id, "pattern", h.Pattern.String())
			return c.execute(ctx, msg, item, h)
		}
	}
	if def != nil {
		slog.Debug("Conversation default handler selected", "id", c.id)
		return c.execute(ctx, msg, item, def)
	}
	// No match and no default: leave the pointer alone and say nothing.
	slog.Debug("Conversation answer unmatched, silently repeating", "id", c.id, "text", msg.Text)
	return nil
}

func (c *Conversation) execute(ctx context.Context, msg models.Message, item ScriptItem, h *Handler) error {
	if item.CaptureKey != "" {
		c.responses[item.CaptureKey] = msg.Text
		c.vars[item.CaptureKey] = msg.Text
		if err := c.fireChange(ctx, item.CaptureKey, msg.Text); err != nil {
			return err
		}
	}

	action := h.Action
	if h.Fn != nil {
		action = ActionCustom
	}
	switch action {
	case ActionAdvance:
		c.cursor++
		c.prompted = false
	case ActionRepeat:
		c.prompted = false
	case ActionSilentRepeat:
		return nil
	case ActionStop:
		status := h.Status
		if status == "" {
			status = models.StatusStopped
		}
		return c.finalize(status)
	case ActionGoto:
		if err := c.gotoThread(ctx, h.Thread); err != nil {
			return err
		}
	case ActionCustom:
		if err := h.Fn(ctx, msg, c); err != nil {
			return err
		}
	}

	if c.Status() != models.StatusActive {
		return nil
	}
	return c.drive(ctx)
}

// drive delivers script items from the current pointer until the conversation
// waits on a question, completes, or a send fails (leaving the pointer at the
// undelivered item so the send can be retried).
func (c *Conversation) drive(ctx context.Context) error {
	for c.Status() == models.StatusActive {
		items, ok := c.threads[c.current]
		if !ok {
			return fmt.Errorf("%w: %s", models.ErrUnknownThread, c.current)
		}
		if c.cursor >= len(items) {
			if len(c.frames) > 0 {
				c.popFrame(ctx)
				continue
			}
			return c.finalize(models.StatusCompleted)
		}
		item := items[c.cursor]
		switch item.Kind {
		case ItemStatement:
			if err := c.deliver(ctx, item); err != nil {
				return err
			}
			c.cursor++
		case ItemGoto:
			if err := c.gotoThread(ctx, item.Thread); err != nil {
				return err
			}
		case ItemHook:
			c.cursor++
			if err := item.Hook(ctx, c); err != nil {
				return err
			}
		case ItemQuestion:
			if c.prompted {
				return nil
			}
			if err := c.deliver(ctx, item); err != nil {
				return err
			}
			c.prompted = true
			return nil
		}
	}
	return nil
}

// deliver renders and sends one item, records it in the transcript, and
// resets the inactivity window.
func (c *Conversation) deliver(ctx context.Context, item ScriptItem) error {
	out := models.Message{
		User:      c.user,
		Channel:   c.channel,
		Type:      models.TypeOutgoing,
		Text:      RenderTemplate(item.Text, c.vars, c.responses),
		Timestamp: time.Now(),
		Raw:       item.Payload,
	}
	id, err := c.sender.Send(ctx, out)
	if err != nil {
		slog.Error("Conversation send failed", "id", c.id, "error", err)
		return fmt.Errorf("failed to send conversation message: %w", err)
	}
	out.ID = id
	c.transcript = append(c.transcript, out)
	c.touch()
	return nil
}

// touch resets the inactivity clock and advances the timeout version.
func (c *Conversation) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.version++
	c.mu.Unlock()
}

// resolveThread maps a thread name to the current dialog scope. Child-dialog
// threads are namespaced "<dialogID>:<thread>"; a jump made from inside that
// scope prefers the sibling thread of the same scope.
func (c *Conversation) resolveThread(name string) string {
	if idx := strings.LastIndex(c.current, ":"); idx >= 0 {
		scoped := c.current[:idx+1] + name
		if c.HasThread(scoped) {
			return scoped
		}
	}
	return name
}

// gotoThread repositions to (name, 0) and runs the thread's before hooks,
// which may themselves redirect. Redirect chains are bounded.
func (c *Conversation) gotoThread(ctx context.Context, name string) error {
	if name == "" {
		return models.ErrEmptyThread
	}
	name = c.resolveThread(name)
	if !c.HasThread(name) {
		return fmt.Errorf("%w: %s", models.ErrUnknownThread, name)
	}
	c.redirects++
	defer func() { c.redirects-- }()
	if c.redirects > maxThreadRedirects {
		return fmt.Errorf("thread redirect limit exceeded at %q", name)
	}

	c.current = name
	c.cursor = 0
	c.prompted = false
	slog.Debug("Conversation thread entered", "id", c.id, "thread", name)
	for _, hook := range c.beforeFns[name] {
		if err := hook(ctx, c); err != nil {
			return err
		}
		if c.current != name {
			// The hook redirected; the target thread's hooks already ran.
			return nil
		}
	}
	return nil
}

// GotoThread repositions the conversation to the start of the named thread.
// Callable from handler callbacks and before hooks.
func (c *Conversation) GotoThread(ctx context.Context, name string) error {
	return c.gotoThread(ctx, name)
}

// Next advances past the current question. Callable from handler callbacks.
func (c *Conversation) Next() {
	c.cursor++
	c.prompted = false
}

// Repeat re-arms the current question so it is delivered again.
func (c *Conversation) Repeat() {
	c.prompted = false
}

// Stop ends the conversation with the given terminal status (stopped when
// empty).
func (c *Conversation) Stop(status models.ConversationStatus) error {
	if status == "" {
		status = models.StatusStopped
	}
	return c.finalize(status)
}

// PushFrame begins a child response scope and records the resume point at the
// current pointer. The dialog layer pairs it with a jump to the child's entry
// thread; when that thread graph is exhausted the parent resumes and the
// child's responses are merged under resultKey.
func (c *Conversation) PushFrame(resultKey string) {
	c.frames = append(c.frames, frame{
		thread:    c.current,
		cursor:    c.cursor,
		resultKey: resultKey,
		responses: c.responses,
	})
	c.responses = make(map[string]string)
}

func (c *Conversation) popFrame(ctx context.Context) {
	f := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	result := c.responses
	c.responses = f.responses
	c.current = f.thread
	c.cursor = f.cursor
	c.prompted = false
	if f.resultKey != "" {
		c.vars[f.resultKey] = result
		if err := c.fireChange(ctx, f.resultKey, result); err != nil {
			slog.Error("Conversation onChange hook failed after child dialog", "id", c.id, "key", f.resultKey, "error", err)
		}
	}
	slog.Debug("Conversation resumed parent thread", "id", c.id, "thread", f.thread, "resultKey", f.resultKey)
}

func (c *Conversation) fireChange(ctx context.Context, key string, value any) error {
	for _, hook := range c.changeFns[key] {
		if err := hook(ctx, c, value); err != nil {
			return fmt.Errorf("onChange hook for %q failed: %w", key, err)
		}
	}
	return nil
}

// TimeoutDue reports whether the inactivity window has elapsed, returning the
// version the caller must present to FireTimeout.
func (c *Conversation) TimeoutDue(now time.Time) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != models.StatusActive || c.timeout <= 0 {
		return 0, false
	}
	if now.Sub(c.lastActive) < c.timeout {
		return 0, false
	}
	return c.version, true
}

// FireTimeout runs the timeout transition scheduled at the given version. If
// an answer or send advanced the version since, the transition is a stale
// no-op. The caller must hold the identity lock.
func (c *Conversation) FireTimeout(ctx context.Context, version uint64) error {
	c.mu.Lock()
	if c.status != models.StatusActive || c.version != version {
		c.mu.Unlock()
		slog.Debug("Conversation timeout discarded as stale", "id", c.id, "version", version)
		return nil
	}
	c.status = models.StatusEnding
	c.mu.Unlock()

	slog.Info("Conversation timed out", "id", c.id, "user", c.user, "channel", c.channel)
	if c.timeoutMessage != "" {
		if err := c.deliver(ctx, ScriptItem{Kind: ItemStatement, Text: c.timeoutMessage}); err != nil {
			slog.Error("Conversation timeout message failed", "id", c.id, "error", err)
		}
	}
	return c.finalize(models.StatusTimeout)
}

// finalize moves to a terminal status, fires end hooks, and notifies the
// owning task exactly once.
func (c *Conversation) finalize(status models.ConversationStatus) error {
	c.mu.Lock()
	if c.status == models.StatusCompleted || c.status == models.StatusStopped || c.status == models.StatusTimeout {
		c.mu.Unlock()
		return nil
	}
	c.status = status
	c.mu.Unlock()

	c.prompted = false
	slog.Debug("Conversation ended", "id", c.id, "status", status, "responses", len(c.responses))
	for _, fn := range c.endFns {
		fn(c)
	}
	if c.task != nil {
		c.task.conversationEnded(c)
	}
	return nil
}
