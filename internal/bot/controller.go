package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/howdyai/botkit-sub002/internal/convo"
	"github.com/howdyai/botkit-sub002/internal/dialog"
	"github.com/howdyai/botkit-sub002/internal/events"
	"github.com/howdyai/botkit-sub002/internal/models"
	"github.com/howdyai/botkit-sub002/internal/pattern"
	"github.com/howdyai/botkit-sub002/internal/storage"
	"github.com/howdyai/botkit-sub002/internal/ticker"
)

// Opts holds configuration options for the controller.
type Opts struct {
	Store          storage.Store
	DefaultTimeout time.Duration
	TickInterval   time.Duration
}

// Option defines a configuration option for the controller.
type Option func(*Opts)

// WithStore attaches a persistence backend, exposed to application code via
// Storage().
func WithStore(st storage.Store) Option {
	return func(o *Opts) { o.Store = st }
}

// WithDefaultTimeout sets the inactivity window applied to new conversations.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *Opts) { o.DefaultTimeout = d }
}

// WithTickInterval sets how often the ticker sweeps for expired
// conversations. Zero disables the ticker.
func WithTickInterval(d time.Duration) Option {
	return func(o *Opts) { o.TickInterval = d }
}

// Controller owns all engine state for one bot instance: the middleware
// pipeline, the pattern router, the event bus, the live task list, and the
// dialog registry. Construct one per process and hand it to adapters and
// application code; there is no module-level singleton.
type Controller struct {
	adapter Adapter
	events  *events.Bus
	store   storage.Store
	dialogs *dialog.Registry
	router  router
	tick    *ticker.Ticker

	// Middleware exposes the extensible pipeline stages.
	Middleware MiddlewareSet

	defaultTimeout time.Duration
	excluded       map[string]struct{}

	mu    sync.Mutex
	tasks []*convo.Task
	locks map[string]*sync.Mutex
}

// New creates a controller bound to one adapter.
func New(adapter Adapter, opts ...Option) *Controller {
	cfg := Opts{
		DefaultTimeout: models.DefaultConversationTimeout,
		TickInterval:   models.DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Controller{
		adapter:        adapter,
		events:         events.NewBus(),
		store:          cfg.Store,
		dialogs:        dialog.NewRegistry(),
		defaultTimeout: cfg.DefaultTimeout,
		excluded:       make(map[string]struct{}),
		locks:          make(map[string]*sync.Mutex),
	}
	for _, t := range adapter.ExcludedEvents() {
		c.excluded[t] = struct{}{}
	}
	if cfg.TickInterval > 0 {
		c.tick = ticker.New(cfg.TickInterval, c)
	}
	slog.Debug("Controller created", "adapter", adapter.Name(), "default_timeout", cfg.DefaultTimeout, "tick_interval", cfg.TickInterval)
	return c
}

// Adapter returns the platform adapter the controller is bound to.
func (c *Controller) Adapter() Adapter { return c.adapter }

// Identity returns the bot identity reported by the adapter.
func (c *Controller) Identity() models.Identity { return c.adapter.Identity() }

// Storage returns the attached persistence backend, or nil.
func (c *Controller) Storage() storage.Store { return c.store }

// Start begins receiving platform events and starts the timeout ticker.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.adapter.Start(ctx, c.Ingest); err != nil {
		return fmt.Errorf("failed to start adapter %s: %w", c.adapter.Name(), err)
	}
	if c.tick != nil {
		c.tick.Start(ctx)
	}
	slog.Info("Controller started", "adapter", c.adapter.Name(), "bot", c.adapter.Identity().Name)
	return nil
}

// Stop halts the ticker and the adapter.
func (c *Controller) Stop() error {
	if c.tick != nil {
		c.tick.Stop()
	}
	return c.adapter.Stop()
}

// --- Events ---

// On registers a handler for one or more bus events (comma-separated list).
func (c *Controller) On(names string, fn events.HandlerFunc) {
	c.events.On(names, fn)
}

// Trigger fires a bus event.
func (c *Controller) Trigger(name string, payload any) {
	c.events.Trigger(name, payload)
}

// --- Routing ---

// Hears registers a top-level route: a pattern set, a comma-separated type
// filter, optional per-route middlewares, and the handler. Routes match in
// registration order.
func (c *Controller) Hears(patterns []string, types string, handler RouteHandler, mws ...Middleware) error {
	specs, err := pattern.ParseAll(patterns)
	if err != nil {
		return err
	}
	c.router.add(specs, types, handler, mws)
	return nil
}

// HearsPattern registers a route from already-built pattern specs, for
// expression and predicate patterns.
func (c *Controller) HearsPattern(specs []pattern.Spec, types string, handler RouteHandler, mws ...Middleware) error {
	if len(specs) == 0 {
		return models.ErrNoPatterns
	}
	c.router.add(specs, types, handler, mws)
	return nil
}

// --- Inbound ---

// Ingest is the adapter entry point for one canonical inbound message. The
// message passes through the inbound pipeline and is dispatched either to the
// active conversation owning the identity or to the router.
func (c *Controller) Ingest(ctx context.Context, msg models.Message, reply ReplyFunc) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	ctx = withReply(ctx, reply)
	err := c.Middleware.receive.run(ctx, &msg, func() error {
		normalize(&msg)
		categorize(&msg)
		return c.Middleware.ingest.run(ctx, &msg, func() error {
			return c.dispatch(ctx, msg)
		})
	})
	if err != nil {
		slog.Error("Controller ingest failed", "error", err, "user", msg.User, "channel", msg.Channel, "type", msg.Type)
	}
	return err
}

func (c *Controller) dispatch(ctx context.Context, msg models.Message) error {
	c.events.Trigger(models.EventReceived, msg)

	return c.withIdentityLock(ctx, identityKey(msg.User, msg.Channel), func(ctx context.Context) error {
		if _, excludedType := c.excluded[msg.Type]; !excludedType {
			if conv := c.FindConversation(msg.User, msg.Channel); conv != nil {
				handled, err := conv.HandleMessage(ctx, msg)
				if handled {
					return err
				}
			}
		}

		routed, err := c.router.dispatch(ctx, c, msg)
		if err != nil {
			return err
		}
		if !routed {
			// Nothing claimed the message: fire its type as a bus event so
			// application code can still observe it.
			c.events.Trigger(msg.Type, msg)
		}
		return nil
	})
}

// --- Outbound ---

// Send runs the outbound pipeline (send stages, then format stages) and
// delivers the message through the adapter, returning the platform id.
func (c *Controller) Send(ctx context.Context, msg models.Message) (string, error) {
	if len(msg.Text) > models.MaxMessageTextLength {
		return "", fmt.Errorf("message text exceeds %d bytes", models.MaxMessageTextLength)
	}
	var id string
	err := c.Middleware.send.run(ctx, &msg, func() error {
		return c.Middleware.format.run(ctx, &msg, func() error {
			var sendErr error
			id, sendErr = c.adapter.Send(ctx, msg)
			return sendErr
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Say sends text to a (user, channel) identity outside any conversation.
func (c *Controller) Say(ctx context.Context, text, user, channel string) (string, error) {
	return c.Send(ctx, models.Message{
		User:      user,
		Channel:   channel,
		Type:      models.TypeOutgoing,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// Reply sends text back to the identity a source message came from.
func (c *Controller) Reply(ctx context.Context, src models.Message, text string) (string, error) {
	return c.Say(ctx, text, src.User, src.Channel)
}

// UpdateMessage edits a previously sent message through the adapter.
func (c *Controller) UpdateMessage(ctx context.Context, msg models.Message) error {
	return c.adapter.UpdateMessage(ctx, msg)
}

// DeleteMessage removes a previously sent message through the adapter.
func (c *Controller) DeleteMessage(ctx context.Context, channel, id string) error {
	return c.adapter.DeleteMessage(ctx, channel, id)
}

// --- Conversations ---

// FindConversation returns the conversation currently accepting input for the
// identity, or nil.
func (c *Controller) FindConversation(user, channel string) *convo.Conversation {
	c.mu.Lock()
	tasks := make([]*convo.Task, len(c.tasks))
	copy(tasks, c.tasks)
	c.mu.Unlock()
	for _, t := range tasks {
		if conv := t.ActiveConversation(user, channel); conv != nil {
			return conv
		}
	}
	return nil
}

// CreateConversation spawns a task and a conversation for the source
// message's identity, in status new. The caller scripts it and then calls
// StartConversation's activation path or Activate directly.
func (c *Controller) CreateConversation(src models.Message) (*convo.Conversation, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if existing := c.FindConversation(src.User, src.Channel); existing != nil {
		return nil, models.ErrConversationExists
	}

	task := convo.NewTask(src)
	task.SetOnEnd(c.taskEnded)
	conv := task.CreateConversation(src.User, src.Channel, c)
	conv.SetTimeout(c.defaultTimeout)
	conv.OnEnd(func(ended *convo.Conversation) {
		c.events.Trigger(models.EventConversationEnded, ended)
	})

	c.mu.Lock()
	c.tasks = append(c.tasks, task)
	c.mu.Unlock()

	for _, fn := range c.Middleware.spawn {
		fn(task)
	}
	c.events.Trigger(models.EventConversationStarted, conv)
	slog.Debug("Controller conversation created", "task", task.ID(), "conversation", conv.ID(), "user", src.User, "channel", src.Channel)
	return conv, nil
}

// StartConversation spawns a conversation for the source identity, hands it
// to script for the caller to populate, and activates it.
func (c *Controller) StartConversation(ctx context.Context, src models.Message, script func(conv *convo.Conversation) error) error {
	conv, err := c.CreateConversation(src)
	if err != nil {
		return err
	}
	if err := script(conv); err != nil {
		return err
	}
	return c.ActivateConversation(ctx, conv)
}

// ActivateConversation activates a conversation created with
// CreateConversation, under the identity's serialization lock. Activation
// fails if another conversation claimed the identity in the meantime.
func (c *Controller) ActivateConversation(ctx context.Context, conv *convo.Conversation) error {
	return c.withIdentityLock(ctx, identityKey(conv.User(), conv.Channel()), func(ctx context.Context) error {
		if existing := c.FindConversation(conv.User(), conv.Channel()); existing != nil && existing != conv {
			return models.ErrConversationExists
		}
		return conv.Activate(ctx)
	})
}

// --- Dialogs ---

// AddDialog validates and registers a scripted dialog. Child dialogs must be
// added before the dialogs that reference them.
func (c *Controller) AddDialog(d *dialog.Dialog) error {
	return c.dialogs.Add(d)
}

// BeginDialog instantiates a registered dialog as a new conversation for the
// source identity and activates it.
func (c *Controller) BeginDialog(ctx context.Context, id string, src models.Message) error {
	d, err := c.dialogs.Get(id)
	if err != nil {
		return err
	}
	conv, err := c.CreateConversation(src)
	if err != nil {
		return err
	}
	if err := c.dialogs.Instantiate(d, conv); err != nil {
		return err
	}
	return c.ActivateConversation(ctx, conv)
}

// Tasks returns the live task list.
func (c *Controller) Tasks() []*convo.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*convo.Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}

func (c *Controller) taskEnded(ended *convo.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.tasks {
		if t == ended {
			c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
			break
		}
	}
	slog.Debug("Controller task removed", "task", ended.ID(), "live_tasks", len(c.tasks))
}

// --- Timeouts ---

// Sweep checks every live conversation's inactivity window and fires the
// timeout transition on the expired ones. Invoked by the ticker.
func (c *Controller) Sweep(ctx context.Context, now time.Time) {
	for _, t := range c.Tasks() {
		for _, conv := range t.Conversations() {
			version, due := conv.TimeoutDue(now)
			if !due {
				continue
			}
			conv := conv
			err := c.withIdentityLock(ctx, identityKey(conv.User(), conv.Channel()), func(ctx context.Context) error {
				return conv.FireTimeout(ctx, version)
			})
			if err != nil {
				slog.Error("Controller timeout transition failed", "conversation", conv.ID(), "error", err)
			}
		}
	}
}

// --- Identity serialization ---

type identityLockKey struct{}

func identityKey(user, channel string) string {
	return user + "\x00" + channel
}

// withIdentityLock serializes all message handling for one (user, channel)
// pair. The key is recorded in the context so nested engine calls on the same
// identity (a route handler starting a conversation) do not self-deadlock.
func (c *Controller) withIdentityLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if held, _ := ctx.Value(identityLockKey{}).(string); held == key {
		return fn(ctx)
	}
	c.mu.Lock()
	mu, ok := c.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[key] = mu
	}
	c.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	return fn(context.WithValue(ctx, identityLockKey{}, key))
}
