package bot_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/howdyai/botkit-sub002/internal/bot"
	"github.com/howdyai/botkit-sub002/internal/convo"
	"github.com/howdyai/botkit-sub002/internal/dialog"
	"github.com/howdyai/botkit-sub002/internal/models"
	"github.com/howdyai/botkit-sub002/internal/pattern"
	"github.com/howdyai/botkit-sub002/internal/storage"
	"github.com/howdyai/botkit-sub002/internal/testutil"
)

// newTestController wires a controller to a loopback adapter with the ticker
// disabled; tests drive timeouts through Sweep directly.
func newTestController(t *testing.T) (*bot.Controller, *testutil.LoopbackAdapter) {
	t.Helper()
	adapter := testutil.NewLoopbackAdapter()
	c := bot.New(adapter,
		bot.WithStore(storage.NewMemoryStore()),
		bot.WithTickInterval(0),
	)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c, adapter
}

func inject(t *testing.T, adapter *testutil.LoopbackAdapter, text string) {
	t.Helper()
	if err := adapter.Inject(context.Background(), testutil.UserMessage("u1", "c1", text)); err != nil {
		t.Fatalf("Inject(%q) error: %v", text, err)
	}
}

func TestHearsRouting(t *testing.T) {
	c, adapter := newTestController(t)

	var heard []string
	err := c.Hears([]string{"^hello$"}, models.TypeDirectMessage,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			heard = append(heard, msg.Text)
			_, err := ctrl.Reply(ctx, msg, "hi there")
			return err
		})
	if err != nil {
		t.Fatalf("Hears() error: %v", err)
	}

	inject(t, adapter, "hello")
	if len(heard) != 1 || heard[0] != "hello" {
		t.Errorf("handler heard %v, want [hello]", heard)
	}
	testutil.AssertTexts(t, adapter.SentTexts(), []string{"hi there"}, "reply")

	// A non-matching message does not reach the handler.
	adapter.Reset()
	inject(t, adapter, "goodbye")
	if len(heard) != 1 {
		t.Errorf("handler heard %v after non-match, want [hello]", heard)
	}
}

func TestHearsTypeFilter(t *testing.T) {
	c, adapter := newTestController(t)

	hits := 0
	err := c.Hears([]string{"ping"}, models.TypeDirectMention,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			hits++
			return nil
		})
	if err != nil {
		t.Fatalf("Hears() error: %v", err)
	}

	inject(t, adapter, "ping") // direct_message, filtered out
	if hits != 0 {
		t.Errorf("type-filtered route ran %d times, want 0", hits)
	}

	msg := testutil.UserMessage("u1", "c1", "ping")
	msg.Type = models.TypeDirectMention
	if err := adapter.Inject(context.Background(), msg); err != nil {
		t.Fatalf("Inject() error: %v", err)
	}
	if hits != 1 {
		t.Errorf("route ran %d times, want 1", hits)
	}
}

func TestFirstRouteWins(t *testing.T) {
	c, adapter := newTestController(t)

	var order []string
	add := func(p, label string) {
		err := c.Hears([]string{p}, models.TypeDirectMessage,
			func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
				order = append(order, label)
				return nil
			})
		if err != nil {
			t.Fatalf("Hears(%q) error: %v", p, err)
		}
	}
	add("help", "first")
	add("help me", "second")

	inject(t, adapter, "help me please")
	if len(order) != 1 || order[0] != "first" {
		t.Errorf("routes ran %v, want [first]", order)
	}
}

func TestHearsInvalidPattern(t *testing.T) {
	c, _ := newTestController(t)
	err := c.Hears([]string{"^(bad"}, models.TypeDirectMessage,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error { return nil })
	if err == nil {
		t.Error("Hears() with an invalid pattern should fail")
	}
	if err := c.Hears(nil, "", nil); !errors.Is(err, models.ErrNoPatterns) {
		t.Errorf("Hears(nil) error = %v, want ErrNoPatterns", err)
	}
}

func TestHearsPatternPredicate(t *testing.T) {
	c, adapter := newTestController(t)

	hits := 0
	long := pattern.Predicate(func(msg models.Message) bool {
		return len(msg.Text) > 10
	})
	err := c.HearsPattern([]pattern.Spec{long}, models.TypeDirectMessage,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			hits++
			return nil
		})
	if err != nil {
		t.Fatalf("HearsPattern() error: %v", err)
	}

	inject(t, adapter, "short")
	inject(t, adapter, "a much longer message")
	if hits != 1 {
		t.Errorf("predicate route ran %d times, want 1", hits)
	}

	if err := c.HearsPattern(nil, "", nil); !errors.Is(err, models.ErrNoPatterns) {
		t.Errorf("HearsPattern(nil) error = %v, want ErrNoPatterns", err)
	}
}

func TestHeardEventFires(t *testing.T) {
	c, adapter := newTestController(t)

	events := 0
	c.On(models.EventHeard, func(event string, payload any) { events++ })
	err := c.Hears([]string{"hello"}, models.TypeDirectMessage,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error { return nil })
	if err != nil {
		t.Fatalf("Hears() error: %v", err)
	}

	inject(t, adapter, "hello")
	inject(t, adapter, "unmatched")
	if events != 1 {
		t.Errorf("heard event fired %d times, want 1", events)
	}
}

func TestUnroutedMessageFiresTypeEvent(t *testing.T) {
	c, adapter := newTestController(t)

	var got []models.Message
	c.On(models.TypeDirectMessage, func(event string, payload any) {
		if m, ok := payload.(models.Message); ok {
			got = append(got, m)
		}
	})

	inject(t, adapter, "nobody hears this")
	if len(got) != 1 || got[0].Text != "nobody hears this" {
		t.Errorf("type event saw %v, want the unrouted message", got)
	}
}

func TestReceiveMiddlewareCanHalt(t *testing.T) {
	c, adapter := newTestController(t)

	routed := 0
	err := c.Hears([]string{"secret"}, models.TypeDirectMessage,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			routed++
			return nil
		})
	if err != nil {
		t.Fatalf("Hears() error: %v", err)
	}
	c.Middleware.UseReceive(func(ctx context.Context, msg *models.Message, next func() error) error {
		if msg.Text == "secret" {
			return nil // decline
		}
		return next()
	})

	inject(t, adapter, "secret")
	if routed != 0 {
		t.Error("halted message still reached the router")
	}
	inject(t, adapter, "not secret")
	if routed != 1 {
		t.Errorf("route ran %d times, want 1", routed)
	}
}

func TestPerRouteMiddleware(t *testing.T) {
	c, adapter := newTestController(t)

	var seen []string
	err := c.Hears([]string{"order"}, models.TypeDirectMessage,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			seen = append(seen, "handler:"+msg.Text)
			return nil
		},
		func(ctx context.Context, msg *models.Message, next func() error) error {
			msg.Text = msg.Text + "!"
			seen = append(seen, "mw")
			return next()
		})
	if err != nil {
		t.Fatalf("Hears() error: %v", err)
	}

	inject(t, adapter, "order")
	want := []string{"mw", "handler:order!"}
	if len(seen) != 2 || seen[0] != want[0] || seen[1] != want[1] {
		t.Errorf("execution = %v, want %v", seen, want)
	}
}

func TestPerRouteMiddlewareCanHalt(t *testing.T) {
	c, adapter := newTestController(t)

	routed := 0
	err := c.Hears([]string{"order"}, models.TypeDirectMessage,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			routed++
			return nil
		},
		func(ctx context.Context, msg *models.Message, next func() error) error {
			return nil // decline
		})
	if err != nil {
		t.Fatalf("Hears() error: %v", err)
	}

	inject(t, adapter, "order")
	if routed != 0 {
		t.Error("halting route middleware still ran the handler")
	}
}

func TestSendMiddlewareRewrites(t *testing.T) {
	c, adapter := newTestController(t)
	c.Middleware.UseFormat(func(ctx context.Context, msg *models.Message, next func() error) error {
		msg.Text = "[bot] " + msg.Text
		return next()
	})

	id, err := c.Say(context.Background(), "hello", "u1", "c1")
	if err != nil {
		t.Fatalf("Say() error: %v", err)
	}
	if id == "" {
		t.Error("Say() returned empty platform id")
	}
	testutil.AssertTexts(t, adapter.SentTexts(), []string{"[bot] hello"}, "formatted send")
}

func TestSendRejectsOversizedText(t *testing.T) {
	c, _ := newTestController(t)
	big := make([]byte, models.MaxMessageTextLength+1)
	for i := range big {
		big[i] = 'a'
	}
	if _, err := c.Say(context.Background(), string(big), "u1", "c1"); err == nil {
		t.Error("Say() should reject text over the size limit")
	}
}

func TestIngestRejectsInvalidMessage(t *testing.T) {
	c, _ := newTestController(t)
	err := c.Ingest(context.Background(), models.Message{Channel: "c1", Text: "x"}, nil)
	if !errors.Is(err, models.ErrEmptyUser) {
		t.Errorf("Ingest() error = %v, want ErrEmptyUser", err)
	}
}

func TestConversationClaimsIdentity(t *testing.T) {
	c, adapter := newTestController(t)

	err := c.Hears([]string{"^start$"}, models.TypeDirectMessage,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			return ctrl.StartConversation(ctx, msg, func(conv *convo.Conversation) error {
				conv.Ask("name?", []convo.Handler{convo.OnDefault()}, "name")
				conv.Say("hi {{responses.name}}")
				return nil
			})
		})
	if err != nil {
		t.Fatalf("Hears() error: %v", err)
	}

	routed := 0
	err = c.Hears([]string{"Ada"}, models.TypeDirectMessage,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			routed++
			return nil
		})
	if err != nil {
		t.Fatalf("Hears() error: %v", err)
	}

	inject(t, adapter, "start")
	// The answer goes to the conversation, not the "Ada" route.
	inject(t, adapter, "Ada")
	if routed != 0 {
		t.Error("active conversation did not claim the inbound message")
	}
	testutil.AssertTexts(t, adapter.SentTexts(), []string{"name?", "hi Ada"}, "conversation flow")
	if conv := c.FindConversation("u1", "c1"); conv != nil {
		t.Error("completed conversation still claims the identity")
	}
	if len(c.Tasks()) != 0 {
		t.Errorf("live task list has %d entries, want 0", len(c.Tasks()))
	}
}

func TestSecondConversationRejected(t *testing.T) {
	c, adapter := newTestController(t)

	err := c.Hears([]string{"^start$"}, models.TypeDirectMessage,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			return ctrl.StartConversation(ctx, msg, func(conv *convo.Conversation) error {
				conv.Ask("q?", []convo.Handler{convo.OnLiteral("bye")}, "q")
				return nil
			})
		})
	if err != nil {
		t.Fatalf("Hears() error: %v", err)
	}

	inject(t, adapter, "start")
	src := testutil.UserMessage("u1", "c1", "again")
	if _, err := c.CreateConversation(src); !errors.Is(err, models.ErrConversationExists) {
		t.Errorf("CreateConversation() error = %v, want ErrConversationExists", err)
	}

	// A different identity is free to converse.
	other := testutil.UserMessage("u2", "c1", "go")
	if _, err := c.CreateConversation(other); err != nil {
		t.Errorf("CreateConversation() for another identity error: %v", err)
	}
}

func TestExcludedEventsBypassConversation(t *testing.T) {
	adapter := testutil.NewLoopbackAdapter()
	adapter.SetExcludedEvents([]string{models.TypeAmbient})
	c := bot.New(adapter, bot.WithTickInterval(0))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { c.Stop() })

	routed := 0
	err := c.Hears([]string{"chatter"}, models.TypeAmbient,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			routed++
			return nil
		})
	if err != nil {
		t.Fatalf("Hears() error: %v", err)
	}

	src := testutil.UserMessage("u1", "c1", "go")
	err = c.StartConversation(context.Background(), src, func(conv *convo.Conversation) error {
		conv.Ask("q?", []convo.Handler{convo.OnDefault()}, "q")
		return nil
	})
	if err != nil {
		t.Fatalf("StartConversation() error: %v", err)
	}

	ambient := testutil.UserMessage("u1", "c1", "chatter")
	ambient.Type = models.TypeAmbient
	if err := adapter.Inject(context.Background(), ambient); err != nil {
		t.Fatalf("Inject() error: %v", err)
	}
	if routed != 1 {
		t.Errorf("excluded-type message reached the router %d times, want 1", routed)
	}
	if _, ok := c.FindConversation("u1", "c1").ExtractResponse("q"); ok {
		t.Error("excluded-type message was captured by the conversation")
	}
}

func TestConversationLifecycleEvents(t *testing.T) {
	c, adapter := newTestController(t)

	var fired []string
	c.On(models.EventConversationStarted+","+models.EventConversationEnded,
		func(event string, payload any) {
			fired = append(fired, event)
		})

	err := c.Hears([]string{"^go$"}, models.TypeDirectMessage,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			return ctrl.StartConversation(ctx, msg, func(conv *convo.Conversation) error {
				conv.Say("done")
				return nil
			})
		})
	if err != nil {
		t.Fatalf("Hears() error: %v", err)
	}

	inject(t, adapter, "go")
	want := []string{models.EventConversationStarted, models.EventConversationEnded}
	if len(fired) != 2 || fired[0] != want[0] || fired[1] != want[1] {
		t.Errorf("lifecycle events = %v, want %v", fired, want)
	}
}

func TestSweepFiresTimeout(t *testing.T) {
	c, adapter := newTestController(t)

	src := testutil.UserMessage("u1", "c1", "go")
	err := c.StartConversation(context.Background(), src, func(conv *convo.Conversation) error {
		conv.Ask("q?", []convo.Handler{convo.OnDefault()}, "q")
		conv.SetTimeout(100 * time.Millisecond)
		conv.SetTimeoutMessage("gone")
		return nil
	})
	if err != nil {
		t.Fatalf("StartConversation() error: %v", err)
	}
	conv := c.FindConversation("u1", "c1")
	if conv == nil {
		t.Fatal("conversation not found after activation")
	}

	// Sweeping before the window elapses is a no-op.
	c.Sweep(context.Background(), time.Now())
	if conv.Status() != models.StatusActive {
		t.Fatalf("status = %s after early sweep, want active", conv.Status())
	}

	c.Sweep(context.Background(), time.Now().Add(time.Second))
	if conv.Status() != models.StatusTimeout {
		t.Errorf("status = %s after sweep, want timeout", conv.Status())
	}
	texts := adapter.SentTexts()
	if len(texts) == 0 || texts[len(texts)-1] != "gone" {
		t.Errorf("sent %v, want trailing timeout message", texts)
	}
	if len(c.Tasks()) != 0 {
		t.Errorf("live task list has %d entries after timeout, want 0", len(c.Tasks()))
	}
}

func TestBeginDialogEndToEnd(t *testing.T) {
	c, adapter := newTestController(t)

	color := dialog.New("color")
	color.Ask("What is your favorite color?", []convo.Handler{convo.OnDefault()}, "color")
	if err := c.AddDialog(color); err != nil {
		t.Fatalf("AddDialog(color) error: %v", err)
	}

	onboarding := dialog.New("onboarding")
	onboarding.Say("Welcome aboard!")
	onboarding.Ask("Left or right?", []convo.Handler{
		{Pattern: pattern.Literal("left"), Action: convo.ActionGoto, Thread: "left"},
		{Pattern: pattern.Literal("right"), Action: convo.ActionGoto, Thread: "right"},
		{Pattern: pattern.Default(), Action: convo.ActionRepeat},
	}, "direction")
	onboarding.AddMessage("Left it is.", "left")
	onboarding.AddChildDialog("color", "preferences", "left")
	onboarding.AddMessage("All set.", "left")
	onboarding.AddMessage("Right it is.", "right")
	onboarding.AddChildDialog("color", "preferences", "right")
	onboarding.AddMessage("All set.", "right")
	if err := c.AddDialog(onboarding); err != nil {
		t.Fatalf("AddDialog(onboarding) error: %v", err)
	}

	err := c.Hears([]string{"^talk$"}, models.TypeDirectMessage,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			return ctrl.BeginDialog(ctx, "onboarding", msg)
		})
	if err != nil {
		t.Fatalf("Hears() error: %v", err)
	}

	var ended *convo.Conversation
	c.On(models.EventConversationEnded, func(event string, payload any) {
		ended, _ = payload.(*convo.Conversation)
	})

	inject(t, adapter, "talk")
	inject(t, adapter, "sideways") // repeats the question
	inject(t, adapter, "left")
	inject(t, adapter, "blue")

	testutil.AssertTexts(t, adapter.SentTexts(), []string{
		"Welcome aboard!",
		"Left or right?",
		"Left or right?",
		"Left it is.",
		"What is your favorite color?",
		"All set.",
	}, "onboarding flow")

	if ended == nil {
		t.Fatal("conversation ended event not observed")
	}
	if !ended.Successful() {
		t.Fatalf("status = %s, want completed", ended.Status())
	}
	if dir, _ := ended.ExtractResponse("direction"); dir != "left" {
		t.Errorf("direction = %q, want left", dir)
	}
	v, ok := ended.Var("preferences")
	if !ok {
		t.Fatal("preferences var missing")
	}
	prefs, ok := v.(map[string]string)
	if !ok || prefs["color"] != "blue" {
		t.Errorf("preferences = %v, want map[color:blue]", v)
	}
}

func TestBeginDialogUnknown(t *testing.T) {
	c, _ := newTestController(t)
	src := testutil.UserMessage("u1", "c1", "go")
	err := c.BeginDialog(context.Background(), "missing", src)
	if !errors.Is(err, models.ErrUnknownDialog) {
		t.Errorf("BeginDialog() error = %v, want ErrUnknownDialog", err)
	}
}
