// Package slack provides the Slack adapter over Socket Mode: Events API
// messages become canonical messages and outbound sends use the Web API.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/howdyai/botkit-sub002/internal/bot"
	"github.com/howdyai/botkit-sub002/internal/models"
)

// Opts holds configuration options for the Slack adapter.
type Opts struct {
	BotToken string // xoxb- bot token
	AppToken string // xapp- app-level token for Socket Mode
}

// Option defines a configuration option for the Slack adapter.
type Option func(*Opts)

// WithBotToken sets the bot token.
func WithBotToken(token string) Option {
	return func(o *Opts) { o.BotToken = token }
}

// WithAppToken sets the app-level token used for Socket Mode.
func WithAppToken(token string) Option {
	return func(o *Opts) { o.AppToken = token }
}

// Adapter connects to Slack over Socket Mode as a platform adapter.
type Adapter struct {
	api    *slack.Client
	socket *socketmode.Client

	botUserID string
	botName   string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Slack adapter, falling back to the SLACK_BOT_TOKEN and
// SLACK_APP_TOKEN environment variables for options not provided.
func New(opts ...Option) (*Adapter, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BotToken == "" {
		cfg.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	if cfg.AppToken == "" {
		cfg.AppToken = os.Getenv("SLACK_APP_TOKEN")
	}
	slog.Debug("Slack adapter config loaded",
		"BotToken_set", cfg.BotToken != "",
		"AppToken_set", cfg.AppToken != "")

	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("bot token and app token must be provided")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("app token must start with xapp-")
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	auth, err := api.AuthTest()
	if err != nil {
		slog.Error("Slack auth test failed", "error", err)
		return nil, fmt.Errorf("failed to authenticate with Slack: %w", err)
	}
	slog.Info("Slack adapter authenticated", "user", auth.User, "user_id", auth.UserID)

	return &Adapter{
		api:       api,
		socket:    socketmode.New(api),
		botUserID: auth.UserID,
		botName:   auth.User,
	}, nil
}

// Name identifies the platform.
func (a *Adapter) Name() string { return "slack" }

// Identity returns the bot identity from the auth test.
func (a *Adapter) Identity() models.Identity {
	return models.Identity{ID: a.botUserID, Name: a.botName}
}

// Start launches the Socket Mode connection and the event loop that feeds
// Events API messages into the engine.
func (a *Adapter) Start(ctx context.Context, ingest bot.IngestFunc) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	go a.eventLoop(runCtx, ingest)
	go func() {
		defer close(done)
		if err := a.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("Slack socket mode connection ended", "error", err)
		}
	}()
	slog.Debug("Slack adapter started")
	return nil
}

// eventLoop drains socket mode events, acknowledging each and converting
// Events API message events to canonical messages.
func (a *Adapter) eventLoop(ctx context.Context, ingest bot.IngestFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				a.socket.Ack(*evt.Request)
			}
			inner, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
			if !ok {
				continue
			}
			msg, ok := a.canonical(inner)
			if !ok {
				continue
			}
			if err := ingest(ctx, msg, nil); err != nil {
				slog.Error("Slack ingest failed", "error", err, "user", msg.User)
			}
		}
	}
}

// canonical converts a Slack message event to the canonical envelope,
// categorizing direct messages, mentions, and ambient channel chatter. The
// bot's own messages and non-user subtypes are skipped.
func (a *Adapter) canonical(evt *slackevents.MessageEvent) (models.Message, bool) {
	if evt.User == "" || evt.User == a.botUserID || evt.BotID != "" {
		return models.Message{}, false
	}
	if evt.SubType != "" {
		slog.Debug("Slack ignoring message subtype", "subtype", evt.SubType)
		return models.Message{}, false
	}

	text := evt.Text
	msgType := models.TypeAmbient
	mention := fmt.Sprintf("<@%s>", a.botUserID)
	switch {
	case strings.HasPrefix(evt.Channel, "D"):
		msgType = models.TypeDirectMessage
	case strings.Contains(text, mention):
		msgType = models.TypeDirectMention
		text = strings.TrimSpace(strings.ReplaceAll(text, mention, ""))
	}

	return models.Message{
		ID:        evt.TimeStamp,
		User:      evt.User,
		Channel:   evt.Channel,
		Type:      msgType,
		Text:      text,
		Timestamp: slackTimestamp(evt.TimeStamp),
		Raw:       evt,
	}, true
}

// slackTimestamp parses a Slack "seconds.fraction" event timestamp, falling
// back to the current time when malformed.
func slackTimestamp(ts string) time.Time {
	secs, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(n, 0)
}

// Stop shuts down the socket mode connection.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

// Send posts a message to the channel and returns the message timestamp,
// which serves as the platform message id.
func (a *Adapter) Send(ctx context.Context, msg models.Message) (string, error) {
	if msg.Channel == "" {
		return "", models.ErrEmptyChannel
	}
	_, ts, err := a.api.PostMessageContext(ctx, msg.Channel,
		slack.MsgOptionText(msg.Text, false))
	if err != nil {
		slog.Error("Slack Send failed", "channel", msg.Channel, "error", err)
		return "", fmt.Errorf("failed to post message to %s: %w", msg.Channel, err)
	}
	slog.Debug("Slack message sent", "channel", msg.Channel, "ts", ts)
	return ts, nil
}

// UpdateMessage edits a previously sent message identified by its timestamp.
func (a *Adapter) UpdateMessage(ctx context.Context, msg models.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message id required for update")
	}
	_, _, _, err := a.api.UpdateMessageContext(ctx, msg.Channel, msg.ID,
		slack.MsgOptionText(msg.Text, false))
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", msg.ID, err)
	}
	return nil
}

// DeleteMessage removes a previously sent message identified by its timestamp.
func (a *Adapter) DeleteMessage(ctx context.Context, channel, id string) error {
	if _, _, err := a.api.DeleteMessageContext(ctx, channel, id); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// ExcludedEvents keeps ambient channel chatter away from active
// conversations; only direct messages and mentions may be captured.
func (a *Adapter) ExcludedEvents() []string {
	return []string{models.TypeAmbient}
}
