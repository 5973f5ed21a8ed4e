// Package twiliosms provides the Twilio SMS adapter: outbound sends via the
// Twilio REST API and inbound delivery through the messaging webhook.
package twiliosms

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/howdyai/botkit-sub002/internal/bot"
	"github.com/howdyai/botkit-sub002/internal/models"
)

// phoneNumberRegex strips everything but digits when canonicalizing numbers.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Opts holds configuration options for the Twilio SMS adapter.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// Option defines a configuration option for the Twilio SMS adapter.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending phone number.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// Adapter wraps the Twilio REST API as a platform adapter. Inbound messages
// arrive via the HTTP webhook handler; there is no live connection to start.
type Adapter struct {
	client *twilio.RestClient
	from   string

	mu     sync.RWMutex
	ingest bot.IngestFunc
}

// New creates a Twilio SMS adapter, falling back to the TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment variables for options
// not provided.
func New(opts ...Option) (*Adapter, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio adapter config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Adapter{client: client, from: cfg.From}, nil
}

// Name identifies the platform.
func (a *Adapter) Name() string { return "twilio-sms" }

// Identity returns the bot identity, keyed by the sending number.
func (a *Adapter) Identity() models.Identity {
	return models.Identity{ID: canonicalizeNumber(a.from), Name: a.from}
}

// Start records the ingest entry point. Twilio is webhook-driven, so there is
// no receive loop to launch; mount WebhookHandler on an HTTP server instead.
func (a *Adapter) Start(ctx context.Context, ingest bot.IngestFunc) error {
	a.mu.Lock()
	a.ingest = ingest
	a.mu.Unlock()
	slog.Debug("Twilio adapter started")
	return nil
}

// Stop clears the ingest entry point.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	a.ingest = nil
	a.mu.Unlock()
	return nil
}

// Send delivers an SMS via the Twilio REST API and returns the message SID.
func (a *Adapter) Send(ctx context.Context, msg models.Message) (string, error) {
	to, err := validateNumber(msg.Channel)
	if err != nil {
		return "", err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("+" + to)
	params.SetFrom(a.from)
	params.SetBody(msg.Text)

	resp, err := a.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio Send failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	var sid string
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return sid, nil
}

// UpdateMessage is not supported: sent SMS cannot be edited.
func (a *Adapter) UpdateMessage(ctx context.Context, msg models.Message) error {
	return models.ErrUnsupportedOperation
}

// DeleteMessage is not supported: sent SMS cannot be recalled.
func (a *Adapter) DeleteMessage(ctx context.Context, channel, id string) error {
	return models.ErrUnsupportedOperation
}

// ExcludedEvents excludes nothing.
func (a *Adapter) ExcludedEvents() []string { return nil }

// WebhookHandler returns the HTTP handler for Twilio's messaging webhook.
// Each POST becomes a direct message from the sender's canonicalized number,
// which serves as both user and channel for SMS. A conversation answer
// produced synchronously is returned as the TwiML response body.
func (a *Adapter) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			slog.Error("Twilio webhook form parse failed", "error", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		from, err := validateNumber(r.PostFormValue("From"))
		if err != nil {
			slog.Error("Twilio webhook invalid sender", "error", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body := r.PostFormValue("Body")
		sid := r.PostFormValue("MessageSid")

		a.mu.RLock()
		ingest := a.ingest
		a.mu.RUnlock()
		if ingest == nil {
			slog.Warn("Twilio webhook received before adapter start", "from", from)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		msg := models.Message{
			ID:        sid,
			User:      from,
			Channel:   from,
			Type:      models.TypeDirectMessage,
			Text:      body,
			Timestamp: time.Now(),
			Raw:       r.PostForm,
		}
		replied := false
		reply := func(ctx context.Context, out models.Message) error {
			replied = true
			w.Header().Set("Content-Type", "text/xml")
			_, werr := fmt.Fprintf(w, "<Response><Message>%s</Message></Response>", xmlEscape(out.Text))
			return werr
		}
		if err := ingest(r.Context(), msg, reply); err != nil {
			slog.Error("Twilio webhook ingest failed", "error", err, "from", from)
			if !replied {
				w.WriteHeader(http.StatusInternalServerError)
			}
			return
		}
		if !replied {
			// An empty TwiML response acknowledges messages answered
			// asynchronously through Send.
			w.Header().Set("Content-Type", "text/xml")
			fmt.Fprint(w, "<Response></Response>")
		}
	})
}

var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

func xmlEscape(s string) string {
	return xmlReplacer.Replace(s)
}

// canonicalizeNumber removes all non-numeric characters.
func canonicalizeNumber(number string) string {
	return phoneNumberRegex.ReplaceAllString(number, "")
}

// validateNumber canonicalizes a phone number and validates it has at least
// 6 digits.
func validateNumber(number string) (string, error) {
	canonical := canonicalizeNumber(number)
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", number)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}
