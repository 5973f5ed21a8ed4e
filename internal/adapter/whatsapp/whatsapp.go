// Package whatsapp provides the WhatsApp adapter on top of the Whatsmeow
// client: device-store login with a QR or numeric code, event-handler ingest,
// and text sends.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waEvents "go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/howdyai/botkit-sub002/internal/bot"
	"github.com/howdyai/botkit-sub002/internal/models"
	"github.com/howdyai/botkit-sub002/internal/storage"
)

// Constants for WhatsApp adapter configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/botkit/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Opts holds configuration options for the WhatsApp adapter.
type Opts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write the login QR code
	NumericCode bool   // use a numeric login code instead of a QR code
}

// Option defines a configuration option for the WhatsApp adapter.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow session database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to the specified path instead of
// stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode uses a numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Adapter wraps the Whatsmeow client as a platform adapter.
type Adapter struct {
	client    *whatsmeow.Client
	handlerID uint32
}

// New creates a WhatsApp adapter, performing the device login flow if the
// session database holds no device yet.
func New(opts ...Option) (*Adapter, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp adapter options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	var dbDriver string
	if storage.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled; "+
				"whatsmeow strongly recommends enabling them",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp session store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp session store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get device from session store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp session store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if client.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := client.GetQRChannel(context.Background())
		if err := client.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := client.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp adapter connected")
	return &Adapter{client: client}, nil
}

// Name identifies the platform.
func (a *Adapter) Name() string { return "whatsapp" }

// Identity returns the bot identity, keyed by the logged-in device's number.
func (a *Adapter) Identity() models.Identity {
	if a.client != nil && a.client.Store != nil && a.client.Store.ID != nil {
		return models.Identity{ID: a.client.Store.ID.User, Name: a.client.Store.PushName}
	}
	return models.Identity{ID: "whatsapp-bot", Name: "bot"}
}

// Start registers the event handler that feeds incoming text messages into
// the engine as direct messages.
func (a *Adapter) Start(ctx context.Context, ingest bot.IngestFunc) error {
	a.handlerID = a.client.AddEventHandler(func(evt interface{}) {
		msgEvt, ok := evt.(*waEvents.Message)
		if !ok {
			return
		}
		msg, ok := a.canonical(msgEvt)
		if !ok {
			return
		}
		if err := ingest(ctx, msg, nil); err != nil {
			slog.Error("WhatsApp ingest failed", "error", err, "user", msg.User)
		}
	})
	slog.Debug("WhatsApp adapter event handler registered")
	return nil
}

// canonical converts a whatsmeow message event to the canonical envelope,
// skipping non-text and self-sent messages.
func (a *Adapter) canonical(evt *waEvents.Message) (models.Message, bool) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return models.Message{}, false
	}
	var text string
	if evt.Message.Conversation != nil {
		text = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		text = *evt.Message.ExtendedTextMessage.Text
	} else {
		slog.Debug("WhatsApp ignoring non-text message", "from", evt.Info.Sender.String())
		return models.Message{}, false
	}

	msgType := models.TypeDirectMessage
	if evt.Info.IsGroup {
		msgType = models.TypeAmbient
	}
	return models.Message{
		ID:        evt.Info.ID,
		User:      evt.Info.Sender.User,
		Channel:   evt.Info.Chat.User,
		Type:      msgType,
		Text:      text,
		Timestamp: evt.Info.Timestamp,
		Raw:       evt,
	}, true
}

// Stop unregisters the event handler and disconnects.
func (a *Adapter) Stop() error {
	if a.client != nil {
		a.client.RemoveEventHandler(a.handlerID)
		a.client.Disconnect()
	}
	return nil
}

// Send delivers a text message to the channel's JID and returns the platform
// message id.
func (a *Adapter) Send(ctx context.Context, msg models.Message) (string, error) {
	if a.client == nil || a.client.Store == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if msg.Channel == "" {
		return "", models.ErrEmptyChannel
	}
	if msg.Text == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(msg.Channel, JIDSuffix)
	resp, err := a.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: &msg.Text})
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", msg.Channel)
		return "", fmt.Errorf("failed to send message to %s: %w", msg.Channel, err)
	}
	slog.Debug("WhatsApp message sent", "to", msg.Channel, "id", resp.ID)
	return string(resp.ID), nil
}

// UpdateMessage is not supported; WhatsApp edits are not exposed here.
func (a *Adapter) UpdateMessage(ctx context.Context, msg models.Message) error {
	return models.ErrUnsupportedOperation
}

// DeleteMessage revokes a previously sent message.
func (a *Adapter) DeleteMessage(ctx context.Context, channel, id string) error {
	if a.client == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	jid := types.NewJID(channel, JIDSuffix)
	_, err := a.client.SendMessage(ctx, jid, a.client.BuildRevoke(jid, types.EmptyJID, types.MessageID(id)))
	if err != nil {
		return fmt.Errorf("failed to revoke message %s: %w", id, err)
	}
	return nil
}

// ExcludedEvents excludes nothing.
func (a *Adapter) ExcludedEvents() []string { return nil }
