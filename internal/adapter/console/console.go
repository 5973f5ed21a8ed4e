// Package console provides a terminal adapter for local development: lines
// read from stdin become direct messages and outbound sends print to stdout.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/howdyai/botkit-sub002/internal/bot"
	"github.com/howdyai/botkit-sub002/internal/models"
)

// Constants for the console identity.
const (
	// DefaultUser is the identity attributed to typed input.
	DefaultUser = "user"
	// DefaultChannel is the single console channel.
	DefaultChannel = "console"
)

// Adapter reads canonical messages from an io.Reader and writes outbound
// sends to an io.Writer.
type Adapter struct {
	in  io.Reader
	out io.Writer

	mu     sync.Mutex
	nextID int64
	done   chan struct{}
}

// New creates a console adapter on stdin/stdout.
func New() *Adapter {
	return NewWithIO(os.Stdin, os.Stdout)
}

// NewWithIO creates a console adapter on the given streams.
func NewWithIO(in io.Reader, out io.Writer) *Adapter {
	return &Adapter{in: in, out: out, done: make(chan struct{})}
}

// Name identifies the platform.
func (a *Adapter) Name() string { return "console" }

// Identity returns the local bot identity.
func (a *Adapter) Identity() models.Identity {
	return models.Identity{ID: "console-bot", Name: "bot"}
}

// Start launches the read loop. Each line becomes a direct message from the
// console user.
func (a *Adapter) Start(ctx context.Context, ingest bot.IngestFunc) error {
	go func() {
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			select {
			case <-a.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			line := scanner.Text()
			if line == "" {
				continue
			}
			msg := models.Message{
				User:      DefaultUser,
				Channel:   DefaultChannel,
				Type:      models.TypeDirectMessage,
				Text:      line,
				Timestamp: time.Now(),
			}
			if err := ingest(ctx, msg, nil); err != nil {
				slog.Error("Console ingest failed", "error", err)
			}
		}
	}()
	slog.Debug("Console adapter started")
	return nil
}

// Stop halts the read loop.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	return nil
}

// Send prints the outbound message and returns a synthetic id.
func (a *Adapter) Send(ctx context.Context, msg models.Message) (string, error) {
	a.mu.Lock()
	a.nextID++
	id := fmt.Sprintf("console_%d", a.nextID)
	a.mu.Unlock()

	if _, err := fmt.Fprintf(a.out, "bot> %s\n", msg.Text); err != nil {
		return "", fmt.Errorf("failed to write to console: %w", err)
	}
	return id, nil
}

// UpdateMessage is not supported on a terminal.
func (a *Adapter) UpdateMessage(ctx context.Context, msg models.Message) error {
	return models.ErrUnsupportedOperation
}

// DeleteMessage is not supported on a terminal.
func (a *Adapter) DeleteMessage(ctx context.Context, channel, id string) error {
	return models.ErrUnsupportedOperation
}

// ExcludedEvents excludes nothing; every console line may reach an active
// conversation.
func (a *Adapter) ExcludedEvents() []string { return nil }
