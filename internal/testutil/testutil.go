// Package testutil provides common test utilities and helpers for engine tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/howdyai/botkit-sub002/internal/bot"
	"github.com/howdyai/botkit-sub002/internal/models"
)

// LoopbackAdapter is an in-memory platform adapter for tests. It records
// every outbound send and exposes the ingest entry point so tests can inject
// inbound messages directly.
type LoopbackAdapter struct {
	mu      sync.Mutex
	ingest  bot.IngestFunc
	sent    []models.Message
	nextID  int64
	sendErr error
	exclude []string
}

// NewLoopbackAdapter creates an adapter with no excluded events.
func NewLoopbackAdapter() *LoopbackAdapter {
	return &LoopbackAdapter{}
}

// Name identifies the platform.
func (a *LoopbackAdapter) Name() string { return "loopback" }

// Identity returns a fixed test identity.
func (a *LoopbackAdapter) Identity() models.Identity {
	return models.Identity{ID: "loopback-bot", Name: "bot"}
}

// Start records the ingest entry point for Inject.
func (a *LoopbackAdapter) Start(ctx context.Context, ingest bot.IngestFunc) error {
	a.mu.Lock()
	a.ingest = ingest
	a.mu.Unlock()
	return nil
}

// Stop clears the ingest entry point.
func (a *LoopbackAdapter) Stop() error {
	a.mu.Lock()
	a.ingest = nil
	a.mu.Unlock()
	return nil
}

// Send records the outbound message and returns a synthetic id, or the
// configured send error.
func (a *LoopbackAdapter) Send(ctx context.Context, msg models.Message) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return "", a.sendErr
	}
	a.nextID++
	a.sent = append(a.sent, msg)
	return fmt.Sprintf("loopback_%d", a.nextID), nil
}

// UpdateMessage is not supported.
func (a *LoopbackAdapter) UpdateMessage(ctx context.Context, msg models.Message) error {
	return models.ErrUnsupportedOperation
}

// DeleteMessage is not supported.
func (a *LoopbackAdapter) DeleteMessage(ctx context.Context, channel, id string) error {
	return models.ErrUnsupportedOperation
}

// ExcludedEvents returns the configured exclusion list.
func (a *LoopbackAdapter) ExcludedEvents() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exclude
}

// SetExcludedEvents configures the exclusion list. Call before bot.New reads
// it.
func (a *LoopbackAdapter) SetExcludedEvents(types []string) {
	a.mu.Lock()
	a.exclude = types
	a.mu.Unlock()
}

// SetSendError makes subsequent sends fail with err; pass nil to clear.
func (a *LoopbackAdapter) SetSendError(err error) {
	a.mu.Lock()
	a.sendErr = err
	a.mu.Unlock()
}

// Inject delivers an inbound message through the recorded ingest entry point.
func (a *LoopbackAdapter) Inject(ctx context.Context, msg models.Message) error {
	a.mu.Lock()
	ingest := a.ingest
	a.mu.Unlock()
	if ingest == nil {
		return fmt.Errorf("adapter not started")
	}
	return ingest(ctx, msg, nil)
}

// Sent returns a copy of the recorded outbound messages.
func (a *LoopbackAdapter) Sent() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.Message, len(a.sent))
	copy(out, a.sent)
	return out
}

// SentTexts returns just the text of each recorded outbound message.
func (a *LoopbackAdapter) SentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	texts := make([]string, len(a.sent))
	for i, m := range a.sent {
		texts[i] = m.Text
	}
	return texts
}

// Reset clears the recorded sends.
func (a *LoopbackAdapter) Reset() {
	a.mu.Lock()
	a.sent = nil
	a.mu.Unlock()
}

// UserMessage builds an inbound direct message for tests.
func UserMessage(user, channel, text string) models.Message {
	return models.Message{
		User:      user,
		Channel:   channel,
		Type:      models.TypeDirectMessage,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// AssertTexts fails the test when the recorded send texts do not match the
// expected sequence.
func AssertTexts(t *testing.T, got, want []string, context string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %d messages %v, want %d %v", context, len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s: message %d = %q, want %q", context, i, got[i], want[i])
		}
	}
}
