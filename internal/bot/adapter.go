// Package bot implements the engine controller: the middleware pipeline the
// canonical messages flow through, the pattern router, conversation dispatch,
// and the adapter boundary.
package bot

import (
	"context"

	"github.com/howdyai/botkit-sub002/internal/models"
)

// ReplyFunc is the synchronous reply channel some platforms require (e.g. a
// webhook response body). It is nil when the platform has none; the engine
// never depends on it.
type ReplyFunc func(ctx context.Context, msg models.Message) error

// IngestFunc is the entry point an adapter invokes on receipt of a platform
// event, after translating it to a canonical message.
type IngestFunc func(ctx context.Context, msg models.Message, reply ReplyFunc) error

type replyContextKey struct{}

// withReply records an adapter-provided synchronous reply channel in the
// context for the duration of one ingest.
func withReply(ctx context.Context, reply ReplyFunc) context.Context {
	if reply == nil {
		return ctx
	}
	return context.WithValue(ctx, replyContextKey{}, reply)
}

// ReplyFromContext returns the synchronous reply channel for the inbound
// message being handled, when the platform provides one. Route handlers use
// it for protocols that expect the answer in the webhook response body.
func ReplyFromContext(ctx context.Context) (ReplyFunc, bool) {
	reply, ok := ctx.Value(replyContextKey{}).(ReplyFunc)
	return reply, ok
}

// Adapter is the boundary to one chat platform. Implementations translate
// between the platform wire format and canonical messages and perform the
// actual network calls.
type Adapter interface {
	// Name identifies the platform for logs and event payloads.
	Name() string
	// Identity returns the bot account the adapter is connected as.
	Identity() models.Identity
	// Start begins receiving platform events, delivering each one through
	// ingest. It returns once receiving is underway.
	Start(ctx context.Context, ingest IngestFunc) error
	// Stop halts receiving and releases platform resources.
	Stop() error
	// Send delivers an outbound message and returns the platform message id
	// for later update or delete calls.
	Send(ctx context.Context, msg models.Message) (string, error)
	// UpdateMessage edits a previously sent message. Platforms that cannot
	// update report models.ErrUnsupportedOperation.
	UpdateMessage(ctx context.Context, msg models.Message) error
	// DeleteMessage removes a previously sent message. Platforms that cannot
	// delete report models.ErrUnsupportedOperation.
	DeleteMessage(ctx context.Context, channel, id string) error
	// ExcludedEvents lists canonical message types that must never be
	// claimed by an active conversation (they always reach the router).
	ExcludedEvents() []string
}
