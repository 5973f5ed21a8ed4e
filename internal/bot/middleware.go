package bot

import (
	"context"
	"strings"
	"time"

	"github.com/howdyai/botkit-sub002/internal/models"
)

// Middleware is one pipeline stage. A stage may modify the message in place
// and must call next to continue; declining to call next halts the remaining
// stages and drops the message from the rest of the pipeline.
type Middleware func(ctx context.Context, msg *models.Message, next func() error) error

// chain runs middlewares in registration order, ending in final.
type chain []Middleware

func (c chain) run(ctx context.Context, msg *models.Message, final func() error) error {
	var step func(i int) error
	step = func(i int) error {
		if i >= len(c) {
			return final()
		}
		// A stage that returns without calling next halts the pipeline.
		return c[i](ctx, msg, func() error {
			return step(i + 1)
		})
	}
	return step(0)
}

// MiddlewareSet groups the extensible pipeline stages. Receive and Ingest run
// on inbound messages (around the built-in normalize and categorize steps);
// Send and Format run on outbound messages; Spawn runs once per started task.
type MiddlewareSet struct {
	receive chain
	ingest  chain
	send    chain
	format  chain
	spawn   []func(task any)
}

// UseReceive appends a stage run first on every inbound message.
func (m *MiddlewareSet) UseReceive(mw Middleware) { m.receive = append(m.receive, mw) }

// UseIngest appends a stage run after normalization, before dispatch.
func (m *MiddlewareSet) UseIngest(mw Middleware) { m.ingest = append(m.ingest, mw) }

// UseSend appends a stage run first on every outbound message.
func (m *MiddlewareSet) UseSend(mw Middleware) { m.send = append(m.send, mw) }

// UseFormat appends a stage run last before the adapter's send.
func (m *MiddlewareSet) UseFormat(mw Middleware) { m.format = append(m.format, mw) }

// UseSpawn appends a callback run whenever a task is spawned.
func (m *MiddlewareSet) UseSpawn(fn func(task any)) { m.spawn = append(m.spawn, fn) }

// normalize is the built-in inbound stage: it trims text and fills in the
// timestamp when the adapter did not.
func normalize(msg *models.Message) {
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
}

// categorize is the built-in inbound stage: messages arriving without a type
// become the generic received type.
func categorize(msg *models.Message) {
	if msg.Type == "" {
		msg.Type = models.TypeMessageReceived
	}
}
