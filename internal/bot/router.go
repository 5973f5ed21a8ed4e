package bot

import (
	"context"
	"log/slog"
	"strings"

	"github.com/howdyai/botkit-sub002/internal/models"
	"github.com/howdyai/botkit-sub002/internal/pattern"
)

// RouteHandler is a top-level handler run when a route matches an inbound
// message not claimed by an active conversation.
type RouteHandler func(ctx context.Context, ctl *Controller, msg models.Message) error

type route struct {
	patterns []pattern.Spec
	types    map[string]struct{}
	mws      chain
	handler  RouteHandler
}

func (r *route) matchesType(t string) bool {
	if len(r.types) == 0 {
		return true
	}
	_, ok := r.types[t]
	return ok
}

// router holds the ordered route list. Routes are tried in registration
// order; the first route whose type filter and pattern set both match wins.
type router struct {
	routes []*route
}

func (r *router) add(specs []pattern.Spec, types string, handler RouteHandler, mws []Middleware) {
	rt := &route{patterns: specs, handler: handler, mws: mws}
	for _, t := range strings.Split(types, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if rt.types == nil {
			rt.types = make(map[string]struct{})
		}
		rt.types[t] = struct{}{}
	}
	r.routes = append(r.routes, rt)
}

// dispatch finds and runs the first matching route. It reports whether any
// route claimed the message.
func (r *router) dispatch(ctx context.Context, ctl *Controller, msg models.Message) (bool, error) {
	for _, rt := range r.routes {
		if !rt.matchesType(msg.Type) {
			continue
		}
		idx := pattern.FirstMatch(rt.patterns, msg)
		if idx < 0 {
			continue
		}
		slog.Debug("Router route matched", "pattern", rt.patterns[idx].String(), "type", msg.Type, "user", msg.User)
		ctl.events.Trigger(models.EventHeard, msg)
		local := msg
		err := rt.mws.run(ctx, &local, func() error {
			return rt.handler(ctx, ctl, local)
		})
		return true, err
	}
	return false, nil
}
