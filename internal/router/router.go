// Package router turns inbound messages into deliveries: it looks up every
// counterpart of the message's origin, formats the relayed text, fits it to
// the destination network and hands it to the dispatcher.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/dayuer/pierbridge/internal/bus"
	"github.com/dayuer/pierbridge/internal/dispatch"
	"github.com/dayuer/pierbridge/internal/mapping"
	"github.com/dayuer/pierbridge/internal/observe"
	"github.com/dayuer/pierbridge/internal/pier"
)

// TruncationMarker is appended to text cut to a destination's length limit.
const TruncationMarker = "..."

// Resolver looks up registered piers. *pier.Registry satisfies it.
type Resolver interface {
	Get(id string) (pier.Pier, bool)
}

// Submitter accepts deliveries. *dispatch.Manager satisfies it.
type Submitter interface {
	Submit(ctx context.Context, d dispatch.Delivery) error
}

// Router is the single consumer of the inbound queue.
type Router struct {
	mapping *mapping.Mapping
	limits  map[string]int
	out     Submitter
	sink    observe.Sink
	log     zerolog.Logger

	routed    atomic.Uint64
	unmapped  atomic.Uint64
	submitted atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Router.
type Option func(*Router)

// WithSink reports deliveries that never reached the dispatcher as final
// relay_failure events of kind shutdown.
func WithSink(s observe.Sink) Option {
	return func(r *Router) {
		if s != nil {
			r.sink = s
		}
	}
}

// Stats counts routing decisions.
type Stats struct {
	Routed    uint64
	Unmapped  uint64
	Submitted uint64
	Dropped   uint64
}

// New validates m against the registered piers and builds a Router.
// A mapping with a cycle beyond a bidirectional pair fails with CyclicMapping;
// a route naming an unregistered pier fails with InvalidMapping.
func New(m *mapping.Mapping, piers Resolver, out Submitter, log zerolog.Logger, opts ...Option) (*Router, error) {
	if m == nil {
		return nil, &mapping.ConfigError{Kind: mapping.InvalidMapping, Detail: "no mapping"}
	}
	if err := m.CheckAcyclic(); err != nil {
		return nil, err
	}

	limits := make(map[string]int)
	for _, id := range m.Piers() {
		p, ok := piers.Get(id)
		if !ok {
			return nil, &mapping.ConfigError{
				Kind:   mapping.InvalidMapping,
				Detail: fmt.Sprintf("route references unknown pier %q", id),
			}
		}
		if l, ok := p.(pier.Limiter); ok && l.MaxMessageLength() > 0 {
			limits[id] = l.MaxMessageLength()
		}
	}

	r := &Router{
		mapping: m,
		limits:  limits,
		out:     out,
		sink:    observe.Nop,
		log:     log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run consumes q in arrival order until ctx ends or q is closed. Messages
// already buffered when q closes are still routed; messages left when ctx
// ends are reported dropped.
func (r *Router) Run(ctx context.Context, q *bus.Queue) error {
	r.log.Info().Int("routes", r.mapping.Len()).Msg("Router started")
	defer r.log.Info().Msg("Router stopped")

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case msg := <-q.Messages():
					r.abandon(msg, ctx.Err())
				default:
					return ctx.Err()
				}
			}
		case msg := <-q.Messages():
			r.handle(ctx, msg)
		case <-q.Done():
			for {
				select {
				case msg := <-q.Messages():
					r.handle(ctx, msg)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Router) handle(ctx context.Context, msg bus.Message) {
	if err := r.Route(ctx, msg); err != nil {
		r.log.Warn().Err(err).Str("message_id", msg.ID).Str("origin", msg.Origin()).Msg("Routing failed")
	}
}

// Route submits msg to every mapped counterpart of its origin, skipping the
// origin itself.
func (r *Router) Route(ctx context.Context, msg bus.Message) error {
	r.routed.Add(1)
	targets := r.mapping.DestinationsFor(msg.SourcePier, msg.SourceChannel)
	if len(targets) == 0 {
		r.unmapped.Add(1)
		r.log.Debug().Str("origin", msg.Origin()).Msg("No mapping for channel")
		return nil
	}

	text := Format(msg)
	var errs []error
	for _, t := range targets {
		if t.Pier == msg.SourcePier && t.Channel == msg.SourceChannel {
			continue
		}
		err := r.out.Submit(ctx, dispatch.Delivery{
			Pier:      t.Pier,
			Channel:   t.Channel,
			Text:      Truncate(text, r.limits[t.Pier]),
			MessageID: msg.ID,
			Captured:  msg.Timestamp,
		})
		if err != nil {
			r.drop(t, msg, err)
			errs = append(errs, fmt.Errorf("submit to %s: %w", t, err))
			continue
		}
		r.submitted.Add(1)
	}

	r.log.Debug().
		Str("message_id", msg.ID).
		Str("origin", msg.Origin()).
		Int("targets", len(targets)).
		Dur("latency", msg.Latency()).
		Msg("Message routed")
	return errors.Join(errs...)
}

// abandon reports every delivery msg would have produced as dropped.
func (r *Router) abandon(msg bus.Message, err error) {
	r.routed.Add(1)
	for _, t := range r.mapping.DestinationsFor(msg.SourcePier, msg.SourceChannel) {
		if t.Pier == msg.SourcePier && t.Channel == msg.SourceChannel {
			continue
		}
		r.drop(t, msg, err)
	}
}

func (r *Router) drop(t mapping.Endpoint, msg bus.Message, err error) {
	r.dropped.Add(1)
	r.sink.OnEvent(observe.Stamp(observe.Event{
		Type:      observe.RelayFailure,
		Pier:      t.Pier,
		Channel:   t.Channel,
		MessageID: msg.ID,
		ErrorKind: observe.KindShutdown,
		Final:     true,
		Err:       err,
	}))
}

// Stats returns the routing counters.
func (r *Router) Stats() Stats {
	return Stats{
		Routed:    r.routed.Load(),
		Unmapped:  r.unmapped.Load(),
		Submitted: r.submitted.Load(),
		Dropped:   r.dropped.Load(),
	}
}

// Format renders msg as relayed text.
func Format(msg bus.Message) string {
	return "<" + msg.Sender + "> " + msg.Contents
}

// Truncate cuts text to at most limit bytes, ending with TruncationMarker,
// without splitting a UTF-8 sequence. A non-positive limit means unlimited.
func Truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	if limit <= len(TruncationMarker) {
		return TruncationMarker[:limit]
	}
	cut := limit - len(TruncationMarker)
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + TruncationMarker
}
