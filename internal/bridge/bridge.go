// Package bridge wires piers, the inbound queue, the router and the
// dispatcher together and owns their lifecycle.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dayuer/pierbridge/internal/bus"
	"github.com/dayuer/pierbridge/internal/dispatch"
	"github.com/dayuer/pierbridge/internal/logging"
	"github.com/dayuer/pierbridge/internal/mapping"
	"github.com/dayuer/pierbridge/internal/observe"
	"github.com/dayuer/pierbridge/internal/pier"
	"github.com/dayuer/pierbridge/internal/router"
)

var (
	// ErrInvalidOptions reports a bridge that cannot be assembled.
	ErrInvalidOptions = errors.New("invalid bridge options")
	// ErrStarted is returned by a second Start.
	ErrStarted = errors.New("bridge already started")
)

// KindInvalidOptions is the startup_error kind for ErrInvalidOptions.
const KindInvalidOptions = "invalid_options"

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultShutdownGrace  = 10 * time.Second
)

// Options assembles a Bridge. Piers must have been constructed with Inbound
// as their publisher.
type Options struct {
	Inbound     *bus.Queue
	Piers       []pier.Pier
	Credentials map[string]pier.Credentials
	Routes      []mapping.Route
	Sink        observe.Sink

	OutboundBuffer int
	IdleTimeout    time.Duration
	SendTimeout    time.Duration
	Retry          dispatch.RetryPolicy
	ConnectTimeout time.Duration
	ShutdownGrace  time.Duration
	// AllowDegraded keeps the bridge running when some piers fail to
	// connect. Deliveries to those piers fail with pier_unavailable.
	AllowDegraded bool

	Log zerolog.Logger
}

// Bridge is a running relay.
type Bridge struct {
	opts       Options
	registry   *pier.Registry
	router     *router.Router
	dispatcher *dispatch.Manager
	log        zerolog.Logger

	mu   sync.RWMutex
	live map[string]bool

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	cancel    context.CancelFunc
	routerErr chan error
	stopErr   error
}

// Stats is a snapshot of the running bridge.
type Stats struct {
	Connected []string
	Router    router.Stats
	Dispatch  dispatch.Stats
}

// New validates opts and assembles the bridge without touching the network.
// Mapping problems are *mapping.ConfigError; every failure is also reported
// to the sink as a startup_error event.
func New(opts Options) (*Bridge, error) {
	if opts.Sink == nil {
		opts.Sink = observe.Nop
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}

	b, err := assemble(opts)
	if err != nil {
		kind := KindInvalidOptions
		var cfgErr *mapping.ConfigError
		if errors.As(err, &cfgErr) {
			kind = string(cfgErr.Kind)
		}
		opts.Sink.OnEvent(observe.Stamp(observe.Event{
			Type:      observe.StartupError,
			ErrorKind: kind,
			Final:     true,
			Err:       err,
		}))
		return nil, err
	}
	return b, nil
}

func assemble(opts Options) (*Bridge, error) {
	if opts.Inbound == nil {
		return nil, fmt.Errorf("%w: no inbound queue", ErrInvalidOptions)
	}
	if len(opts.Piers) == 0 {
		return nil, fmt.Errorf("%w: no piers", ErrInvalidOptions)
	}

	registry := pier.NewRegistry(logging.Component(opts.Log, "registry"))
	for _, p := range opts.Piers {
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
	}

	m, err := mapping.New(opts.Routes)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		opts:     opts,
		registry: registry,
		log:      logging.Component(opts.Log, "bridge"),
		live:     make(map[string]bool),
	}
	b.dispatcher = dispatch.NewManager(dispatch.Config{
		Resolver:    b,
		Sink:        opts.Sink,
		QueueSize:   opts.OutboundBuffer,
		IdleTimeout: opts.IdleTimeout,
		SendTimeout: opts.SendTimeout,
		Retry:       opts.Retry,
		Log:         logging.Component(opts.Log, "dispatch"),
	})
	b.router, err = router.New(m, registry, b.dispatcher, logging.Component(opts.Log, "router"),
		router.WithSink(opts.Sink))
	if err != nil {
		_ = b.dispatcher.Close(0)
		return nil, err
	}
	return b, nil
}

// Get resolves a connected pier for the dispatcher. Piers that failed to
// connect are not returned.
func (b *Bridge) Get(id string) (pier.Pier, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.live[id] {
		return nil, false
	}
	return b.registry.Get(id)
}

// Start connects every pier and begins relaying. Unless AllowDegraded is
// set, any connection failure shuts down the piers that did connect and
// fails startup.
func (b *Bridge) Start(ctx context.Context) error {
	err := ErrStarted
	b.startOnce.Do(func() {
		err = b.start(ctx)
	})
	return err
}

func (b *Bridge) start(ctx context.Context) error {
	b.log.Info().Strs("piers", b.registry.IDs()).Msg("Starting bridge")

	failures := b.registry.ConnectAll(ctx, b.opts.Credentials, b.opts.ConnectTimeout)
	var connected []string
	for _, id := range b.registry.IDs() {
		if _, failed := failures[id]; !failed {
			connected = append(connected, id)
		}
	}
	for _, id := range sortedKeys(failures) {
		err := failures[id]
		kind := KindInvalidOptions
		var connErr *pier.ConnectionError
		if errors.As(err, &connErr) {
			kind = string(connErr.Kind)
		}
		b.opts.Sink.OnEvent(observe.Stamp(observe.Event{
			Type:      observe.StartupError,
			Pier:      id,
			ErrorKind: kind,
			Final:     !b.opts.AllowDegraded,
			Err:       err,
		}))
	}

	if len(failures) > 0 && (!b.opts.AllowDegraded || len(connected) == 0) {
		b.registry.Subset(connected).ShutdownAll(b.opts.ShutdownGrace)
		_ = b.dispatcher.Close(0)
		errs := make([]error, 0, len(failures))
		for _, id := range sortedKeys(failures) {
			errs = append(errs, failures[id])
		}
		return fmt.Errorf("connect piers: %w", errors.Join(errs...))
	}
	if len(failures) > 0 {
		b.log.Warn().Strs("connected", connected).Int("failed", len(failures)).Msg("Running degraded")
	}

	b.mu.Lock()
	for _, id := range connected {
		b.live[id] = true
	}
	b.started = true
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.routerErr = make(chan error, 1)
	go func() {
		b.routerErr <- b.router.Run(runCtx, b.opts.Inbound)
	}()

	b.log.Info().Strs("connected", connected).Msg("Bridge started")
	return nil
}

// Stop stops accepting inbound messages, lets the router finish what is
// queued, drains the dispatcher and shuts every pier down, all within one
// shutdown grace. Messages that could not be delivered in time are reported
// as relay_failure events of kind shutdown, and Stop returns
// dispatch.ErrDrainTimeout.
func (b *Bridge) Stop() error {
	b.stopOnce.Do(func() {
		b.stopErr = b.stop()
	})
	return b.stopErr
}

func (b *Bridge) stop() error {
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if !started {
		b.opts.Inbound.Close()
		return nil
	}

	b.log.Info().Msg("Stopping bridge")
	grace := b.opts.ShutdownGrace
	deadline := time.Now().Add(grace)

	b.opts.Inbound.Close()
	select {
	case err := <-b.routerErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			b.log.Warn().Err(err).Msg("Router stopped with error")
		}
	case <-time.After(grace):
		b.log.Warn().Msg("Router did not finish within grace, cancelling")
		b.cancel()
		<-b.routerErr
	}
	b.cancel()

	err := b.dispatcher.Close(max(time.Until(deadline), 0))
	if b.router.Stats().Dropped > 0 {
		err = dispatch.ErrDrainTimeout
	}
	b.registry.ShutdownAll(max(time.Until(deadline), 0))

	s := b.Stats()
	b.log.Info().
		Uint64("routed", s.Router.Routed).
		Uint64("submitted", s.Router.Submitted).
		Uint64("unmapped", s.Router.Unmapped).
		Uint64("dropped", s.Router.Dropped).
		Msg("Bridge stopped")
	return err
}

// Stats reports connected piers and pipeline counters.
func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	connected := sortedKeys(b.live)
	b.mu.RUnlock()
	return Stats{
		Connected: connected,
		Router:    b.router.Stats(),
		Dispatch:  b.dispatcher.Stats(),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
