// Package dispatch delivers relayed text to destination piers.
//
// Each (pier, channel) destination gets its own lane: a bounded queue served
// by one worker goroutine, so deliveries to one destination keep their
// submission order while a slow or failing destination never delays another.
// Lanes are created on first use and exit after IdleTimeout without work.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dayuer/pierbridge/internal/observe"
	"github.com/dayuer/pierbridge/internal/pier"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatch: manager closed")

// ErrDrainTimeout is returned by Close when lanes did not drain within the
// grace period and queued deliveries were dropped.
var ErrDrainTimeout = errors.New("dispatch: drain grace period exceeded")

const (
	DefaultQueueSize   = 64
	DefaultIdleTimeout = 5 * time.Minute
	DefaultSendTimeout = 10 * time.Second

	abortWait = 2 * time.Second
)

// Delivery is one formatted message bound for one destination.
type Delivery struct {
	Pier      string
	Channel   string
	Text      string
	MessageID string
	// Captured is when the originating message was captured, for latency.
	Captured time.Time
}

// Resolver looks up a connected pier by id. *pier.Registry satisfies it.
type Resolver interface {
	Get(id string) (pier.Pier, bool)
}

// Config configures a Manager.
type Config struct {
	Resolver    Resolver
	Sink        observe.Sink
	QueueSize   int           // Per-lane queue capacity (default 64)
	IdleTimeout time.Duration // Lane worker idle exit (default 5m)
	SendTimeout time.Duration // Per-attempt send timeout (default 10s)
	Retry       RetryPolicy
	Log         zerolog.Logger
}

type laneKey struct {
	pier    string
	channel string
}

type lane struct {
	key   laneKey
	queue chan Delivery
	wake  chan struct{}
	// pending counts deliveries submitted but not yet finished, including
	// submitters still blocked on a full queue. Guarded by Manager.mu.
	pending int
}

// Manager owns the destination lanes.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	lanes    map[laneKey]*lane
	closed   bool
	draining chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats is a snapshot of the manager.
type Stats struct {
	Lanes  int
	Queued int
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Sink == nil {
		cfg.Sink = observe.Nop
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	cfg.Retry = cfg.Retry.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		lanes:    make(map[laneKey]*lane),
		draining: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit enqueues d on its destination lane. It does not wait for delivery;
// it blocks only while that lane's queue is full.
func (m *Manager) Submit(ctx context.Context, d Delivery) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	l := m.laneLocked(laneKey{pier: d.Pier, channel: d.Channel})
	l.pending++
	m.mu.Unlock()

	select {
	case l.queue <- d:
		return nil
	default:
	}

	m.cfg.Log.Debug().Str("pier", d.Pier).Str("channel", d.Channel).Msg("Lane full, waiting")
	select {
	case l.queue <- d:
		return nil
	case <-ctx.Done():
		m.release(l)
		return ctx.Err()
	}
}

// laneLocked returns the lane for key, starting its worker if needed.
func (m *Manager) laneLocked(key laneKey) *lane {
	if l, ok := m.lanes[key]; ok {
		return l
	}
	l := &lane{
		key:   key,
		queue: make(chan Delivery, m.cfg.QueueSize),
		wake:  make(chan struct{}, 1),
	}
	m.lanes[key] = l
	m.wg.Add(1)
	go m.run(l)
	return l
}

// release marks one pending delivery finished and wakes the worker so it can
// re-check whether to retire.
func (m *Manager) release(l *lane) {
	m.mu.Lock()
	l.pending--
	m.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// retire removes l when nothing is pending. It reports whether the worker
// should exit.
func (m *Manager) retire(l *lane) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.pending > 0 {
		return false
	}
	if m.lanes[l.key] == l {
		delete(m.lanes, l.key)
	}
	return true
}

func (m *Manager) run(l *lane) {
	defer m.wg.Done()
	log := m.cfg.Log.With().Str("pier", l.key.pier).Str("channel", l.key.channel).Logger()
	log.Debug().Msg("Lane started")
	defer log.Debug().Msg("Lane stopped")

	idle := time.NewTimer(m.cfg.IdleTimeout)
	defer idle.Stop()
	draining := m.draining
	stopping := false

	for {
		select {
		case d := <-l.queue:
			if m.ctx.Err() != nil {
				m.drop(d, 0)
			} else {
				m.deliver(d)
			}
			m.release(l)
			if stopping && m.retire(l) {
				return
			}
			resetTimer(idle, m.cfg.IdleTimeout)
		case <-l.wake:
			if stopping && m.retire(l) {
				return
			}
		case <-idle.C:
			if m.retire(l) {
				return
			}
			idle.Reset(m.cfg.IdleTimeout)
		case <-draining:
			draining = nil
			stopping = true
			if m.retire(l) {
				return
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// deliver attempts d until it succeeds, fails permanently, exhausts the retry
// policy, or the manager aborts.
func (m *Manager) deliver(d Delivery) {
	p, ok := m.cfg.Resolver.Get(d.Pier)
	if !ok {
		m.emit(observe.Event{
			Type:      observe.RelayFailure,
			Pier:      d.Pier,
			Channel:   d.Channel,
			MessageID: d.MessageID,
			ErrorKind: observe.KindPierUnavailable,
			Attempt:   1,
			Final:     true,
		})
		return
	}

	policy := m.cfg.Retry
	for attempt := 1; ; attempt++ {
		err := m.send(p, d)
		if err == nil {
			latency := time.Duration(0)
			if !d.Captured.IsZero() {
				latency = time.Since(d.Captured)
			}
			m.emit(observe.Event{
				Type:      observe.RelaySuccess,
				Pier:      d.Pier,
				Channel:   d.Channel,
				MessageID: d.MessageID,
				Latency:   latency,
				Attempt:   attempt,
			})
			return
		}
		if m.ctx.Err() != nil {
			m.drop(d, attempt)
			return
		}

		kind := pier.SendErrorKindOf(err)
		final := !kind.Retryable() || attempt >= policy.MaxAttempts
		m.emit(observe.Event{
			Type:      observe.RelayFailure,
			Pier:      d.Pier,
			Channel:   d.Channel,
			MessageID: d.MessageID,
			ErrorKind: string(kind),
			Attempt:   attempt,
			Final:     final,
			Err:       err,
		})
		if final {
			return
		}

		wait := policy.Backoff(attempt, pier.RetryAfterOf(err))
		select {
		case <-time.After(wait):
		case <-m.ctx.Done():
			m.drop(d, attempt)
			return
		}
	}
}

func (m *Manager) send(p pier.Pier, d Delivery) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.SendTimeout)
	defer cancel()
	return p.SendMessage(ctx, d.Channel, d.Text)
}

// drop reports d as abandoned at shutdown.
func (m *Manager) drop(d Delivery, attempts int) {
	m.emit(observe.Event{
		Type:      observe.RelayFailure,
		Pier:      d.Pier,
		Channel:   d.Channel,
		MessageID: d.MessageID,
		ErrorKind: observe.KindShutdown,
		Attempt:   attempts,
		Final:     true,
		Err:       ErrClosed,
	})
}

func (m *Manager) emit(e observe.Event) {
	m.cfg.Sink.OnEvent(observe.Stamp(e))
}

// Close stops accepting deliveries and waits up to grace for every lane to
// finish its queue. Work still in flight after grace is cancelled and every
// delivery left is reported dropped.
func (m *Manager) Close(grace time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.draining)
	m.mu.Unlock()

	if wait(&m.wg, grace) {
		m.cancel()
		return nil
	}

	m.cfg.Log.Warn().Dur("grace", grace).Msg("Drain grace exceeded, dropping queued deliveries")
	m.cancel()
	if !wait(&m.wg, abortWait) {
		m.cfg.Log.Error().Msg("Lane workers did not stop after abort")
	}
	return ErrDrainTimeout
}

func wait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stats returns the number of live lanes and deliveries not yet finished.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Lanes: len(m.lanes)}
	for _, l := range m.lanes {
		s.Queued += l.pending
	}
	return s
}
