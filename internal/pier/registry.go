package pier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Registry maps pier ids to live piers. It is filled once at startup and
// only read afterwards; Register must not race with lookups.
type Registry struct {
	piers map[string]Pier
	order []string
	log   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		piers: make(map[string]Pier),
		log:   log,
	}
}

// Register adds a pier. Ids must be unique.
func (r *Registry) Register(p Pier) error {
	id := p.ID()
	if id == "" {
		return fmt.Errorf("pier with empty id")
	}
	if _, dup := r.piers[id]; dup {
		return fmt.Errorf("pier %q registered twice", id)
	}
	r.piers[id] = p
	r.order = append(r.order, id)
	return nil
}

// Get returns a pier by id.
func (r *Registry) Get(id string) (Pier, bool) {
	p, ok := r.piers[id]
	return p, ok
}

// IDs returns pier ids in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered piers.
func (r *Registry) Len() int {
	return len(r.order)
}

// ConnectAll connects every pier concurrently, each bounded by timeout, and
// returns the failures keyed by pier id. Failures are *ConnectionError.
// Every pier is attempted even when another fails, so the group only fans
// out; failures are collected in the map rather than through Wait.
func (r *Registry) ConnectAll(ctx context.Context, creds map[string]Credentials, timeout time.Duration) map[string]error {
	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		g        errgroup.Group
	)

	for _, id := range r.order {
		id, p := id, r.piers[id]
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			r.log.Info().Str("pier", id).Msg("Connecting pier")
			if err := p.Connect(cctx, creds[id]); err != nil {
				err = AsConnectionError(id, err)
				r.log.Error().Err(err).Str("pier", id).Msg("Pier failed to connect")
				mu.Lock()
				failures[id] = err
				mu.Unlock()
				return nil
			}
			r.log.Info().Str("pier", id).Dur("took", time.Since(start)).Msg("Pier connected")
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

// ShutdownAll shuts every pier down concurrently and waits at most grace.
func (r *Registry) ShutdownAll(grace time.Duration) {
	var wg sync.WaitGroup
	for _, id := range r.order {
		wg.Add(1)
		go func(id string, p Pier) {
			defer wg.Done()
			p.Shutdown()
			r.log.Debug().Str("pier", id).Msg("Pier shut down")
		}(id, r.piers[id])
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		r.log.Warn().Dur("grace", grace).Msg("Pier shutdown exceeded grace period")
	}
}

// Subset returns a registry holding only the given ids that exist in r.
func (r *Registry) Subset(ids []string) *Registry {
	sub := NewRegistry(r.log)
	for _, id := range ids {
		if p, ok := r.piers[id]; ok {
			_ = sub.Register(p)
		}
	}
	return sub
}
