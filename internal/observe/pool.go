package observe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrPoolShutdownTimeout is returned by Pool.Close when workers do not finish
// draining within the timeout.
var ErrPoolShutdownTimeout = errors.New("observe: pool shutdown timed out")

// Pool delivers events to a sink asynchronously so a slow sink never stalls
// delivery. When the buffer is full, events are dropped and counted.
type Pool struct {
	sink      Sink
	eventCh   chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
	log       zerolog.Logger
}

// PoolStats reports pool counters.
type PoolStats struct {
	Dropped   uint64
	Processed uint64
}

// NewPool starts workers goroutines feeding sink from a buffer of bufferSize.
func NewPool(sink Sink, workers, bufferSize int, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		sink:    sink,
		eventCh: make(chan Event, bufferSize),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// OnEvent queues e without blocking.
func (p *Pool) OnEvent(e Event) {
	if p.closed.Load() {
		p.dropped.Add(1)
		return
	}
	select {
	case p.eventCh <- e:
	default:
		p.dropped.Add(1)
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			for {
				select {
				case e := <-p.eventCh:
					p.dispatch(e)
				default:
					return
				}
			}
		case e := <-p.eventCh:
			p.dispatch(e)
		}
	}
}

func (p *Pool) dispatch(e Event) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("Sink panicked")
		}
	}()
	p.sink.OnEvent(e)
	p.processed.Add(1)
}

// Close stops accepting events and waits up to timeout for queued events to
// be delivered.
func (p *Pool) Close(timeout time.Duration) error {
	if p.closed.Swap(true) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrPoolShutdownTimeout
	}
}

// Stats returns the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Dropped:   p.dropped.Load(),
		Processed: p.processed.Load(),
	}
}
