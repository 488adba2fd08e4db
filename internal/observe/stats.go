package observe

import (
	"sync/atomic"
	"time"
)

// Stats counts events with lock-free atomics.
type Stats struct {
	successes    atomic.Uint64
	failures     atomic.Uint64
	dropped      atomic.Uint64
	startup      atomic.Uint64
	latencyTotal atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Successes     uint64
	Failures      uint64
	Dropped       uint64
	StartupErrors uint64
	MeanLatency   time.Duration
}

func (s *Stats) OnEvent(e Event) {
	switch e.Type {
	case RelaySuccess:
		s.successes.Add(1)
		s.latencyTotal.Add(int64(e.Latency))
	case RelayFailure:
		s.failures.Add(1)
		if e.Final {
			s.dropped.Add(1)
		}
	case StartupError:
		s.startup.Add(1)
	}
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Successes:     s.successes.Load(),
		Failures:      s.failures.Load(),
		Dropped:       s.dropped.Load(),
		StartupErrors: s.startup.Load(),
	}
	if snap.Successes > 0 {
		snap.MeanLatency = time.Duration(s.latencyTotal.Load() / int64(snap.Successes))
	}
	return snap
}
