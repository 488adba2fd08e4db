// Package piertest provides an in-memory pier and the contract checks every
// pier implementation must pass.
package piertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dayuer/pierbridge/internal/pier"
)

var errNotConnected = errors.New("fake pier not connected")

// Sent is one successful delivery recorded by Fake.
type Sent struct {
	Channel string
	Text    string
	At      time.Time
}

// Fake is a scriptable pier. Sends succeed unless errors were queued for the
// channel with FailNext; Delay makes sends to a channel slow.
type Fake struct {
	pier.Base

	// ConnectErr is returned by every Connect call when set.
	ConnectErr error
	// Limit is reported by MaxMessageLength.
	Limit int

	mu        sync.Mutex
	connected bool
	connects  int
	shutdowns int
	attempts  map[string]int
	failures  map[string][]error
	delays    map[string]time.Duration
	sent      []Sent
}

// New creates a Fake publishing inbound messages to inbound.
func New(id string, inbound pier.Publisher) *Fake {
	return &Fake{
		Base: pier.Base{
			PierID:  id,
			Inbound: inbound,
			Log:     zerolog.Nop(),
		},
		attempts: make(map[string]int),
		failures: make(map[string][]error),
		delays:   make(map[string]time.Duration),
	}
}

func (f *Fake) Connect(ctx context.Context, _ pier.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connected {
		return nil
	}
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.connected = true
	f.Open()
	return nil
}

func (f *Fake) SendMessage(ctx context.Context, channel, text string) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return pier.NewSendError(pier.TransportFailure, channel, errNotConnected)
	}
	f.attempts[channel]++
	delay := f.delays[channel]
	var err error
	if queue := f.failures[channel]; len(queue) > 0 {
		err, f.failures[channel] = queue[0], queue[1:]
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return pier.NewSendError(pier.TransportFailure, channel, ctx.Err())
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.sent = append(f.sent, Sent{Channel: channel, Text: text, At: time.Now()})
	f.mu.Unlock()
	return nil
}

func (f *Fake) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	f.connected = false
	f.Close()
}

func (f *Fake) MaxMessageLength() int { return f.Limit }

// Emit simulates an inbound chat event.
func (f *Fake) Emit(channel, sender, contents string) bool {
	return f.HandleMessage(channel, sender, contents)
}

// FailNext queues errors returned by the next sends to channel, in order.
func (f *Fake) FailNext(channel string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[channel] = append(f.failures[channel], errs...)
}

// Delay makes every send to channel take d.
func (f *Fake) Delay(channel string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[channel] = d
}

// Sent returns the successful deliveries so far.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentTexts returns the texts delivered to channel, in order.
func (f *Fake) SentTexts(channel string) []string {
	var out []string
	for _, s := range f.Sent() {
		if s.Channel == channel {
			out = append(out, s.Text)
		}
	}
	return out
}

// Attempts returns how many sends to channel were tried.
func (f *Fake) Attempts(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[channel]
}

// Connected reports whether the last Connect succeeded and no Shutdown followed.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Connects returns the number of Connect calls.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Shutdowns returns the number of Shutdown calls.
func (f *Fake) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}
