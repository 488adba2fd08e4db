package pier

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dayuer/pierbridge/internal/bus"
)

// Base provides the ingestion logic shared by all pier implementations:
// ignore-list filtering, Message construction and publishing with
// backpressure. Library callbacks call HandleMessage; it blocks while the
// inbound queue is full.
type Base struct {
	PierID  string
	Inbound Publisher
	// Ignore holds sender names whose messages are never relayed, typically
	// other bridge bots. A trailing '*' matches by prefix.
	Ignore []string
	// AllowEmpty permits messages with empty contents.
	AllowEmpty bool
	Log        zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// ID returns the pier identifier.
func (b *Base) ID() string { return b.PierID }

// IsIgnored checks sender against the ignore list, case-insensitively.
func (b *Base) IsIgnored(sender string) bool {
	name := strings.ToLower(sender)
	for _, pattern := range b.Ignore {
		p := strings.ToLower(pattern)
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if prefix != "" && strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if p == name {
			return true
		}
	}
	return false
}

// HandleMessage validates an inbound event and publishes it. It reports
// whether the message was accepted.
func (b *Base) HandleMessage(channel, sender, contents string) bool {
	if b.IsIgnored(sender) {
		b.Log.Debug().Str("sender", sender).Str("channel", channel).Msg("Ignoring message from ignored sender")
		return false
	}

	msg, err := bus.NewMessage(b.PierID, channel, sender, contents, b.AllowEmpty)
	if err != nil {
		b.Log.Warn().Err(err).Str("sender", sender).Str("channel", channel).Msg("Dropping malformed inbound event")
		return false
	}

	if err := b.Inbound.Publish(b.listenContext(), msg); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, bus.ErrQueueClosed) {
			b.Log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to publish inbound message")
		}
		return false
	}
	return true
}

// Open starts the listening lifetime; publishes blocked on a full queue are
// released when Close is called.
func (b *Base) Open() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil || b.ctx.Err() != nil {
		b.ctx, b.cancel = context.WithCancel(context.Background())
	}
}

// Close ends the listening lifetime. Safe to call more than once.
func (b *Base) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Base) listenContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}
