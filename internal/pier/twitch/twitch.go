// Package twitch implements a pier for Twitch chat.
package twitch

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/gempir/go-twitch-irc/v4"
	"github.com/rs/zerolog"

	"github.com/dayuer/pierbridge/internal/pier"
)

// MaxMessageLength is Twitch's chat message limit.
const MaxMessageLength = 500

var errNotConnected = errors.New("twitch client not connected")

// Config configures a Twitch pier.
type Config struct {
	// Channels are joined on connect; names are case-insensitive, '#' optional.
	Channels   []string
	Ignore     []string
	AllowEmpty bool
}

type client interface {
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// Pier relays through a Twitch chat account.
type Pier struct {
	pier.Base
	channels []string

	newClient func(username, oauth string) client

	connectMu sync.Mutex

	mu        sync.RWMutex
	client    client
	login     string
	connected bool
}

// New creates a Twitch pier publishing inbound messages to inbound.
func New(id string, cfg Config, inbound pier.Publisher, log zerolog.Logger) *Pier {
	channels := make([]string, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels = append(channels, normalize(ch))
	}
	return &Pier{
		Base: pier.Base{
			PierID:     id,
			Inbound:    inbound,
			Ignore:     cfg.Ignore,
			AllowEmpty: cfg.AllowEmpty,
			Log:        log,
		},
		channels: channels,
		newClient: func(username, oauth string) client {
			return twitch.NewClient(username, oauth)
		},
	}
}

func normalize(channel string) string {
	return strings.ToLower(strings.TrimPrefix(channel, "#"))
}

func (p *Pier) MaxMessageLength() int { return MaxMessageLength }

// Connect logs in and returns once the chat connection is up.
func (p *Pier) Connect(ctx context.Context, creds pier.Credentials) error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()
	if p.current() != nil {
		return nil
	}
	if creds.Username == "" || creds.Token == "" {
		return pier.NewConnectionError(p.ID(), pier.AuthFailed, errors.New("username and token are required"))
	}

	oauth := creds.Token
	if !strings.HasPrefix(oauth, "oauth:") {
		oauth = "oauth:" + oauth
	}
	c := p.newClient(strings.ToLower(creds.Username), oauth)

	up := make(chan struct{}, 1)
	c.OnConnect(func() {
		p.setConnected(true)
		select {
		case up <- struct{}{}:
		default:
		}
	})
	c.OnPrivateMessage(p.onPrivateMessage)
	if len(p.channels) > 0 {
		c.Join(p.channels...)
	}

	p.mu.Lock()
	p.login = strings.ToLower(creds.Username)
	p.mu.Unlock()

	p.Open()
	done := make(chan error, 1)
	go func() {
		err := c.Connect()
		p.setConnected(false)
		done <- err
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			p.Log.Warn().Err(err).Msg("Twitch connection ended")
		}
	}()

	select {
	case <-up:
	case err := <-done:
		p.Close()
		if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
			return pier.NewConnectionError(p.ID(), pier.AuthFailed, err)
		}
		if err == nil {
			err = errNotConnected
		}
		return pier.AsConnectionError(p.ID(), err)
	case <-ctx.Done():
		_ = c.Disconnect()
		p.Close()
		return pier.AsConnectionError(p.ID(), ctx.Err())
	}

	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
	p.Log.Info().Strs("channels", p.channels).Msg("Connected to Twitch chat")
	return nil
}

func (p *Pier) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *Pier) current() client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

func (p *Pier) self() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.login
}

func (p *Pier) onPrivateMessage(m twitch.PrivateMessage) {
	if strings.EqualFold(m.User.Name, p.self()) {
		return
	}
	sender := m.User.DisplayName
	if sender == "" {
		sender = m.User.Name
	}
	text := m.Message
	if m.Action {
		text = "* " + sender + " " + text
	}
	p.HandleMessage(normalize(m.Channel), sender, text)
}

func (p *Pier) joined(channel string) bool {
	ch := normalize(channel)
	for _, c := range p.channels {
		if c == ch {
			return true
		}
	}
	return false
}

// SendMessage says each non-empty line of text in the channel, each carrying
// the sender label of the first.
func (p *Pier) SendMessage(ctx context.Context, channel, text string) error {
	p.mu.RLock()
	c, connected := p.client, p.connected
	p.mu.RUnlock()
	if c == nil || !connected {
		return pier.NewSendError(pier.TransportFailure, channel, errNotConnected)
	}
	if !p.joined(channel) {
		return pier.NewSendError(pier.ChannelNotFound, channel, errors.New("channel not joined"))
	}
	for i, line := range pier.LabeledLines(text) {
		if err := ctx.Err(); err != nil {
			return pier.LineSendError(channel, i, err)
		}
		c.Say(normalize(channel), line)
	}
	return nil
}

// Shutdown disconnects the client. Safe to call more than once.
func (p *Pier) Shutdown() {
	p.mu.Lock()
	c := p.client
	p.client = nil
	p.connected = false
	p.mu.Unlock()
	p.Close()
	if c == nil {
		return
	}
	if err := c.Disconnect(); err != nil {
		p.Log.Debug().Err(err).Msg("Twitch disconnect")
	}
	p.Log.Info().Msg("Disconnected from Twitch chat")
}
