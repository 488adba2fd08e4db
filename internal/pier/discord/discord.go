// Package discord implements a pier backed by a Discord bot session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dayuer/pierbridge/internal/pier"
)

// MaxMessageLength is Discord's message content limit.
const MaxMessageLength = 2000

const (
	defaultPresence = "IRC"
	closeTimeout    = 5 * time.Second
	// closeAuthFailed is the gateway close code for an invalid token.
	closeAuthFailed = 4004
)

var errNotConnected = errors.New("discord session not connected")

// Config configures a Discord pier.
type Config struct {
	// Presence is the "Playing ..." status text.
	Presence string
	// AllowBots relays messages authored by other bots.
	AllowBots  bool
	Ignore     []string
	AllowEmpty bool
}

// Pier relays through a Discord bot. Channel ids are Discord snowflakes.
type Pier struct {
	pier.Base
	presence  string
	allowBots bool

	connectMu sync.Mutex

	mu      sync.RWMutex
	session *discordgo.Session
	botID   string
}

// New creates a Discord pier publishing inbound messages to inbound.
func New(id string, cfg Config, inbound pier.Publisher, log zerolog.Logger) *Pier {
	presence := cfg.Presence
	if presence == "" {
		presence = defaultPresence
	}
	return &Pier{
		Base: pier.Base{
			PierID:     id,
			Inbound:    inbound,
			Ignore:     cfg.Ignore,
			AllowEmpty: cfg.AllowEmpty,
			Log:        log,
		},
		presence:  presence,
		allowBots: cfg.AllowBots,
	}
}

func (p *Pier) MaxMessageLength() int { return MaxMessageLength }

// Connect opens the gateway session and waits for the Ready event.
func (p *Pier) Connect(ctx context.Context, creds pier.Credentials) error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()
	if p.current() != nil {
		return nil
	}
	if creds.Token == "" {
		return pier.NewConnectionError(p.ID(), pier.AuthFailed, errors.New("missing bot token"))
	}

	p.Log.Info().Msg("Connecting to Discord API")
	s, err := discordgo.New("Bot " + creds.Token)
	if err != nil {
		return pier.NewConnectionError(p.ID(), pier.AuthFailed, err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	s.ShouldRetryOnRateLimit = false

	ready := make(chan *discordgo.Ready, 1)
	s.AddHandlerOnce(func(_ *discordgo.Session, r *discordgo.Ready) {
		ready <- r
	})
	s.AddHandler(p.onMessageCreate)

	p.Open()
	opened := make(chan error, 1)
	go func() { opened <- s.Open() }()

	select {
	case err := <-opened:
		if err != nil {
			p.Close()
			return p.connectError(err)
		}
	case <-ctx.Done():
		go func() {
			if <-opened == nil {
				_ = s.Close()
			}
		}()
		p.Close()
		return pier.AsConnectionError(p.ID(), ctx.Err())
	}

	var r *discordgo.Ready
	select {
	case r = <-ready:
	case <-ctx.Done():
		_ = s.Close()
		p.Close()
		return pier.AsConnectionError(p.ID(), ctx.Err())
	}

	if err := s.UpdateGameStatus(0, p.presence); err != nil {
		p.Log.Warn().Err(err).Msg("Failed to set presence")
	}

	p.mu.Lock()
	p.session = s
	p.botID = r.User.ID
	p.mu.Unlock()

	p.Log.Info().
		Str("user", r.User.Username).
		Str("invite_url", inviteURL(r.User.ID)).
		Msg("Connected to Discord")
	return nil
}

func inviteURL(appID string) string {
	return fmt.Sprintf("https://discord.com/oauth2/authorize?client_id=%s&scope=bot&permissions=%d",
		appID, discordgo.PermissionViewChannel|discordgo.PermissionSendMessages|discordgo.PermissionReadMessageHistory)
}

func (p *Pier) connectError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == closeAuthFailed {
		return pier.NewConnectionError(p.ID(), pier.AuthFailed, err)
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return pier.NewConnectionError(p.ID(), pier.AuthFailed, err)
		}
	}
	return pier.AsConnectionError(p.ID(), err)
}

func (p *Pier) current() *discordgo.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

func (p *Pier) self() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.botID
}

// SendMessage posts text to the channel with one REST call.
func (p *Pier) SendMessage(ctx context.Context, channel, text string) error {
	s := p.current()
	if s == nil {
		return pier.NewSendError(pier.TransportFailure, channel, errNotConnected)
	}
	if _, err := s.ChannelMessageSend(channel, text, discordgo.WithContext(ctx)); err != nil {
		return classifySendError(channel, err)
	}
	return nil
}

func classifySendError(channel string, err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		se := pier.NewSendError(pier.RateLimited, channel, err)
		if rl.RateLimit != nil && rl.TooManyRequests != nil {
			se.RetryAfter = rl.RetryAfter
		}
		return se
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		if restErr.Message != nil {
			switch restErr.Message.Code {
			case discordgo.ErrCodeUnknownChannel:
				return pier.NewSendError(pier.ChannelNotFound, channel, err)
			case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
				return pier.NewSendError(pier.NoPermission, channel, err)
			}
		}
		if restErr.Response != nil {
			switch restErr.Response.StatusCode {
			case http.StatusNotFound:
				return pier.NewSendError(pier.ChannelNotFound, channel, err)
			case http.StatusForbidden:
				return pier.NewSendError(pier.NoPermission, channel, err)
			case http.StatusTooManyRequests:
				return pier.NewSendError(pier.RateLimited, channel, err)
			}
		}
	}
	return pier.NewSendError(pier.TransportFailure, channel, err)
}

func (p *Pier) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.ID == p.self() {
		return
	}
	if (m.Author.Bot || m.WebhookID != "") && !p.allowBots {
		return
	}

	contents := m.ContentWithMentionsReplaced()
	for _, att := range m.Attachments {
		if contents != "" {
			contents += " "
		}
		contents += att.URL
	}
	p.HandleMessage(m.ChannelID, displayName(m.Message), contents)
}

// displayName prefers the guild nickname, then the global display name, then
// the account username.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && strings.TrimSpace(m.Member.Nick) != "" {
		return m.Member.Nick
	}
	if strings.TrimSpace(m.Author.GlobalName) != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// Shutdown closes the gateway session. Safe to call more than once.
func (p *Pier) Shutdown() {
	p.mu.Lock()
	s := p.session
	p.session = nil
	p.mu.Unlock()
	p.Close()
	if s == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		if err := s.Close(); err != nil {
			p.Log.Warn().Err(err).Msg("Error closing Discord session")
		}
		close(done)
	}()
	select {
	case <-done:
		p.Log.Info().Msg("Discord session closed")
	case <-time.After(closeTimeout):
		p.Log.Warn().Msg("Timed out closing Discord session")
	}
}
