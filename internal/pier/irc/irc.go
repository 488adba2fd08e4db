// Package irc implements a pier for a classic IRC network.
package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
	"github.com/rs/zerolog"

	"github.com/dayuer/pierbridge/internal/pier"
)

// MaxMessageLength keeps a PRIVMSG line, with prefix and target, under the
// 512 byte protocol limit.
const MaxMessageLength = 400

const (
	errPasswdMismatch = "464"
	errSASLFail       = "904"
	errBannedFromChan = "474"
	errNoSuchChannel  = "403"
	ctcpDelim         = "\x01"
)

var errNotConnected = errors.New("irc connection not established")

// Config configures an IRC pier.
type Config struct {
	Server   string // host:port
	TLS      bool
	Nick     string
	RealName string
	SASL     bool
	// Channels are joined after every successful registration.
	Channels   []string
	Ignore     []string
	AllowEmpty bool
}

// conn is the part of *ircevent.Connection the pier drives.
type conn interface {
	Privmsg(target, message string) error
	Join(channel string) error
	Connected() bool
	CurrentNick() string
	Quit()
}

// Pier relays through one IRC server connection.
type Pier struct {
	pier.Base
	cfg Config

	connectMu sync.Mutex

	// channels maps folded names to their configured spelling.
	channels map[string]string

	mu     sync.RWMutex
	conn   conn
	joined map[string]bool
	// lost holds configured channels the server refused or removed us from
	// since the last registration.
	lost map[string]string

	welcome  chan struct{}
	authFail chan string
}

// New creates an IRC pier publishing inbound messages to inbound.
func New(id string, cfg Config, inbound pier.Publisher, log zerolog.Logger) *Pier {
	channels := make(map[string]string, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels[fold(ch)] = ch
	}
	return &Pier{
		Base: pier.Base{
			PierID:     id,
			Inbound:    inbound,
			Ignore:     cfg.Ignore,
			AllowEmpty: cfg.AllowEmpty,
			Log:        log,
		},
		cfg:      cfg,
		channels: channels,
		joined:   make(map[string]bool),
		lost:     make(map[string]string),
	}
}

func (p *Pier) MaxMessageLength() int { return MaxMessageLength }

// Connect registers with the server and returns once it is welcomed.
// Channels are joined asynchronously.
func (p *Pier) Connect(ctx context.Context, creds pier.Credentials) error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()
	if p.current() != nil {
		return nil
	}

	user := creds.Username
	if user == "" {
		user = p.cfg.Nick
	}
	realName := p.cfg.RealName
	if realName == "" {
		realName = p.cfg.Nick
	}
	c := &ircevent.Connection{
		Server:      p.cfg.Server,
		UseTLS:      p.cfg.TLS,
		Nick:        p.cfg.Nick,
		User:        user,
		RealName:    realName,
		QuitMessage: "pierbridge shutting down",
		Log:         log.New(p.Log.With().Str("source", "ircevent").Logger(), "", 0),
	}
	if p.cfg.TLS {
		host, _, _ := net.SplitHostPort(p.cfg.Server)
		c.TLSConfig = &tls.Config{ServerName: host}
	}
	if p.cfg.SASL {
		c.UseSASL = true
		c.SASLLogin = creds.Username
		c.SASLPassword = creds.Password
	} else if creds.Password != "" {
		c.Password = creds.Password
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	}

	p.welcome = make(chan struct{}, 1)
	p.authFail = make(chan string, 1)
	p.register(c)

	p.Log.Info().Str("server", p.cfg.Server).Bool("tls", p.cfg.TLS).Msg("Connecting to IRC")
	p.Open()
	if err := c.Connect(); err != nil {
		p.Close()
		select {
		case code := <-p.authFail:
			return pier.NewConnectionError(p.ID(), pier.AuthFailed, fmt.Errorf("server replied %s: %w", code, err))
		default:
		}
		return pier.AsConnectionError(p.ID(), err)
	}
	go c.Loop()

	select {
	case <-p.welcome:
	case code := <-p.authFail:
		c.Quit()
		p.Close()
		return pier.NewConnectionError(p.ID(), pier.AuthFailed, fmt.Errorf("server replied %s", code))
	case <-ctx.Done():
		c.Quit()
		p.Close()
		return pier.AsConnectionError(p.ID(), ctx.Err())
	}

	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()
	p.Log.Info().Str("nick", c.CurrentNick()).Msg("Connected to IRC")
	return nil
}

func (p *Pier) register(c *ircevent.Connection) {
	c.AddConnectCallback(func(ircmsg.Message) {
		p.onWelcome(c)
	})
	c.AddCallback("PRIVMSG", func(e ircmsg.Message) {
		p.onPrivmsg(c.CurrentNick(), e)
	})
	c.AddCallback("JOIN", func(e ircmsg.Message) {
		p.onMembership(c.CurrentNick(), e)
	})
	c.AddCallback("PART", func(e ircmsg.Message) {
		p.onMembership(c.CurrentNick(), e)
	})
	c.AddCallback("KICK", func(e ircmsg.Message) {
		p.onMembership(c.CurrentNick(), e)
	})
	for _, code := range []string{errPasswdMismatch, errSASLFail} {
		code := code
		c.AddCallback(code, func(ircmsg.Message) {
			select {
			case p.authFail <- code:
			default:
			}
		})
	}
	for _, code := range []string{errBannedFromChan, errNoSuchChannel} {
		code := code
		c.AddCallback(code, func(e ircmsg.Message) {
			p.onJoinRefused(code, e)
		})
	}
}

func (p *Pier) onWelcome(c conn) {
	p.mu.Lock()
	p.joined = make(map[string]bool)
	p.lost = make(map[string]string)
	p.mu.Unlock()

	for _, ch := range p.cfg.Channels {
		if err := c.Join(ch); err != nil {
			p.Log.Warn().Err(err).Str("channel", ch).Msg("Failed to join channel")
		}
	}
	select {
	case p.welcome <- struct{}{}:
	default:
	}
}

func (p *Pier) onMembership(self string, e ircmsg.Message) {
	if len(e.Params) == 0 {
		return
	}
	channel := fold(e.Params[0])
	var who string
	if e.Command == "KICK" {
		if len(e.Params) < 2 {
			return
		}
		who = e.Params[1]
	} else {
		who = e.Nick()
	}
	if !strings.EqualFold(who, self) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Command {
	case "JOIN":
		p.joined[channel] = true
		delete(p.lost, channel)
		p.Log.Info().Str("channel", e.Params[0]).Msg("Joined channel")
	default:
		delete(p.joined, channel)
		p.lost[channel] = e.Command
		p.Log.Warn().Str("channel", e.Params[0]).Str("command", e.Command).Msg("Left channel")
	}
}

// onJoinRefused handles numerics sent instead of a JOIN echo; their params
// are the nick, the channel and a reason.
func (p *Pier) onJoinRefused(code string, e ircmsg.Message) {
	p.Log.Warn().Str("code", code).Strs("params", e.Params).Msg("Cannot join channel")
	if len(e.Params) < 2 {
		return
	}
	p.mu.Lock()
	p.lost[fold(e.Params[1])] = code
	p.mu.Unlock()
}

func (p *Pier) onPrivmsg(self string, e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}
	target, text := e.Params[0], e.Params[1]
	if !isChannel(target) {
		return
	}
	nick := e.Nick()
	if strings.EqualFold(nick, self) {
		return
	}

	if strings.HasPrefix(text, ctcpDelim) {
		body := strings.TrimSuffix(strings.TrimPrefix(text, ctcpDelim), ctcpDelim)
		action, ok := strings.CutPrefix(body, "ACTION ")
		if !ok {
			return
		}
		text = "* " + nick + " " + action
	}
	p.HandleMessage(p.canonical(target), nick, text)
}

// canonical returns the configured spelling of channel, since servers may
// report a different case than the mapping uses.
func (p *Pier) canonical(channel string) string {
	if ch, ok := p.channels[fold(channel)]; ok {
		return ch
	}
	return channel
}

func isChannel(target string) bool {
	return target != "" && strings.ContainsRune("#&+!", rune(target[0]))
}

func fold(channel string) string {
	return strings.ToLower(channel)
}

func (p *Pier) current() conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

func (p *Pier) isJoined(channel string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.joined[fold(channel)]
}

// membership explains why channel cannot be written to. A configured channel
// whose JOIN is still unanswered is a transient state.
func (p *Pier) membership(channel string) *pier.SendError {
	key := fold(channel)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.joined[key] {
		return nil
	}
	if _, ok := p.channels[key]; !ok {
		return pier.NewSendError(pier.ChannelNotFound, channel, fmt.Errorf("%s is not configured", channel))
	}
	if reason, ok := p.lost[key]; ok {
		return pier.NewSendError(pier.ChannelNotFound, channel, fmt.Errorf("not in %s (%s)", channel, reason))
	}
	return pier.NewSendError(pier.TransportFailure, channel, fmt.Errorf("join to %s pending", channel))
}

// SendMessage sends one PRIVMSG per non-empty line of text, each carrying
// the sender label of the first.
func (p *Pier) SendMessage(ctx context.Context, channel, text string) error {
	c := p.current()
	if c == nil || !c.Connected() {
		return pier.NewSendError(pier.TransportFailure, channel, errNotConnected)
	}
	if err := p.membership(channel); err != nil {
		return err
	}

	for i, line := range pier.LabeledLines(text) {
		if err := ctx.Err(); err != nil {
			return pier.LineSendError(channel, i, err)
		}
		if err := c.Privmsg(channel, line); err != nil {
			return pier.LineSendError(channel, i, err)
		}
	}
	return nil
}

// Shutdown sends QUIT and drops the connection. Safe to call more than once.
func (p *Pier) Shutdown() {
	p.mu.Lock()
	c := p.conn
	p.conn = nil
	p.joined = make(map[string]bool)
	p.lost = make(map[string]string)
	p.mu.Unlock()
	p.Close()
	if c != nil {
		c.Quit()
		p.Log.Info().Msg("Disconnected from IRC")
	}
}
