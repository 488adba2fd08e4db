// Package wsrelay implements a pier that talks to an external chat relay over
// a JSON WebSocket protocol.
//
// Protocol:
//
//	relay -> pier:  {"type": "message", "channel": "...", "sender": "...", "content": "..."}
//	pier -> relay:  {"type": "join", "channels": ["..."]}     after every (re)connect
//	pier -> relay:  {"type": "send", "channel": "...", "text": "..."}
//
// The pier authenticates with "Authorization: Bearer <token>"; a 401 or 403
// handshake response is an authentication failure.
package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dayuer/pierbridge/internal/pier"
)

// DefaultMaxMessageLength applies when Config.MaxMessageLength is unset.
const DefaultMaxMessageLength = 4000

const (
	readTimeout    = 60 * time.Second
	pingInterval   = 25 * time.Second
	writeTimeout   = 10 * time.Second
	reconnectFirst = time.Second
	reconnectMax   = 30 * time.Second
)

var errNotConnected = errors.New("relay connection not established")

// Frame is one protocol message.
type Frame struct {
	Type     string   `json:"type"`
	Channel  string   `json:"channel,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Sender   string   `json:"sender,omitempty"`
	Content  string   `json:"content,omitempty"`
	Text     string   `json:"text,omitempty"`
}

// Config configures a relay pier.
type Config struct {
	URL              string
	Channels         []string
	MaxMessageLength int
	Ignore           []string
	AllowEmpty       bool
}

// wsConn wraps a websocket.Conn with a write mutex.
// gorilla/websocket does not support concurrent writes.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) writeJSON(v any, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.SetWriteDeadline(deadline)
	return c.WriteJSON(v)
}

func (c *wsConn) writeControl(messageType int, data []byte) error {
	return c.WriteControl(messageType, data, time.Now().Add(writeTimeout))
}

// Pier relays through a WebSocket relay service.
type Pier struct {
	pier.Base
	cfg    Config
	dialer *websocket.Dialer

	connectMu sync.Mutex

	mu     sync.RWMutex
	conn   *wsConn
	header http.Header
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a relay pier publishing inbound messages to inbound.
func New(id string, cfg Config, inbound pier.Publisher, log zerolog.Logger) *Pier {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	return &Pier{
		Base: pier.Base{
			PierID:     id,
			Inbound:    inbound,
			Ignore:     cfg.Ignore,
			AllowEmpty: cfg.AllowEmpty,
			Log:        log,
		},
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
	}
}

func (p *Pier) MaxMessageLength() int { return p.cfg.MaxMessageLength }

// Connect dials the relay and announces the channels to join.
func (p *Pier) Connect(ctx context.Context, creds pier.Credentials) error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()
	p.mu.RLock()
	running := p.stop != nil
	p.mu.RUnlock()
	if running {
		return nil
	}

	header := http.Header{}
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}

	c, err := p.dial(ctx, header)
	if err != nil {
		return err
	}

	p.Open()
	p.mu.Lock()
	p.header = header
	p.conn = c
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(c, stop)
	p.Log.Info().Str("url", p.cfg.URL).Msg("Connected to relay")
	return nil
}

func (p *Pier) dial(ctx context.Context, header http.Header) (*wsConn, error) {
	raw, resp, err := p.dialer.DialContext(ctx, p.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, pier.NewConnectionError(p.ID(), pier.AuthFailed, fmt.Errorf("handshake: %s", resp.Status))
		}
		return nil, pier.AsConnectionError(p.ID(), err)
	}

	c := &wsConn{Conn: raw}
	if len(p.cfg.Channels) > 0 {
		join := Frame{Type: "join", Channels: p.cfg.Channels}
		if err := c.writeJSON(join, time.Now().Add(writeTimeout)); err != nil {
			_ = raw.Close()
			return nil, pier.AsConnectionError(p.ID(), err)
		}
	}
	return c, nil
}

// run reads frames until the connection drops, then reconnects with
// exponential backoff until Shutdown.
func (p *Pier) run(c *wsConn, stop chan struct{}) {
	defer p.wg.Done()
	for {
		p.serve(c, stop)

		select {
		case <-stop:
			return
		default:
		}
		p.setConn(nil)

		c = p.reconnect(stop)
		if c == nil {
			return
		}
		p.setConn(c)
	}
}

func (p *Pier) serve(c *wsConn, stop chan struct{}) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.writeControl(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-stop:
				_ = c.writeControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
				_ = c.Close()
				return
			case <-done:
				return
			}
		}
	}()

	_ = c.SetReadDeadline(time.Now().Add(readTimeout))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.Log.Warn().Err(err).Msg("Relay connection lost")
			}
			_ = c.Close()
			return
		}
		_ = c.SetReadDeadline(time.Now().Add(readTimeout))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			p.Log.Warn().Err(err).Msg("Malformed relay frame")
			continue
		}
		if f.Type != "message" {
			p.Log.Debug().Str("type", f.Type).Msg("Ignoring relay frame")
			continue
		}
		p.HandleMessage(f.Channel, f.Sender, f.Content)
	}
}

func (p *Pier) reconnect(stop chan struct{}) *wsConn {
	wait := reconnectFirst
	for {
		select {
		case <-stop:
			return nil
		case <-time.After(wait):
		}

		p.mu.RLock()
		header := p.header
		p.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		c, err := p.dial(ctx, header)
		cancel()
		if err == nil {
			p.Log.Info().Msg("Reconnected to relay")
			return c
		}
		p.Log.Warn().Err(err).Dur("retry_in", wait).Msg("Relay reconnect failed")
		wait = min(wait*2, reconnectMax)
	}
}

func (p *Pier) setConn(c *wsConn) {
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()
}

// SendMessage writes one send frame.
func (p *Pier) SendMessage(ctx context.Context, channel, text string) error {
	p.mu.RLock()
	c := p.conn
	p.mu.RUnlock()
	if c == nil {
		return pier.NewSendError(pier.TransportFailure, channel, errNotConnected)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.writeJSON(Frame{Type: "send", Channel: channel, Text: text}, deadline); err != nil {
		return pier.NewSendError(pier.TransportFailure, channel, err)
	}
	return nil
}

// Shutdown closes the connection and stops reconnecting. Safe to call more
// than once.
func (p *Pier) Shutdown() {
	p.mu.Lock()
	stop := p.stop
	p.stop = nil
	p.conn = nil
	p.mu.Unlock()
	p.Close()
	if stop == nil {
		return
	}
	close(stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(writeTimeout):
		p.Log.Warn().Msg("Timed out closing relay connection")
	}
}
