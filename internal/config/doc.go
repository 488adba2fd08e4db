// Package config handles configuration loading and schema definition.
//
// The file is YAML. Durations are written as strings ("500ms", "4s").
// Secrets may be kept out of the file with PIERBRIDGE_<PIERID>_TOKEN and
// PIERBRIDGE_<PIERID>_PASSWORD, where <PIERID> is the upper-cased pier id with
// every character other than a letter or digit replaced by '_'.
package config

import (
	"time"

	"github.com/dayuer/pierbridge/internal/dispatch"
	"github.com/dayuer/pierbridge/internal/logging"
	"github.com/dayuer/pierbridge/internal/mapping"
	"github.com/dayuer/pierbridge/internal/observe"
	"github.com/dayuer/pierbridge/internal/pier"
)

// Config is the top-level pierbridge configuration.
type Config struct {
	Log      logging.Config        `yaml:"log"`
	Bridge   BridgeConfig          `yaml:"bridge"`
	Piers    map[string]PierConfig `yaml:"piers"`
	Mappings []MappingConfig       `yaml:"mappings"`
	Observe  ObserveConfig         `yaml:"observe"`
}

// BridgeConfig tunes queues, timeouts and retries.
type BridgeConfig struct {
	InboundBuffer  int                  `yaml:"inbound_buffer"`
	OutboundBuffer int                  `yaml:"outbound_buffer"`
	IdleTimeout    time.Duration        `yaml:"idle_timeout"`
	SendTimeout    time.Duration        `yaml:"send_timeout"`
	Retry          dispatch.RetryPolicy `yaml:"retry"`
	ConnectTimeout time.Duration        `yaml:"connect_timeout"`
	ShutdownGrace  time.Duration        `yaml:"shutdown_grace"`
	// RequireAllPiers fails startup when any pier cannot connect. Defaults
	// to true; false runs with the piers that did connect.
	RequireAllPiers *bool `yaml:"require_all_piers"`
}

// RequireAll reports the effective require_all_piers setting.
func (b BridgeConfig) RequireAll() bool {
	return b.RequireAllPiers == nil || *b.RequireAllPiers
}

// Pier types.
const (
	TypeDiscord = "discord"
	TypeIRC     = "irc"
	TypeTwitch  = "twitch"
	TypeWSRelay = "wsrelay"
)

// PierConfig configures one pier. Fields not used by Type are ignored.
type PierConfig struct {
	Type     string   `yaml:"type"`
	Token    string   `yaml:"token,omitempty"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	Ignore   []string `yaml:"ignore,omitempty"`

	// discord
	Presence  string `yaml:"presence,omitempty"`
	AllowBots bool   `yaml:"allow_bots,omitempty"`

	// irc
	Server   string `yaml:"server,omitempty"` // host:port
	TLS      bool   `yaml:"tls,omitempty"`
	Nick     string `yaml:"nick,omitempty"`
	RealName string `yaml:"real_name,omitempty"`
	SASL     bool   `yaml:"sasl,omitempty"`

	// wsrelay
	URL              string `yaml:"url,omitempty"`
	MaxMessageLength int    `yaml:"max_message_length,omitempty"`

	// AllowEmpty relays messages with no text, for networks that permit them.
	AllowEmpty bool `yaml:"allow_empty,omitempty"`
}

// Credentials returns the secrets a pier connects with.
func (p PierConfig) Credentials() pier.Credentials {
	return pier.Credentials{Token: p.Token, Username: p.Username, Password: p.Password}
}

// Mapping directions.
const (
	DirectionBoth = "both"
	DirectionAToB = "a_to_b"
	DirectionBToA = "b_to_a"
)

// MappingConfig links two channels.
type MappingConfig struct {
	A         mapping.Endpoint `yaml:"a"`
	B         mapping.Endpoint `yaml:"b"`
	Direction string           `yaml:"direction,omitempty"` // both (default), a_to_b, b_to_a
}

// ObserveConfig configures optional event sinks.
type ObserveConfig struct {
	Redis *observe.RedisConfig `yaml:"redis,omitempty"`
	// PoolBuffer bounds events queued for slow sinks.
	PoolBuffer int `yaml:"pool_buffer"`
}

// Defaults.
const (
	DefaultPath           = "pierbridge.yaml"
	DefaultInboundBuffer  = 256
	DefaultOutboundBuffer = 64
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultSendTimeout    = 10 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultShutdownGrace  = 10 * time.Second
	DefaultPoolBuffer     = 1024
)

// DefaultConfig returns a Config with every default filled and no piers.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = logging.FormatConsole
	}
	b := &c.Bridge
	if b.InboundBuffer <= 0 {
		b.InboundBuffer = DefaultInboundBuffer
	}
	if b.OutboundBuffer <= 0 {
		b.OutboundBuffer = DefaultOutboundBuffer
	}
	if b.IdleTimeout <= 0 {
		b.IdleTimeout = DefaultIdleTimeout
	}
	if b.SendTimeout <= 0 {
		b.SendTimeout = DefaultSendTimeout
	}
	if b.ConnectTimeout <= 0 {
		b.ConnectTimeout = DefaultConnectTimeout
	}
	if b.ShutdownGrace <= 0 {
		b.ShutdownGrace = DefaultShutdownGrace
	}
	def := dispatch.DefaultRetryPolicy()
	if b.Retry.MaxAttempts <= 0 {
		b.Retry.MaxAttempts = def.MaxAttempts
	}
	if b.Retry.BaseDelay <= 0 {
		b.Retry.BaseDelay = def.BaseDelay
	}
	if b.Retry.MaxDelay <= 0 {
		b.Retry.MaxDelay = def.MaxDelay
	}
	if c.Observe.PoolBuffer <= 0 {
		c.Observe.PoolBuffer = DefaultPoolBuffer
	}
	for i := range c.Mappings {
		if c.Mappings[i].Direction == "" {
			c.Mappings[i].Direction = DirectionBoth
		}
	}
}
