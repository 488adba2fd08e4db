package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dayuer/pierbridge/internal/mapping"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PIERBRIDGE_"

// ErrInvalidConfig wraps every validation failure that is not a mapping error.
var ErrInvalidConfig = errors.New("invalid configuration")

// ResolvePath picks the config file: the flag value, then PIERBRIDGE_CONFIG,
// then DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads, overrides from the environment, defaults and validates the
// configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data, os.Getenv)
}

// Parse decodes YAML data and applies overrides from getenv, defaults and
// validation. Unknown keys are rejected.
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EnvKey returns the environment variable overriding field of pier id.
func EnvKey(id, field string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteByte('_')
	b.WriteString(field)
	return b.String()
}

func (c *Config) applyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	for id, p := range c.Piers {
		if v := getenv(EnvKey(id, "TOKEN")); v != "" {
			p.Token = v
		}
		if v := getenv(EnvKey(id, "PASSWORD")); v != "" {
			p.Password = v
		}
		c.Piers[id] = p
	}
	if c.Observe.Redis != nil {
		if v := getenv(EnvPrefix + "REDIS_URL"); v != "" {
			c.Observe.Redis.URL = v
		}
	}
}

// Validate checks required fields and mapping references.
func (c *Config) Validate() error {
	if len(c.Piers) == 0 {
		return fmt.Errorf("%w: at least one pier is required", ErrInvalidConfig)
	}
	for _, id := range c.PierIDs() {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty pier id", ErrInvalidConfig)
		}
		if err := c.Piers[id].validate(); err != nil {
			return fmt.Errorf("%w: piers.%s: %v", ErrInvalidConfig, id, err)
		}
	}
	if len(c.Mappings) == 0 {
		return fmt.Errorf("%w: at least one mapping is required", ErrInvalidConfig)
	}
	for i, m := range c.Mappings {
		for _, e := range []mapping.Endpoint{m.A, m.B} {
			if _, ok := c.Piers[e.Pier]; !ok {
				return &mapping.ConfigError{
					Kind:   mapping.InvalidMapping,
					Detail: fmt.Sprintf("mappings[%d] references unknown pier %q", i, e.Pier),
				}
			}
		}
		switch m.Direction {
		case DirectionBoth, DirectionAToB, DirectionBToA:
		default:
			return &mapping.ConfigError{
				Kind:   mapping.InvalidMapping,
				Detail: fmt.Sprintf("mappings[%d] has unknown direction %q", i, m.Direction),
			}
		}
	}
	if r := c.Observe.Redis; r != nil && r.URL == "" {
		return fmt.Errorf("%w: observe.redis.url is required", ErrInvalidConfig)
	}
	return nil
}

func (p PierConfig) validate() error {
	switch p.Type {
	case TypeDiscord:
		if p.Token == "" {
			return errors.New("token is required")
		}
	case TypeIRC:
		if p.Server == "" {
			return errors.New("server is required")
		}
		if p.Nick == "" {
			return errors.New("nick is required")
		}
		if p.SASL && (p.Username == "" || p.Password == "") {
			return errors.New("sasl requires username and password")
		}
	case TypeTwitch:
		if p.Username == "" {
			return errors.New("username is required")
		}
		if p.Token == "" {
			return errors.New("token is required")
		}
	case TypeWSRelay:
		if p.URL == "" {
			return errors.New("url is required")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown type %q", p.Type)
	}
	return nil
}

// PierIDs returns the configured pier ids, sorted.
func (c *Config) PierIDs() []string {
	ids := make([]string, 0, len(c.Piers))
	for id := range c.Piers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Routes expands the mappings into directed routes, in declaration order.
func (c *Config) Routes() []mapping.Route {
	var routes []mapping.Route
	for _, m := range c.Mappings {
		switch m.Direction {
		case DirectionAToB:
			routes = append(routes, mapping.Route{From: m.A, To: m.B})
		case DirectionBToA:
			routes = append(routes, mapping.Route{From: m.B, To: m.A})
		default:
			routes = append(routes, mapping.Bidirectional(m.A, m.B)...)
		}
	}
	return routes
}

// Mapping builds and structurally validates the channel mapping.
func (c *Config) Mapping() (*mapping.Mapping, error) {
	return mapping.New(c.Routes())
}
