package observe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "pierbridge:events"

// RedisConfig holds the Redis stream sink settings.
type RedisConfig struct {
	URL    string `yaml:"url"`    // redis://host:port/db
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

// streamAdder is the subset of the Redis client the sink needs.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends every event to a Redis stream. Write failures are logged
// and otherwise ignored so an unavailable Redis never affects relaying.
type RedisSink struct {
	client  streamAdder
	closer  func() error
	stream  string
	maxLen  int64
	timeout time.Duration
	log     zerolog.Logger
}

// DialRedis connects to Redis and verifies the connection with a PING.
func DialRedis(ctx context.Context, cfg RedisConfig, log zerolog.Logger) (*RedisSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	c := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := newRedisSink(c, cfg, log)
	s.closer = c.Close
	log.Info().Str("stream", s.stream).Msg("Redis event stream connected")
	return s, nil
}

func newRedisSink(c streamAdder, cfg RedisConfig, log zerolog.Logger) *RedisSink {
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{
		client:  c,
		stream:  stream,
		maxLen:  cfg.MaxLen,
		timeout: 3 * time.Second,
		log:     log,
	}
}

func (s *RedisSink) OnEvent(e Event) {
	vals := map[string]any{
		"type":       string(e.Type),
		"pier":       e.Pier,
		"channel":    e.Channel,
		"message_id": e.MessageID,
		"at":         e.At.UnixNano(),
	}
	switch e.Type {
	case RelaySuccess:
		vals["latency_ms"] = e.Latency.Milliseconds()
	case RelayFailure, StartupError:
		vals["error_kind"] = e.ErrorKind
		vals["attempt"] = e.Attempt
		vals["final"] = e.Final
		if e.Err != nil {
			vals["error"] = e.Err.Error()
		}
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		ID:     "*",
		Values: vals,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		s.log.Warn().Err(err).Str("stream", s.stream).Msg("Event stream write failed")
	}
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
