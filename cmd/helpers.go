package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dayuer/pierbridge/internal/config"
	"github.com/dayuer/pierbridge/internal/logging"
	"github.com/dayuer/pierbridge/internal/mapping"
	"github.com/dayuer/pierbridge/internal/observe"
	"github.com/dayuer/pierbridge/internal/pier"
	"github.com/dayuer/pierbridge/internal/pier/discord"
	"github.com/dayuer/pierbridge/internal/pier/irc"
	"github.com/dayuer/pierbridge/internal/pier/twitch"
	"github.com/dayuer/pierbridge/internal/pier/wsrelay"
)

const sinkFlushTimeout = 5 * time.Second

// buildPiers creates one pier per configured id, each joined to the channels
// the mapping references for it.
func buildPiers(cfg *config.Config, m *mapping.Mapping, inbound pier.Publisher, log zerolog.Logger) ([]pier.Pier, error) {
	piers := make([]pier.Pier, 0, len(cfg.Piers))
	for _, id := range cfg.PierIDs() {
		pc := cfg.Piers[id]
		plog := logging.Component(log, "pier").With().Str("pier", id).Str("type", pc.Type).Logger()
		channels := m.ChannelsFor(id)

		var p pier.Pier
		switch pc.Type {
		case config.TypeDiscord:
			p = discord.New(id, discord.Config{
				Presence:   pc.Presence,
				AllowBots:  pc.AllowBots,
				Ignore:     pc.Ignore,
				AllowEmpty: pc.AllowEmpty,
			}, inbound, plog)
		case config.TypeIRC:
			p = irc.New(id, irc.Config{
				Server:     pc.Server,
				TLS:        pc.TLS,
				Nick:       pc.Nick,
				RealName:   pc.RealName,
				SASL:       pc.SASL,
				Channels:   channels,
				Ignore:     pc.Ignore,
				AllowEmpty: pc.AllowEmpty,
			}, inbound, plog)
		case config.TypeTwitch:
			p = twitch.New(id, twitch.Config{
				Channels:   channels,
				Ignore:     pc.Ignore,
				AllowEmpty: pc.AllowEmpty,
			}, inbound, plog)
		case config.TypeWSRelay:
			p = wsrelay.New(id, wsrelay.Config{
				URL:              pc.URL,
				Channels:         channels,
				MaxMessageLength: pc.MaxMessageLength,
				Ignore:           pc.Ignore,
				AllowEmpty:       pc.AllowEmpty,
			}, inbound, plog)
		default:
			return nil, fmt.Errorf("%w: piers.%s: unknown type %q", config.ErrInvalidConfig, id, pc.Type)
		}
		if len(channels) == 0 {
			plog.Warn().Msg("Pier has no mapped channels")
		}
		piers = append(piers, p)
	}
	return piers, nil
}

func credentials(cfg *config.Config) map[string]pier.Credentials {
	creds := make(map[string]pier.Credentials, len(cfg.Piers))
	for id, pc := range cfg.Piers {
		creds[id] = pc.Credentials()
	}
	return creds
}

type sinkSet struct {
	pool  *observe.Pool
	stats *observe.Stats
	redis *observe.RedisSink
	log   zerolog.Logger
}

// buildSinks fans events out to the log, the in-process counters and, when
// configured, a Redis stream, all behind an async pool. An unreachable Redis
// is logged and skipped.
func buildSinks(ctx context.Context, cfg *config.Config, log zerolog.Logger) *sinkSet {
	s := &sinkSet{
		stats: &observe.Stats{},
		log:   logging.Component(log, "observe"),
	}
	fan := observe.Fanout{observe.NewLogSink(s.log), s.stats}

	if rc := cfg.Observe.Redis; rc != nil {
		rs, err := observe.DialRedis(ctx, *rc, s.log)
		if err != nil {
			s.log.Warn().Err(err).Msg("Redis event stream unavailable, continuing without it")
		} else {
			s.redis = rs
			fan = append(fan, rs)
		}
	}

	s.pool = observe.NewPool(fan, 2, cfg.Observe.PoolBuffer, s.log)
	return s
}

func (s *sinkSet) close() {
	if err := s.pool.Close(sinkFlushTimeout); err != nil {
		s.log.Warn().Err(err).Msg("Event pool did not flush")
	}
	if st := s.pool.Stats(); st.Dropped > 0 {
		s.log.Warn().Uint64("dropped", st.Dropped).Msg("Events dropped by pool")
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Closing redis")
		}
	}
}
