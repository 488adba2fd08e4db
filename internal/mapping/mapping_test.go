package mapping

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	discordGeneral = Endpoint{Pier: "discord", Channel: "1001"}
	ircGeneral     = Endpoint{Pier: "irc", Channel: "#general"}
	twitchGeneral  = Endpoint{Pier: "twitch", Channel: "streamer"}
)

func TestNew_BidirectionalLookup(t *testing.T) {
	m, err := New(Bidirectional(discordGeneral, ircGeneral))
	require.NoError(t, err)

	assert.Equal(t, []Endpoint{ircGeneral}, m.DestinationsFor("discord", "1001"))
	assert.Equal(t, []Endpoint{discordGeneral}, m.DestinationsFor("irc", "#general"))
	assert.Equal(t, 2, m.Len())
}

func TestDestinationsFor_Unmapped(t *testing.T) {
	m, err := New(Bidirectional(discordGeneral, ircGeneral))
	require.NoError(t, err)

	assert.Empty(t, m.DestinationsFor("irc", "#random"))
	assert.Empty(t, m.DestinationsFor("nope", "1001"))
}

func TestDestinationsFor_FanOutKeepsDeclarationOrder(t *testing.T) {
	m, err := New([]Route{
		{From: discordGeneral, To: twitchGeneral},
		{From: discordGeneral, To: ircGeneral},
	})
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{twitchGeneral, ircGeneral}, m.DestinationsFor("discord", "1001"))
}

func TestNew_DuplicateRoutesCollapse(t *testing.T) {
	routes := append(Bidirectional(discordGeneral, ircGeneral),
		Route{From: discordGeneral, To: ircGeneral},
		Route{From: ircGeneral, To: discordGeneral},
	)
	m, err := New(routes)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.Len(t, m.DestinationsFor("discord", "1001"), 1)
}

func TestNew_RejectsInvalidRoutes(t *testing.T) {
	tests := []struct {
		name   string
		routes []Route
		want   error
	}{
		{
			name:   "empty channel",
			routes: []Route{{From: Endpoint{Pier: "irc"}, To: discordGeneral}},
			want:   ErrInvalidMapping,
		},
		{
			name:   "empty pier",
			routes: []Route{{From: Endpoint{Channel: "#a"}, To: discordGeneral}},
			want:   ErrInvalidMapping,
		},
		{
			name:   "same pier",
			routes: []Route{{From: ircGeneral, To: Endpoint{Pier: "irc", Channel: "#other"}}},
			want:   ErrInvalidMapping,
		},
		{
			name: "two counterparts on one pier",
			routes: []Route{
				{From: discordGeneral, To: ircGeneral},
				{From: discordGeneral, To: Endpoint{Pier: "irc", Channel: "#other"}},
			},
			want: ErrInvalidMapping,
		},
		{
			name:   "route to itself",
			routes: []Route{{From: ircGeneral, To: ircGeneral}},
			want:   ErrCyclicMapping,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.routes)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestPiersAndChannels(t *testing.T) {
	m, err := New(append(
		Bidirectional(discordGeneral, ircGeneral),
		Bidirectional(Endpoint{Pier: "discord", Channel: "1002"}, Endpoint{Pier: "irc", Channel: "#dev"})...,
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"discord", "irc"}, m.Piers())
	assert.Equal(t, []string{"#dev", "#general"}, m.ChannelsFor("irc"))
	assert.Equal(t, []string{"1001", "1002"}, m.ChannelsFor("discord"))
	assert.Empty(t, m.ChannelsFor("twitch"))
}

func TestRoutes_ReturnsCopy(t *testing.T) {
	m, err := New(Bidirectional(discordGeneral, ircGeneral))
	require.NoError(t, err)

	routes := m.Routes()
	routes[0].To = twitchGeneral
	assert.Equal(t, []Endpoint{ircGeneral}, m.DestinationsFor("discord", "1001"))
}

func TestConfigError_Message(t *testing.T) {
	err := &ConfigError{Kind: CyclicMapping, Detail: "a -> b"}
	assert.Equal(t, "cyclic_mapping: a -> b", err.Error())
	assert.False(t, errors.Is(err, ErrInvalidMapping))
}
