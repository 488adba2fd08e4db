package irc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/pierbridge/internal/bus"
	"github.com/dayuer/pierbridge/internal/pier"
	"github.com/dayuer/pierbridge/internal/pier/piertest"
)

type fakeConn struct {
	mu        sync.Mutex
	nick      string
	connected bool
	sent      []string
	joins     []string
	failAfter int
	quits     int
}

func (f *fakeConn) Privmsg(target, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && len(f.sent) >= f.failAfter {
		return errors.New("write: broken pipe")
	}
	f.sent = append(f.sent, target+" "+message)
	return nil
}

func (f *fakeConn) Join(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, channel)
	return nil
}

func (f *fakeConn) Connected() bool     { return f.connected }
func (f *fakeConn) CurrentNick() string { return f.nick }
func (f *fakeConn) Quit()               { f.quits++ }

func newTestPier(t *testing.T) (*Pier, *fakeConn, *bus.Queue) {
	t.Helper()
	q := bus.NewQueue(8)
	p := New("libera", Config{
		Server:   "irc.example.net:6697",
		Nick:     "bridge",
		Channels: []string{"#general", "#dev"},
		Ignore:   []string{"otherbridge"},
	}, q, zerolog.Nop())
	c := &fakeConn{nick: "bridge", connected: true}
	p.welcome = make(chan struct{}, 1)
	p.conn = c
	return p, c, q
}

func msg(source, command string, params ...string) ircmsg.Message {
	return ircmsg.MakeMessage(nil, source, command, params...)
}

func receive(t *testing.T, q *bus.Queue) (bus.Message, bool) {
	t.Helper()
	select {
	case m := <-q.Messages():
		return m, true
	case <-time.After(50 * time.Millisecond):
		return bus.Message{}, false
	}
}

func TestContract(t *testing.T) {
	p := New("libera", Config{Server: "irc.example.net:6697", Nick: "bridge"}, bus.NewQueue(1), zerolog.Nop())
	piertest.RunContract(t, p)
}

func TestOnWelcome_JoinsChannels(t *testing.T) {
	p, c, _ := newTestPier(t)
	p.onWelcome(c)

	assert.Equal(t, []string{"#general", "#dev"}, c.joins)
	select {
	case <-p.welcome:
	default:
		t.Fatal("welcome not signalled")
	}
}

func TestMembershipTracking(t *testing.T) {
	p, _, _ := newTestPier(t)

	p.onMembership("bridge", msg("bridge!b@host", "JOIN", "#General"))
	p.onMembership("bridge", msg("alice!a@host", "JOIN", "#dev"))
	assert.True(t, p.isJoined("#general"))
	assert.False(t, p.isJoined("#dev"))

	p.onMembership("bridge", msg("op!o@host", "KICK", "#general", "bridge", "bye"))
	assert.False(t, p.isJoined("#general"))

	p.onMembership("bridge", msg("bridge!b@host", "JOIN", "#dev"))
	p.onMembership("bridge", msg("bridge!b@host", "PART", "#dev"))
	assert.False(t, p.isJoined("#dev"))
}

func TestSendMessage(t *testing.T) {
	p, c, _ := newTestPier(t)
	p.onMembership("bridge", msg("bridge!b@host", "JOIN", "#general"))

	err := p.SendMessage(context.Background(), "#general", "<alice> line one\r\n\n<alice> line two")
	require.NoError(t, err)
	assert.Equal(t, []string{"#general <alice> line one", "#general <alice> line two"}, c.sent)
}

func TestSendMessage_Errors(t *testing.T) {
	p, c, _ := newTestPier(t)

	err := p.SendMessage(context.Background(), "#random", "hi")
	assert.Equal(t, pier.ChannelNotFound, pier.SendErrorKindOf(err))

	p.onMembership("bridge", msg("bridge!b@host", "JOIN", "#general"))
	c.failAfter = 1
	err = p.SendMessage(context.Background(), "#general", "<alice> one")
	require.NoError(t, err)
	err = p.SendMessage(context.Background(), "#general", "<alice> two")
	assert.Equal(t, pier.TransportFailure, pier.SendErrorKindOf(err))

	c.connected = false
	err = p.SendMessage(context.Background(), "#general", "hi")
	assert.Equal(t, pier.TransportFailure, pier.SendErrorKindOf(err))
}

func TestSendMessage_LabelsEveryLine(t *testing.T) {
	p, c, _ := newTestPier(t)
	p.onMembership("bridge", msg("bridge!b@host", "JOIN", "#general"))

	require.NoError(t, p.SendMessage(context.Background(), "#general", "<alice> one\ntwo\nthree"))
	assert.Equal(t, []string{
		"#general <alice> one",
		"#general <alice> two",
		"#general <alice> three",
	}, c.sent)
}

func TestSendMessage_PartialWriteIsNotRetried(t *testing.T) {
	p, c, _ := newTestPier(t)
	p.onMembership("bridge", msg("bridge!b@host", "JOIN", "#general"))
	c.failAfter = 1

	err := p.SendMessage(context.Background(), "#general", "<alice> one\ntwo")
	kind := pier.SendErrorKindOf(err)
	assert.Equal(t, pier.PartialDelivery, kind)
	assert.False(t, kind.Retryable())
	assert.Equal(t, []string{"#general <alice> one"}, c.sent)
}

func TestSendMessage_BeforeJoinEchoIsRetryable(t *testing.T) {
	p, c, _ := newTestPier(t)
	p.onWelcome(c)

	err := p.SendMessage(context.Background(), "#general", "<alice> early")
	kind := pier.SendErrorKindOf(err)
	assert.Equal(t, pier.TransportFailure, kind)
	assert.True(t, kind.Retryable())

	p.onMembership("bridge", msg("bridge!b@host", "JOIN", "#general"))
	require.NoError(t, p.SendMessage(context.Background(), "#general", "<alice> early"))
	assert.Equal(t, []string{"#general <alice> early"}, c.sent)
}

func TestSendMessage_RemovedFromChannel(t *testing.T) {
	p, c, _ := newTestPier(t)
	p.onWelcome(c)
	p.onMembership("bridge", msg("bridge!b@host", "JOIN", "#general"))
	p.onMembership("bridge", msg("op!o@host", "KICK", "#general", "bridge", "bye"))

	err := p.SendMessage(context.Background(), "#general", "hi")
	assert.Equal(t, pier.ChannelNotFound, pier.SendErrorKindOf(err))

	p.onJoinRefused(errBannedFromChan, msg("irc.example.net", errBannedFromChan, "bridge", "#Dev", "Cannot join channel (+b)"))
	err = p.SendMessage(context.Background(), "#dev", "hi")
	assert.Equal(t, pier.ChannelNotFound, pier.SendErrorKindOf(err))

	p.onWelcome(c)
	err = p.SendMessage(context.Background(), "#dev", "hi")
	assert.Equal(t, pier.TransportFailure, pier.SendErrorKindOf(err))
}

func TestOnPrivmsg(t *testing.T) {
	p, _, q := newTestPier(t)

	p.onPrivmsg("bridge", msg("alice!a@host", "PRIVMSG", "#general", "hello there"))
	got, ok := receive(t, q)
	require.True(t, ok)
	assert.Equal(t, "libera", got.SourcePier)
	assert.Equal(t, "#general", got.SourceChannel)
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "hello there", got.Contents)

	p.onPrivmsg("bridge", msg("alice!a@host", "PRIVMSG", "#general", "\x01ACTION waves\x01"))
	got, ok = receive(t, q)
	require.True(t, ok)
	assert.Equal(t, "* alice waves", got.Contents)
}

func TestOnPrivmsg_UsesConfiguredChannelCase(t *testing.T) {
	p, _, q := newTestPier(t)

	p.onPrivmsg("bridge", msg("alice!a@host", "PRIVMSG", "#General", "hi"))
	got, ok := receive(t, q)
	require.True(t, ok)
	assert.Equal(t, "#general", got.SourceChannel)

	p.onPrivmsg("bridge", msg("alice!a@host", "PRIVMSG", "#Elsewhere", "hi"))
	got, ok = receive(t, q)
	require.True(t, ok)
	assert.Equal(t, "#Elsewhere", got.SourceChannel)
}

func TestOnPrivmsg_Filters(t *testing.T) {
	p, _, q := newTestPier(t)

	p.onPrivmsg("bridge", msg("Bridge!b@host", "PRIVMSG", "#general", "my own echo"))
	p.onPrivmsg("bridge", msg("alice!a@host", "PRIVMSG", "bridge", "private"))
	p.onPrivmsg("bridge", msg("otherbridge!o@host", "PRIVMSG", "#general", "relayed"))
	p.onPrivmsg("bridge", msg("alice!a@host", "PRIVMSG", "#general", "\x01VERSION\x01"))
	p.onPrivmsg("bridge", msg("alice!a@host", "PRIVMSG", "#general"))

	_, ok := receive(t, q)
	assert.False(t, ok)
}

func TestShutdown(t *testing.T) {
	p, c, _ := newTestPier(t)
	p.onMembership("bridge", msg("bridge!b@host", "JOIN", "#general"))

	p.Shutdown()
	p.Shutdown()
	assert.Equal(t, 1, c.quits)
	assert.False(t, p.isJoined("#general"))

	err := p.SendMessage(context.Background(), "#general", "hi")
	assert.Equal(t, pier.TransportFailure, pier.SendErrorKindOf(err))
}
