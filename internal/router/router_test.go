package router_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/pierbridge/internal/bus"
	"github.com/dayuer/pierbridge/internal/dispatch"
	"github.com/dayuer/pierbridge/internal/mapping"
	"github.com/dayuer/pierbridge/internal/observe"
	"github.com/dayuer/pierbridge/internal/pier"
	"github.com/dayuer/pierbridge/internal/pier/piertest"
	"github.com/dayuer/pierbridge/internal/router"
)

type captured struct {
	mu  sync.Mutex
	out []dispatch.Delivery
	err error
}

func (c *captured) Submit(_ context.Context, d dispatch.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.out = append(c.out, d)
	return nil
}

func (c *captured) deliveries() []dispatch.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dispatch.Delivery(nil), c.out...)
}

func ep(p, c string) mapping.Endpoint {
	return mapping.Endpoint{Pier: p, Channel: c}
}

func registry(t *testing.T, piers ...pier.Pier) *pier.Registry {
	t.Helper()
	reg := pier.NewRegistry(zerolog.Nop())
	for _, p := range piers {
		require.NoError(t, reg.Register(p))
	}
	return reg
}

func message(t *testing.T, pierID, channel, sender, contents string) bus.Message {
	t.Helper()
	msg, err := bus.NewMessage(pierID, channel, sender, contents, false)
	require.NoError(t, err)
	return msg
}

func newRouter(t *testing.T, routes []mapping.Route, out router.Submitter, piers ...pier.Pier) *router.Router {
	t.Helper()
	m, err := mapping.New(routes)
	require.NoError(t, err)
	r, err := router.New(m, registry(t, piers...), out, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestRoute_MappedChannel(t *testing.T) {
	out := &captured{}
	r := newRouter(t,
		[]mapping.Route{{From: ep("A", "#general"), To: ep("B", "lobby")}},
		out, piertest.New("A", nil), piertest.New("B", nil))

	msg := message(t, "A", "#general", "alice", "hi")
	require.NoError(t, r.Route(context.Background(), msg))

	got := out.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Pier)
	assert.Equal(t, "lobby", got[0].Channel)
	assert.Equal(t, "<alice> hi", got[0].Text)
	assert.Equal(t, msg.ID, got[0].MessageID)
	assert.Equal(t, msg.Timestamp, got[0].Captured)
}

func TestRoute_UnmappedChannel(t *testing.T) {
	out := &captured{}
	r := newRouter(t,
		[]mapping.Route{{From: ep("A", "#general"), To: ep("B", "lobby")}},
		out, piertest.New("A", nil), piertest.New("B", nil))

	require.NoError(t, r.Route(context.Background(), message(t, "A", "#random", "alice", "hi")))
	require.NoError(t, r.Route(context.Background(), message(t, "B", "lobby", "bob", "one way only")))

	assert.Empty(t, out.deliveries())
	assert.Equal(t, uint64(2), r.Stats().Unmapped)
}

func TestRoute_BidirectionalPair(t *testing.T) {
	out := &captured{}
	r := newRouter(t,
		mapping.Bidirectional(ep("A", "#general"), ep("B", "lobby")),
		out, piertest.New("A", nil), piertest.New("B", nil))

	require.NoError(t, r.Route(context.Background(), message(t, "A", "#general", "alice", "hi")))
	require.NoError(t, r.Route(context.Background(), message(t, "B", "lobby", "bob", "hey")))

	got := out.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, ep("B", "lobby"), ep(got[0].Pier, got[0].Channel))
	assert.Equal(t, "<alice> hi", got[0].Text)
	assert.Equal(t, ep("A", "#general"), ep(got[1].Pier, got[1].Channel))
	assert.Equal(t, "<bob> hey", got[1].Text)
}

func TestRoute_FanOut(t *testing.T) {
	out := &captured{}
	routes := append(
		mapping.Bidirectional(ep("A", "#general"), ep("B", "lobby")),
		mapping.Bidirectional(ep("A", "#general"), ep("C", "main"))...,
	)
	r := newRouter(t, routes, out,
		piertest.New("A", nil), piertest.New("B", nil), piertest.New("C", nil))

	require.NoError(t, r.Route(context.Background(), message(t, "A", "#general", "alice", "hi all")))

	got := out.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].Pier)
	assert.Equal(t, "C", got[1].Pier)
	assert.Equal(t, uint64(2), r.Stats().Submitted)
}

func TestRoute_TruncatesToDestinationLimit(t *testing.T) {
	out := &captured{}
	b := piertest.New("B", nil)
	b.Limit = 20
	r := newRouter(t,
		[]mapping.Route{{From: ep("A", "#general"), To: ep("B", "lobby")}},
		out, piertest.New("A", nil), b)

	require.NoError(t, r.Route(context.Background(),
		message(t, "A", "#general", "alice", strings.Repeat("x", 100))))

	got := out.deliveries()
	require.Len(t, got, 1)
	assert.Len(t, got[0].Text, 20)
	assert.True(t, strings.HasSuffix(got[0].Text, router.TruncationMarker))
	assert.True(t, strings.HasPrefix(got[0].Text, "<alice> xxx"))
}

func TestRoute_SubmitErrorReported(t *testing.T) {
	out := &captured{err: dispatch.ErrClosed}
	r := newRouter(t,
		[]mapping.Route{{From: ep("A", "#general"), To: ep("B", "lobby")}},
		out, piertest.New("A", nil), piertest.New("B", nil))

	err := r.Route(context.Background(), message(t, "A", "#general", "alice", "hi"))
	assert.ErrorIs(t, err, dispatch.ErrClosed)
}

func TestRoute_SubmitErrorEmitsDrop(t *testing.T) {
	m, err := mapping.New([]mapping.Route{
		{From: ep("A", "#general"), To: ep("B", "lobby")},
		{From: ep("A", "#general"), To: ep("C", "main")},
	})
	require.NoError(t, err)
	rec := &observe.Recorder{}
	r, err := router.New(m,
		registry(t, piertest.New("A", nil), piertest.New("B", nil), piertest.New("C", nil)),
		&captured{err: dispatch.ErrClosed}, zerolog.Nop(), router.WithSink(rec))
	require.NoError(t, err)

	msg := message(t, "A", "#general", "alice", "hi")
	require.Error(t, r.Route(context.Background(), msg))

	drops := rec.OfType(observe.RelayFailure)
	require.Len(t, drops, 2)
	for _, e := range drops {
		assert.Equal(t, observe.KindShutdown, e.ErrorKind)
		assert.True(t, e.Final)
		assert.Equal(t, msg.ID, e.MessageID)
		assert.ErrorIs(t, e.Err, dispatch.ErrClosed)
	}
	assert.Equal(t, ep("B", "lobby"), ep(drops[0].Pier, drops[0].Channel))
	assert.Equal(t, uint64(2), r.Stats().Dropped)
}

func TestNew_RejectsCycles(t *testing.T) {
	tests := []struct {
		name   string
		routes []mapping.Route
	}{
		{
			name: "one-way triangle",
			routes: []mapping.Route{
				{From: ep("A", "1"), To: ep("B", "1")},
				{From: ep("B", "1"), To: ep("C", "1")},
				{From: ep("C", "1"), To: ep("A", "1")},
			},
		},
		{
			name: "bidirectional triangle",
			routes: append(append(
				mapping.Bidirectional(ep("A", "1"), ep("B", "1")),
				mapping.Bidirectional(ep("B", "1"), ep("C", "1"))...),
				mapping.Bidirectional(ep("C", "1"), ep("A", "1"))...),
		},
	}
	piers := registry(t, piertest.New("A", nil), piertest.New("B", nil), piertest.New("C", nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := mapping.New(tt.routes)
			require.NoError(t, err)
			_, err = router.New(m, piers, &captured{}, zerolog.Nop())
			assert.ErrorIs(t, err, mapping.ErrCyclicMapping)
		})
	}
}

func TestNew_RejectsUnknownPier(t *testing.T) {
	m, err := mapping.New([]mapping.Route{{From: ep("A", "1"), To: ep("ghost", "1")}})
	require.NoError(t, err)

	_, err = router.New(m, registry(t, piertest.New("A", nil)), &captured{}, zerolog.Nop())
	require.ErrorIs(t, err, mapping.ErrInvalidMapping)

	var cfgErr *mapping.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Detail, "ghost")
}

func TestRun_RoutesUntilQueueClosed(t *testing.T) {
	out := &captured{}
	r := newRouter(t,
		mapping.Bidirectional(ep("A", "#general"), ep("B", "lobby")),
		out, piertest.New("A", nil), piertest.New("B", nil))

	q := bus.NewQueue(8)
	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, q.Publish(context.Background(), message(t, "A", "#general", "alice", text)))
	}
	q.Close()

	require.NoError(t, r.Run(context.Background(), q))
	got := out.deliveries()
	require.Len(t, got, 3)
	assert.Equal(t, "<alice> one", got[0].Text)
	assert.Equal(t, "<alice> three", got[2].Text)
}

func TestRun_StopsOnContext(t *testing.T) {
	r := newRouter(t,
		mapping.Bidirectional(ep("A", "#general"), ep("B", "lobby")),
		&captured{}, piertest.New("A", nil), piertest.New("B", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, bus.NewQueue(1)) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("router did not stop")
	}
}

// blockingSubmitter holds every submission until ctx ends, like a full lane.
type blockingSubmitter struct {
	entered chan struct{}
}

func (b *blockingSubmitter) Submit(ctx context.Context, _ dispatch.Delivery) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_CancelledReportsQueuedMessages(t *testing.T) {
	m, err := mapping.New(mapping.Bidirectional(ep("A", "#general"), ep("B", "lobby")))
	require.NoError(t, err)
	rec := &observe.Recorder{}
	out := &blockingSubmitter{entered: make(chan struct{}, 1)}
	r, err := router.New(m, registry(t, piertest.New("A", nil), piertest.New("B", nil)),
		out, zerolog.Nop(), router.WithSink(rec))
	require.NoError(t, err)

	q := bus.NewQueue(8)
	require.NoError(t, q.Publish(context.Background(), message(t, "A", "#general", "alice", "one")))
	require.NoError(t, q.Publish(context.Background(), message(t, "B", "lobby", "bob", "two")))
	require.NoError(t, q.Publish(context.Background(), message(t, "A", "#random", "carol", "unmapped")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, q) }()
	<-out.entered
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("router did not stop")
	}

	assert.Zero(t, q.Len())
	drops := rec.OfType(observe.RelayFailure)
	require.Len(t, drops, 2)
	assert.Equal(t, "B", drops[0].Pier)
	assert.Equal(t, "A", drops[1].Pier)
	for _, e := range drops {
		assert.Equal(t, observe.KindShutdown, e.ErrorKind)
		assert.True(t, e.Final)
	}
	assert.Equal(t, uint64(2), r.Stats().Dropped)
}

func TestEndToEnd_RateLimitedThenDelivered(t *testing.T) {
	q := bus.NewQueue(8)
	a := piertest.New("A", q)
	b := piertest.New("B", q)
	reg := registry(t, a, b)
	require.NoError(t, a.Connect(context.Background(), pier.Credentials{}))
	require.NoError(t, b.Connect(context.Background(), pier.Credentials{}))

	rec := &observe.Recorder{}
	d := dispatch.NewManager(dispatch.Config{
		Resolver: reg,
		Sink:     rec,
		Retry:    dispatch.RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Log:      zerolog.Nop(),
	})
	defer d.Close(time.Second)

	m, err := mapping.New(mapping.Bidirectional(ep("A", "#general"), ep("B", "lobby")))
	require.NoError(t, err)
	r, err := router.New(m, reg, d, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx, q) }()

	limited := func() error { return pier.NewSendError(pier.RateLimited, "lobby", errors.New("slow down")) }
	b.FailNext("lobby", limited(), limited(), limited())
	require.True(t, a.Emit("#general", "alice", "hi"))

	require.Eventually(t, func() bool {
		return rec.Count(observe.RelaySuccess) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, rec.Count(observe.RelayFailure))
	assert.Equal(t, []string{"<alice> hi"}, b.SentTexts("lobby"))
	assert.Empty(t, a.Sent())
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  string
	}{
		{"fits", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"unlimited", "hello", 0, "hello"},
		{"cut", "hello world", 8, "hello..."},
		{"tiny limit", "hello world", 2, ".."},
		{"multibyte boundary", "héllo wörld", 5, "h..."},
		{"multibyte kept", "héllo wörld", 6, "hé..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := router.Truncate(tt.text, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			if tt.limit > 0 {
				assert.LessOrEqual(t, len(got), tt.limit)
			}
		})
	}
}
