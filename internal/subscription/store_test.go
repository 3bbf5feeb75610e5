package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushbot/internal/channel"
	"pushbot/internal/chatid"
	"pushbot/internal/errs"
	"pushbot/internal/eventbus"
	"pushbot/internal/storage"
	logx "pushbot/pkg/logx"
)

// fakeProducer knows a channel once it has been initialized.
type fakeProducer struct {
	mu       sync.Mutex
	live     map[string]bool
	refuse   map[string]bool
	inits    []string
	cleanups []string
	initErr  error
	cleanErr error
}

func newFakeProducer(live ...string) *fakeProducer {
	p := &fakeProducer{live: map[string]bool{}, refuse: map[string]bool{}}
	for _, id := range live {
		p.live[id] = true
	}
	return p
}

func (p *fakeProducer) ChannelInfo(_ context.Context, id string) (*channel.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.live[id] {
		return nil, nil
	}
	return &channel.Info{ID: id, Title: "room " + id, UpdateMode: channel.UpdatePush}, nil
}

func (p *fakeProducer) InitChannel(_ context.Context, id string) (*channel.Info, error) {
	// widen the race window for concurrent subscribers
	time.Sleep(time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inits = append(p.inits, id)
	if p.initErr != nil {
		return nil, p.initErr
	}
	if p.refuse[id] {
		return nil, nil
	}
	p.live[id] = true
	return &channel.Info{ID: id, Title: "room " + id, UpdateMode: channel.UpdatePush}, nil
}

func (p *fakeProducer) CleanupChannel(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups = append(p.cleanups, id)
	if p.cleanErr != nil {
		return p.cleanErr
	}
	delete(p.live, id)
	return nil
}

func (p *fakeProducer) calls() (inits, cleanups []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.inits...), append([]string(nil), p.cleanups...)
}

type fixture struct {
	st   *storage.MemoryStore
	reg  *channel.Registry
	bus  eventbus.Bus
	prod *fakeProducer
	subs *Store
}

func newFixture(t *testing.T, prod *fakeProducer) *fixture {
	t.Helper()
	f := &fixture{
		st:   storage.NewMemory(),
		reg:  channel.NewRegistry(logx.Nop()),
		bus:  eventbus.New(),
		prod: prod,
	}
	f.reg.MustRegister(channel.Descriptor{ID: "x", Title: "X", Producer: prod})
	f.subs = f.reopen(t)
	t.Cleanup(f.bus.Close)
	return f
}

// reopen builds a fresh store over the same storage, as a restarted process would.
func (f *fixture) reopen(t *testing.T) *Store {
	t.Helper()
	s := New(f.st, f.reg, f.bus, time.Hour, logx.Nop())
	require.NoError(t, s.Load(context.Background()))
	t.Cleanup(s.Discard)
	return s
}

var (
	alice = chatid.Private("tg", "1")
	bob   = chatid.NestedGroup("tg", "-100", "7")
)

func TestSubscribeUnknownType(t *testing.T) {
	t.Parallel()
	f := newFixture(t, newFakeProducer())
	err := f.subs.Subscribe(context.Background(), "nope", "1", alice)
	require.ErrorIs(t, err, errs.ErrNotFound)
	assert.EqualError(t, err, "Channel type not found")
}

func TestSubscribeChannelNotFound(t *testing.T) {
	t.Parallel()
	prod := newFakeProducer()
	prod.refuse["404"] = true
	f := newFixture(t, prod)

	err := f.subs.Subscribe(context.Background(), "x", "404", alice)
	require.ErrorIs(t, err, errs.ErrNotFound)
	assert.EqualError(t, err, "Channel not found")
	assert.Zero(t, f.subs.Count("x", "404"))
	assert.Empty(t, f.subs.Ledger())
}

func TestSubscribeInitOnlyWhenUnknown(t *testing.T) {
	t.Parallel()
	prod := newFakeProducer("1")
	f := newFixture(t, prod)
	ctx := context.Background()

	require.NoError(t, f.subs.Subscribe(ctx, "x", "1", alice))
	require.NoError(t, f.subs.Subscribe(ctx, "x", "2", alice))

	inits, _ := prod.calls()
	assert.Equal(t, []string{"2"}, inits)
	assert.Equal(t, []string{"x/1", "x/2"}, f.subs.Ledger())
	assert.Equal(t, []Ref{{Type: "x", ID: "1"}, {Type: "x", ID: "2"}}, f.subs.SubscriptionsOf(alice))
}

func TestSubscribeUnsubscribeCleansUpOnce(t *testing.T) {
	t.Parallel()
	prod := newFakeProducer()
	f := newFixture(t, prod)
	ctx := context.Background()

	require.NoError(t, f.subs.Subscribe(ctx, "x", "1", alice))
	require.NoError(t, f.subs.Unsubscribe(ctx, "x", "1", alice))

	assert.Zero(t, f.subs.Count("x", "1"))
	assert.NotContains(t, f.subs.Snapshot(), "x")
	assert.Empty(t, f.subs.Channels())
	assert.Empty(t, f.subs.Ledger())
	assert.Empty(t, f.subs.SubscriptionsOf(alice))

	_, cleanups := prod.calls()
	assert.Equal(t, []string{"1"}, cleanups)

	// repeating the removal is a silent no-op
	require.NoError(t, f.subs.Unsubscribe(ctx, "x", "1", alice))
	_, cleanups = prod.calls()
	assert.Len(t, cleanups, 1)
}

func TestMultiSubscriberRetention(t *testing.T) {
	t.Parallel()
	prod := newFakeProducer()
	f := newFixture(t, prod)
	ctx := context.Background()

	require.NoError(t, f.subs.Subscribe(ctx, "x", "1", alice))
	require.NoError(t, f.subs.Subscribe(ctx, "x", "1", bob))
	require.NoError(t, f.subs.Unsubscribe(ctx, "x", "1", alice))

	assert.Equal(t, []string{bob.String()}, f.subs.Subscribers("x", "1"))
	assert.Equal(t, []string{"x/1"}, f.subs.Channels())
	_, cleanups := prod.calls()
	assert.Empty(t, cleanups)
}

func TestDuplicateSubscriptionsAreKept(t *testing.T) {
	t.Parallel()
	f := newFixture(t, newFakeProducer())
	ctx := context.Background()

	require.NoError(t, f.subs.Subscribe(ctx, "x", "1", alice))
	require.NoError(t, f.subs.Subscribe(ctx, "x", "1", alice))
	assert.Equal(t, []string{alice.String(), alice.String()}, f.subs.Subscribers("x", "1"))

	// one unsubscribe removes every entry of the identity
	require.NoError(t, f.subs.Unsubscribe(ctx, "x", "1", alice))
	assert.Zero(t, f.subs.Count("x", "1"))
}

func TestUnsubscribeUnknownIdentityIsNoop(t *testing.T) {
	t.Parallel()
	prod := newFakeProducer()
	f := newFixture(t, prod)
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(8, eventbus.KindUnsubscribe)
	defer unsub()

	require.NoError(t, f.subs.Subscribe(ctx, "x", "1", alice))
	require.NoError(t, f.subs.Unsubscribe(ctx, "x", "1", bob))
	require.NoError(t, f.subs.Unsubscribe(ctx, "nope", "1", bob))

	assert.Equal(t, 1, f.subs.Count("x", "1"))
	assert.Len(t, events, 0)
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()
	f := newFixture(t, newFakeProducer())
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(8, eventbus.KindSubscribe, eventbus.KindUnsubscribe)
	defer unsub()

	require.NoError(t, f.subs.Subscribe(ctx, "x", "1", alice))
	require.NoError(t, f.subs.Subscribe(ctx, "x", "1", bob))
	require.NoError(t, f.subs.Unsubscribe(ctx, "x", "1", alice))

	want := []struct {
		kind  eventbus.Kind
		count int
		who   string
	}{
		{eventbus.KindSubscribe, 1, alice.String()},
		{eventbus.KindSubscribe, 2, bob.String()},
		{eventbus.KindUnsubscribe, 1, alice.String()},
	}
	for _, w := range want {
		e := <-events
		assert.Equal(t, w.kind, e.Kind)
		se, ok := e.Subscription()
		require.True(t, ok)
		assert.Equal(t, "x", se.ChannelType)
		assert.Equal(t, "1", se.ChannelID)
		assert.Equal(t, w.count, se.Count)
		assert.Equal(t, w.who, se.Target)
	}
}

func TestPublishFailureDoesNotFailSubscribe(t *testing.T) {
	t.Parallel()
	f := newFixture(t, newFakeProducer())
	f.bus.Close()
	require.NoError(t, f.subs.Subscribe(context.Background(), "x", "1", alice))
	assert.Equal(t, 1, f.subs.Count("x", "1"))
}

func TestConcurrentSubscribeInitsOnce(t *testing.T) {
	t.Parallel()
	prod := newFakeProducer()
	f := newFixture(t, prod)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.subs.Subscribe(context.Background(), "x", "new", chatid.Private("tg", "u")))
		}()
	}
	wg.Wait()

	inits, _ := prod.calls()
	assert.Equal(t, []string{"new"}, inits)
	assert.Equal(t, 16, f.subs.Count("x", "new"))
}

func TestCleanupFailureKeepsLedgerEntry(t *testing.T) {
	t.Parallel()
	prod := newFakeProducer()
	f := newFixture(t, prod)
	ctx := context.Background()

	require.NoError(t, f.subs.Subscribe(ctx, "x", "1", alice))
	prod.cleanErr = errors.New("producer offline")
	require.NoError(t, f.subs.Unsubscribe(ctx, "x", "1", alice))

	assert.Zero(t, f.subs.Count("x", "1"))
	assert.Equal(t, []string{"x/1"}, f.subs.Ledger())

	// next start retries the cleanup
	prod.cleanErr = nil
	rep, err := f.reopen(t).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x/1"}, rep.Removed)
}

func TestLoadRebuildsReverseIndex(t *testing.T) {
	t.Parallel()
	f := newFixture(t, newFakeProducer())
	ctx := context.Background()

	require.NoError(t, f.subs.Subscribe(ctx, "x", "1", alice))
	require.NoError(t, f.subs.Subscribe(ctx, "x", "2", alice))
	require.NoError(t, f.subs.Subscribe(ctx, "x", "2", bob))
	require.NoError(t, f.subs.Flush(ctx))

	again := f.reopen(t)
	assert.Equal(t, []string{"x/1", "x/2"}, again.Channels())
	assert.ElementsMatch(t, []Ref{{"x", "1"}, {"x", "2"}}, again.SubscriptionsOf(alice))
	assert.Equal(t, []Ref{{"x", "2"}}, again.SubscriptionsOf(bob))
	assert.Equal(t, []string{alice.String(), bob.String()}, again.Subscribers("x", "2"))
}

func TestLoadPrunesEmptyLists(t *testing.T) {
	t.Parallel()
	f := newFixture(t, newFakeProducer())
	ctx := context.Background()
	require.NoError(t, f.st.SaveDocument(ctx, storage.DocSubscriptions, Document{
		"x": {"1": {}, "2": {alice.String()}},
		"y": {"9": nil},
	}))

	s := f.reopen(t)
	assert.Equal(t, Document{"x": {"2": {alice.String()}}}, s.Snapshot())
	assert.Equal(t, []string{"x/2"}, s.Channels())
}
