package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushbot/internal/eventbus"
	"pushbot/internal/storage"
	logx "pushbot/pkg/logx"
)

func TestEntry(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	a, ok := Entry(eventbus.Event{Kind: eventbus.KindSubscribe, Time: at, Data: eventbus.SubscriptionEvent{
		ChannelType: "cron", ChannelID: "@daily", Count: 2, Target: "user:tg@1",
	}})
	require.True(t, ok)
	assert.Equal(t, storage.AuditEntry{
		At: at, Kind: "channel/subscribe", ChannelType: "cron", ChannelID: "@daily", Target: "user:tg@1", Count: 2,
	}, a)

	a, ok = Entry(eventbus.Event{Kind: eventbus.KindPush, Time: at, Data: eventbus.PushEvent{
		ID: "p1", Path: "webhook/abc/def", Tag: "deploy", Total: 3, Success: 2, Failed: 1,
	}})
	require.True(t, ok)
	assert.Equal(t, "webhook", a.ChannelType)
	assert.Equal(t, "abc/def", a.ChannelID)
	assert.Equal(t, 3, a.Count)
	assert.Equal(t, 2, a.OK)
	assert.Equal(t, 1, a.Fail)
	assert.JSONEq(t, `{"id":"p1","tag":"deploy"}`, a.MetaJSON)

	a, ok = Entry(eventbus.Event{Kind: eventbus.KindReconcile, Data: eventbus.ReconcileEvent{
		Added: []string{"x/1"}, Failed: []string{"x/2"},
	}})
	require.True(t, ok)
	assert.False(t, a.At.IsZero())
	assert.Equal(t, 1, a.OK)
	assert.Equal(t, 1, a.Fail)

	_, ok = Entry(eventbus.Event{Kind: eventbus.KindPush, Data: "garbage"})
	assert.False(t, ok)
}

func TestConsumerAppendsEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	st := storage.NewMemory()
	c := New(bus, st, logx.Nop())

	require.NoError(t, bus.Publish(eventbus.Event{Kind: eventbus.KindSubscribe, Data: eventbus.SubscriptionEvent{ChannelType: "x", ChannelID: "1", Count: 1}}))
	require.NoError(t, bus.Publish(eventbus.Event{Kind: eventbus.KindUnsubscribe, Data: eventbus.SubscriptionEvent{ChannelType: "x", ChannelID: "1"}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(st.Audit()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := st.Audit()
	assert.Equal(t, "channel/subscribe", got[0].Kind)
	assert.Equal(t, "channel/unsubscribe", got[1].Kind)

	cancel()
	bus.Close()
	require.NoError(t, <-done)
}

func TestConsumerDrainsAfterCancel(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	st := storage.NewMemory()
	c := New(bus, st, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(eventbus.Event{Kind: eventbus.KindPush, Data: eventbus.PushEvent{Path: "x/1", Total: 1, Success: 1}}))
	}
	go func() { _ = c.Run(ctx) }()
	bus.Close()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, c.Wait(waitCtx))
	assert.Len(t, st.Audit(), 5)
}

func TestConsumerStopsWhenBusCloses(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	c := New(bus, storage.NewMemory(), logx.Nop())
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	bus.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
