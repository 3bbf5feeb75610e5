package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushbot/internal/channel"
	"pushbot/internal/errs"
	"pushbot/internal/push"
	logx "pushbot/pkg/logx"
)

type call struct {
	path    string
	payload map[string]any
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	fired chan struct{}
}

func newRecorder() *recorder { return &recorder{fired: make(chan struct{}, 16)} }

func (r *recorder) Push(_ context.Context, path string, payload any, _ string) (push.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call{path: path, payload: payload.(map[string]any)})
	r.mu.Unlock()
	select {
	case r.fired <- struct{}{}:
	default:
	}
	return push.Result{IsSuccess: true, SuccessCount: 1}, nil
}

func (r *recorder) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id    string
		expr  string
		every time.Duration
	}{
		{id: "0_9_*_*_1-5", expr: "0 9 * * 1-5"},
		{id: "*/5_*_*_*_*", expr: "*/5 * * * *"},
		{id: "@hourly", expr: "@hourly"},
		{id: "55m", expr: "@every 55m0s", every: 55 * time.Minute},
		{id: "every:10s", expr: "@every 10s", every: 10 * time.Second},
		{id: "@every_1h", expr: "@every 1h0m0s", every: time.Hour},
		{id: "02:30", expr: "@every 2h30m0s", every: 150 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			s, err := ParseSchedule(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.id, s.ID)
			assert.Equal(t, tt.expr, s.Expr)
			assert.Equal(t, tt.every, s.Every)
		})
	}

	for _, bad := range []string{"", "soon", "00:00", "1ms", "01:75"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func TestScheduleHuman(t *testing.T) {
	t.Parallel()
	s, err := ParseSchedule("15m")
	require.NoError(t, err)
	assert.Equal(t, "every 15m0s", s.Human())
	s, err = ParseSchedule("0_9_*_*_*")
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", s.Human())
}

func TestChannelLifecycle(t *testing.T) {
	t.Parallel()
	p := New(Config{}, newRecorder(), logx.Nop())
	ctx := context.Background()

	info, err := p.ChannelInfo(ctx, "@daily")
	require.NoError(t, err)
	assert.Nil(t, info)

	info, err = p.InitChannel(ctx, "@daily")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "Schedule @daily", info.Title)
	assert.Equal(t, channel.UpdatePush, info.UpdateMode)

	// re-init refreshes without adding a second entry
	_, err = p.InitChannel(ctx, "@daily")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Len())
	assert.Len(t, p.c.Entries(), 1)

	require.NoError(t, p.CleanupChannel(ctx, "@daily"))
	require.NoError(t, p.CleanupChannel(ctx, "@daily"))
	assert.Zero(t, p.Len())
	assert.Empty(t, p.c.Entries())

	info, err = p.ChannelInfo(ctx, "@daily")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestInitRejectsBadSchedules(t *testing.T) {
	t.Parallel()
	p := New(Config{}, newRecorder(), logx.Nop())
	for _, id := range []string{"nope", "99_*_*_*_*", "@weird"} {
		_, err := p.InitChannel(context.Background(), id)
		assert.ErrorIs(t, err, errs.ErrParse, id)
	}
	assert.Zero(t, p.Len())
}

func TestFirePushesTimeAndSpec(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	p := New(Config{Timezone: "UTC"}, rec, logx.Nop())
	s, err := ParseSchedule("0_9_*_*_*")
	require.NoError(t, err)

	p.fire(s)
	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "cron/0_9_*_*_*", calls[0].path)
	assert.Equal(t, "0_9_*_*_*", calls[0].payload["spec"])
	assert.Equal(t, "0 9 * * *", calls[0].payload["schedule"])
	_, err = time.Parse(time.RFC3339, calls[0].payload["time"].(string))
	assert.NoError(t, err)
}

func TestRunningScheduleFires(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	p := New(Config{}, rec, logx.Nop())
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop(ctx) }()

	_, err := p.InitChannel(ctx, "every:1s")
	require.NoError(t, err)

	select {
	case <-rec.fired:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule did not fire")
	}
	assert.Equal(t, "cron/every:1s", rec.snapshot()[0].path)
}

func TestApplyTimezoneKeepsSchedules(t *testing.T) {
	t.Parallel()
	p := New(Config{}, newRecorder(), logx.Nop())
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop(ctx) }()

	_, err := p.InitChannel(ctx, "@hourly")
	require.NoError(t, err)
	_, err = p.InitChannel(ctx, "30m")
	require.NoError(t, err)

	p.Apply(Config{Timezone: "UTC"})
	assert.Equal(t, "UTC", p.loc.String())
	assert.Equal(t, 2, p.Len())
	assert.Len(t, p.c.Entries(), 2)

	require.NoError(t, p.CleanupChannel(ctx, "30m"))
	assert.Len(t, p.c.Entries(), 1)
}

func TestDescriptorIsValid(t *testing.T) {
	t.Parallel()
	p := New(Config{}, newRecorder(), logx.Nop())
	d := p.Descriptor()
	require.NoError(t, d.Validate())
	tpl, specific, ok := d.Template("discord")
	require.True(t, ok)
	assert.False(t, specific)
	assert.Contains(t, tpl, "{{.schedule}}")
}
