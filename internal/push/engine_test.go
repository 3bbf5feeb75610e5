package push

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
	"pushbot/internal/tmpl"
	"pushbot/internal/transport"
	logx "pushbot/pkg/logx"
)

type staticSubs map[string][]string

func (s staticSubs) Subscribers(channelType, channelID string) []string {
	return s[channel.Path(channelType, channelID)]
}

type robot struct {
	id, typ string

	mu    sync.Mutex
	got   map[string][]string
	fail  map[string]error
	block map[string]bool
}

func newRobot(id, typ string) *robot {
	return &robot{id: id, typ: typ, got: map[string][]string{}, fail: map[string]error{}, block: map[string]bool{}}
}

func (r *robot) ID() string   { return r.id }
func (r *robot) Type() string { return r.typ }

func (r *robot) Send(ctx context.Context, to chatid.Identity, content string) error {
	key := to.String()
	r.mu.Lock()
	block, err := r.block[key], r.fail[key]
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.got[key] = append(r.got[key], content)
	r.mu.Unlock()
	return nil
}

func (r *robot) received(to chatid.Identity) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[to.String()]
}

type countingRenderer struct {
	inner tmpl.Renderer
	mu    sync.Mutex
	calls []string
}

func (c *countingRenderer) Render(text string, payload any) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, text)
	c.mu.Unlock()
	return c.inner.Render(text, payload)
}

func (c *countingRenderer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type stubProducer struct{}

func (stubProducer) ChannelInfo(context.Context, string) (*channel.Info, error) { return nil, nil }

type fixture struct {
	engine    *Engine
	subs      staticSubs
	templates *tmpl.Store
	render    *countingRenderer
	bus       eventbus.Bus
	tg        *robot
	dc        *robot
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	reg := channel.NewRegistry(logx.Nop())
	reg.MustRegister(channel.Descriptor{
		ID:       "live",
		Title:    "Live",
		Producer: stubProducer{},
		Templates: []channel.TemplateDefinition{
			{Template: "[tg] {{.title}}", RobotType: "telegram"},
			{Template: "{{.title}}"},
		},
	})
	reg.MustRegister(channel.Descriptor{
		ID:        "tgonly",
		Producer:  stubProducer{},
		Templates: []channel.TemplateDefinition{{Template: "tg only", RobotType: "telegram"}},
	})

	robots := transport.NewRegistry()
	tg, dc := newRobot("tg", "telegram"), newRobot("dc", "discord")
	require.NoError(t, robots.Add(tg))
	require.NoError(t, robots.Add(dc))

	templates := tmpl.NewStore(storage.NewMemory(), time.Hour, logx.Nop())
	t.Cleanup(templates.Discard)

	f := &fixture{
		subs:      staticSubs{},
		templates: templates,
		render:    &countingRenderer{inner: tmpl.NewTextRenderer(0)},
		bus:       eventbus.New(),
		tg:        tg,
		dc:        dc,
	}
	t.Cleanup(f.bus.Close)
	f.engine = New(reg, f.subs, templates, robots, f.render, f.bus, opts, logx.Nop())
	return f
}

var (
	a = chatid.Private("tg", "1")
	b = chatid.Group("tg", "-100")
	c = chatid.Private("dc", "9")
)

func payload() map[string]any { return map[string]any{"title": "stream up"} }

func TestPushPartialFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.subs["live/1"] = []string{a.String(), "user:ghost@5", c.String()}

	res, err := f.engine.Push(context.Background(), "live/1", payload(), "")
	require.NoError(t, err)
	assert.False(t, res.IsSuccess)
	assert.Equal(t, 2, res.SuccessCount)
	require.Len(t, res.Errors, 1)
	assert.NotEmpty(t, res.ID)

	var de *DeliveryError
	require.ErrorAs(t, res.Errors[0], &de)
	assert.Equal(t, "user:ghost@5", de.Target)
	assert.ErrorIs(t, res.Errors[0], errs.ErrNotFound)

	assert.Equal(t, []string{"[tg] stream up"}, f.tg.received(a))
	assert.Equal(t, []string{"stream up"}, f.dc.received(c))
}

func TestPushMalformedIdentityContinues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.subs["live/1"] = []string{"garbage", a.String()}

	res, err := f.engine.Push(context.Background(), "live/1", payload(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], errs.ErrParse)
}

func TestPushNoSubscribersIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	events, unsub := f.bus.Subscribe(1, eventbus.KindPush)
	defer unsub()

	res, err := f.engine.Push(context.Background(), "live/none", payload(), "")
	require.NoError(t, err)
	assert.True(t, res.IsSuccess)
	assert.Zero(t, res.SuccessCount)
	assert.Empty(t, res.Errors)
	assert.Zero(t, f.render.count())
	assert.Len(t, events, 0)
}

func TestPushUnknownType(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	_, err := f.engine.Push(context.Background(), "nope/1", payload(), "")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.engine.Push(context.Background(), "nope", payload(), "")
	assert.ErrorIs(t, err, errs.ErrParse)
}

func TestBuiltinRendersAreCachedPerRobotType(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.subs["live/1"] = []string{
		a.String(), b.String(), chatid.Private("tg", "2").String(),
		c.String(), chatid.Private("dc", "10").String(),
	}

	res, err := f.engine.Push(context.Background(), "live/1", payload(), "")
	require.NoError(t, err)
	assert.True(t, res.IsSuccess)
	assert.Equal(t, 5, res.SuccessCount)
	// one render for the telegram template, one for the generic fallback
	assert.Equal(t, 2, f.render.count())

	// the cache lives for one call only
	_, err = f.engine.Push(context.Background(), "live/1", map[string]any{"title": "again"}, "")
	require.NoError(t, err)
	assert.Equal(t, 4, f.render.count())
	assert.Equal(t, []string{"[tg] stream up", "[tg] again"}, f.tg.received(b))
}

func TestCustomTemplatesAreNotCached(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.subs["live/1"] = []string{a.String(), b.String()}
	f.templates.Set(a, "live", "", "A: {{.title}}")
	f.templates.Set(b, "live", "", "A: {{.title}}")

	_, err := f.engine.Push(context.Background(), "live/1", payload(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, f.render.count())
}

func TestTemplatePrecedenceAtPush(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.subs["live/1"] = []string{a.String()}
	ctx := context.Background()

	f.templates.Set(a, "live", "1", "exact {{.title}}")
	f.templates.Set(a, "live", "", "wild {{.title}}")
	_, err := f.engine.Push(ctx, "live/1", payload(), "")
	require.NoError(t, err)

	f.templates.Remove(a, "live", "1")
	_, err = f.engine.Push(ctx, "live/1", payload(), "")
	require.NoError(t, err)

	f.templates.Remove(a, "live", "")
	_, err = f.engine.Push(ctx, "live/1", payload(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"exact stream up", "wild stream up", "[tg] stream up"}, f.tg.received(a))
}

func TestNoDefaultTemplate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.subs["tgonly/1"] = []string{c.String(), a.String()}

	res, err := f.engine.Push(context.Background(), "tgonly/1", payload(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "No default template found")
	assert.Equal(t, []string{"tg only"}, f.tg.received(a))
}

func TestDeliveryErrorsDoNotAbort(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.subs["live/1"] = []string{a.String(), b.String()}
	f.tg.fail[a.String()] = errors.New("bot was blocked by the user")

	res, err := f.engine.Push(context.Background(), "live/1", payload(), "alert")
	require.NoError(t, err)
	assert.False(t, res.IsSuccess)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, []string{"[tg] stream up"}, f.tg.received(b))
}

func TestRenderErrorIsPerRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.subs["live/1"] = []string{a.String(), b.String()}
	f.templates.Set(a, "live", "1", "{{.broken")

	res, err := f.engine.Push(context.Background(), "live/1", payload(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Len(t, res.Errors, 1)
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{SendTimeout: 20 * time.Millisecond})
	f.subs["live/1"] = []string{a.String(), b.String()}
	f.tg.block[a.String()] = true

	res, err := f.engine.Push(context.Background(), "live/1", payload(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], context.DeadlineExceeded)
	assert.Equal(t, []string{"[tg] stream up"}, f.tg.received(b))
}

func TestPushEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{RatePerSec: 1000})
	f.subs["live/1"] = []string{a.String(), "user:ghost@1"}
	events, unsub := f.bus.Subscribe(1, eventbus.KindPush)
	defer unsub()

	res, err := f.engine.Push(context.Background(), "live/1", payload(), "alert")
	require.NoError(t, err)

	e := <-events
	pe, ok := e.Push()
	require.True(t, ok)
	assert.Equal(t, eventbus.PushEvent{ID: res.ID, Path: "live/1", Tag: "alert", Total: 2, Success: 1, Failed: 1}, pe)
}

func TestApplySwapsOptions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.engine.Apply(Options{RatePerSec: 2, SendTimeout: time.Second})
	opts, lim := f.engine.options()
	assert.Equal(t, time.Second, opts.SendTimeout)
	require.NotNil(t, lim)
	f.engine.Apply(Options{})
	_, lim = f.engine.options()
	assert.Nil(t, lim)
}
