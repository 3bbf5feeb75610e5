package channel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushbot/internal/errs"
	logx "pushbot/pkg/logx"
)

type stubProducer struct {
	infos map[string]*Info
	inits []string
}

func (p *stubProducer) ChannelInfo(_ context.Context, id string) (*Info, error) {
	return p.infos[id], nil
}

func (p *stubProducer) InitChannel(_ context.Context, id string) (*Info, error) {
	p.inits = append(p.inits, id)
	return p.infos[id], nil
}

func TestRegisterLastWins(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(logx.Nop())
	first := &stubProducer{}
	second := &stubProducer{infos: map[string]*Info{"1": {ID: "1", Title: "one"}}}

	require.NoError(t, reg.Register(Descriptor{ID: "live", Title: "Live v1", Producer: first}))
	require.NoError(t, reg.Register(Descriptor{ID: "live", Title: "Live v2", Producer: second}))

	d, ok := reg.Get("live")
	require.True(t, ok)
	assert.Equal(t, "Live v2", d.Title)
	assert.Len(t, reg.List(), 1)

	info, err := reg.ChannelInfo(context.Background(), "live", "1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "one", info.Title)
}

func TestChannelInfoUnknown(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(logx.Nop())
	reg.MustRegister(Descriptor{ID: "live", Producer: &stubProducer{}})

	info, err := reg.ChannelInfo(context.Background(), "nope", "1")
	assert.NoError(t, err)
	assert.Nil(t, info)

	info, err = reg.ChannelInfo(context.Background(), "live", "missing")
	assert.NoError(t, err)
	assert.Nil(t, info)

	_, err = reg.InitChannel(context.Background(), "nope", "1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	p := &stubProducer{}
	tests := []struct {
		name string
		d    Descriptor
		ok   bool
	}{
		{name: "ok", d: Descriptor{ID: "x", Producer: p, Templates: []TemplateDefinition{{Template: "a"}, {Template: "b", RobotType: "telegram"}}}, ok: true},
		{name: "empty id", d: Descriptor{Producer: p}},
		{name: "slash", d: Descriptor{ID: "a/b", Producer: p}},
		{name: "no producer", d: Descriptor{ID: "x"}},
		{name: "two generic", d: Descriptor{ID: "x", Producer: p, Templates: []TemplateDefinition{{Template: "a"}, {Template: "b"}}}},
		{name: "duplicate robot type", d: Descriptor{ID: "x", Producer: p, Templates: []TemplateDefinition{{Template: "a", RobotType: "qq"}, {Template: "b", RobotType: "qq"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestTemplateSelection(t *testing.T) {
	t.Parallel()
	d := Descriptor{ID: "x", Templates: []TemplateDefinition{
		{Template: "tg", RobotType: "telegram"},
		{Template: "generic"},
	}}

	tpl, specific, ok := d.Template("telegram")
	assert.True(t, ok)
	assert.True(t, specific)
	assert.Equal(t, "tg", tpl)

	tpl, specific, ok = d.Template("discord")
	assert.True(t, ok)
	assert.False(t, specific)
	assert.Equal(t, "generic", tpl)

	_, _, ok = Descriptor{ID: "y", Templates: []TemplateDefinition{{Template: "tg", RobotType: "telegram"}}}.Template("discord")
	assert.False(t, ok)
}

func TestSplitPath(t *testing.T) {
	t.Parallel()
	typ, id, ok := SplitPath("webhook/a/b")
	assert.True(t, ok)
	assert.Equal(t, "webhook", typ)
	assert.Equal(t, "a/b", id)
	assert.Equal(t, "webhook/a/b", Path(typ, id))

	for _, bad := range []string{"", "x", "/1", "x/"} {
		_, _, ok := SplitPath(bad)
		assert.False(t, ok, bad)
	}
}
