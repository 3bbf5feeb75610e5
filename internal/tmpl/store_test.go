package tmpl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushbot/internal/chatid"
	"pushbot/internal/storage"
	logx "pushbot/pkg/logx"
)

var chat = chatid.Group("tg", "-100")

func newStore(t *testing.T, st storage.Store) *Store {
	t.Helper()
	s := NewStore(st, time.Hour, logx.Nop())
	require.NoError(t, s.Load(context.Background()))
	t.Cleanup(s.Discard)
	return s
}

func TestTemplatePrecedence(t *testing.T) {
	t.Parallel()
	s := newStore(t, storage.NewMemory())

	s.Set(chat, "live", "42", "exact")
	s.Set(chat, "live", "", "wildcard")

	got, ok := s.Get(chat, "live", "42")
	require.True(t, ok)
	assert.Equal(t, "exact", got)

	got, ok = s.Get(chat, "live", "7")
	require.True(t, ok)
	assert.Equal(t, "wildcard", got)

	assert.True(t, s.Remove(chat, "live", "42"))
	got, ok = s.Get(chat, "live", "42")
	require.True(t, ok)
	assert.Equal(t, "wildcard", got)

	assert.True(t, s.Remove(chat, "live", "*"))
	_, ok = s.Get(chat, "live", "42")
	assert.False(t, ok)
}

func TestSetOverwritesAndIsPerChat(t *testing.T) {
	t.Parallel()
	s := newStore(t, storage.NewMemory())
	other := chatid.Private("tg", "1")

	s.Set(chat, "live", "42", "a")
	s.Set(chat, "live", "42", "b")
	got, _ := s.Get(chat, "live", "42")
	assert.Equal(t, "b", got)

	_, ok := s.Get(other, "live", "42")
	assert.False(t, ok)
	_, ok = s.Get(chat, "cron", "42")
	assert.False(t, ok)
}

func TestRemovePrunesEmptyChat(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s := newStore(t, st)

	s.Set(chat, "live", "1", "a")
	s.Set(chat, "live", "2", "b")
	assert.Equal(t, 1, s.Targets())

	assert.True(t, s.Remove(chat, "live", "1"))
	assert.Equal(t, map[string]string{"live/2": "b"}, s.List(chat))
	assert.True(t, s.Remove(chat, "live", "2"))
	assert.False(t, s.Remove(chat, "live", "2"))
	assert.Zero(t, s.Targets())
	assert.Nil(t, s.List(chat))

	require.NoError(t, s.Flush(context.Background()))
	var doc Document
	ok, err := st.LoadDocument(context.Background(), storage.DocCustomTemplates, &doc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, doc)
}

func TestTemplatesSurviveRestart(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s := newStore(t, st)
	s.Set(chat, "live", "", "{{.title}}")
	require.NoError(t, s.Close(context.Background()))

	again := newStore(t, st)
	got, ok := again.Get(chat, "live", "99")
	require.True(t, ok)
	assert.Equal(t, "{{.title}}", got)
}
