package chatid

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushbot/internal/errs"
)

type robots map[string]bool

func (r robots) HasRobot(id string) bool { return r[id] }

func TestEncodeForms(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		id   Identity
		want string
	}{
		{name: "private", id: Private("tg1", "42"), want: "user:tg1@42"},
		{name: "group", id: Group("tg1", "-100123"), want: "group:tg1@-100123"},
		{name: "nested group", id: NestedGroup("dc", "guild9", "chan7"), want: "group:dc@guild9:chan7"},
		{name: "channel", id: Channel("tg1", "@news"), want: "channel:tg1@@news"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.id.Validate())
			assert.Equal(t, tt.want, Encode(tt.id))
			got, err := Parse(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.id, got)
		})
	}
}

func TestRootDisambiguation(t *testing.T) {
	t.Parallel()
	flat := Group("r", "g")
	nested := NestedGroup("r", "g", "g")
	assert.NotEqual(t, flat, nested)
	assert.NotEqual(t, Encode(flat), Encode(nested))

	back, err := Parse(Encode(nested))
	require.NoError(t, err)
	assert.True(t, back.HasRoot)
	assert.Equal(t, nested, back)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "user", ":tg@1", "user:tg1", "user:@1", "user:tg1@", "group:tg1@:x", "group:tg1@x:"} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, errs.ErrParse, "input %q", raw)
	}

	_, err := Parse("room:tg1@1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.NotErrorIs(t, err, errs.ErrParse)
}

func TestDecodeRequiresLiveRobot(t *testing.T) {
	t.Parallel()
	live := robots{"tg1": true}

	id, err := Decode("user:tg1@42", live)
	require.NoError(t, err)
	assert.Equal(t, Private("tg1", "42"), id)

	_, err = Decode("user:gone@42", live)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = Decode("garbage", live)
	assert.ErrorIs(t, err, errs.ErrParse)
}

func identGen() gopter.Gen {
	token := gen.RegexMatch(`[a-zA-Z0-9_\-]{1,12}`)
	return gopter.CombineGens(gen.IntRange(0, 3), token, token, token).Map(func(v []interface{}) Identity {
		robot, a, b := v[1].(string), v[2].(string), v[3].(string)
		switch v[0].(int) {
		case 0:
			return Private(robot, a)
		case 1:
			return Group(robot, a)
		case 2:
			return NestedGroup(robot, a, b)
		default:
			return Channel(robot, a)
		}
	})
}

func TestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1357)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	properties.Property("parse(encode(x)) == x", prop.ForAll(
		func(id Identity) bool {
			back, err := Parse(Encode(id))
			return err == nil && back == id
		},
		identGen(),
	))
	properties.Property("encoding is prefixed by kind", prop.ForAll(
		func(id Identity) bool {
			return strings.HasPrefix(Encode(id), string(id.Kind)+":")
		},
		identGen(),
	))
	properties.TestingRun(t)
}
