package policy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterDefaultPolicy(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "x")
	in.Set("Cookie", "y")
	in.Set("X-Foo", "z")
	in.Set("Host", "h")
	in.Set("Content-Length", "5")

	out := MustDefault().Filter(in)

	assert.Equal(t, http.Header{
		"Authorization": {"x"},
		"Cookie":        {"y"},
		"X-Foo":         {"z"},
	}, out)
}

func TestAllowIsCaseInsensitive(t *testing.T) {
	p := MustDefault()

	for _, name := range []string{"AUTHORIZATION", "user-agent", "User-Agent", "x-", "X-Claude-Code-Ide-Authorization"} {
		assert.True(t, p.Allow(name), name)
	}
	for _, name := range []string{"Host", "Origin", "Sec-WebSocket-Key", "Upgrade", "Connection", "authorization2", "ax-foo"} {
		assert.False(t, p.Allow(name), name)
	}
}

func TestFilterKeepsAllValuesAndCopies(t *testing.T) {
	in := http.Header{"Cookie": {"a=1", "b=2"}}

	out := MustDefault().Filter(in)
	out["Cookie"][0] = "changed"

	assert.Equal(t, []string{"a=1", "b=2"}, in["Cookie"])
	assert.Len(t, out["Cookie"], 2)
}

func TestNewHeaderPolicy(t *testing.T) {
	p, err := NewHeaderPolicy([]string{" X-Trace-* ", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"x-trace-*"}, p.Patterns())
	assert.True(t, p.Allow("X-Trace-Id"))
	assert.False(t, p.Allow("X-Other"))

	_, err = NewHeaderPolicy([]string{"x-[abc"})
	assert.Error(t, err)
}
