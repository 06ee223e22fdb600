package handshake

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ws-mcp-proxy/internal/policy"
)

func TestSubprotocols(t *testing.T) {
	h := http.Header{}
	assert.Nil(t, Subprotocols(h), "absent header means no preference")

	h.Set("Sec-WebSocket-Protocol", "a, b")
	assert.Equal(t, []string{"a", "b"}, Subprotocols(h))

	h.Set("Sec-WebSocket-Protocol", "   ")
	assert.Nil(t, Subprotocols(h))

	h.Set("Sec-WebSocket-Protocol", " , ")
	got := Subprotocols(h)
	assert.NotNil(t, got, "a header with no tokens offers nothing")
	assert.Empty(t, got)

	h = http.Header{}
	h.Add("Sec-WebSocket-Protocol", "mcp")
	h.Add("Sec-WebSocket-Protocol", "json ,  v2")
	assert.Equal(t, []string{"mcp", "json", "v2"}, Subprotocols(h))
}

func TestNegotiate(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/some//path?token=a%2Fb", nil)
	r.Header.Set("Authorization", "x")
	r.Header.Set("Cookie", "y")
	r.Header.Set("X-Foo", "z")
	r.Header.Set("Content-Length", "5")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("Sec-WebSocket-Protocol", "mcp")

	params := Negotiate(r, policy.MustDefault())

	assert.Equal(t, "/some//path?token=a%2Fb", params.Path)
	assert.Equal(t, []string{"mcp"}, params.Subprotocols)
	assert.False(t, params.NoPreference())
	assert.Equal(t, http.Header{
		"Authorization": {"x"},
		"Cookie":        {"y"},
		"X-Foo":         {"z"},
	}, params.Header)
}

func TestNegotiateWithoutProtocol(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	params := Negotiate(r, policy.MustDefault())

	assert.Equal(t, "/", params.Path)
	assert.True(t, params.NoPreference())
	assert.Empty(t, params.Header)
}

func TestRequestPathFallsBackToURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/a?b=c", nil)
	r.RequestURI = ""
	assert.Equal(t, "/a?b=c", RequestPath(r))
}

func TestHandshakeHeadersNeverForwarded(t *testing.T) {
	hp, err := policy.NewHeaderPolicy([]string{"*"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("Sec-WebSocket-Version", "13")
	r.Header.Set("Accept-Language", "en")

	params := Negotiate(r, hp)
	assert.Equal(t, http.Header{"Accept-Language": {"en"}}, params.Header)
}
