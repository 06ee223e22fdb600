// Package handshake derives the parameters of the outbound WebSocket
// connection from an inbound upgrade request.
package handshake

import (
	"net/http"
	"strings"

	"ws-mcp-proxy/internal/policy"
)

const protocolHeader = "Sec-Websocket-Protocol"

// Params describes how to open the connection to the target.
type Params struct {
	// Path is the request URI as received, query included.
	Path string
	// Subprotocols is nil when the client expressed no preference and an
	// empty slice when it asked for nothing.
	Subprotocols []string
	// Header holds the inbound headers allowed by the policy.
	Header http.Header
}

// NoPreference reports whether the client sent no subprotocol header at all.
func (p Params) NoPreference() bool { return p.Subprotocols == nil }

// Negotiate inspects r and returns the outbound connection parameters.
func Negotiate(r *http.Request, hp *policy.HeaderPolicy) Params {
	return Params{
		Path:         RequestPath(r),
		Subprotocols: Subprotocols(r.Header),
		Header:       forwardable(hp.Filter(r.Header)),
	}
}

// forwardable drops the headers the dialer writes itself, whatever the policy allows.
func forwardable(h http.Header) http.Header {
	for name := range h {
		switch lname := strings.ToLower(name); {
		case lname == "upgrade", lname == "connection", lname == "host",
			strings.HasPrefix(lname, "sec-websocket-"):
			delete(h, name)
		}
	}
	return h
}

// RequestPath returns the URI the client asked for, unchanged.
func RequestPath(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

// Subprotocols splits every Sec-WebSocket-Protocol value on commas.
func Subprotocols(h http.Header) []string {
	values, ok := h[protocolHeader]
	if !ok || len(values) == 0 {
		return nil
	}
	if strings.TrimSpace(strings.Join(values, "")) == "" {
		return nil
	}

	protocols := []string{}
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if p := strings.TrimSpace(part); p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	return protocols
}
