// Package policy implements the allow-list deciding which inbound request
// headers are forwarded to the target.
package policy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultHeaderPatterns forwards credentials, the client identity and any
// extension header. Everything else (Host, Content-Length, hop-by-hop and
// WebSocket handshake headers) is rebuilt by the dialer or dropped.
var DefaultHeaderPatterns = []string{"authorization", "cookie", "user-agent", "x-*"}

// HeaderPolicy matches lower-cased header names against compiled glob patterns.
type HeaderPolicy struct {
	patterns []string
	globs    []glob.Glob
}

// NewHeaderPolicy compiles the given patterns. Matching is case-insensitive.
func NewHeaderPolicy(patterns []string) (*HeaderPolicy, error) {
	p := &HeaderPolicy{}
	for _, raw := range patterns {
		pattern := strings.ToLower(strings.TrimSpace(raw))
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid header pattern '%s': %w", raw, err)
		}
		p.patterns = append(p.patterns, pattern)
		p.globs = append(p.globs, g)
	}
	return p, nil
}

// MustDefault returns the policy built from DefaultHeaderPatterns.
func MustDefault() *HeaderPolicy {
	p, err := NewHeaderPolicy(DefaultHeaderPatterns)
	if err != nil {
		panic(err)
	}
	return p
}

// Patterns returns the normalized patterns of the policy.
func (p *HeaderPolicy) Patterns() []string {
	return append([]string(nil), p.patterns...)
}

// Allow reports whether a header with the given name may be forwarded.
func (p *HeaderPolicy) Allow(name string) bool {
	lname := strings.ToLower(name)
	for _, g := range p.globs {
		if g.Match(lname) {
			return true
		}
	}
	return false
}

// Filter returns a copy of h holding only the allowed headers. All values of
// a multi-valued header are kept.
func (p *HeaderPolicy) Filter(h http.Header) http.Header {
	out := make(http.Header)
	for name, values := range h {
		if !p.Allow(name) {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
