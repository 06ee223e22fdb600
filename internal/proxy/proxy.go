// Package proxy defines the core interface for proxy services and the
// WebSocket relay that implements it.
package proxy

import (
	"context"
)

// Proxy is the interface for all proxy services.
type Proxy interface {
	Name() string
	Start(ctx context.Context) error
}

var _ Proxy = (*WebSocketProxy)(nil)
