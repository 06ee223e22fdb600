package proxy

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ws-mcp-proxy/internal/handshake"
)

// Session is one accepted client connection paired with its target
// connection. It owns both connections exclusively.
type Session struct {
	ID         string
	RemoteAddr string
	Path       string
	Started    time.Time
	Params     handshake.Params

	client *websocket.Conn
	target *websocket.Conn
	once   sync.Once
}

func newSession(r *http.Request) *Session {
	return &Session{
		ID:         uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		Path:       handshake.RequestPath(r),
		Started:    time.Now(),
	}
}

// Close closes whichever connections have been established.
func (s *Session) Close() {
	s.once.Do(func() {
		if s.client != nil {
			_ = s.client.Close()
		}
		if s.target != nil {
			_ = s.target.Close()
		}
	})
}
