package proxy

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ws-mcp-proxy/internal/handshake"
	"ws-mcp-proxy/internal/obs"
	"ws-mcp-proxy/internal/policy"
)

const shutdownTimeout = 5 * time.Second

// WebSocketProxyConfig configures a WebSocketProxy.
type WebSocketProxyConfig struct {
	Name string
	// ListenAddress is host:port of the listener. Port 0 picks a free port.
	ListenAddress string
	// TargetAddress is host:port of the upstream WebSocket server.
	TargetAddress string
	// Subprotocols are advertised to inbound clients.
	Subprotocols     []string
	HeaderPolicy     *policy.HeaderPolicy
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// MaxMessageSize limits one message in either direction. Zero disables it.
	MaxMessageSize int64
	LogPayloads    bool
}

// WebSocketProxy accepts WebSocket clients and relays each one to the
// target over its own outbound connection.
type WebSocketProxy struct {
	name     string
	cfg      WebSocketProxyConfig
	upgrader websocket.Upgrader
	dialer   websocket.Dialer
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewWebSocketProxy creates and configures a new WebSocketProxy instance.
func NewWebSocketProxy(cfg WebSocketProxyConfig) (*WebSocketProxy, error) {
	if cfg.TargetAddress == "" {
		return nil, errors.New("target address must be set")
	}
	if cfg.ListenAddress == "" {
		return nil, errors.New("listen address must be set")
	}
	if cfg.HeaderPolicy == nil {
		cfg.HeaderPolicy = policy.MustDefault()
	}
	if cfg.Name == "" {
		cfg.Name = "ws-mcp-proxy"
	}

	p := &WebSocketProxy{
		name:     cfg.Name,
		cfg:      cfg,
		logger:   log.Logger.With().Str("proxy_name", cfg.Name).Logger(),
		sessions: make(map[string]*Session),
	}
	p.upgrader = websocket.Upgrader{
		Subprotocols: cfg.Subprotocols,
		CheckOrigin:  func(r *http.Request) bool { return true },
	}
	p.dialer = websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	r := mux.NewRouter()
	r.SkipClean(true)
	r.UseEncodedPath()
	r.PathPrefix("/").HandlerFunc(p.serveSession)

	p.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          stdlog.New(p.logger, "", 0),
	}
	return p, nil
}

// Name returns the name of the proxy.
func (p *WebSocketProxy) Name() string { return p.name }

// Listen binds the listening socket. Start calls it when it has not been called yet.
func (p *WebSocketProxy) Listen() error {
	if p.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", p.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.ListenAddress, err)
	}
	p.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (p *WebSocketProxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// ActiveSessions returns the number of sessions currently being served.
func (p *WebSocketProxy) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Start serves clients until ctx is done, then stops accepting, ends every
// running session and returns once they have all finished.
func (p *WebSocketProxy) Start(ctx context.Context) error {
	if err := p.Listen(); err != nil {
		return err
	}
	p.server.BaseContext = func(net.Listener) context.Context { return ctx }

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := p.server.Shutdown(shutdownCtx); err != nil {
			p.logger.Error().Err(err).Msg("WebSocket proxy graceful shutdown failed")
		}
	}()

	p.logger.Info().Str("address", p.listener.Addr().String()).Str("target", p.cfg.TargetAddress).Msg("Starting WebSocket proxy")
	err := p.server.Serve(p.listener)

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (p *WebSocketProxy) track(s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.sessions[s.ID] = s
	p.wg.Add(1)
	return true
}

func (p *WebSocketProxy) untrack(s *Session) {
	p.mu.Lock()
	delete(p.sessions, s.ID)
	p.mu.Unlock()
	p.wg.Done()
}

// serveSession runs one session from upgrade to teardown. A failure, even a
// panic, ends only this session.
func (p *WebSocketProxy) serveSession(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, http.StatusText(http.StatusUpgradeRequired), http.StatusUpgradeRequired)
		return
	}

	s := newSession(r)
	if !p.track(s) {
		http.Error(w, "proxy is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer p.untrack(s)

	logger := p.logger.With().Str("session_id", s.ID).Logger()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("Session failed unexpectedly")
			obs.ErrorsTotal.WithLabelValues("panic").Inc()
			obs.SessionsTotal.WithLabelValues("panic").Inc()
			s.Close()
		}
	}()

	logger.Info().
		Str("path", s.Path).Str("remote_addr", s.RemoteAddr).
		Interface("headers", r.Header).Msg("Client connected to proxy")

	s.Params = handshake.Negotiate(r, p.cfg.HeaderPolicy)
	logger.Debug().
		Strs("offered_subprotocols", s.Params.Subprotocols).
		Bool("no_preference", s.Params.NoPreference()).
		Int("forwarded_headers", len(s.Params.Header)).
		Msg("Negotiated target handshake")

	clientConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not upgrade client connection")
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		obs.SessionsTotal.WithLabelValues("upgrade_failed").Inc()
		return
	}
	s.client = clientConn
	defer s.Close()
	if p.cfg.MaxMessageSize > 0 {
		clientConn.SetReadLimit(p.cfg.MaxMessageSize)
	}

	targetConn, err := p.dialTarget(r.Context(), s.Params)
	if err != nil {
		logger.Error().Err(err).Str("path", s.Path).Msg("Target connection error")
		obs.ErrorsTotal.WithLabelValues("dial").Inc()
		obs.SessionsTotal.WithLabelValues("dial_failed").Inc()
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "target unavailable")
		_ = clientConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		return
	}
	s.target = targetConn
	if p.cfg.MaxMessageSize > 0 {
		targetConn.SetReadLimit(p.cfg.MaxMessageSize)
	}

	logger.Info().
		Str("subprotocol", targetConn.Subprotocol()).
		Str("client_subprotocol", clientConn.Subprotocol()).
		Msg("Connected to target server")

	obs.ActiveSessions.Inc()
	defer obs.ActiveSessions.Dec()

	bridge := NewBridge(clientConn, targetConn, BridgeOptions{
		WriteTimeout: p.cfg.WriteTimeout,
		LogPayloads:  p.cfg.LogPayloads,
		Logger:       logger,
	})
	res := bridge.Run(r.Context())
	s.Close()

	p.logSessionEnd(logger, s, res)
}

// dialTarget opens the outbound connection with the negotiated parameters.
func (p *WebSocketProxy) dialTarget(ctx context.Context, params handshake.Params) (*websocket.Conn, error) {
	dialer := p.dialer
	dialer.Subprotocols = params.Subprotocols

	targetURL := "ws://" + p.cfg.TargetAddress + params.Path
	conn, resp, err := dialer.DialContext(ctx, targetURL, params.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", targetURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", targetURL, err)
	}
	return conn, nil
}

func (p *WebSocketProxy) logSessionEnd(logger zerolog.Logger, s *Session, res Result) {
	duration := time.Since(s.Started)
	obs.SessionDurationSecond.Observe(duration.Seconds())

	up, down := res.Stats[ClientToTarget], res.Stats[TargetToClient]
	ev := logger.Info()
	outcome := "closed"
	if err := res.Err(); err != nil {
		ev = logger.Warn().Err(err)
		outcome = "error"
	}
	obs.SessionsTotal.WithLabelValues(outcome).Inc()

	endedBy := "client"
	switch {
	case res.Cancelled:
		endedBy = "shutdown"
	case res.First == TargetToClient:
		endedBy = "target"
	}
	ev.Str("ended_by", endedBy).
		Dur("duration", duration).
		Int64("client_messages", up.Messages).
		Str("client_bytes", sizestr.ToString(up.Bytes)).
		Int64("target_messages", down.Messages).
		Str("target_bytes", sizestr.ToString(down.Bytes)).
		Msg("Session closed")
}
