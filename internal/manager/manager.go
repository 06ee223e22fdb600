// Package manager owns the relay's lifecycle: the listening port, the proxy
// lock file and the running proxy.
package manager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ws-mcp-proxy/internal/config"
	"ws-mcp-proxy/internal/lockfile"
	"ws-mcp-proxy/internal/obs"
	"ws-mcp-proxy/internal/policy"
	"ws-mcp-proxy/internal/proxy"
)

// State is the controller's lifecycle state.
type State int

const (
	Starting State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	default:
		return "stopped"
	}
}

// PortPicker returns a port in the inclusive range [min, max].
type PortPicker func(min, max int) int

// RandomPort picks uniformly from [min, max]. Whether the port is free is only
// discovered when binding.
func RandomPort(min, max int) int {
	return min + rand.Intn(max-min+1)
}

// Options configures a Controller.
type Options struct {
	Config     *config.Config
	Store      *lockfile.Store
	TargetPort int
	// PickPort defaults to RandomPort.
	PickPort PortPicker
}

// Controller starts the relay and tears it down exactly once.
type Controller struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	started  bool
	port     int
	lockPath string
	proxy    *proxy.WebSocketProxy
	cancel   context.CancelFunc
	done     chan struct{}
	proxyErr error
}

// New creates a controller in the Starting state.
func New(opts Options) *Controller {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.PickPort == nil {
		opts.PickPort = RandomPort
	}
	return &Controller{
		opts:   opts,
		logger: log.Logger.With().Str("component", "lifecycle").Logger(),
		state:  Starting,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the relay is accepting sessions.
func (c *Controller) Ready() bool { return c.State() == Running }

// proxyPort returns the listening port chosen by Start.
func (c *Controller) proxyPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// LockPath returns the path of the proxy lock file written by Start.
func (c *Controller) LockPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockPath
}

// Start performs the startup sequence. Every error it returns is fatal: the
// relay is not running and no proxy lock file is left behind.
func (c *Controller) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.state != Starting {
		return errors.New("controller already started")
	}
	c.started = true
	defer func() {
		if err != nil {
			c.state = Stopped
		}
	}()

	cfg := c.opts.Config
	store := c.opts.Store
	port := c.opts.PickPort(cfg.PortRange.Min, cfg.PortRange.Max)

	target, err := store.Read(c.opts.TargetPort)
	if err != nil {
		return fmt.Errorf("failed to read target lock file: %w", err)
	}
	if recorded, err := target.Port(); err == nil && recorded != c.opts.TargetPort {
		c.logger.Warn().
			Int("target_port", c.opts.TargetPort).
			Int("recorded_port", recorded).
			Msg("Target lock file names a different port")
	}
	rec, err := lockfile.Derive(target, cfg.NameSuffix, port)
	if err != nil {
		return fmt.Errorf("failed to derive proxy lock file from %s: %w", store.Path(c.opts.TargetPort), err)
	}

	headers, err := policy.NewHeaderPolicy(cfg.ForwardHeaders)
	if err != nil {
		return fmt.Errorf("invalid forward_headers: %w", err)
	}
	p, err := proxy.NewWebSocketProxy(proxy.WebSocketProxyConfig{
		Name:             "ws-mcp-proxy-" + strconv.Itoa(port),
		ListenAddress:    net.JoinHostPort(cfg.ListenHost, strconv.Itoa(port)),
		TargetAddress:    net.JoinHostPort(cfg.TargetHost, strconv.Itoa(c.opts.TargetPort)),
		Subprotocols:     cfg.Subprotocols,
		HeaderPolicy:     headers,
		HandshakeTimeout: cfg.HandshakeTimeout.Std(),
		WriteTimeout:     cfg.WriteTimeout.Std(),
		MaxMessageSize:   cfg.MaxMessageSize,
		LogPayloads:      cfg.LogPayloads,
	})
	if err != nil {
		return err
	}

	var metrics *obs.Server
	if cfg.MetricsAddress != "" {
		metrics, err = obs.Listen(cfg.MetricsAddress, c.Ready)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if err := store.Write(port, rec); err != nil {
		if metrics != nil {
			_ = metrics.Close()
		}
		return fmt.Errorf("failed to write proxy lock file: %w", err)
	}
	c.logger.Info().Str("path", store.Path(port)).Msg("Created proxy lock file")

	if err := p.Listen(); err != nil {
		if metrics != nil {
			_ = metrics.Close()
		}
		c.removeLockFile(port)
		return err
	}

	// Only Shutdown stops the proxy so that the lock file is always removed first.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.port = port
	c.lockPath = store.Path(port)
	c.proxy = p
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		if err := p.Start(runCtx); err != nil {
			c.logger.Error().Err(err).Msg("Proxy exited with error")
			c.mu.Lock()
			c.proxyErr = err
			c.mu.Unlock()
			return
		}
		c.logger.Info().Msg("Proxy stopped gracefully")
	}()
	if metrics != nil {
		go func() {
			if err := metrics.Start(runCtx); err != nil {
				c.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	c.state = Running
	c.logger.Info().
		Int("proxy_port", port).
		Int("target_port", c.opts.TargetPort).
		Str("lock_file", c.lockPath).
		Str("lock_dir", store.Dir()).
		Strs("forward_headers", headers.Patterns()).
		Msgf("Proxy listening on ws://%s, forwarding to ws://%s", p.Addr(), net.JoinHostPort(cfg.TargetHost, strconv.Itoa(c.opts.TargetPort)))
	return nil
}

// Wait blocks until the proxy has stopped and returns its error, if any.
// It returns immediately when Start did not succeed.
func (c *Controller) Wait() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxyErr
}

// Shutdown removes the proxy lock file, stops the proxy and waits for every
// session to end. Only the first call has any effect.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return nil
	}
	c.state = Stopped
	port, lockPath := c.port, c.lockPath
	p, cancel, done := c.proxy, c.cancel, c.done
	c.mu.Unlock()

	ev := c.logger.Warn()
	if p != nil {
		ev = ev.Int("active_sessions", p.ActiveSessions())
	}
	ev.Msg("Shutting down proxy")
	if lockPath != "" {
		c.removeLockFile(port)
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (c *Controller) removeLockFile(port int) {
	store := c.opts.Store
	if err := store.Delete(port); err != nil {
		c.logger.Error().Err(err).Str("path", store.Path(port)).Msg("Failed to remove proxy lock file")
		return
	}
	c.logger.Info().Str("path", store.Path(port)).Msg("Removed proxy lock file")
}
