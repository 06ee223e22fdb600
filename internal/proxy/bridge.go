package proxy

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ws-mcp-proxy/internal/obs"
)

// closeGrace bounds the best-effort close frames written during teardown.
const closeGrace = time.Second

// Direction identifies one half of the relay.
type Direction int

const (
	// ClientToTarget relays messages read from the client to the target.
	ClientToTarget Direction = iota
	// TargetToClient relays messages read from the target to the client.
	TargetToClient
)

func (d Direction) String() string {
	if d == ClientToTarget {
		return "client->target"
	}
	return "target->client"
}

// label is the prefix of per-message log lines.
func (d Direction) label() string {
	if d == ClientToTarget {
		return "[CLIENT -> TARGET]"
	}
	return "[TARGET -> CLIENT]"
}

// BridgeOptions tunes a Bridge.
type BridgeOptions struct {
	// WriteTimeout is the deadline for relaying one message. Zero disables it.
	WriteTimeout time.Duration
	// LogPayloads logs the raw content of every message at info level.
	LogPayloads bool
	Logger      zerolog.Logger
}

// Stats counts what one direction relayed.
type Stats struct {
	Messages int64
	Bytes    int64
}

// Result is the outcome of both directions of a bridge.
type Result struct {
	// First is the direction that ended first. Meaningless if Cancelled.
	First Direction
	// Cancelled is set when the bridge was stopped through its context.
	Cancelled bool
	Errors    [2]error
	Stats     [2]Stats
}

// Err joins the errors of both directions.
func (r Result) Err() error {
	return errors.Join(r.Errors[ClientToTarget], r.Errors[TargetToClient])
}

// Bridge relays messages between a client and a target connection until
// either side ends.
type Bridge struct {
	client   *websocket.Conn
	target   *websocket.Conn
	opts     BridgeOptions
	logger   zerolog.Logger
	stopping atomic.Bool
	once     sync.Once
}

// NewBridge pairs two established connections. The bridge closes both when Run returns.
func NewBridge(client, target *websocket.Conn, opts BridgeOptions) *Bridge {
	return &Bridge{
		client: client,
		target: target,
		opts:   opts,
		logger: opts.Logger,
	}
}

type ending struct {
	dir Direction
	err error
}

// Run starts both directions, waits for the first one to end (or ctx to be
// done), tears the connections down so the other direction unblocks, and
// returns once both have finished.
func (b *Bridge) Run(ctx context.Context) Result {
	b.client.SetPingHandler(forwardControl(websocket.PingMessage, b.target))
	b.target.SetPingHandler(forwardControl(websocket.PingMessage, b.client))
	b.client.SetPongHandler(forwardControl(websocket.PongMessage, b.target))
	b.target.SetPongHandler(forwardControl(websocket.PongMessage, b.client))

	var res Result
	endings := make(chan ending, 2)

	var g errgroup.Group
	for _, d := range []Direction{ClientToTarget, TargetToClient} {
		d := d
		g.Go(func() error {
			raw := b.pump(d, &res.Stats[d])
			err := b.classify(raw)
			res.Errors[d] = err
			endings <- ending{dir: d, err: raw}
			return err
		})
	}

	var first ending
	select {
	case first = <-endings:
		res.First = first.dir
	case <-ctx.Done():
		res.Cancelled = true
		first.err = ctx.Err()
	}
	code, text := closeFrameFor(first.err)
	b.teardown(code, text)
	_ = g.Wait()
	return res
}

func (b *Bridge) conns(d Direction) (src, dst *websocket.Conn) {
	if d == ClientToTarget {
		return b.client, b.target
	}
	return b.target, b.client
}

// pump relays one direction, one whole message at a time, until reading or
// writing fails.
func (b *Bridge) pump(d Direction, stats *Stats) error {
	src, dst := b.conns(d)
	for {
		mtype, reader, err := src.NextReader()
		if err != nil {
			return err
		}
		payload, err := io.ReadAll(reader)
		if err != nil {
			return err
		}
		b.logMessage(d, mtype, payload)

		if b.opts.WriteTimeout > 0 {
			_ = dst.SetWriteDeadline(time.Now().Add(b.opts.WriteTimeout))
		}
		if err := dst.WriteMessage(mtype, payload); err != nil {
			obs.ErrorsTotal.WithLabelValues("write").Inc()
			return err
		}

		stats.Messages++
		stats.Bytes += int64(len(payload))
		obs.MessagesTotal.WithLabelValues(d.String()).Inc()
		obs.BytesTotal.WithLabelValues(d.String()).Add(float64(len(payload)))
	}
}

func (b *Bridge) logMessage(d Direction, mtype int, payload []byte) {
	if !b.opts.LogPayloads {
		b.logger.Debug().Str("direction", d.String()).Int("bytes", len(payload)).Msg(d.label())
		return
	}
	ev := b.logger.Info().Str("direction", d.String()).Int("bytes", len(payload))
	if mtype == websocket.BinaryMessage {
		ev = ev.Str("type", "binary").Hex("payload", payload)
	} else {
		ev = ev.Str("type", "text").Bytes("payload", payload)
	}
	ev.Msg(d.label())
}

// classify turns the error that ended a direction into the direction's
// result. Orderly closes, and anything observed after teardown began, are
// not errors.
func (b *Bridge) classify(err error) error {
	if err == nil || b.stopping.Load() {
		return nil
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	// Any close frame, whatever its code, and a dropped connection are both
	// the peer leaving.
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return nil
	}
	return err
}

// teardown tells both peers the session is over and closes the connections.
func (b *Bridge) teardown(code int, text string) {
	b.once.Do(func() {
		b.stopping.Store(true)
		deadline := time.Now().Add(closeGrace)
		msg := websocket.FormatCloseMessage(code, text)
		_ = b.client.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = b.target.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = b.client.Close()
		_ = b.target.Close()
	})
}

// closeFrameFor picks the close frame mirrored to the peers after err ended
// the first direction.
func closeFrameFor(err error) (int, string) {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		switch ce.Code {
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			return websocket.CloseGoingAway, ""
		default:
			return ce.Code, ce.Text
		}
	case errors.Is(err, websocket.ErrReadLimit):
		return websocket.CloseMessageTooBig, "message too big"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return websocket.CloseGoingAway, "proxy shutting down"
	case err == nil:
		return websocket.CloseNormalClosure, ""
	default:
		return websocket.CloseGoingAway, ""
	}
}

// forwardControl relays a ping or pong to dest. Failures are left for the
// pumps to notice.
func forwardControl(messageType int, dest *websocket.Conn) func(string) error {
	return func(appData string) error {
		_ = dest.WriteControl(messageType, []byte(appData), time.Now().Add(closeGrace))
		return nil
	}
}
