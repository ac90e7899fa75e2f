package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/helixml/screenrelay/api/pkg/types"
)

type ProducerState int32

const (
	ProducerAwaitHandshake ProducerState = iota
	ProducerRegistered
	ProducerIdle
	ProducerStreaming
	ProducerClosed
)

// ProducerSession is one connected desktop client. The reader goroutine
// parses frames, heartbeats and command results; the writer goroutine
// drains a bounded send queue of router-generated envelopes.
type ProducerSession struct {
	ClientID string
	Info     *types.ClientInfo

	router *Router
	conn   *websocket.Conn

	send chan []byte

	state atomic.Int32

	// unix nanos, refreshed on every inbound message / frame
	lastActivity atomic.Int64
	lastFrameAt  atomic.Int64

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newProducerSession(clientID string, conn *websocket.Conn, router *Router) *ProducerSession {
	s := &ProducerSession{
		ClientID: clientID,
		router:   router,
		conn:     conn,
		send:     make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	s.touch()
	return s
}

func (p *ProducerSession) State() ProducerState {
	return ProducerState(p.state.Load())
}

func (p *ProducerSession) touch() {
	p.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity is read by the janitor's heartbeat sweep.
func (p *ProducerSession) LastActivity() time.Time {
	return time.Unix(0, p.lastActivity.Load())
}

func (p *ProducerSession) LastFrameAt() time.Time {
	return time.Unix(0, p.lastFrameAt.Load())
}

// SendEnvelope queues raw bytes for delivery to the desktop client.
// Returns an error when the session is closed or its queue is full, which
// the router treats as "not writable" and falls back to the store.
func (p *ProducerSession) SendEnvelope(data []byte) error {
	select {
	case <-p.closed:
		return fmt.Errorf("producer session closed")
	default:
	}
	select {
	case p.send <- data:
		return nil
	default:
		return fmt.Errorf("producer send queue full")
	}
}

// Run performs the handshake and then services the socket until it dies.
func (p *ProducerSession) Run(ctx context.Context) {
	defer p.shutdown(ctx)

	if !p.awaitHandshake(ctx) {
		return
	}

	go p.writePump(ctx)

	p.conn.SetPongHandler(func(string) error {
		p.touch()
		return p.conn.SetReadDeadline(time.Now().Add(p.router.cfg.HeartbeatTimeout))
	})

	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.router.cfg.HeartbeatTimeout)); err != nil {
			return
		}
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			log.Trace().Str("client_id", p.ClientID).Err(err).Msg("desktop client disconnected")
			return
		}
		p.touch()

		env, err := types.ParseWsEnvelope(data)
		if err != nil {
			p.sendError("invalid JSON")
			continue
		}

		p.handleMessage(ctx, env)

		select {
		case <-p.closed:
			return
		default:
		}
	}
}

// awaitHandshake reads exactly one message, which must be a well-formed
// handshake, and registers the client in the catalog. Registration
// failure is fatal for the connection: one registration_failed message,
// then close 1008. No frames from an unregistered session are ever
// fanned out.
func (p *ProducerSession) awaitHandshake(ctx context.Context) bool {
	if err := p.conn.SetReadDeadline(time.Now().Add(p.router.cfg.HeartbeatTimeout)); err != nil {
		return false
	}
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return false
	}
	p.touch()

	env, err := types.ParseWsEnvelope(data)
	if err != nil || env.Type != types.WsTypeHandshake || env.ClientInfo == nil {
		p.rejectRegistration("malformed handshake")
		return false
	}

	p.Info = env.ClientInfo

	if err := p.router.RegisterProducer(ctx, p); err != nil {
		log.Error().Err(err).Str("client_id", p.ClientID).Msg("catalog registration failed")
		p.rejectRegistration(fmt.Sprintf("catalog registration failed: %s", err))
		return false
	}

	p.state.Store(int32(ProducerRegistered))

	ack := &types.HandshakeAck{
		Type:         types.WsTypeHandshakeAck,
		Timestamp:    types.WsTimestamp(time.Now()),
		ClientID:     p.ClientID,
		DBRegistered: true,
	}
	if !p.writeJSON(ack) {
		return false
	}

	log.Info().
		Str("client_id", p.ClientID).
		Str("name", p.Info.Name).
		Int("monitors", len(p.Info.Monitors)).
		Msg("desktop client registered")
	return true
}

func (p *ProducerSession) handleMessage(ctx context.Context, env *types.WsEnvelope) {
	switch env.Type {
	case types.WsTypeHeartbeat:
		p.router.ProducerHeartbeat(ctx, p.ClientID)
		p.enqueueJSON(&types.HeartbeatAck{
			Type:      types.WsTypeHeartbeatAck,
			Timestamp: types.WsTimestamp(time.Now()),
		})

	case types.WsTypeFrameData:
		if p.markStreamingOnFrame(ctx) {
			p.lastFrameAt.Store(time.Now().UnixNano())
			p.router.RouteFrame(ctx, p.ClientID, env)
		}

	case types.WsTypePollCommands:
		// polling doubles as a heartbeat: it proves the producer alive
		// even when the realtime bus cannot reach it
		p.router.ProducerHeartbeat(ctx, p.ClientID)
		cmds := p.router.PollCommands(ctx, p.ClientID)
		p.enqueueJSON(&types.PendingCommands{
			Type:      types.WsTypePendingCmds,
			Timestamp: types.WsTimestamp(time.Now()),
			Commands:  cmds,
		})

	case types.WsTypeCommandResult:
		if env.CommandID == "" {
			p.sendError("command_result requires commandId")
			return
		}
		status := types.CommandStatus(env.Status)
		if status != types.CommandStatusCompleted && status != types.CommandStatusFailed {
			p.sendError(fmt.Sprintf("invalid command status %q", env.Status))
			return
		}
		p.router.CompleteCommand(ctx, env.CommandID, status, env.Error)

	case types.WsTypeStreamStatus:
		if env.Streaming == nil {
			p.sendError("stream_status requires streaming")
			return
		}
		p.setStreaming(ctx, *env.Streaming)

	default:
		p.sendError(fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// markStreamingOnFrame flips the session to Streaming on the first frame.
// Frames from a session that never finished its handshake are discarded.
func (p *ProducerSession) markStreamingOnFrame(ctx context.Context) bool {
	switch p.State() {
	case ProducerAwaitHandshake, ProducerClosed:
		return false
	case ProducerStreaming:
		return true
	default:
		p.setStreaming(ctx, true)
		return true
	}
}

func (p *ProducerSession) setStreaming(ctx context.Context, streaming bool) {
	if streaming {
		// restart the idle clock: a producer that just declared streaming
		// has not had a chance to send a frame yet
		p.lastFrameAt.Store(time.Now().UnixNano())
		p.state.Store(int32(ProducerStreaming))
	} else {
		p.state.Store(int32(ProducerIdle))
	}
	p.router.SetProducerStreaming(ctx, p.ClientID, streaming)
}

// MarkIdle is called by the janitor when a streaming producer has sent no
// frames for the idle window.
func (p *ProducerSession) MarkIdle(ctx context.Context) {
	if p.State() == ProducerStreaming {
		p.setStreaming(ctx, false)
	}
}

func (p *ProducerSession) enqueueJSON(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("client_id", p.ClientID).Msg("failed to marshal envelope")
		return
	}
	if err := p.SendEnvelope(data); err != nil {
		log.Warn().Err(err).Str("client_id", p.ClientID).Msg("dropping outbound envelope")
	}
}

func (p *ProducerSession) sendError(reason string) {
	p.enqueueJSON(&types.WsError{
		Type:      types.WsTypeError,
		Timestamp: types.WsTimestamp(time.Now()),
		Error:     reason,
	})
}

// rejectRegistration emits the single registration_failed message and
// closes with policy violation (1008).
func (p *ProducerSession) rejectRegistration(reason string) {
	p.writeJSON(&types.RegistrationFailed{
		Type:      types.WsTypeRegFailed,
		Timestamp: types.WsTimestamp(time.Now()),
		Reason:    reason,
	})
	p.Close(websocket.ClosePolicyViolation, types.CloseReasonRegistration)
}

func (p *ProducerSession) writePump(ctx context.Context) {
	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Close(websocket.CloseNormalClosure, types.CloseReasonServerShutdown)
			return
		case <-p.closed:
			return
		case data := <-p.send:
			if !p.write(data) {
				return
			}
		case <-pingTicker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.router.cfg.WriteTimeout))
			p.writeMu.Unlock()
			if err != nil {
				p.Close(websocket.CloseInternalServerErr, "")
				return
			}
		}
	}
}

func (p *ProducerSession) write(data []byte) bool {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(p.router.cfg.WriteTimeout)); err != nil {
		p.Close(websocket.CloseInternalServerErr, "")
		return false
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Trace().Str("client_id", p.ClientID).Err(err).Msg("producer write failed")
		p.Close(websocket.CloseInternalServerErr, "")
		return false
	}
	return true
}

func (p *ProducerSession) writeJSON(msg interface{}) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return p.write(data)
}

// shutdown runs exactly once when Run returns: the session leaves the
// local registry and, if this instance still owns the catalog row, the
// row is removed and the disconnect announced.
func (p *ProducerSession) shutdown(ctx context.Context) {
	p.Close(websocket.CloseNormalClosure, "")
	if p.Info != nil {
		p.router.ProducerGone(ctx, p)
	}
}

// Close marks the session Closed and drops the socket. Safe to call from
// any goroutine; the registry and catalog cleanup happen in shutdown on
// the Run goroutine.
func (p *ProducerSession) Close(code int, reason string) {
	p.closeOnce.Do(func() {
		p.state.Store(int32(ProducerClosed))
		close(p.closed)

		if p.conn != nil {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = p.conn.Close()
		}

		log.Debug().
			Str("client_id", p.ClientID).
			Str("reason", reason).
			Msg("producer session closed")
	})
}
