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

	"github.com/helixml/screenrelay/api/pkg/metrics"
	"github.com/helixml/screenrelay/api/pkg/types"
)

type frameKey struct {
	producerID string
	monitorID  string
}

type queuedFrame struct {
	key         frameKey
	frameNumber int64
	data        []byte
}

// ViewerSession is one connected viewer. A reader goroutine parses
// inbound messages and a writer goroutine drains the outbound queues, so
// a slow socket never blocks parsing.
//
// Outbound traffic is split in two: control messages (acks, catalog
// updates, command results) are never dropped and overflow disconnects
// the viewer, while frames are lossy with drop-oldest per
// (producer, monitor) queue.
type ViewerSession struct {
	ID     string
	router *Router
	conn   *websocket.Conn

	mu         sync.Mutex
	subAll     bool
	subs       map[string]map[string]struct{} // producer -> monitor set, empty set = every monitor
	frames     map[frameKey][]queuedFrame
	frameOrder []frameKey

	control chan []byte
	notify  chan struct{}

	cmdCounter atomic.Int64

	// sliding protocol-error window for the repeated-abuse disconnect
	errMu     sync.Mutex
	errStamps []time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newViewerSession(id string, conn *websocket.Conn, router *Router) *ViewerSession {
	return &ViewerSession{
		ID:      id,
		router:  router,
		conn:    conn,
		subs:    make(map[string]map[string]struct{}),
		frames:  make(map[frameKey][]queuedFrame),
		control: make(chan []byte, router.cfg.ControlQueueLen),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// Matches reports whether this viewer subscribed to the given stream.
func (v *ViewerSession) Matches(producerID, monitorID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.subAll {
		return true
	}
	monitors, ok := v.subs[producerID]
	if !ok {
		return false
	}
	if len(monitors) == 0 {
		return true
	}
	_, ok = monitors[monitorID]
	return ok
}

// Subscribe adds a (producer, monitor) pair. An empty producer ID is the
// wildcard for every current and future producer. Duplicate updates
// coalesce, subscriptions are a set.
func (v *ViewerSession) Subscribe(producerID, monitorID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if producerID == "" {
		v.subAll = true
		return
	}
	monitors, ok := v.subs[producerID]
	if !ok {
		monitors = make(map[string]struct{})
		v.subs[producerID] = monitors
	}
	if monitorID != "" {
		monitors[monitorID] = struct{}{}
	}
}

func (v *ViewerSession) Unsubscribe(producerID, monitorID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if producerID == "" {
		v.subAll = false
		v.subs = make(map[string]map[string]struct{})
		return
	}
	if monitorID == "" {
		delete(v.subs, producerID)
		return
	}
	if monitors, ok := v.subs[producerID]; ok {
		delete(monitors, monitorID)
		if len(monitors) == 0 {
			delete(v.subs, producerID)
		}
	}
}

// EnqueueFrame queues a frame for delivery. When the per-stream queue is
// full the oldest queued frame for that stream is replaced, never a newer
// one; the stream stays current at the cost of continuity.
func (v *ViewerSession) EnqueueFrame(key frameKey, frameNumber int64, data []byte) {
	v.mu.Lock()
	q, ok := v.frames[key]
	if !ok {
		v.frameOrder = append(v.frameOrder, key)
	}
	if len(q) >= v.router.cfg.FrameQueueLen {
		q = q[1:]
		metrics.FramesDropped.Inc()
	}
	v.frames[key] = append(q, queuedFrame{key: key, frameNumber: frameNumber, data: data})
	v.mu.Unlock()

	select {
	case v.notify <- struct{}{}:
	default:
	}
}

// popFrame pops the oldest frame of the least recently served stream.
func (v *ViewerSession) popFrame() (queuedFrame, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for len(v.frameOrder) > 0 {
		key := v.frameOrder[0]
		q := v.frames[key]
		if len(q) == 0 {
			v.frameOrder = v.frameOrder[1:]
			delete(v.frames, key)
			continue
		}
		f := q[0]
		if len(q) == 1 {
			delete(v.frames, key)
			v.frameOrder = v.frameOrder[1:]
		} else {
			v.frames[key] = q[1:]
			// rotate so streams share the socket fairly
			v.frameOrder = append(v.frameOrder[1:], key)
		}
		return f, true
	}
	return queuedFrame{}, false
}

// SendControl queues a must-deliver message. A full control queue means
// the viewer cannot keep up with its own acks and catalog updates; the
// session is closed as a slow consumer.
func (v *ViewerSession) SendControl(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("viewer_id", v.ID).Msg("failed to marshal control message")
		return
	}
	select {
	case <-v.closed:
	case v.control <- data:
	default:
		log.Warn().Str("viewer_id", v.ID).Msg("viewer control queue overflow, disconnecting")
		v.Close(websocket.ClosePolicyViolation, types.CloseReasonSlowConsumer)
	}
}

// Run services the session until the socket dies. Caller is the websocket
// handler goroutine; Run spawns the writer and blocks on reads.
func (v *ViewerSession) Run(ctx context.Context) {
	defer v.Close(websocket.CloseNormalClosure, "")

	go v.writePump(ctx)

	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(v.router.cfg.HeartbeatTimeout))
	})

	for {
		if err := v.conn.SetReadDeadline(time.Now().Add(v.router.cfg.HeartbeatTimeout)); err != nil {
			return
		}
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			log.Trace().Str("viewer_id", v.ID).Err(err).Msg("viewer disconnected")
			return
		}

		env, err := types.ParseWsEnvelope(data)
		if err != nil {
			v.protocolError("invalid JSON")
			continue
		}

		v.handleMessage(ctx, env)

		select {
		case <-v.closed:
			return
		default:
		}
	}
}

func (v *ViewerSession) handleMessage(ctx context.Context, env *types.WsEnvelope) {
	now := time.Now()

	switch {
	case env.Type == types.WsTypeHandshake:
		v.SendControl(&types.HandshakeAck{
			Type:      types.WsTypeHandshakeAck,
			Timestamp: types.WsTimestamp(now),
			ClientID:  v.ID,
		})

	case env.Type == types.WsTypeListProducers:
		list, err := v.router.ProducerList(ctx)
		if err != nil {
			log.Error().Err(err).Str("viewer_id", v.ID).Msg("failed to list producers")
			v.SendControl(&types.WsError{
				Type:      types.WsTypeError,
				Timestamp: types.WsTimestamp(now),
				Error:     "catalog unavailable",
			})
			return
		}
		v.SendControl(list)

	case env.Type == types.WsTypeSubscribe:
		v.Subscribe(env.ProducerID, env.MonitorID)

	case env.Type == types.WsTypeUnsubscribe:
		v.Unsubscribe(env.ProducerID, env.MonitorID)

	case env.Type == types.WsTypeFrameAck:
		v.router.RouteFrameAck(ctx, v.ID, env)

	case types.IsCommandKind(env.Type):
		v.router.RouteCommand(ctx, v, env)

	default:
		v.protocolError(fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// NextIdempotencyKey derives a key unique per command attempt from the
// viewer identity, a monotonic counter and the wall clock.
func (v *ViewerSession) NextIdempotencyKey() string {
	return fmt.Sprintf("%s-%d-%d", v.ID, v.cmdCounter.Add(1), time.Now().UnixMilli())
}

// protocolError reports a malformed message back to the viewer. Repeated
// abuse (more than 10 in a minute) closes the connection.
func (v *ViewerSession) protocolError(reason string) {
	v.SendControl(&types.WsError{
		Type:      types.WsTypeError,
		Timestamp: types.WsTimestamp(time.Now()),
		Error:     reason,
	})

	v.errMu.Lock()
	cutoff := time.Now().Add(-time.Minute)
	kept := v.errStamps[:0]
	for _, t := range v.errStamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	v.errStamps = append(kept, time.Now())
	count := len(v.errStamps)
	v.errMu.Unlock()

	if count > 10 {
		v.Close(websocket.ClosePolicyViolation, types.CloseReasonProtocolAbuse)
	}
}

func (v *ViewerSession) writePump(ctx context.Context) {
	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			v.Close(websocket.CloseNormalClosure, types.CloseReasonServerShutdown)
			return
		case <-v.closed:
			return
		case data := <-v.control:
			if !v.write(websocket.TextMessage, data) {
				return
			}
		case <-pingTicker.C:
			if !v.write(websocket.PingMessage, nil) {
				return
			}
		case <-v.notify:
			for {
				// control messages jump the frame queue
				select {
				case data := <-v.control:
					if !v.write(websocket.TextMessage, data) {
						return
					}
					continue
				default:
				}

				f, ok := v.popFrame()
				if !ok {
					break
				}
				if !v.write(websocket.TextMessage, f.data) {
					return
				}
			}
		}
	}
}

// write performs one socket write under the per-write deadline. Any
// failure closes the session.
func (v *ViewerSession) write(messageType int, data []byte) bool {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	deadline := time.Now().Add(v.router.cfg.WriteTimeout)
	if messageType == websocket.PingMessage {
		if err := v.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			v.Close(websocket.CloseInternalServerErr, "")
			return false
		}
		return true
	}

	if err := v.conn.SetWriteDeadline(deadline); err != nil {
		v.Close(websocket.CloseInternalServerErr, "")
		return false
	}
	if err := v.conn.WriteMessage(messageType, data); err != nil {
		log.Trace().Str("viewer_id", v.ID).Err(err).Msg("viewer write failed")
		v.Close(websocket.CloseInternalServerErr, "")
		return false
	}
	return true
}

// Close tears the session down once: deregisters, sends the close frame
// and drops the socket. Safe to call from any goroutine.
func (v *ViewerSession) Close(code int, reason string) {
	v.closeOnce.Do(func() {
		close(v.closed)
		v.router.registry.RemoveViewer(v)

		if v.conn != nil {
			msg := websocket.FormatCloseMessage(code, reason)
			deadline := time.Now().Add(time.Second)
			_ = v.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = v.conn.Close()
		}

		log.Debug().
			Str("viewer_id", v.ID).
			Str("reason", reason).
			Msg("viewer session closed")
	})
}
