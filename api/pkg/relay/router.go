package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/helixml/screenrelay/api/pkg/config"
	"github.com/helixml/screenrelay/api/pkg/metrics"
	"github.com/helixml/screenrelay/api/pkg/pubsub"
	"github.com/helixml/screenrelay/api/pkg/store"
	"github.com/helixml/screenrelay/api/pkg/system"
	"github.com/helixml/screenrelay/api/pkg/types"
)

const errProducerUnknown = "producer_unknown"
const errProducerNotConnected = "producer_not_connected_on_target"

// Router decides, for every message crossing the relay, whether it is
// delivered to a local socket, broadcast on the realtime bus, or parked
// in the durable command queue for the poll fallback.
type Router struct {
	cfg        config.Relay
	instanceID string
	store      store.Store
	bus        pubsub.PubSub
	registry   *Registry
	recent     *RecentKeys

	subMu sync.Mutex
	subs  []pubsub.Subscription

	watchMu  sync.Mutex
	watchers map[string]*commandWatch
}

type commandWatch struct {
	viewer *ViewerSession
	timer  *time.Timer
}

func NewRouter(cfg config.Relay, instanceID string, st store.Store, bus pubsub.PubSub) *Router {
	return &Router{
		cfg:        cfg,
		instanceID: instanceID,
		store:      st,
		bus:        bus,
		registry:   NewRegistry(),
		recent:     NewRecentKeys(),
		watchers:   make(map[string]*commandWatch),
	}
}

func (r *Router) InstanceID() string   { return r.instanceID }
func (r *Router) Registry() *Registry  { return r.registry }
func (r *Router) Recent() *RecentKeys  { return r.recent }
func (r *Router) Config() config.Relay { return r.cfg }

// Start subscribes this instance to every bus channel. Subscriptions are
// retried with backoff; NATS reconnects transparently after that.
func (r *Router) Start(ctx context.Context) error {
	handlers := map[string]func(payload []byte) error{
		pubsub.TopicFrameData:     r.handleBusFrame,
		pubsub.TopicCommand:       r.handleBusCommand,
		pubsub.TopicFrameAck:      r.handleBusFrameAck,
		pubsub.TopicCatalogChange: r.handleBusCatalogChange,
	}

	for topic, handler := range handlers {
		sub, err := retry.DoWithData(func() (pubsub.Subscription, error) {
			return r.bus.Subscribe(ctx, topic, handler)
		},
			retry.Attempts(5),
			retry.Delay(200*time.Millisecond),
			retry.DelayType(retry.BackOffDelay),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			r.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		r.subMu.Lock()
		r.subs = append(r.subs, sub)
		r.subMu.Unlock()
	}
	return nil
}

func (r *Router) Stop() {
	r.subMu.Lock()
	subs := r.subs
	r.subs = nil
	r.subMu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe from bus")
		}
	}

	r.watchMu.Lock()
	for id, w := range r.watchers {
		w.timer.Stop()
		delete(r.watchers, id)
	}
	r.watchMu.Unlock()
}

// --- producer lifecycle ---

// RegisterProducer upserts the catalog row and indexes the session. The
// catalog write must succeed before the producer counts as registered; a
// failure aborts the handshake.
func (r *Router) RegisterProducer(ctx context.Context, p *ProducerSession) error {
	client := &types.DesktopClient{
		ID:               p.ClientID,
		DisplayName:      p.Info.Name,
		Hostname:         p.Info.Hostname,
		OwnerID:          p.Info.UserID,
		Monitors:         p.Info.Monitors,
		Capabilities:     p.Info.Capabilities,
		OwningInstanceID: r.instanceID,
	}
	if err := r.store.RegisterDesktopClient(ctx, client); err != nil {
		return err
	}

	if old := r.registry.AddProducer(p); old != nil {
		// same desktop client reconnected to this instance; the newer
		// socket owns the identity now
		old.Close(1000, "superseded")
	}

	r.publishCatalogChange(ctx, &types.BusCatalogChange{
		DesktopClientID: p.ClientID,
		Change:          types.CatalogChangeConnected,
		Monitors:        p.Info.Monitors,
	})
	return nil
}

// ProducerGone cleans up after a producer session ends. The catalog row
// is removed only while this instance still owns it; a reconnect to
// another instance has already overwritten the ownership and the stale
// socket must not tear down the live registration.
func (r *Router) ProducerGone(ctx context.Context, p *ProducerSession) {
	if !r.registry.RemoveProducer(p) {
		return
	}

	client, err := r.store.GetDesktopClient(ctx, p.ClientID)
	if err != nil {
		if err != store.ErrNotFound {
			log.Error().Err(err).Str("client_id", p.ClientID).Msg("failed to read catalog during disconnect")
		}
		return
	}
	if client.OwningInstanceID != r.instanceID {
		return
	}

	if err := r.store.UnregisterDesktopClient(ctx, p.ClientID); err != nil {
		log.Error().Err(err).Str("client_id", p.ClientID).Msg("failed to unregister desktop client")
		return
	}
	r.publishCatalogChange(ctx, &types.BusCatalogChange{
		DesktopClientID: p.ClientID,
		Change:          types.CatalogChangeDisconnected,
	})
}

func (r *Router) ProducerHeartbeat(ctx context.Context, clientID string) {
	if err := r.store.HeartbeatDesktopClient(ctx, clientID); err != nil {
		log.Warn().Err(err).Str("client_id", clientID).Msg("heartbeat update failed")
	}
}

func (r *Router) SetProducerStreaming(ctx context.Context, clientID string, streaming bool) {
	if err := r.store.SetDesktopClientStreaming(ctx, clientID, streaming); err != nil {
		log.Warn().Err(err).Str("client_id", clientID).Msg("streaming flag update failed")
		return
	}
	r.publishCatalogChange(ctx, &types.BusCatalogChange{
		DesktopClientID: clientID,
		Change:          types.CatalogChangeStreaming,
	})
}

func (r *Router) publishCatalogChange(ctx context.Context, change *types.BusCatalogChange) {
	data, err := json.Marshal(change)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, pubsub.TopicCatalogChange, data); err != nil {
		metrics.BusPublishErrors.Inc()
		log.Warn().Err(err).Msg("failed to publish catalog change")
	}
}

// --- frames ---

// RouteFrame fans one producer frame out to every matching local viewer
// and broadcasts it exactly once on the bus for the other instances.
func (r *Router) RouteFrame(ctx context.Context, producerID string, env *types.WsEnvelope) {
	msg := &types.FrameDataMessage{
		Type:        types.WsTypeFrameData,
		Timestamp:   env.Timestamp,
		ProducerID:  producerID,
		MonitorID:   env.MonitorID,
		FrameNumber: env.FrameNumber,
		FrameData:   env.FrameData,
		Metadata:    env.Metadata,
	}
	if msg.Timestamp == "" {
		msg.Timestamp = types.WsTimestamp(time.Now())
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	r.fanOutFrame(producerID, env.MonitorID, env.FrameNumber, data, "local")

	busMsg, err := json.Marshal(&types.BusFrame{
		SourceInstanceID: r.instanceID,
		DesktopClientID:  producerID,
		MonitorID:        env.MonitorID,
		FrameNumber:      env.FrameNumber,
		Envelope:         data,
	})
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, pubsub.TopicFrameData, busMsg); err != nil {
		metrics.BusPublishErrors.Inc()
		log.Warn().Err(err).Str("client_id", producerID).Msg("failed to publish frame")
	}
}

func (r *Router) fanOutFrame(producerID, monitorID string, frameNumber int64, data []byte, path string) {
	key := frameKey{producerID: producerID, monitorID: monitorID}
	for _, v := range r.registry.Viewers() {
		if v.Matches(producerID, monitorID) {
			v.EnqueueFrame(key, frameNumber, data)
			metrics.FramesRelayed.WithLabelValues(path).Inc()
		}
	}
}

func (r *Router) handleBusFrame(payload []byte) error {
	var frame types.BusFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return fmt.Errorf("malformed bus frame: %w", err)
	}
	// our own broadcast: local fan-out already happened at publish time
	if frame.SourceInstanceID == r.instanceID {
		return nil
	}
	r.fanOutFrame(frame.DesktopClientID, frame.MonitorID, frame.FrameNumber, frame.Envelope, "bus")
	return nil
}

// --- commands ---

// RouteCommand is the viewer-to-producer path. Local producers get the
// command directly with a pre-completed record; remote producers get a
// pending record plus a targeted bus broadcast, with poll_commands as the
// durable fallback when the bus loses the message.
func (r *Router) RouteCommand(ctx context.Context, v *ViewerSession, env *types.WsEnvelope) {
	if env.DesktopClientID == "" {
		v.protocolError(fmt.Sprintf("%s requires desktopClientId", env.Type))
		return
	}

	now := time.Now()
	cmdID := system.GenerateCommandID()
	key := v.NextIdempotencyKey()
	kind := types.CommandKind(env.Type)

	delivery, err := injectCommandID(env.Raw, cmdID)
	if err != nil {
		v.protocolError("invalid command payload")
		return
	}

	metrics.CommandsEnqueued.Inc()

	// local fast path
	if p, ok := r.registry.GetProducer(env.DesktopClientID); ok {
		if err := p.SendEnvelope(delivery); err == nil {
			processedAt := now.UTC()
			cmd := &types.DesktopCommand{
				ID:               cmdID,
				DesktopClientID:  env.DesktopClientID,
				CommandType:      kind,
				CommandData:      env.Raw,
				Status:           types.CommandStatusCompleted,
				TargetInstanceID: r.instanceID,
				IdempotencyKey:   key,
				ProcessedAt:      &processedAt,
			}
			if _, err := r.store.EnqueueCommand(ctx, cmd); err != nil {
				log.Warn().Err(err).Str("command_id", cmdID).Msg("failed to record direct command")
			}
			metrics.CommandsCompleted.Inc()
			v.SendControl(&types.CommandAck{
				Type:      types.WsTypeCommandAck,
				Timestamp: types.WsTimestamp(now),
				CommandID: cmdID,
				Status:    types.CommandStatusCompleted,
			})
			v.SendControl(&types.CommandResult{
				Type:      types.WsTypeCommandResult,
				Timestamp: types.WsTimestamp(now),
				CommandID: cmdID,
				Status:    types.CommandStatusCompleted,
			})
			return
		}
		// local socket not writable; fall through to the durable path,
		// the janitor will evict the wedged session shortly
	}

	client, err := r.store.GetDesktopClient(ctx, env.DesktopClientID)
	if err != nil {
		reason := errProducerUnknown
		if err != store.ErrNotFound {
			log.Error().Err(err).Str("client_id", env.DesktopClientID).Msg("catalog lookup failed")
			reason = "catalog unavailable"
		}
		metrics.CommandsFailed.Inc()
		v.SendControl(&types.CommandResult{
			Type:      types.WsTypeCommandResult,
			Timestamp: types.WsTimestamp(now),
			CommandID: cmdID,
			Status:    types.CommandStatusFailed,
			Error:     reason,
		})
		return
	}

	cmd := &types.DesktopCommand{
		ID:               cmdID,
		DesktopClientID:  env.DesktopClientID,
		CommandType:      kind,
		CommandData:      env.Raw,
		Status:           types.CommandStatusPending,
		TargetInstanceID: client.OwningInstanceID,
		IdempotencyKey:   key,
	}
	stored, err := r.store.EnqueueCommand(ctx, cmd)
	if err != nil {
		metrics.CommandsFailed.Inc()
		v.SendControl(&types.CommandResult{
			Type:      types.WsTypeCommandResult,
			Timestamp: types.WsTimestamp(now),
			CommandID: cmdID,
			Status:    types.CommandStatusFailed,
			Error:     "command store unavailable",
		})
		return
	}
	if stored.ID != cmdID {
		// duplicate idempotency key: the command already exists, report
		// its current state instead of enqueueing again
		if stored.Terminal() {
			v.SendControl(&types.CommandResult{
				Type:      types.WsTypeCommandResult,
				Timestamp: types.WsTimestamp(now),
				CommandID: stored.ID,
				Status:    stored.Status,
				Error:     stored.ErrorMessage,
			})
			return
		}
		cmdID = stored.ID
		if delivery, err = injectCommandID(env.Raw, cmdID); err != nil {
			return
		}
	}

	busMsg, err := json.Marshal(&types.BusCommand{
		TargetInstanceID: client.OwningInstanceID,
		DesktopClientID:  env.DesktopClientID,
		CommandID:        cmdID,
		IdempotencyKey:   key,
		Envelope:         delivery,
	})
	if err == nil {
		if err := r.bus.Publish(ctx, pubsub.TopicCommand, busMsg); err != nil {
			metrics.BusPublishErrors.Inc()
			log.Warn().Err(err).Str("command_id", cmdID).Msg("failed to publish command, poll fallback will deliver")
		}
	}

	v.SendControl(&types.CommandAck{
		Type:      types.WsTypeCommandAck,
		Timestamp: types.WsTimestamp(now),
		CommandID: cmdID,
		Status:    types.CommandStatusPending,
	})

	r.watchCommand(v, cmdID, kind.TTL(r.cfg.CommandTTLStreaming, r.cfg.CommandTTLAction))
}

// injectCommandID adds the relay-assigned command ID to the viewer's
// envelope so the producer can correlate its command_result. Everything
// else in the message passes through untouched.
func injectCommandID(raw json.RawMessage, cmdID string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	idData, err := json.Marshal(cmdID)
	if err != nil {
		return nil, err
	}
	fields["commandId"] = idData
	return json.Marshal(fields)
}

// handleBusCommand executes the target side of a cross-instance command.
func (r *Router) handleBusCommand(payload []byte) error {
	var cmd types.BusCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("malformed bus command: %w", err)
	}
	if cmd.TargetInstanceID != r.instanceID {
		return nil
	}
	if r.recent.Seen(cmd.IdempotencyKey) {
		log.Debug().Str("command_id", cmd.CommandID).Msg("duplicate command delivery dropped")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, ok := r.registry.GetProducer(cmd.DesktopClientID)
	if ok {
		if err := p.SendEnvelope(cmd.Envelope); err == nil {
			r.CompleteCommand(ctx, cmd.CommandID, types.CommandStatusCompleted, "")
			return nil
		}
	}
	r.CompleteCommand(ctx, cmd.CommandID, types.CommandStatusFailed, errProducerNotConnected)
	return nil
}

// PollCommands returns pending commands for a producer, skipping any this
// instance already delivered in real time. Fetching a command counts as
// its one delivery on this instance.
func (r *Router) PollCommands(ctx context.Context, clientID string) []*types.DesktopCommand {
	cmds, err := r.store.FetchPendingCommands(ctx, clientID, r.cfg.PollBatch)
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("failed to fetch pending commands")
		return nil
	}

	fresh := make([]*types.DesktopCommand, 0, len(cmds))
	for _, cmd := range cmds {
		if r.recent.Seen(cmd.IdempotencyKey) {
			continue
		}
		fresh = append(fresh, cmd)
	}
	return fresh
}

// CompleteCommand applies a terminal status. Duplicate completions hit
// the store's status guard and disappear without effect. When the issuing
// viewer lives on this instance its TTL watcher is resolved immediately.
func (r *Router) CompleteCommand(ctx context.Context, cmdID string, status types.CommandStatus, errMsg string) {
	done, err := r.store.MarkCommandDone(ctx, cmdID, status, errMsg)
	if err != nil {
		log.Error().Err(err).Str("command_id", cmdID).Msg("failed to mark command done")
		return
	}
	if !done {
		return
	}
	switch status {
	case types.CommandStatusCompleted:
		metrics.CommandsCompleted.Inc()
	case types.CommandStatusFailed:
		metrics.CommandsFailed.Inc()
	}

	r.watchMu.Lock()
	w, ok := r.watchers[cmdID]
	if ok {
		w.timer.Stop()
		delete(r.watchers, cmdID)
	}
	r.watchMu.Unlock()

	if ok {
		w.viewer.SendControl(&types.CommandResult{
			Type:      types.WsTypeCommandResult,
			Timestamp: types.WsTimestamp(time.Now()),
			CommandID: cmdID,
			Status:    status,
			Error:     errMsg,
		})
	}
}

// watchCommand guarantees the viewer hears something within the TTL: the
// real command_result when a terminal state is reached in time, a
// failed/expired result when the watcher expires the row itself, or
// command_timeout when even the store cannot say.
func (r *Router) watchCommand(v *ViewerSession, cmdID string, ttl time.Duration) {
	w := &commandWatch{viewer: v}
	w.timer = time.AfterFunc(ttl, func() {
		r.watchMu.Lock()
		delete(r.watchers, cmdID)
		r.watchMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		cmd, err := r.store.GetCommand(ctx, cmdID)
		if err != nil {
			v.SendControl(&types.CommandTimeout{
				Type:      types.WsTypeCommandTimeout,
				Timestamp: types.WsTimestamp(time.Now()),
				CommandID: cmdID,
			})
			return
		}
		if !cmd.Terminal() {
			if done, _ := r.store.MarkCommandDone(ctx, cmdID, types.CommandStatusFailed, "expired"); done {
				metrics.CommandsFailed.Inc()
				metrics.CommandsExpired.Inc()
				v.SendControl(&types.CommandResult{
					Type:      types.WsTypeCommandResult,
					Timestamp: types.WsTimestamp(time.Now()),
					CommandID: cmdID,
					Status:    types.CommandStatusFailed,
					Error:     "expired",
				})
				return
			}
			cmd, err = r.store.GetCommand(ctx, cmdID)
			if err != nil || !cmd.Terminal() {
				v.SendControl(&types.CommandTimeout{
					Type:      types.WsTypeCommandTimeout,
					Timestamp: types.WsTimestamp(time.Now()),
					CommandID: cmdID,
				})
				return
			}
		}
		v.SendControl(&types.CommandResult{
			Type:      types.WsTypeCommandResult,
			Timestamp: types.WsTimestamp(time.Now()),
			CommandID: cmdID,
			Status:    cmd.Status,
			Error:     cmd.ErrorMessage,
		})
	})

	r.watchMu.Lock()
	r.watchers[cmdID] = w
	r.watchMu.Unlock()
}

// --- frame acks ---

// RouteFrameAck forwards latency telemetry to the producer. Acks are pure
// telemetry with no durable fallback; whoever cannot be reached right now
// simply misses the measurement.
func (r *Router) RouteFrameAck(ctx context.Context, viewerID string, env *types.WsEnvelope) {
	if env.ProducerID == "" {
		return
	}

	if p, ok := r.registry.GetProducer(env.ProducerID); ok {
		data, err := json.Marshal(map[string]interface{}{
			"type":        types.WsTypeFrameAck,
			"timestamp":   types.WsTimestamp(time.Now()),
			"producerId":  env.ProducerID,
			"frameNumber": env.FrameNumber,
			"latencyMs":   env.LatencyMs,
			"viewerId":    viewerID,
		})
		if err == nil {
			_ = p.SendEnvelope(data)
		}
		return
	}

	busMsg, err := json.Marshal(&types.BusFrameAck{
		TargetProducerID: env.ProducerID,
		ViewerID:         viewerID,
		FrameNumber:      env.FrameNumber,
		LatencyMs:        env.LatencyMs,
	})
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, pubsub.TopicFrameAck, busMsg); err != nil {
		metrics.BusPublishErrors.Inc()
	}
}

func (r *Router) handleBusFrameAck(payload []byte) error {
	var ack types.BusFrameAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return fmt.Errorf("malformed bus frame ack: %w", err)
	}
	p, ok := r.registry.GetProducer(ack.TargetProducerID)
	if !ok {
		return nil
	}
	data, err := json.Marshal(map[string]interface{}{
		"type":        types.WsTypeFrameAck,
		"timestamp":   types.WsTimestamp(time.Now()),
		"producerId":  ack.TargetProducerID,
		"frameNumber": ack.FrameNumber,
		"latencyMs":   ack.LatencyMs,
		"viewerId":    ack.ViewerID,
	})
	if err != nil {
		return err
	}
	_ = p.SendEnvelope(data)
	return nil
}

// --- catalog view ---

func (r *Router) handleBusCatalogChange(payload []byte) error {
	var change types.BusCatalogChange
	if err := json.Unmarshal(payload, &change); err != nil {
		return fmt.Errorf("malformed catalog change: %w", err)
	}

	now := types.WsTimestamp(time.Now())
	var msg interface{}
	switch change.Change {
	case types.CatalogChangeConnected:
		msg = &types.ProducerConnected{
			Type:       types.WsTypeProducerUp,
			Timestamp:  now,
			ProducerID: change.DesktopClientID,
			Monitors:   change.Monitors,
		}
	case types.CatalogChangeDisconnected:
		msg = &types.ProducerDisconnected{
			Type:       types.WsTypeProducerDown,
			Timestamp:  now,
			ProducerID: change.DesktopClientID,
		}
	default:
		// streaming flips show up on the next list_producers
		return nil
	}

	for _, v := range r.registry.Viewers() {
		v.SendControl(msg)
	}
	return nil
}

// ProducerList builds the viewer-facing catalog view. Connected combines
// a live local socket with catalog freshness, so producers owned by other
// instances show correctly everywhere.
func (r *Router) ProducerList(ctx context.Context) (*types.ProducerList, error) {
	clients, err := r.store.ListDesktopClients(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	list := &types.ProducerList{
		Type:      types.WsTypeProducerList,
		Timestamp: types.WsTimestamp(now),
		Producers: make([]types.ProducerSummary, 0, len(clients)),
	}
	for _, c := range clients {
		_, local := r.registry.GetProducer(c.ID)
		connected := local || now.UTC().Sub(c.UpdatedAt) < r.cfg.LivenessWindow
		list.Producers = append(list.Producers, types.ProducerSummary{
			ID:        c.ID,
			Name:      c.DisplayName,
			Hostname:  c.Hostname,
			Monitors:  c.Monitors,
			Connected: connected,
			Streaming: c.IsStreaming,
		})
	}
	return list, nil
}

// PublishDisconnected lets the janitor announce prunes it performed.
func (r *Router) PublishDisconnected(ctx context.Context, clientID string) {
	r.publishCatalogChange(ctx, &types.BusCatalogChange{
		DesktopClientID: clientID,
		Change:          types.CatalogChangeDisconnected,
	})
}
