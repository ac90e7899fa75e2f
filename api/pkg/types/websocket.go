package types

import (
	"encoding/json"
	"time"
)

// Client types accepted on the websocket endpoint, selected with the
// client_type query parameter.
type ClientType string

const (
	ClientTypeDesktop ClientType = "desktop" // produces frames, executes commands
	ClientTypeWeb     ClientType = "web"     // views frames, issues commands
)

// Websocket message types that are relay control plane rather than desktop
// commands (see CommandKind for those).
const (
	WsTypeHandshake      = "handshake"
	WsTypeHandshakeAck   = "handshake_ack"
	WsTypeHeartbeat      = "heartbeat"
	WsTypeHeartbeatAck   = "heartbeat_ack"
	WsTypeFrameData      = "frame_data"
	WsTypeFrameAck       = "frame_ack"
	WsTypePollCommands   = "poll_commands"
	WsTypePendingCmds    = "pending_commands"
	WsTypeCommandResult  = "command_result"
	WsTypeCommandAck     = "command_ack"
	WsTypeCommandTimeout = "command_timeout"
	WsTypeStreamStatus   = "stream_status"
	WsTypeListProducers  = "list_producers"
	WsTypeProducerList   = "producer_list"
	WsTypeSubscribe      = "subscribe"
	WsTypeUnsubscribe    = "unsubscribe"
	WsTypeProducerUp     = "producer_connected"
	WsTypeProducerDown   = "producer_disconnected"
	WsTypeRegFailed      = "registration_failed"
	WsTypeError          = "error"
)

// Application-level close reasons carried alongside websocket close codes.
const (
	CloseReasonSlowConsumer   = "slow_consumer"
	CloseReasonRegistration   = "registration_failed"
	CloseReasonHeartbeat      = "heartbeat_timeout"
	CloseReasonProtocolAbuse  = "repeated_protocol_errors"
	CloseReasonServerShutdown = "server_shutdown"
)

// WsEnvelope is the decoded routing view of an inbound websocket message.
// Only the fields the relay routes on are decoded; Raw keeps the exact
// bytes so command and frame payloads are forwarded without mutation.
type WsEnvelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`

	ClientInfo *ClientInfo `json:"clientInfo,omitempty"`

	// frame_data / frame_ack / subscribe routing fields
	ProducerID  string         `json:"producerId,omitempty"`
	MonitorID   string         `json:"monitorId,omitempty"`
	FrameNumber int64          `json:"frameNumber,omitempty"`
	FrameData   string         `json:"frameData,omitempty"`
	Metadata    *FrameMetadata `json:"metadata,omitempty"`
	LatencyMs   float64        `json:"latencyMs,omitempty"`

	// command routing fields
	DesktopClientID string `json:"desktopClientId,omitempty"`
	CommandID       string `json:"commandId,omitempty"`
	Status          string `json:"status,omitempty"`
	Error           string `json:"error,omitempty"`

	// stream_status
	Streaming *bool `json:"streaming,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseWsEnvelope decodes the routing fields and retains the raw bytes.
func ParseWsEnvelope(data []byte) (*WsEnvelope, error) {
	var env WsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	env.Raw = append(json.RawMessage(nil), data...)
	return &env, nil
}

type ClientInfo struct {
	Name         string        `json:"name"`
	Hostname     string        `json:"hostname,omitempty"`
	UserID       string        `json:"userId,omitempty"`
	Monitors     []Monitor     `json:"monitors"`
	Capabilities []CommandKind `json:"capabilities"`
}

type FrameMetadata struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"` // jpeg | png | svg
}

// Outbound relay messages. Every outbound message carries type and an
// ISO-8601 UTC timestamp.

type HandshakeAck struct {
	Type         string `json:"type"`
	Timestamp    string `json:"timestamp"`
	ClientID     string `json:"clientId"`
	DBRegistered bool   `json:"dbRegistered"`
	Debug        string `json:"debug,omitempty"`
}

type RegistrationFailed struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
}

type HeartbeatAck struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type ProducerSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Hostname  string    `json:"hostname,omitempty"`
	Monitors  []Monitor `json:"monitors"`
	Connected bool      `json:"connected"`
	Streaming bool      `json:"streaming"`
}

type ProducerList struct {
	Type      string            `json:"type"`
	Timestamp string            `json:"timestamp"`
	Producers []ProducerSummary `json:"producers"`
}

type ProducerConnected struct {
	Type       string    `json:"type"`
	Timestamp  string    `json:"timestamp"`
	ProducerID string    `json:"producerId"`
	Monitors   []Monitor `json:"monitors"`
}

type ProducerDisconnected struct {
	Type       string `json:"type"`
	Timestamp  string `json:"timestamp"`
	ProducerID string `json:"producerId"`
}

type FrameDataMessage struct {
	Type        string         `json:"type"`
	Timestamp   string         `json:"timestamp"`
	ProducerID  string         `json:"producerId"`
	MonitorID   string         `json:"monitorId"`
	FrameNumber int64          `json:"frameNumber"`
	FrameData   string         `json:"frameData"`
	Metadata    *FrameMetadata `json:"metadata,omitempty"`
}

type CommandAck struct {
	Type      string        `json:"type"`
	Timestamp string        `json:"timestamp"`
	CommandID string        `json:"commandId"`
	Status    CommandStatus `json:"status"`
}

type CommandResult struct {
	Type      string        `json:"type"`
	Timestamp string        `json:"timestamp"`
	CommandID string        `json:"commandId"`
	Status    CommandStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
}

type CommandTimeout struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	CommandID string `json:"commandId"`
}

type PendingCommands struct {
	Type      string            `json:"type"`
	Timestamp string            `json:"timestamp"`
	Commands  []*DesktopCommand `json:"commands"`
}

type WsError struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error"`
}

// WsTimestamp formats a wall-clock time the way every relay message
// carries it.
func WsTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Realtime bus payloads. These cross instance boundaries; receivers filter
// on TargetInstanceID where present.

type BusCommand struct {
	TargetInstanceID string          `json:"target_instance_id"`
	DesktopClientID  string          `json:"desktop_client_id"`
	CommandID        string          `json:"command_id"`
	IdempotencyKey   string          `json:"idempotency_key"`
	Envelope         json.RawMessage `json:"envelope"`
}

type BusFrame struct {
	SourceInstanceID string          `json:"source_instance_id"`
	DesktopClientID  string          `json:"desktop_client_id"`
	MonitorID        string          `json:"monitor_id"`
	FrameNumber      int64           `json:"frame_number"`
	Envelope         json.RawMessage `json:"envelope"`
}

type BusFrameAck struct {
	TargetProducerID string  `json:"target_producer_id"`
	ViewerID         string  `json:"viewer_id"`
	FrameNumber      int64   `json:"frame_number"`
	LatencyMs        float64 `json:"latency_ms"`
}

type CatalogChangeKind string

const (
	CatalogChangeConnected    CatalogChangeKind = "connected"
	CatalogChangeDisconnected CatalogChangeKind = "disconnected"
	CatalogChangeStreaming    CatalogChangeKind = "streaming"
)

type BusCatalogChange struct {
	DesktopClientID string            `json:"desktop_client_id"`
	Change          CatalogChangeKind `json:"change"`
	Monitors        []Monitor         `json:"monitors,omitempty"`
}
