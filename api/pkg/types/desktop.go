package types

import (
	"encoding/json"
	"time"
)

// DesktopClient is a row in the active_desktop_clients catalog. There is
// exactly one row per desktop client ID; OwningInstanceID is overwritten
// on every handshake (last writer wins).
type DesktopClient struct {
	ID               string        `json:"id" gorm:"primaryKey"`
	DisplayName      string        `json:"display_name"`
	Hostname         string        `json:"hostname"`
	OwnerID          string        `json:"owner_id" gorm:"index"`
	Monitors         []Monitor     `json:"monitors" gorm:"type:jsonb;serializer:json"`
	Capabilities     []CommandKind `json:"capabilities" gorm:"type:jsonb;serializer:json"`
	IsStreaming      bool          `json:"is_streaming"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
	OwningInstanceID string        `json:"owning_instance_id"`
	ConnectedAt      time.Time     `json:"connected_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (DesktopClient) TableName() string {
	return "active_desktop_clients"
}

type Monitor struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// CommandKind is the fixed set of remote control operations a desktop
// client can be asked to perform.
type CommandKind string

const (
	CommandStartCapture     CommandKind = "start_capture"
	CommandStopCapture      CommandKind = "stop_capture"
	CommandMouseClick       CommandKind = "mouse_click"
	CommandMouseMove        CommandKind = "mouse_move"
	CommandMouseDrag        CommandKind = "mouse_drag"
	CommandScroll           CommandKind = "scroll"
	CommandTypeText         CommandKind = "type_text"
	CommandKeyPress         CommandKind = "key_press"
	CommandHotkey           CommandKind = "hotkey"
	CommandCaptureRegion    CommandKind = "capture_region"
	CommandGetMousePosition CommandKind = "get_mouse_position"
)

// IsCommandKind reports whether a websocket message type names a desktop
// command rather than a relay-level control message.
func IsCommandKind(t string) bool {
	switch CommandKind(t) {
	case CommandStartCapture, CommandStopCapture, CommandMouseClick,
		CommandMouseMove, CommandMouseDrag, CommandScroll, CommandTypeText,
		CommandKeyPress, CommandHotkey, CommandCaptureRegion,
		CommandGetMousePosition:
		return true
	}
	return false
}

// CommandTTL returns how long a queued command of this kind stays pending
// before the janitor expires it. Streaming control can wait for the next
// poll cycle; one-shot input is useless once the user has moved on.
func (k CommandKind) TTL(streamingTTL, actionTTL time.Duration) time.Duration {
	switch k {
	case CommandStartCapture, CommandStopCapture:
		return streamingTTL
	default:
		return actionTTL
	}
}

type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
)

// DesktopCommand is a row in the desktop_commands queue. Status moves from
// pending to exactly one terminal state; the conditional update in the
// store enforces that no row ever leaves a terminal state.
type DesktopCommand struct {
	ID               string          `json:"id" gorm:"primaryKey"`
	DesktopClientID  string          `json:"desktop_client_id" gorm:"index"`
	CommandType      CommandKind     `json:"command_type"`
	CommandData      json.RawMessage `json:"command_data" gorm:"type:jsonb"`
	Status           CommandStatus   `json:"status" gorm:"index"`
	TargetInstanceID string          `json:"target_instance_id"`
	IdempotencyKey   string          `json:"idempotency_key" gorm:"uniqueIndex"`
	CreatedAt        time.Time       `json:"created_at"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}

func (DesktopCommand) TableName() string {
	return "desktop_commands"
}

// Terminal reports whether the command has reached its final status.
func (c *DesktopCommand) Terminal() bool {
	return c.Status != CommandStatusPending
}
