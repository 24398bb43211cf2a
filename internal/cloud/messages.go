package cloud

import (
	"encoding/json"
)

// MessageType defines the type of uplink message
type MessageType string

const (
	// Outbound messages (to cloud)
	MsgTypeHello      MessageType = "hello"
	MsgTypeInputState MessageType = "input_state"
	MsgTypeHeartbeat  MessageType = "heartbeat"
	MsgTypePong       MessageType = "pong"

	// Inbound messages (from cloud)
	MsgTypeSyncComplete MessageType = "sync_complete"
	MsgTypeConfigUpdate MessageType = "config_update"
	MsgTypePing         MessageType = "ping"
)

// Message represents an uplink message to/from the cloud
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload announces the device after a successful dial
type HelloPayload struct {
	DeviceID        string `json:"device_id"`
	FirmwareVersion string `json:"firmware_version"`
}

// InputStatePayload carries the cloud-visible input mirrors
type InputStatePayload struct {
	Inputs map[string]bool `json:"inputs"`
}

// HeartbeatPayload reports liveness on the keepalive ticker
type HeartbeatPayload struct {
	UptimeSeconds   int64  `json:"uptime_seconds"`
	FirmwareVersion string `json:"firmware_version"`
}

// SyncCompletePayload marks the end of the backend's state replay
type SyncCompletePayload struct {
	Revision int64 `json:"revision,omitempty"`
}

// ParseSyncComplete parses a sync complete payload
func ParseSyncComplete(data json.RawMessage) (*SyncCompletePayload, error) {
	var sc SyncCompletePayload
	if len(data) == 0 {
		return &sc, nil
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// ConfigUpdatePayload represents a config update from the cloud
type ConfigUpdatePayload struct {
	Target string                 `json:"target"`
	Config map[string]interface{} `json:"config"`
}

// ParseConfigUpdate parses a config update payload
func ParseConfigUpdate(data json.RawMessage) (*ConfigUpdatePayload, error) {
	var cfg ConfigUpdatePayload
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
