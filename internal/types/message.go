package types

import (
	"strconv"
	"time"
)

// MessageType identifies the payload kind pushed to a channel
type MessageType string

const (
	MessageProbe       MessageType = "probe"
	MessagePolicyAlert MessageType = "policy_alert"
	MessageStatusCheck MessageType = "status_check"
	MessageCommand     MessageType = "command"
)

// Command actions that show a visible notification. Every other action is
// delivered silently.
var visibleActions = map[string]struct{}{
	"pause":           {},
	"activate":        {},
	"unlock_request":  {},
	"trickster_alert": {},
}

// Message is the transport-agnostic payload delivered to a channel
type Message struct {
	Type       MessageType
	ProbeID    string
	SentAt     time.Time
	DeviceID   string
	DeviceName string
	// Action is set on command messages
	Action     string
}

// Background reports whether the message should wake the app silently
func (m Message) Background() bool {
	switch m.Type {
	case MessagePolicyAlert:
		return false
	case MessageCommand:
		_, visible := visibleActions[m.Action]
		return !visible
	}
	return true
}

// Data renders the message as a flat string map, the shape push services accept
func (m Message) Data() map[string]string {
	data := map[string]string{"type": string(m.Type)}
	switch m.Type {
	case MessageProbe:
		data["probeId"] = m.ProbeID
		data["sentAt"] = strconv.FormatInt(m.SentAt.UnixMilli(), 10)
		data["deviceId"] = m.DeviceID
	case MessagePolicyAlert:
		data["deviceId"] = m.DeviceID
		data["deviceName"] = m.DeviceName
	case MessageStatusCheck:
		data["sentAt"] = strconv.FormatInt(m.SentAt.UnixMilli(), 10)
	case MessageCommand:
		data["action"] = m.Action
		data["deviceId"] = m.DeviceID
		data["deviceName"] = m.DeviceName
		data["sentAt"] = strconv.FormatInt(m.SentAt.UnixMilli(), 10)
	}
	return data
}

// NewProbeMessage builds a liveness probe for a device
func NewProbeMessage(deviceID, probeID string, sentAt time.Time) Message {
	return Message{Type: MessageProbe, ProbeID: probeID, SentAt: sentAt, DeviceID: deviceID}
}

// NewPolicyAlert builds the guardian alert for an escalated device
func NewPolicyAlert(d Device) Message {
	return Message{Type: MessagePolicyAlert, DeviceID: d.ID, DeviceName: d.DisplayName()}
}

// NewStatusCheck builds the silent message used to test whether a channel is live
func NewStatusCheck(deviceID string, at time.Time) Message {
	return Message{Type: MessageStatusCheck, SentAt: at, DeviceID: deviceID}
}

// NewCommand builds a guardian or device command relayed on behalf of a client
func NewCommand(action, deviceID, deviceName string, at time.Time) Message {
	return Message{Type: MessageCommand, Action: action, DeviceID: deviceID, DeviceName: deviceName, SentAt: at}
}
