package types

import "time"

// Alert states
const (
	AlertFiring   = "firing"
	AlertResolved = "resolved"
)

// Alert records one escalation event and its fan-out outcome
type Alert struct {
	ID         string     `json:"id"`
	Key        DeviceKey  `json:"key"`
	DeviceName string     `json:"deviceName"`
	State      string     `json:"state"` // "firing" or "resolved"
	BlockedAt  time.Time  `json:"blockedAt"`
	FiredAt    time.Time  `json:"firedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	Delivered  int        `json:"delivered"`
	Failed     int        `json:"failed"`
}
