package types

import (
	"fmt"
	"strings"
	"time"
)

// LivenessState is the single source of truth for a device's classification
type LivenessState string

const (
	StateUnknown    LivenessState = "unknown"
	StateResponding LivenessState = "responding"
	StateOffline    LivenessState = "offline"
	StateSuspected  LivenessState = "suspected"
	StateBlocked    LivenessState = "blocked"
)

var knownStates = map[LivenessState]struct{}{
	StateUnknown:    {},
	StateResponding: {},
	StateOffline:    {},
	StateSuspected:  {},
	StateBlocked:    {},
}

// ParseLivenessState normalizes a stored state value. Empty values map to unknown.
func ParseLivenessState(value string) (LivenessState, error) {
	normalized := LivenessState(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return StateUnknown, nil
	}
	if _, ok := knownStates[normalized]; !ok {
		return StateUnknown, fmt.Errorf("unknown liveness state %q", value)
	}
	return normalized, nil
}

// IsTerminal reports whether automated classification must leave the state alone
func (s LivenessState) IsTerminal() bool {
	return s == StateBlocked
}

func (s LivenessState) String() string {
	if s == "" {
		return string(StateUnknown)
	}
	return string(s)
}

// DeviceKey addresses a device record in the registry
type DeviceKey struct {
	FamilyID string `json:"familyId"`
	DeviceID string `json:"deviceId"`
}

func (k DeviceKey) String() string {
	return k.FamilyID + "/" + k.DeviceID
}

// Device represents one monitored agent
type Device struct {
	ID                   string        `json:"id" yaml:"id"`
	FamilyID             string        `json:"familyId" yaml:"-"`
	Name                 string        `json:"name,omitempty" yaml:"name,omitempty"`
	NotificationChannel  string        `json:"notificationChannel,omitempty" yaml:"notification_channel,omitempty"`
	ChannelInvalid       bool          `json:"channelInvalid,omitempty" yaml:"channel_invalid,omitempty"`
	ChannelInvalidAt     *time.Time    `json:"channelInvalidAt,omitempty" yaml:"channel_invalid_at,omitempty"`
	LastProbeSentAt      *time.Time    `json:"lastProbeSentAt,omitempty" yaml:"last_probe_sent_at,omitempty"`
	LastProbeID          string        `json:"lastProbeId,omitempty" yaml:"last_probe_id,omitempty"`
	LastProbeRespondedAt *time.Time    `json:"lastProbeRespondedAt,omitempty" yaml:"last_probe_responded_at,omitempty"`
	LastHeartbeatAt      *time.Time    `json:"lastHeartbeatAt,omitempty" yaml:"last_heartbeat_at,omitempty"`
	LivenessState        LivenessState `json:"livenessState" yaml:"liveness_state,omitempty"`
	BlockedAt            *time.Time    `json:"blockedAt,omitempty" yaml:"blocked_at,omitempty"`
}

// Key returns the registry address of the device
func (d Device) Key() DeviceKey {
	return DeviceKey{FamilyID: d.FamilyID, DeviceID: d.ID}
}

// HasChannel reports whether the device can currently be reached
func (d Device) HasChannel() bool {
	return strings.TrimSpace(d.NotificationChannel) != "" && !d.ChannelInvalid
}

// DisplayName falls back to the id for unnamed devices
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Family is a guardian group owning zero or more devices
type Family struct {
	ID               string   `json:"id" yaml:"id"`
	Name             string   `json:"name,omitempty" yaml:"name,omitempty"`
	GuardianChannels []string `json:"guardianChannels,omitempty" yaml:"guardian_channels,omitempty"`
	// Legacy single-guardian and partner fields still populated by older clients.
	CreatorChannel  string   `json:"creatorChannel,omitempty" yaml:"creator_channel,omitempty"`
	PartnerChannels []string `json:"partnerChannels,omitempty" yaml:"partner_channels,omitempty"`
	Devices         []Device `json:"devices,omitempty" yaml:"devices,omitempty"`
}

// GuardianChannelSet unions every guardian channel field and removes
// blanks and duplicates, keeping first-seen order.
func (f Family) GuardianChannelSet() []string {
	all := make([]string, 0, len(f.GuardianChannels)+len(f.PartnerChannels)+1)
	all = append(all, f.GuardianChannels...)
	all = append(all, f.CreatorChannel)
	all = append(all, f.PartnerChannels...)
	return UniqueChannels(all)
}

// UniqueChannels trims channels and drops blanks and duplicates, keeping
// first-seen order
func UniqueChannels(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	unique := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		unique = append(unique, ch)
	}
	return unique
}

// Device looks up a device by id
func (f Family) Device(id string) (Device, bool) {
	for _, d := range f.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// Transition is the evaluator's verdict for one device
type Transition struct {
	Key       DeviceKey     `json:"key"`
	From      LivenessState `json:"from"`
	To        LivenessState `json:"to"`
	Escalated bool          `json:"escalated"`
	At        time.Time     `json:"at"`
	Reason    string        `json:"reason"`
}

// Changed reports whether applying the transition mutates the stored state
func (t Transition) Changed() bool {
	return t.From != t.To
}
