// Package registry holds the device and family records the sweep reads and patches.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/pausenow/pingwatch/internal/types"
)

var (
	// ErrNotFound is returned when the addressed family or device does not exist
	ErrNotFound = errors.New("device not found")
	// ErrStateConflict is returned when a conditional liveness update loses
	ErrStateConflict = errors.New("liveness state changed concurrently")
	// ErrBlockedAtRequired is returned when a transition into blocked carries no time
	ErrBlockedAtRequired = errors.New("blockedAt is required when blocking")
)

// Registry is the durable store of families and devices. Every write
// touches a single device and a disjoint set of fields.
type Registry interface {
	// Families returns a full snapshot of every family and its devices.
	Families(ctx context.Context) ([]types.Family, error)

	// UpdateProbeSent stamps the outstanding probe. Dispatcher only.
	UpdateProbeSent(ctx context.Context, key types.DeviceKey, sentAt time.Time, probeID string) error

	// UpdateLiveness moves the device from one state to another. It fails with
	// ErrStateConflict if the stored state is not from, and never leaves blocked.
	// blockedAt is required on the transition into blocked and ignored otherwise.
	UpdateLiveness(ctx context.Context, key types.DeviceKey, from, to types.LivenessState, blockedAt *time.Time) error

	// InvalidateChannel flags the notification channel as permanently unusable.
	InvalidateChannel(ctx context.Context, key types.DeviceKey, at time.Time) error

	// RecordResponse stamps lastProbeRespondedAt. Liveness state is untouched.
	RecordResponse(ctx context.Context, key types.DeviceKey, at time.Time) error

	// RecordHeartbeat stamps lastHeartbeatAt.
	RecordHeartbeat(ctx context.Context, key types.DeviceKey, at time.Time) error

	// ClearBlock is the guardian reset of a blocked device back to unknown. The
	// outstanding probe is dropped with it, so the device is not judged again
	// until the next dispatch.
	ClearBlock(ctx context.Context, key types.DeviceKey) error
}

// canTransition enforces the conditional-update rule shared by all stores
func canTransition(current, from, to types.LivenessState, blockedAt *time.Time) error {
	if to == types.StateBlocked && blockedAt == nil {
		return ErrBlockedAtRequired
	}
	if current == "" {
		current = types.StateUnknown
	}
	if current.IsTerminal() {
		return ErrStateConflict
	}
	if current != from {
		return ErrStateConflict
	}
	return nil
}
