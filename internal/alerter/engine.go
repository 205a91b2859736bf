// Package alerter fans policy alerts out to a family's guardians.
package alerter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pausenow/pingwatch/internal/notifier"
	"github.com/pausenow/pingwatch/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config controls fan-out delivery
type Config struct {
	OperationTimeout time.Duration
	Concurrency      int
}

// ChannelError records one guardian channel that could not be alerted
type ChannelError struct {
	Channel   string `json:"channel"`
	Err       error  `json:"-"`
	Permanent bool   `json:"permanent"`
}

// FanoutResult is the outcome of alerting a family about one escalation
type FanoutResult struct {
	AlertID   string         `json:"alertId,omitempty"`
	Delivered int            `json:"delivered"`
	Failed    []ChannelError `json:"failed,omitempty"`
	// Skipped is set when this escalation was already alerted
	Skipped bool `json:"skipped,omitempty"`
}

// Engine sends guardian alerts and keeps the book of active alerts
type Engine struct {
	transport notifier.Transport
	config    Config
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	alerts map[types.DeviceKey]*types.Alert
}

// NewEngine creates a new alert engine
func NewEngine(transport notifier.Transport, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Engine{
		transport: transport,
		config:    cfg,
		logger:    logger.With().Str("component", "alerter").Logger(),
		now:       time.Now,
		alerts:    make(map[types.DeviceKey]*types.Alert),
	}
}

// NotifyGuardians alerts every unique guardian channel of the family that
// device has been blocked. Each escalation (device plus blockedAt) is alerted
// at most once; delivery is best-effort per channel.
func (e *Engine) NotifyGuardians(ctx context.Context, family types.Family, device types.Device) FanoutResult {
	if device.FamilyID == "" {
		device.FamilyID = family.ID
	}

	alert, fresh := e.reserve(device)
	if !fresh {
		e.logger.Debug().
			Str("alert_id", alert.ID).
			Str("family_id", device.FamilyID).
			Str("device_id", device.ID).
			Msg("Escalation already alerted, skipping duplicate")
		return FanoutResult{AlertID: alert.ID, Skipped: true}
	}

	channels := family.GuardianChannelSet()
	if len(channels) == 0 {
		e.logger.Warn().
			Str("alert_id", alert.ID).
			Str("family_id", device.FamilyID).
			Str("device_id", device.ID).
			Msg("Family has no guardian channels")
	}

	var (
		mu     sync.Mutex
		result = FanoutResult{AlertID: alert.ID}
	)
	msg := types.NewPolicyAlert(device)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for _, channel := range channels {
		g.Go(func() error {
			err := e.deliver(gctx, channel, msg)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, ChannelError{
					Channel:   notifier.Redact(channel),
					Err:       err,
					Permanent: notifier.IsPermanent(err),
				})
				return nil
			}
			result.Delivered++
			return nil
		})
	}
	_ = g.Wait()

	e.mu.Lock()
	alert.Delivered = result.Delivered
	alert.Failed = len(result.Failed)
	e.mu.Unlock()

	e.logger.Info().
		Str("alert_id", alert.ID).
		Str("family_id", device.FamilyID).
		Str("device_id", device.ID).
		Int("delivered", result.Delivered).
		Int("failed", len(result.Failed)).
		Msg("Alert fired")

	return result
}

func (e *Engine) deliver(ctx context.Context, channel string, msg types.Message) error {
	ctx, cancel := context.WithTimeout(ctx, e.config.OperationTimeout)
	defer cancel()

	if _, err := e.transport.Deliver(ctx, channel, msg); err != nil {
		e.logger.Error().
			Err(err).
			Str("channel", notifier.Redact(channel)).
			Str("device_id", msg.DeviceID).
			Msg("Failed to deliver guardian alert")
		return err
	}
	return nil
}

// reserve records the escalation in the book. fresh is false when the same
// escalation already has a firing alert.
func (e *Engine) reserve(device types.Device) (*types.Alert, bool) {
	var blockedAt time.Time
	if device.BlockedAt != nil {
		blockedAt = *device.BlockedAt
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := device.Key()
	if existing, ok := e.alerts[key]; ok && existing.State == types.AlertFiring && existing.BlockedAt.Equal(blockedAt) {
		return existing, false
	}

	alert := &types.Alert{
		ID:         uuid.NewString(),
		Key:        key,
		DeviceName: device.DisplayName(),
		State:      types.AlertFiring,
		BlockedAt:  blockedAt,
		FiredAt:    e.now(),
	}
	e.alerts[key] = alert
	return alert, true
}

// ResolveAlert marks the device's firing alert resolved. It reports whether
// there was one.
func (e *Engine) ResolveAlert(key types.DeviceKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[key]
	if !ok || alert.State == types.AlertResolved {
		return false
	}

	now := e.now()
	alert.State = types.AlertResolved
	alert.ResolvedAt = &now

	e.logger.Info().
		Str("alert_id", alert.ID).
		Str("family_id", key.FamilyID).
		Str("device_id", key.DeviceID).
		Dur("duration", now.Sub(alert.FiredAt)).
		Msg("Alert resolved")
	return true
}

// ActiveAlerts returns copies of all firing alerts, oldest first
func (e *Engine) ActiveAlerts() []types.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	alerts := make([]types.Alert, 0, len(e.alerts))
	for _, alert := range e.alerts {
		if alert.State == types.AlertFiring {
			alerts = append(alerts, *alert)
		}
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].FiredAt.Before(alerts[j].FiredAt)
	})
	return alerts
}
