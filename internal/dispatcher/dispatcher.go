// Package dispatcher sends liveness probes to every eligible device.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pausenow/pingwatch/internal/notifier"
	"github.com/pausenow/pingwatch/internal/registry"
	"github.com/pausenow/pingwatch/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config controls dispatch throughput
type Config struct {
	// Pacing is the minimum gap between consecutive sends to the transport
	Pacing time.Duration
	// OperationTimeout bounds each transport send and registry write
	OperationTimeout time.Duration
	// Concurrency caps in-flight devices
	Concurrency int
}

// Result summarizes one dispatch pass
type Result struct {
	Sent        int               `json:"sent"`
	Skipped     int               `json:"skipped"`
	Failed      int               `json:"failed"`
	Invalidated []types.DeviceKey `json:"invalidated,omitempty"`
}

// Dispatcher issues probes and stamps them in the registry once acknowledged
type Dispatcher struct {
	registry  registry.Registry
	transport notifier.Transport
	config    Config
	limiter   *rate.Limiter
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a probe dispatcher
func New(reg registry.Registry, transport notifier.Transport, cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	limit := rate.Inf
	if cfg.Pacing > 0 {
		limit = rate.Every(cfg.Pacing)
	}
	return &Dispatcher{
		registry:  reg,
		transport: transport,
		config:    cfg,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		now:       time.Now,
	}
}

// Eligible reports whether a device should receive a probe
func Eligible(d types.Device) bool {
	return d.HasChannel() && !d.LivenessState.IsTerminal()
}

// ProbeID correlates a response to one probe. Unique as long as a device is
// never probed twice within the same nanosecond.
func ProbeID(sentAt time.Time, deviceID string) string {
	return fmt.Sprintf("%d_%s", sentAt.UnixNano(), deviceID)
}

// Dispatch probes every eligible device in the snapshot. The returned error
// joins registry write failures; transport failures are counted, not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, families []types.Family) (Result, error) {
	var (
		mu        sync.Mutex
		result    Result
		writeErrs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Concurrency)

	for _, family := range families {
		for _, device := range family.Devices {
			if device.FamilyID == "" {
				device.FamilyID = family.ID
			}
			if !Eligible(device) {
				result.Skipped++
				continue
			}

			g.Go(func() error {
				outcome, err := d.probe(gctx, device)

				mu.Lock()
				defer mu.Unlock()
				switch outcome {
				case outcomeSent:
					result.Sent++
				case outcomeInvalidated:
					result.Failed++
					result.Invalidated = append(result.Invalidated, device.Key())
				default:
					result.Failed++
				}
				if err != nil {
					writeErrs = append(writeErrs, err)
				}
				// Per-device failures never cancel the rest of the pass.
				return nil
			})
		}
	}

	_ = g.Wait()

	d.logger.Info().
		Int("sent", result.Sent).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Int("invalidated", len(result.Invalidated)).
		Msg("Probe dispatch complete")

	return result, errors.Join(writeErrs...)
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeSent
	outcomeInvalidated
)

// probe sends one probe. The error return is reserved for registry writes.
func (d *Dispatcher) probe(ctx context.Context, device types.Device) (outcome, error) {
	log := d.logger.With().
		Str("family_id", device.FamilyID).
		Str("device_id", device.ID).
		Logger()

	if err := d.limiter.Wait(ctx); err != nil {
		log.Warn().Err(err).Msg("Dispatch cancelled before send")
		return outcomeFailed, nil
	}

	// Captured before the send so that a fast answer is always strictly later.
	sentAt := d.now()
	probeID := ProbeID(sentAt, device.ID)
	msg := types.NewProbeMessage(device.ID, probeID, sentAt)

	sendCtx, cancel := context.WithTimeout(ctx, d.config.OperationTimeout)
	ack, err := d.transport.Deliver(sendCtx, device.NotificationChannel, msg)
	cancel()

	if err != nil {
		if notifier.IsPermanent(err) {
			log.Warn().
				Err(err).
				Str("channel", notifier.Redact(device.NotificationChannel)).
				Msg("Channel no longer registered, invalidating")

			writeCtx, cancel := context.WithTimeout(ctx, d.config.OperationTimeout)
			defer cancel()
			if werr := d.registry.InvalidateChannel(writeCtx, device.Key(), d.now()); werr != nil {
				return outcomeInvalidated, fmt.Errorf("invalidate channel %s: %w", device.Key(), werr)
			}
			return outcomeInvalidated, nil
		}

		log.Error().
			Err(err).
			Msg("Failed to send probe")
		return outcomeFailed, nil
	}

	// Only an acknowledged probe opens a new response window.
	writeCtx, cancel := context.WithTimeout(ctx, d.config.OperationTimeout)
	defer cancel()
	if err := d.registry.UpdateProbeSent(writeCtx, device.Key(), sentAt, probeID); err != nil {
		log.Error().
			Err(err).
			Str("probe_id", probeID).
			Msg("Probe sent but registry update failed")
		return outcomeSent, fmt.Errorf("update probe sent %s: %w", device.Key(), err)
	}

	log.Debug().
		Str("probe_id", probeID).
		Str("message_id", ack.MessageID).
		Msg("Probe sent")

	return outcomeSent, nil
}
