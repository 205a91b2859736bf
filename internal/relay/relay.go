// Package relay forwards guardian and device commands (pause, activate,
// unlock requests) to one or more push channels.
package relay

import (
	"context"
	"time"

	"github.com/pausenow/pingwatch/internal/notifier"
	"github.com/pausenow/pingwatch/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config controls relay throughput
type Config struct {
	// Pacing is the minimum gap between consecutive sends
	Pacing time.Duration
	// OperationTimeout bounds each send
	OperationTimeout time.Duration
}

// Result is the outcome for one channel
type Result struct {
	Channel   string `json:"token"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
	// Deleted is set when the push service no longer knows the channel
	Deleted bool `json:"deleted,omitempty"`
}

// Relay sends one command to a set of channels
type Relay struct {
	transport notifier.Transport
	config    Config
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// New creates a command relay
func New(transport notifier.Transport, cfg Config, logger zerolog.Logger) *Relay {
	limit := rate.Inf
	if cfg.Pacing > 0 {
		limit = rate.Every(cfg.Pacing)
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	return &Relay{
		transport: transport,
		config:    cfg,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger.With().Str("component", "relay").Logger(),
	}
}

// Send delivers msg to every unique channel in order. A failed channel never
// stops the rest; each gets its own result.
func (r *Relay) Send(ctx context.Context, channels []string, msg types.Message) []Result {
	unique := types.UniqueChannels(channels)
	if len(unique) != len(channels) {
		r.logger.Debug().
			Int("requested", len(channels)).
			Int("unique", len(unique)).
			Msg("Dropped duplicate channels")
	}

	results := make([]Result, 0, len(unique))
	for _, channel := range unique {
		results = append(results, r.send(ctx, channel, msg))
	}

	r.logger.Info().
		Str("action", msg.Action).
		Str("device_id", msg.DeviceID).
		Int("channels", len(unique)).
		Msg("Command relayed")

	return results
}

func (r *Relay) send(ctx context.Context, channel string, msg types.Message) Result {
	result := Result{Channel: notifier.Redact(channel)}

	if err := r.limiter.Wait(ctx); err != nil {
		result.Error = err.Error()
		return result
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.config.OperationTimeout)
	defer cancel()

	ack, err := r.transport.Deliver(sendCtx, channel, msg)
	switch {
	case err == nil:
		result.Success = true
		result.MessageID = ack.MessageID
	case notifier.IsPermanent(err):
		result.Deleted = true
		result.Error = "NotRegistered"
		r.logger.Info().
			Str("channel", result.Channel).
			Msg("Command target no longer registered")
	default:
		result.Error = err.Error()
		r.logger.Error().
			Err(err).
			Str("channel", result.Channel).
			Str("action", msg.Action).
			Msg("Failed to relay command")
	}
	return result
}
