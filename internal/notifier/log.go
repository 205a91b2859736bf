package notifier

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/pausenow/pingwatch/internal/types"
	"github.com/rs/zerolog"
)

// LogTransport is a dry-run transport: every message is logged and acknowledged
type LogTransport struct {
	logger zerolog.Logger
	seq    atomic.Uint64
}

// NewLogTransport creates a dry-run transport
func NewLogTransport(logger zerolog.Logger) *LogTransport {
	return &LogTransport{logger: logger.With().Str("component", "log-transport").Logger()}
}

// Deliver implements Transport
func (l *LogTransport) Deliver(_ context.Context, channel string, msg types.Message) (DeliveryResult, error) {
	id := "dry-run-" + strconv.FormatUint(l.seq.Add(1), 10)
	l.logger.Info().
		Str("channel", Redact(channel)).
		Str("type", string(msg.Type)).
		Interface("data", msg.Data()).
		Str("message_id", id).
		Msg("Would send push (no transport configured)")
	return DeliveryResult{MessageID: id}, nil
}
