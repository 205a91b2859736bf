package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pausenow/pingwatch/internal/types"
	"github.com/rs/zerolog"
)

// natsPushRequest is published to the push bridge subject
type natsPushRequest struct {
	Token      string            `json:"token"`
	Background bool              `json:"background"`
	Data       map[string]string `json:"data"`
}

// natsPushReply is the bridge's acknowledgement
type natsPushReply struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NATSTransport hands messages to a push bridge over NATS request/reply.
// The reply is the delivery acknowledgement.
type NATSTransport struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	logger  zerolog.Logger
}

// ConnectNATSTransport dials NATS and returns a transport publishing on subject
func ConnectNATSTransport(url, subject string, timeout time.Duration, logger zerolog.Logger) (*NATSTransport, error) {
	log := logger.With().Str("component", "nats-transport").Logger()

	nc, err := nats.Connect(url,
		nats.Name("pingwatch"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return NewNATSTransport(nc, subject, timeout, logger), nil
}

// NewNATSTransport wraps an existing connection
func NewNATSTransport(nc *nats.Conn, subject string, timeout time.Duration, logger zerolog.Logger) *NATSTransport {
	return &NATSTransport{
		nc:      nc,
		subject: subject,
		timeout: timeout,
		logger:  logger.With().Str("component", "nats-transport").Logger(),
	}
}

// Deliver implements Transport
func (t *NATSTransport) Deliver(ctx context.Context, channel string, msg types.Message) (DeliveryResult, error) {
	payload, err := json.Marshal(natsPushRequest{
		Token:      channel,
		Background: msg.Background(),
		Data:       msg.Data(),
	})
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to marshal push request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	resp, err := t.nc.RequestWithContext(ctx, t.subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return DeliveryResult{}, fmt.Errorf("%w: no push bridge listening on %s", ErrTransient, t.subject)
		}
		return DeliveryResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	var reply natsPushReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return DeliveryResult{}, fmt.Errorf("%w: malformed bridge reply: %v", ErrTransient, err)
	}

	if reply.OK {
		return DeliveryResult{MessageID: reply.MessageID}, nil
	}
	if isPermanentCode(reply.Code) {
		return DeliveryResult{}, fmt.Errorf("%w: bridge code %q", ErrTokenInvalid, reply.Code)
	}
	return DeliveryResult{}, fmt.Errorf("%w: bridge code %q: %s", ErrTransient, reply.Code, reply.Error)
}

// Close drains the connection
func (t *NATSTransport) Close() error {
	return t.nc.Drain()
}
