// Package events publishes liveness transitions to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pausenow/pingwatch/internal/types"
	"github.com/rs/zerolog"
)

const (
	eventSource = "pingwatch/sweep"
	eventType   = "io.pingwatch.liveness.transition"
)

// Publisher announces liveness transitions to downstream consumers
type Publisher interface {
	PublishTransition(ctx context.Context, transition types.Transition) error
}

// Envelope is a CloudEvents-style wrapper around a transition
type Envelope struct {
	SpecVersion     string         `json:"specversion"`
	ID              string         `json:"id"`
	Source          string         `json:"source"`
	Type            string         `json:"type"`
	DataContentType string         `json:"datacontenttype"`
	Subject         string         `json:"subject"`
	Time            time.Time      `json:"time"`
	Data            TransitionData `json:"data"`
}

// TransitionData is the event payload
type TransitionData struct {
	FamilyID  string              `json:"familyId"`
	DeviceID  string              `json:"deviceId"`
	From      types.LivenessState `json:"from"`
	To        types.LivenessState `json:"to"`
	Escalated bool                `json:"escalated"`
	Reason    string              `json:"reason,omitempty"`
}

// JetStreamPublisher writes transition events to a JetStream stream
type JetStreamPublisher struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
}

// Connect dials NATS, makes sure the stream exists and returns a publisher.
// Events are published on <prefix>.<state>.
func Connect(ctx context.Context, natsURL, stream, prefix string, logger zerolog.Logger) (*JetStreamPublisher, error) {
	log := logger.With().Str("component", "events").Logger()

	nc, err := nats.Connect(natsURL,
		nats.Name("pingwatch-events"),
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

	p, err := NewJetStreamPublisher(ctx, nc, stream, prefix, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.nc = nc
	return p, nil
}

// NewJetStreamPublisher creates a publisher on an existing connection
func NewJetStreamPublisher(ctx context.Context, nc *nats.Conn, stream, prefix string, logger zerolog.Logger) (*JetStreamPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log := logger.With().Str("component", "events").Logger()

	if _, err := js.Stream(ctx, stream); err != nil {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     stream,
			Subjects: []string{prefix + ".>"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create or get stream %s: %w", stream, err)
		}
		log.Info().Str("stream", stream).Msg("Created JetStream stream")
	}

	return &JetStreamPublisher{js: js, prefix: prefix, logger: log}, nil
}

// PublishTransition publishes one transition and waits for the stream ack
func (p *JetStreamPublisher) PublishTransition(ctx context.Context, transition types.Transition) error {
	event := Envelope{
		SpecVersion:     "1.0",
		ID:              uuid.NewString(),
		Source:          eventSource,
		Type:            eventType,
		DataContentType: "application/json",
		Subject:         p.prefix + "." + transition.To.String(),
		Time:            transition.At,
		Data: TransitionData{
			FamilyID:  transition.Key.FamilyID,
			DeviceID:  transition.Key.DeviceID,
			From:      transition.From,
			To:        transition.To,
			Escalated: transition.Escalated,
			Reason:    transition.Reason,
		},
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transition event: %w", err)
	}

	ack, err := p.js.Publish(ctx, event.Subject, payload)
	if err != nil {
		return fmt.Errorf("failed to publish transition event: %w", err)
	}

	p.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", event.Subject).
		Uint64("seq", ack.Sequence).
		Msg("Published transition event")
	return nil
}

// Close drains the connection when the publisher owns it
func (p *JetStreamPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
