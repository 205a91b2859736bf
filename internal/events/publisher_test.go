package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/pausenow/pingwatch/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runJetStream(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestPublishTransition(t *testing.T) {
	ns := runJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := Connect(ctx, ns.ClientURL(), "LIVENESS", "liveness.transitions", zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	at := time.Date(2025, 3, 1, 8, 10, 1, 0, time.UTC)
	require.NoError(t, p.PublishTransition(ctx, types.Transition{
		Key:       types.DeviceKey{FamilyID: "fam-1", DeviceID: "child-1"},
		From:      types.StateResponding,
		To:        types.StateBlocked,
		Escalated: true,
		At:        at,
		Reason:    "no_response_app_running",
	}))

	stream, err := p.js.Stream(ctx, "LIVENESS")
	require.NoError(t, err)
	raw, err := stream.GetMsg(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "liveness.transitions.blocked", raw.Subject)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw.Data, &env))
	assert.Equal(t, "1.0", env.SpecVersion)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, eventType, env.Type)
	assert.True(t, at.Equal(env.Time))
	assert.Equal(t, TransitionData{
		FamilyID:  "fam-1",
		DeviceID:  "child-1",
		From:      types.StateResponding,
		To:        types.StateBlocked,
		Escalated: true,
		Reason:    "no_response_app_running",
	}, env.Data)
}

func TestConnectReusesExistingStream(t *testing.T) {
	ns := runJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := Connect(ctx, ns.ClientURL(), "LIVENESS", "liveness.transitions", zerolog.Nop())
	require.NoError(t, err)
	defer first.Close()

	second, err := Connect(ctx, ns.ClientURL(), "LIVENESS", "liveness.transitions", zerolog.Nop())
	require.NoError(t, err)
	defer second.Close()

	names := second.js.StreamNames(ctx)
	var got []string
	for name := range names.Name() {
		got = append(got, name)
	}
	require.NoError(t, names.Err())
	assert.Equal(t, []string{"LIVENESS"}, got)

}
