package notifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/pausenow/pingwatch/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

// runBridge answers push requests on subject with the reply for each token
func runBridge(t *testing.T, nc *nats.Conn, subject string, replies map[string]natsPushReply) {
	t.Helper()
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		var req natsPushRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			return
		}
		data, _ := json.Marshal(replies[req.Token])
		_ = m.Respond(data)
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func TestNATSTransportDeliver(t *testing.T) {
	ns := runNATSServer(t)

	bridge, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer bridge.Close()

	runBridge(t, bridge, "push.send", map[string]natsPushReply{
		"good":    {OK: true, MessageID: "m-1"},
		"gone":    {Code: "registration-token-not-registered"},
		"limited": {Code: "quota-exceeded", Error: "slow down"},
	})

	tr, err := ConnectNATSTransport(ns.ClientURL(), "push.send", time.Second, zerolog.Nop())
	require.NoError(t, err)
	defer tr.Close()

	msg := types.NewProbeMessage("child-1", "p-1", time.Now())

	res, err := tr.Deliver(context.Background(), "good", msg)
	require.NoError(t, err)
	assert.Equal(t, "m-1", res.MessageID)

	_, err = tr.Deliver(context.Background(), "gone", msg)
	assert.True(t, IsPermanent(err))

	_, err = tr.Deliver(context.Background(), "limited", msg)
	assert.ErrorIs(t, err, ErrTransient)
	assert.False(t, IsPermanent(err))
}

func TestNATSTransportNoBridge(t *testing.T) {
	ns := runNATSServer(t)

	tr, err := ConnectNATSTransport(ns.ClientURL(), "push.nobody", 200*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Deliver(context.Background(), "tok", types.NewProbeMessage("d", "p", time.Now()))
	assert.ErrorIs(t, err, ErrTransient)
}

func TestLogTransportAlwaysAcknowledges(t *testing.T) {
	tr := NewLogTransport(zerolog.Nop())
	first, err := tr.Deliver(context.Background(), "tok", types.NewProbeMessage("d", "p", time.Now()))
	require.NoError(t, err)
	second, err := tr.Deliver(context.Background(), "tok", types.NewProbeMessage("d", "p", time.Now()))
	require.NoError(t, err)
	assert.NotEqual(t, first.MessageID, second.MessageID)
}
