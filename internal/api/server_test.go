package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pausenow/pingwatch/internal/alerter"
	"github.com/pausenow/pingwatch/internal/notifier"
	"github.com/pausenow/pingwatch/internal/registry"
	"github.com/pausenow/pingwatch/internal/sweep"
	"github.com/pausenow/pingwatch/internal/types"
	"github.com/pausenow/pingwatch/internal/webui"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var fixedNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSweeper struct {
	report sweep.Report
	err    error
	calls  int
}

func (f *fakeSweeper) RunOnce(context.Context) (sweep.Report, error) {
	f.calls++
	return f.report, f.err
}

func (f *fakeSweeper) LastReport() (sweep.Report, bool) {
	return f.report, f.calls > 0
}

type testEnv struct {
	server    *Server
	store     *registry.MemoryStore
	engine    *alerter.Engine
	transport *notifier.MockTransport
	sweeper   *fakeSweeper
	handler   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)
	tr := notifier.NewMockTransport(ctrl)

	blockedAt := fixedNow.Add(-time.Hour)
	store := registry.NewMemoryStore(types.Family{
		ID:               "fam-1",
		GuardianChannels: []string{"guardian-1"},
		Devices: []types.Device{
			{ID: "child-1", Name: "Sam", NotificationChannel: "tok-child-1", LivenessState: types.StateResponding},
			{ID: "child-2", NotificationChannel: "tok-child-2", LivenessState: types.StateBlocked, BlockedAt: &blockedAt},
			{ID: "child-3"},
		},
	})

	engine := alerter.NewEngine(tr, alerter.Config{OperationTimeout: time.Second}, zerolog.Nop())
	sw := &fakeSweeper{}

	s := NewServer(store, engine, sw, tr, zerolog.Nop(), "0")
	s.now = func() time.Time { return fixedNow }

	return &testEnv{server: s, store: store, engine: engine, transport: tr, sweeper: sw, handler: s.Handler()}
}

func (e *testEnv) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *testEnv) device(t *testing.T, id string) types.Device {
	t.Helper()
	d, err := e.store.Device(types.DeviceKey{FamilyID: "fam-1", DeviceID: id})
	require.NoError(t, err)
	return d
}

func TestProbeResponse(t *testing.T) {
	env := newTestEnv(t)

	t.Run("stamps server time and leaves state alone", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/v1/probe-response",
			`{"familyId":"fam-1","deviceId":"child-2","respondedAt":"2020-01-01T00:00:00Z"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decode(t, rec)["success"])

		d := env.device(t, "child-2")
		require.NotNil(t, d.LastProbeRespondedAt)
		assert.Equal(t, fixedNow, *d.LastProbeRespondedAt)
		assert.Equal(t, types.StateBlocked, d.LivenessState)
	})

	t.Run("accepts childId", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/v1/probe-response", `{"familyId":"fam-1","childId":"child-1"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing device", `{"familyId":"fam-1"}`, http.StatusBadRequest},
		{"missing family", `{"deviceId":"child-1"}`, http.StatusBadRequest},
		{"malformed", `{"familyId":`, http.StatusBadRequest},
		{"unknown device", `{"familyId":"fam-1","deviceId":"ghost"}`, http.StatusNotFound},
		{"unknown family", `{"familyId":"fam-9","deviceId":"child-1"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/v1/probe-response", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, false, decode(t, rec)["success"])
		})
	}

	t.Run("wrong method", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/v1/probe-response", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/heartbeat", `{"familyId":"fam-1","deviceId":"child-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	d := env.device(t, "child-1")
	require.NotNil(t, d.LastHeartbeatAt)
	assert.Equal(t, fixedNow, *d.LastHeartbeatAt)
	assert.Nil(t, d.LastProbeRespondedAt)
}

func TestChannelCheck(t *testing.T) {
	body := `{"familyId":"fam-1","deviceId":"child-1"}`
	statusCheck := types.NewStatusCheck("child-1", fixedNow)

	t.Run("active", func(t *testing.T) {
		env := newTestEnv(t)
		env.transport.EXPECT().Deliver(gomock.Any(), "tok-child-1", statusCheck).Return(notifier.DeliveryResult{}, nil)

		rec := env.do(http.MethodPost, "/api/v1/channel-check", body)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, ChannelActive, decode(t, rec)["status"])
	})

	t.Run("deleted invalidates the channel", func(t *testing.T) {
		env := newTestEnv(t)
		env.transport.EXPECT().Deliver(gomock.Any(), "tok-child-1", statusCheck).
			Return(notifier.DeliveryResult{}, fmt.Errorf("%w: not registered", notifier.ErrTokenInvalid))

		rec := env.do(http.MethodPost, "/api/v1/channel-check", body)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, ChannelDeleted, decode(t, rec)["status"])
		assert.True(t, env.device(t, "child-1").ChannelInvalid)
		assert.Equal(t, types.StateResponding, env.device(t, "child-1").LivenessState)

		// Already invalid: answered without another push.
		rec = env.do(http.MethodPost, "/api/v1/channel-check", body)
		assert.Equal(t, ChannelDeleted, decode(t, rec)["status"])
	})

	t.Run("offline on transient failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.transport.EXPECT().Deliver(gomock.Any(), "tok-child-1", statusCheck).
			Return(notifier.DeliveryResult{}, fmt.Errorf("%w: gateway down", notifier.ErrTransient))

		rec := env.do(http.MethodPost, "/api/v1/channel-check", body)
		require.Equal(t, http.StatusOK, rec.Code)
		out := decode(t, rec)
		assert.Equal(t, ChannelOffline, out["status"])
		assert.Contains(t, out["error"], "gateway down")
		assert.False(t, env.device(t, "child-1").ChannelInvalid)
	})

	t.Run("unpaired device", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(http.MethodPost, "/api/v1/channel-check", `{"familyId":"fam-1","deviceId":"child-3"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown device", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(http.MethodPost, "/api/v1/channel-check", `{"familyId":"fam-1","deviceId":"ghost"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPushSingleToken(t *testing.T) {
	env := newTestEnv(t)
	want := types.NewCommand("pause", "child-1", "Sam", fixedNow)

	t.Run("delivered", func(t *testing.T) {
		env.transport.EXPECT().Deliver(gomock.Any(), "tok-child-1", want).
			Return(notifier.DeliveryResult{MessageID: "m-1"}, nil)

		rec := env.do(http.MethodPost, "/api/v1/push", `{"action":"pause","token":"tok-child-1","childId":"child-1","childName":"Sam"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "m-1", body["messageId"])
		assert.Equal(t, "pause", body["action"])
	})

	t.Run("unregistered token is not a server error", func(t *testing.T) {
		env.transport.EXPECT().Deliver(gomock.Any(), "tok-gone", gomock.Any()).
			Return(notifier.DeliveryResult{}, fmt.Errorf("%w: unregistered", notifier.ErrTokenInvalid))

		rec := env.do(http.MethodPost, "/api/v1/push", `{"action":"pause","token":"tok-gone","deviceId":"child-1"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, true, body["deleted"])
		assert.Equal(t, "NotRegistered", body["error"])
	})

	t.Run("transport failure", func(t *testing.T) {
		env.transport.EXPECT().Deliver(gomock.Any(), "tok-child-1", gomock.Any()).
			Return(notifier.DeliveryResult{}, fmt.Errorf("%w: gateway status 503", notifier.ErrTransient))

		rec := env.do(http.MethodPost, "/api/v1/push", `{"action":"activate","token":"tok-child-1"}`)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, false, decode(t, rec)["success"])
	})

	t.Run("state is untouched", func(t *testing.T) {
		assert.Equal(t, types.StateResponding, env.device(t, "child-1").LivenessState)
		assert.False(t, env.device(t, "child-1").ChannelInvalid)
	})
}

func TestPushTokenList(t *testing.T) {
	env := newTestEnv(t)

	env.transport.EXPECT().Deliver(gomock.Any(), "parent-a", gomock.Any()).Return(notifier.DeliveryResult{MessageID: "m-a"}, nil).Times(1)
	env.transport.EXPECT().Deliver(gomock.Any(), "parent-b", gomock.Any()).
		Return(notifier.DeliveryResult{}, fmt.Errorf("%w: unregistered", notifier.ErrTokenInvalid)).Times(1)

	rec := env.do(http.MethodPost, "/api/v1/push",
		`{"action":"unlock_request","tokens":["parent-a","parent-b","parent-a"],"deviceId":"child-1","deviceName":"Sam"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool   `json:"success"`
		Action  string `json:"action"`
		Results []struct {
			Token     string `json:"token"`
			Success   bool   `json:"success"`
			MessageID string `json:"messageId"`
			Deleted   bool   `json:"deleted"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "unlock_request", body.Action)
	require.Len(t, body.Results, 2)
	assert.Equal(t, "parent-a", body.Results[0].Token)
	assert.True(t, body.Results[0].Success)
	assert.Equal(t, "m-a", body.Results[0].MessageID)
	assert.Equal(t, "parent-b", body.Results[1].Token)
	assert.True(t, body.Results[1].Deleted)
}

func TestPushRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{`},
		{name: "no action", body: `{"token":"tok"}`},
		{name: "no token", body: `{"action":"pause"}`},
		{name: "empty token list", body: `{"action":"pause","tokens":[]}`},
		{name: "blank token", body: `{"action":"pause","token":"  "}`},
		{name: "status check", body: `{"action":"status_check","token":"tok"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/v1/push", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	env.server.SetAPIKey("secret")
	rec := env.do(http.MethodPost, "/api/v1/push", `{"action":"pause","token":"tok"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTriggerSweep(t *testing.T) {
	t.Run("returns the report", func(t *testing.T) {
		env := newTestEnv(t)
		env.sweeper.report = sweep.Report{StartedAt: fixedNow, Evaluated: 2, ProbesSent: 2}

		rec := env.do(http.MethodPost, "/api/v1/sweep", "")
		require.Equal(t, http.StatusOK, rec.Code)
		out := decode(t, rec)
		assert.Equal(t, true, out["success"])
		assert.Equal(t, float64(2), out["report"].(map[string]interface{})["probesSent"])
	})

	t.Run("partial failure still reports", func(t *testing.T) {
		env := newTestEnv(t)
		env.sweeper.report = sweep.Report{Errors: []string{"update liveness fam-1/child-1: boom"}}
		env.sweeper.err = errors.New("update liveness fam-1/child-1: boom")

		rec := env.do(http.MethodPost, "/api/v1/sweep", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, decode(t, rec)["success"])
	})

	t.Run("already running", func(t *testing.T) {
		env := newTestEnv(t)
		env.sweeper.err = sweep.ErrSweepInProgress

		rec := env.do(http.MethodPost, "/api/v1/sweep", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("snapshot failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.sweeper.err = errors.New("read registry snapshot: down")

		rec := env.do(http.MethodPost, "/api/v1/sweep", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestUnblock(t *testing.T) {
	env := newTestEnv(t)

	family := types.Family{ID: "fam-1"}
	blocked := env.device(t, "child-2")
	env.engine.NotifyGuardians(context.Background(), family, blocked)
	require.Len(t, env.engine.ActiveAlerts(), 1)

	rec := env.do(http.MethodPost, "/api/v1/families/fam-1/devices/child-2/unblock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["alertResolved"])

	d := env.device(t, "child-2")
	assert.Equal(t, types.StateUnknown, d.LivenessState)
	assert.Nil(t, d.BlockedAt)
	assert.Nil(t, d.LastProbeSentAt)
	assert.Empty(t, env.engine.ActiveAlerts())

	rec = env.do(http.MethodPost, "/api/v1/families/fam-1/devices/child-2/unblock", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/families/fam-1/devices/ghost/unblock", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodOptions, "/api/v1/probe-response", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Api-Key")

	rec = env.do(http.MethodGet, "/health", "")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPIKey(t *testing.T) {
	env := newTestEnv(t)
	env.server.SetAPIKey("s3cret")
	env.handler = env.server.Handler()
	body := `{"familyId":"fam-1","deviceId":"child-1"}`

	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, "/api/v1/heartbeat", body).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, "/api/v1/heartbeat", body, "X-Api-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/heartbeat", body, "X-Api-Key", "s3cret").Code)

	// Reads stay open.
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/devices", "").Code)
}

func TestListDevices(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["count"])

	rec = env.do(http.MethodGet, "/api/v1/devices?state=blocked", "")
	out := decode(t, rec)
	require.Equal(t, float64(1), out["count"])
	first := out["devices"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "child-2", first["id"])
	assert.Equal(t, "fam-1", first["familyId"])

	rec = env.do(http.MethodGet, "/api/v1/devices?familyId=fam-9", "")
	assert.Equal(t, float64(0), decode(t, rec)["count"])
}

func TestStatusAndAlerts(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, float64(1), out["families"])
	assert.Equal(t, float64(3), out["devices"])
	assert.Equal(t, float64(1), out["states"].(map[string]interface{})["blocked"])
	assert.NotContains(t, out, "last_sweep")

	rec = env.do(http.MethodGet, "/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["count"])

	rec = env.do(http.MethodGet, "/health", "")
	assert.Equal(t, "healthy", decode(t, rec)["status"])
}

func TestLogsAndDashboard(t *testing.T) {
	env := newTestEnv(t)
	lb := webui.NewLogBuffer(50)
	env.server.SetLogBuffer(lb)

	logger := zerolog.New(lb)
	logger.Info().Str("component", "sweep").Msg("Sweep complete")
	logger.Warn().Str("component", "dispatcher").Msg("Channel no longer registered, invalidating")

	rec := env.do(http.MethodGet, "/api/logs?component=dispatcher", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/logs?limit=x", "").Code)

	rec = env.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	page := rec.Body.String()
	assert.Contains(t, page, "Sam")
	assert.Contains(t, page, "blocked")
	assert.Contains(t, page, "Sweep complete")

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/nope", "").Code)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "5m", formatDuration(5*time.Minute+10*time.Second))
	assert.Equal(t, "2h 3m", formatDuration(2*time.Hour+3*time.Minute))
	assert.Equal(t, "1d 1h 0m", formatDuration(25*time.Hour))
	assert.Equal(t, "never", formatSince(fixedNow, nil))
}


func TestSortDevices(t *testing.T) {
	devices := []types.Device{
		{FamilyID: "fam-2", ID: "a"},
		{FamilyID: "fam-1", ID: "c"},
		{FamilyID: "fam-1", ID: "b"},
	}
	sortDevices(devices)

	var order []string
	for _, d := range devices {
		order = append(order, d.FamilyID+"/"+d.ID)
	}
	assert.Equal(t, []string{"fam-1/b", "fam-1/c", "fam-2/a"}, order)
}
