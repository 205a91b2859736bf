package alerter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pausenow/pingwatch/internal/notifier"
	"github.com/pausenow/pingwatch/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var blockedAt = time.Date(2025, 3, 1, 8, 10, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *notifier.MockTransport) {
	t.Helper()
	ctrl := gomock.NewController(t)
	tr := notifier.NewMockTransport(ctrl)
	return NewEngine(tr, Config{OperationTimeout: time.Second, Concurrency: 4}, zerolog.Nop()), tr
}

func blockedDevice() types.Device {
	ts := blockedAt
	return types.Device{
		ID:            "child-1",
		FamilyID:      "fam-1",
		Name:          "Sam's phone",
		LivenessState: types.StateBlocked,
		BlockedAt:     &ts,
	}
}

func TestNotifyGuardiansDedupsChannels(t *testing.T) {
	e, tr := newTestEngine(t)

	family := types.Family{
		ID:               "fam-1",
		GuardianChannels: []string{"X", "Y"},
		CreatorChannel:   "X",
		PartnerChannels:  []string{" X ", ""},
	}
	device := blockedDevice()
	want := types.NewPolicyAlert(device)

	tr.EXPECT().Deliver(gomock.Any(), "X", want).Return(notifier.DeliveryResult{}, nil).Times(1)
	tr.EXPECT().Deliver(gomock.Any(), "Y", want).Return(notifier.DeliveryResult{}, nil).Times(1)

	res := e.NotifyGuardians(context.Background(), family, device)
	assert.Equal(t, 2, res.Delivered)
	assert.Empty(t, res.Failed)
	assert.False(t, res.Skipped)
	assert.NotEmpty(t, res.AlertID)
}

func TestNotifyGuardiansFailureDoesNotStopOthers(t *testing.T) {
	e, tr := newTestEngine(t)

	family := types.Family{ID: "fam-1", GuardianChannels: []string{"bad-channel-token", "good-1", "good-2"}}

	tr.EXPECT().Deliver(gomock.Any(), "bad-channel-token", gomock.Any()).
		Return(notifier.DeliveryResult{}, fmt.Errorf("%w: unregistered", notifier.ErrTokenInvalid))
	tr.EXPECT().Deliver(gomock.Any(), "good-1", gomock.Any()).Return(notifier.DeliveryResult{}, nil)
	tr.EXPECT().Deliver(gomock.Any(), "good-2", gomock.Any()).Return(notifier.DeliveryResult{}, nil)

	res := e.NotifyGuardians(context.Background(), family, blockedDevice())
	assert.Equal(t, 2, res.Delivered)
	require.Len(t, res.Failed, 1)
	assert.True(t, res.Failed[0].Permanent)
	assert.Equal(t, notifier.Redact("bad-channel-token"), res.Failed[0].Channel)
	assert.ErrorIs(t, res.Failed[0].Err, notifier.ErrTokenInvalid)

	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].Delivered)
	assert.Equal(t, 1, active[0].Failed)
}

func TestNotifyGuardiansOncePerEscalation(t *testing.T) {
	e, tr := newTestEngine(t)
	family := types.Family{ID: "fam-1", GuardianChannels: []string{"X"}}

	tr.EXPECT().Deliver(gomock.Any(), "X", gomock.Any()).Return(notifier.DeliveryResult{}, nil).Times(1)

	first := e.NotifyGuardians(context.Background(), family, blockedDevice())
	second := e.NotifyGuardians(context.Background(), family, blockedDevice())

	assert.Equal(t, 1, first.Delivered)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.AlertID, second.AlertID)
	assert.Len(t, e.ActiveAlerts(), 1)
}

func TestResolveAllowsNextEscalation(t *testing.T) {
	e, tr := newTestEngine(t)
	family := types.Family{ID: "fam-1", GuardianChannels: []string{"X"}}
	device := blockedDevice()

	tr.EXPECT().Deliver(gomock.Any(), "X", gomock.Any()).Return(notifier.DeliveryResult{}, nil).Times(2)

	first := e.NotifyGuardians(context.Background(), family, device)
	require.True(t, e.ResolveAlert(device.Key()))
	assert.False(t, e.ResolveAlert(device.Key()))
	assert.Empty(t, e.ActiveAlerts())

	later := blockedAt.Add(time.Hour)
	device.BlockedAt = &later
	second := e.NotifyGuardians(context.Background(), family, device)
	assert.False(t, second.Skipped)
	assert.NotEqual(t, first.AlertID, second.AlertID)
}

func TestNotifyGuardiansWithoutChannels(t *testing.T) {
	e, _ := newTestEngine(t)

	res := e.NotifyGuardians(context.Background(), types.Family{ID: "fam-1"}, blockedDevice())
	assert.Zero(t, res.Delivered)
	assert.Empty(t, res.Failed)
	assert.Len(t, e.ActiveAlerts(), 1)
}
