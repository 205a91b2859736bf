package api

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/pausenow/pingwatch/internal/sweep"
	"github.com/pausenow/pingwatch/internal/types"
	"github.com/pausenow/pingwatch/internal/version"
	"github.com/pausenow/pingwatch/internal/webui"
)

// PageData holds data for the dashboard template
type PageData struct {
	Version      string
	Commit       string
	Uptime       string
	FamilyCount  int
	DeviceCount  int
	BlockedCount int
	AlertCount   int
	Devices      []DeviceRow
	Alerts       []types.Alert
	LastSweep    *sweep.Report
	Logs         []webui.LogEntry
}

// DeviceRow is one line of the device table
type DeviceRow struct {
	FamilyID       string
	Name           string
	State          string
	HasChannel     bool
	ChannelInvalid bool
	LastProbe      string
	LastResponse   string
	LastHeartbeat  string
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	data := PageData{
		Version: info.Version,
		Commit:  info.Commit,
		Uptime:  formatDuration(time.Since(s.startTime)),
	}

	families, err := s.registry.Families(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read registry for dashboard")
	}
	data.FamilyCount = len(families)

	var devices []types.Device
	for _, f := range families {
		for _, d := range f.Devices {
			d.FamilyID = f.ID
			devices = append(devices, d)
		}
	}
	sortDevices(devices)

	now := s.now()
	for _, d := range devices {
		if d.LivenessState == types.StateBlocked {
			data.BlockedCount++
		}
		data.Devices = append(data.Devices, DeviceRow{
			FamilyID:       d.FamilyID,
			Name:           d.DisplayName(),
			State:          d.LivenessState.String(),
			HasChannel:     d.HasChannel(),
			ChannelInvalid: d.ChannelInvalid,
			LastProbe:      formatSince(now, d.LastProbeSentAt),
			LastResponse:   formatSince(now, d.LastProbeRespondedAt),
			LastHeartbeat:  formatSince(now, d.LastHeartbeatAt),
		})
	}
	data.DeviceCount = len(devices)

	data.Alerts = s.alerts.ActiveAlerts()
	data.AlertCount = len(data.Alerts)

	if report, ok := s.sweeper.LastReport(); ok {
		data.LastSweep = &report
	}
	if s.logBuffer != nil {
		data.Logs = s.logBuffer.Recent(100, webui.LogFilter{})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := webui.Templates.ExecuteTemplate(w, "base", data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render template")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func formatSince(now time.Time, t *time.Time) string {
	if t == nil {
		return "never"
	}
	return formatDuration(now.Sub(*t)) + " ago"
}

// formatDuration renders a duration the way people read uptimes
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

// sortDevices orders rows by family then device id
func sortDevices(devices []types.Device) {
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].FamilyID != devices[j].FamilyID {
			return devices[i].FamilyID < devices[j].FamilyID
		}
		return devices[i].ID < devices[j].ID
	})
}
