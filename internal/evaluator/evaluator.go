// Package evaluator classifies devices from probe, response and heartbeat timestamps.
package evaluator

import (
	"time"

	"github.com/pausenow/pingwatch/internal/types"
	"github.com/rs/zerolog"
)

// Config holds the liveness policy tunables
type Config struct {
	// ResponseTimeout is how long an outstanding probe may go unanswered
	// before the device is judged non-responsive.
	ResponseTimeout time.Duration
	// HeartbeatFreshnessWindow is how recent lastHeartbeatAt must be for the
	// agent process to count as running.
	HeartbeatFreshnessWindow time.Duration
}

// Result is the outcome of one evaluation pass
type Result struct {
	Classifications map[types.DeviceKey]types.Transition
	// Escalations lists devices moving into blocked on this pass
	Escalations []types.DeviceKey
	// Pending lists devices whose probe is still inside its response window
	Pending []types.DeviceKey
}

// Reasons attached to transitions
const (
	ReasonValidResponse = "valid_response"
	ReasonAppRunning    = "no_response_app_running"
	ReasonAppNotRunning = "no_response_app_not_running"
)

// Verdict says what EvaluateDevice decided about a device
type Verdict int

const (
	// Exempt devices are not classified: no channel, never probed, or blocked.
	Exempt Verdict = iota
	// Pending devices have a probe still inside its response window.
	Pending
	// Classified devices carry a transition to apply.
	Classified
)

func (v Verdict) String() string {
	switch v {
	case Pending:
		return "pending"
	case Classified:
		return "classified"
	default:
		return "exempt"
	}
}

// Evaluator is the liveness state machine. It is pure: it reads a snapshot
// and returns verdicts, and never writes to the registry itself.
type Evaluator struct {
	config Config
	logger zerolog.Logger
}

// NewEvaluator creates a new liveness evaluator
func NewEvaluator(cfg Config, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		config: cfg,
		logger: logger.With().Str("component", "evaluator").Logger(),
	}
}

// Evaluate classifies every eligible device in the snapshot at time now
func (e *Evaluator) Evaluate(families []types.Family, now time.Time) Result {
	result := Result{Classifications: make(map[types.DeviceKey]types.Transition)}

	for _, family := range families {
		for _, device := range family.Devices {
			if device.FamilyID == "" {
				device.FamilyID = family.ID
			}

			transition, verdict := e.EvaluateDevice(device, now)
			switch verdict {
			case Exempt:
				continue
			case Pending:
				result.Pending = append(result.Pending, device.Key())
				continue
			}

			result.Classifications[transition.Key] = transition
			if transition.Escalated {
				result.Escalations = append(result.Escalations, transition.Key)
			}
		}
	}

	e.logger.Debug().
		Int("classified", len(result.Classifications)).
		Int("escalations", len(result.Escalations)).
		Int("pending", len(result.Pending)).
		Msg("Evaluation complete")

	return result
}

// EvaluateDevice classifies a single device. The transition is only
// meaningful when the verdict is Classified.
func (e *Evaluator) EvaluateDevice(device types.Device, now time.Time) (types.Transition, Verdict) {
	from := device.LivenessState
	if from == "" {
		from = types.StateUnknown
	}

	if from.IsTerminal() || !device.HasChannel() || device.LastProbeSentAt == nil {
		return types.Transition{}, Exempt
	}

	transition := types.Transition{
		Key:  device.Key(),
		From: from,
		At:   now,
	}
	sentAt := *device.LastProbeSentAt

	// A response at or before the send time answered an earlier probe.
	// A valid response stands until the next probe is sent.
	if hasValidResponse(device, sentAt) {
		transition.To = types.StateResponding
		transition.Reason = ReasonValidResponse
		return transition, Classified
	}

	if now.Sub(sentAt) < e.config.ResponseTimeout {
		return types.Transition{}, Pending
	}

	if e.appRunning(device, now) {
		// The agent process is alive but probes go unanswered: delivery is
		// being suppressed on the device.
		transition.To = types.StateBlocked
		transition.Escalated = true
		transition.Reason = ReasonAppRunning
		return transition, Classified
	}

	transition.To = types.StateOffline
	transition.Reason = ReasonAppNotRunning
	return transition, Classified
}

func hasValidResponse(device types.Device, sentAt time.Time) bool {
	return device.LastProbeRespondedAt != nil && device.LastProbeRespondedAt.After(sentAt)
}

// appRunning reads only the heartbeat; probe timestamps say nothing about the process.
func (e *Evaluator) appRunning(device types.Device, now time.Time) bool {
	if device.LastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*device.LastHeartbeatAt) < e.config.HeartbeatFreshnessWindow
}
