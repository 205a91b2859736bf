// Package sweep runs the periodic liveness cycle: evaluate the registry
// snapshot, apply the verdicts, alert guardians about new blocks and probe
// every eligible device for the next cycle.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pausenow/pingwatch/internal/alerter"
	"github.com/pausenow/pingwatch/internal/dispatcher"
	"github.com/pausenow/pingwatch/internal/evaluator"
	"github.com/pausenow/pingwatch/internal/events"
	"github.com/pausenow/pingwatch/internal/registry"
	"github.com/pausenow/pingwatch/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrSweepInProgress is returned when a cycle is requested while one is running
var ErrSweepInProgress = errors.New("sweep already in progress")

// Prober sends the next round of probes
type Prober interface {
	Dispatch(ctx context.Context, families []types.Family) (dispatcher.Result, error)
}

// GuardianNotifier alerts a family that one of its devices was blocked
type GuardianNotifier interface {
	NotifyGuardians(ctx context.Context, family types.Family, device types.Device) alerter.FanoutResult
}

// Config controls the sweep loop
type Config struct {
	Interval         time.Duration
	OperationTimeout time.Duration
	Concurrency      int
}

// Report summarizes one cycle
type Report struct {
	StartedAt           time.Time     `json:"startedAt"`
	Duration            time.Duration `json:"duration"`
	Evaluated           int           `json:"evaluated"`
	Pending             int           `json:"pending"`
	Responding          int           `json:"responding"`
	Offline             int           `json:"offline"`
	Escalated           int           `json:"escalated"`
	Conflicts           int           `json:"conflicts"`
	AlertsDelivered     int           `json:"alertsDelivered"`
	AlertsFailed        int           `json:"alertsFailed"`
	ProbesSent          int           `json:"probesSent"`
	ProbesSkipped       int           `json:"probesSkipped"`
	ProbesFailed        int           `json:"probesFailed"`
	ChannelsInvalidated int           `json:"channelsInvalidated"`
	Errors              []string      `json:"errors,omitempty"`
}

// Sweeper owns the liveness cycle
type Sweeper struct {
	registry   registry.Registry
	evaluator  *evaluator.Evaluator
	dispatcher Prober
	alerter    GuardianNotifier
	publisher  events.Publisher
	config     Config
	logger     zerolog.Logger
	now        func() time.Time

	running sync.Mutex

	mu   sync.RWMutex
	last *Report
}

// New creates a sweeper
func New(reg registry.Registry, eval *evaluator.Evaluator, prober Prober, notifier GuardianNotifier, cfg Config, logger zerolog.Logger) *Sweeper {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Sweeper{
		registry:   reg,
		evaluator:  eval,
		dispatcher: prober,
		alerter:    notifier,
		config:     cfg,
		logger:     logger.With().Str("component", "sweep").Logger(),
		now:        time.Now,
	}
}

// WithPublisher emits every applied transition to p
func (s *Sweeper) WithPublisher(p events.Publisher) *Sweeper {
	s.publisher = p
	return s
}

// LastReport returns the report of the most recent completed cycle
func (s *Sweeper) LastReport() (Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Run sweeps immediately and then every interval until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.config.Interval).Msg("Sweep loop started")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrSweepInProgress) {
				s.logger.Warn().Msg("Previous sweep still running, skipping tick")
			} else {
				s.logger.Error().Err(err).Msg("Sweep finished with errors")
			}
		}

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Sweep loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes one full cycle. Only a failed initial snapshot aborts the
// cycle; per-device failures are joined into the returned error.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	if !s.running.TryLock() {
		return Report{}, ErrSweepInProgress
	}
	defer s.running.Unlock()

	now := s.now()
	report := Report{StartedAt: now}

	families, err := s.registry.Families(ctx)
	if err != nil {
		return report, fmt.Errorf("read registry snapshot: %w", err)
	}

	verdicts := s.evaluator.Evaluate(families, now)
	report.Evaluated = len(verdicts.Classifications)
	report.Pending = len(verdicts.Pending)

	var errs []error
	if err := s.apply(ctx, families, verdicts, now, &report); err != nil {
		errs = append(errs, err)
	}

	// Re-read so the dispatcher sees this cycle's blocks.
	fresh, err := s.registry.Families(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("re-read registry snapshot: %w", err))
	} else {
		probes, err := s.dispatcher.Dispatch(ctx, fresh)
		report.ProbesSent = probes.Sent
		report.ProbesSkipped = probes.Skipped
		report.ProbesFailed = probes.Failed
		report.ChannelsInvalidated = len(probes.Invalidated)
		if err != nil {
			errs = append(errs, err)
		}
	}

	report.Duration = s.now().Sub(now)
	for _, err := range errs {
		report.Errors = append(report.Errors, err.Error())
	}

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	s.logger.Info().
		Int("evaluated", report.Evaluated).
		Int("pending", report.Pending).
		Int("responding", report.Responding).
		Int("offline", report.Offline).
		Int("escalated", report.Escalated).
		Int("probes_sent", report.ProbesSent).
		Int("errors", len(report.Errors)).
		Dur("duration", report.Duration).
		Msg("Sweep complete")

	return report, errors.Join(errs...)
}

// apply writes every changed verdict concurrently and fans out new blocks
func (s *Sweeper) apply(ctx context.Context, families []types.Family, verdicts evaluator.Result, now time.Time, report *Report) error {
	byFamily := make(map[string]types.Family, len(families))
	devices := make(map[types.DeviceKey]types.Device)
	for _, f := range families {
		byFamily[f.ID] = f
		for _, d := range f.Devices {
			d.FamilyID = f.ID
			devices[d.Key()] = d
		}
	}

	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for key, transition := range verdicts.Classifications {
		switch transition.To {
		case types.StateResponding:
			report.Responding++
		case types.StateOffline:
			report.Offline++
		}
		if !transition.Changed() {
			continue
		}

		g.Go(func() error {
			var (
				fanout  *alerter.FanoutResult
				applied bool
				err     error
			)
			if transition.Escalated {
				fanout, applied, err = s.escalate(gctx, byFamily[key.FamilyID], devices[key], transition, now)
			} else {
				applied, err = s.transition(gctx, transition, nil)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case !applied:
				report.Conflicts++
			case transition.Escalated:
				report.Escalated++
			}
			if fanout != nil {
				report.AlertsDelivered += fanout.Delivered
				report.AlertsFailed += len(fanout.Failed)
			}
			return nil
		})
	}

	_ = g.Wait()
	return errors.Join(errs...)
}

// escalate walks the device through suspected into blocked and, only if this
// cycle won the write into blocked, alerts the guardians.
func (s *Sweeper) escalate(ctx context.Context, family types.Family, device types.Device, transition types.Transition, now time.Time) (*alerter.FanoutResult, bool, error) {
	from := transition.From
	if from != types.StateSuspected {
		step := transition
		step.To = types.StateSuspected
		step.Escalated = false
		applied, err := s.transition(ctx, step, nil)
		if err != nil || !applied {
			return nil, applied, err
		}
		from = types.StateSuspected
	}

	step := transition
	step.From = from
	applied, err := s.transition(ctx, step, &now)
	if err != nil || !applied {
		return nil, applied, err
	}

	device.LivenessState = types.StateBlocked
	device.BlockedAt = &now
	result := s.alerter.NotifyGuardians(ctx, family, device)
	return &result, true, nil
}

// transition performs one conditional write. applied is false when another
// writer changed the state first.
func (s *Sweeper) transition(ctx context.Context, t types.Transition, blockedAt *time.Time) (bool, error) {
	log := s.logger.With().
		Str("family_id", t.Key.FamilyID).
		Str("device_id", t.Key.DeviceID).
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Logger()

	writeCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	err := s.registry.UpdateLiveness(writeCtx, t.Key, t.From, t.To, blockedAt)
	switch {
	case errors.Is(err, registry.ErrStateConflict):
		log.Info().Msg("Liveness changed concurrently, leaving it for the next cycle")
		return false, nil
	case err != nil:
		log.Error().Err(err).Msg("Failed to update liveness")
		return false, fmt.Errorf("update liveness %s: %w", t.Key, err)
	}

	log.Info().Str("reason", t.Reason).Msg("Liveness changed")
	s.publish(ctx, t)
	return true, nil
}

func (s *Sweeper) publish(ctx context.Context, t types.Transition) {
	if s.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	if err := s.publisher.PublishTransition(pubCtx, t); err != nil {
		s.logger.Warn().
			Err(err).
			Str("family_id", t.Key.FamilyID).
			Str("device_id", t.Key.DeviceID).
			Msg("Failed to publish transition event")
	}
}
