package fleetagent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/droidfleet/fleetagent/internal/storage"
)

// ErrRestartLimit marks a device run that kept failing a required step after
// exhausting its allowed scenario restarts.
var ErrRestartLimit = errors.New("scenario restart limit exceeded")

// fleetBridge is the slice of the device bridge the orchestrator needs to
// normalize connections before a pass.
type fleetBridge interface {
	Connect(ctx context.Context, serial string) error
	Disconnect(ctx context.Context, serial string) error
	Devices(ctx context.Context) ([]string, error)
}

// Orchestrator drives full fleet passes: it normalizes bridge connections,
// partitions the worklist into batches, staggers device starts and bounds
// per-device scenario restarts.
type Orchestrator struct {
	bridge   fleetBridge
	sessions *SessionManager
	cfg      *Config
	history  *storage.History

	mu      sync.Mutex
	passing bool

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewOrchestrator wires an orchestrator over an already-built session manager.
func NewOrchestrator(bridge fleetBridge, sessions *SessionManager, cfg *Config, history *storage.History) *Orchestrator {
	return &Orchestrator{
		bridge:   bridge,
		sessions: sessions,
		cfg:      cfg,
		history:  history,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// RunPass executes one full orchestration pass over the configured devices.
// Only one pass runs at a time; an overlapping trigger is dropped.
func (o *Orchestrator) RunPass(ctx context.Context) error {
	o.mu.Lock()
	if o.passing {
		o.mu.Unlock()
		log.Warn().Msg("orchestration pass already running, trigger dropped")
		return nil
	}
	o.passing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.passing = false
		o.mu.Unlock()
	}()

	worklist := o.prepareWorklist(ctx)
	if len(worklist) == 0 {
		log.Warn().Msg("no reachable devices, pass skipped")
		return nil
	}

	batchSize := o.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var wg sync.WaitGroup
	for start := 0; start < len(worklist); start += batchSize {
		end := start + batchSize
		if end > len(worklist) {
			end = len(worklist)
		}
		batch := worklist[start:end]
		log.Info().Int("batch", start/batchSize).Int("devices", len(batch)).Msg("starting batch")

		for i, dev := range batch {
			if i > 0 {
				if err := o.sleep(ctx, o.cfg.DeviceStartStagger.Std(defaultDeviceStagger)); err != nil {
					wg.Wait()
					return err
				}
			}
			wg.Add(1)
			go func(dev Device) {
				defer wg.Done()
				if err := o.runWorker(ctx, dev); err != nil {
					log.Error().Err(err).Str("device", dev.ID).Msg("device run failed")
				}
			}(dev)
		}

		// Fixed pacing between batch starts. It deliberately does not wait
		// for the previous batch's workers to finish.
		if end < len(worklist) {
			if err := o.sleep(ctx, o.cfg.BatchStartInterval.Std(defaultBatchInterval)); err != nil {
				wg.Wait()
				return err
			}
		}
	}
	wg.Wait()
	log.Info().Int("devices", len(worklist)).Msg("orchestration pass finished")
	return ctx.Err()
}

// prepareWorklist disconnects and reconnects every enabled configured device,
// then drops the ones that failed to reconnect or are absent from the live
// device list. Unreachable devices are skipped for this pass only.
func (o *Orchestrator) prepareWorklist(ctx context.Context) []Device {
	live := map[string]bool{}
	serials, err := o.bridge.Devices(ctx)
	if err != nil {
		log.Error().Err(err).Msg("listing devices")
	}
	for _, s := range serials {
		live[s] = true
	}

	var worklist []Device
	for _, dev := range o.cfg.Devices {
		if !dev.Enabled {
			continue
		}
		if err := o.bridge.Disconnect(ctx, dev.ID); err != nil {
			log.Debug().Err(err).Str("device", dev.ID).Msg("disconnect before pass")
		}
		if err := o.bridge.Connect(ctx, dev.ID); err != nil {
			log.Warn().Err(err).Str("device", dev.ID).Msg("device unreachable, skipped for this pass")
			continue
		}
		// Reconnected devices may not have been in the earlier listing.
		if !live[dev.ID] {
			serials, err := o.bridge.Devices(ctx)
			if err == nil {
				for _, s := range serials {
					live[s] = true
				}
			}
		}
		if !live[dev.ID] {
			log.Warn().Str("device", dev.ID).Msg("device missing from live list, skipped for this pass")
			continue
		}
		worklist = append(worklist, dev)
	}
	return worklist
}

// runWorker runs the device's scenario to completion, restarting it from the
// top each time a required step fails, up to MaxRestarts restarts. A run that
// still fails after the last restart is marked failed with no further attempt.
func (o *Orchestrator) runWorker(ctx context.Context, dev Device) error {
	steps := o.cfg.ScenarioFor(dev)
	if len(steps) == 0 {
		log.Warn().Str("device", dev.ID).Msg("no scenario configured, skipping")
		return nil
	}
	maxRestarts := o.cfg.MaxRestarts
	if maxRestarts < 0 {
		maxRestarts = defaultMaxRestarts
	}

	for attempt := 0; ; attempt++ {
		session := o.sessions.RunScenario(ctx, dev, steps)
		select {
		case <-session.Done():
		case <-ctx.Done():
			o.sessions.Stop(dev.ID)
			<-session.Done()
			return ctx.Err()
		}

		status := session.Status()
		if !status.RequiredFailed {
			log.Info().Str("device", dev.ID).Int("restarts", attempt).Msg("scenario completed")
			return nil
		}
		if attempt >= maxRestarts {
			o.history.RecordEvent(dev.ID, "run_failed", "restart limit exceeded")
			return errors.Wrapf(ErrRestartLimit, "device %s after %d restarts", dev.ID, attempt)
		}
		log.Warn().Str("device", dev.ID).Int("restart", attempt+1).Msg("required step failed, restarting scenario")
		o.history.RecordEvent(dev.ID, "scenario_restart", "required step failed")
	}
}

// RunOnSchedule fires a full pass at the configured minutes within each hour
// until the context is cancelled.
func (o *Orchestrator) RunOnSchedule(ctx context.Context) error {
	minutes := o.cfg.ScheduleMinutes
	if len(minutes) == 0 {
		return errors.New("no schedule minutes configured")
	}
	for {
		next := nextFire(o.now(), minutes)
		log.Info().Time("next", next).Msg("waiting for next scheduled pass")
		if err := o.sleep(ctx, next.Sub(o.now())); err != nil {
			return err
		}
		if err := o.RunPass(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.Error().Err(err).Msg("scheduled pass failed")
		}
	}
}

// nextFire returns the earliest instant strictly after now whose minute is in
// the schedule. Minutes are sorted at config load.
func nextFire(now time.Time, minutes []int) time.Time {
	top := now.Truncate(time.Hour)
	for _, m := range minutes {
		candidate := top.Add(time.Duration(m) * time.Minute)
		if candidate.After(now) {
			return candidate
		}
	}
	return top.Add(time.Hour + time.Duration(minutes[0])*time.Minute)
}

// RunDeviceIntervals re-triggers each device's own scenario on its configured
// fixed interval, independently of the hourly schedule. Devices without an
// interval are left to the scheduler alone.
func (o *Orchestrator) RunDeviceIntervals(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, dev := range o.cfg.Devices {
		interval := dev.Interval.Std(0)
		if !dev.Enabled || interval <= 0 {
			continue
		}
		wg.Add(1)
		go func(dev Device, interval time.Duration) {
			defer wg.Done()
			for {
				if err := o.sleep(ctx, interval); err != nil {
					return
				}
				if err := o.runWorker(ctx, dev); err != nil {
					log.Error().Err(err).Str("device", dev.ID).Msg("interval run failed")
				}
			}
		}(dev, interval)
	}
	wg.Wait()
	return ctx.Err()
}

// TriggerButton runs a named button scenario for one device, or for every
// enabled device when deviceID is empty, and waits for the runs to finish.
func (o *Orchestrator) TriggerButton(ctx context.Context, name, deviceID string) error {
	var scenarioName string
	for _, b := range o.cfg.Buttons {
		if b.Name == name {
			scenarioName = b.Scenario
			break
		}
	}
	if scenarioName == "" {
		return errors.Errorf("unknown button %q", name)
	}
	scenario, ok := o.cfg.Scenarios[scenarioName]
	if !ok {
		return errors.Errorf("button %q names missing scenario %q", name, scenarioName)
	}

	var started []*DeviceSession
	for _, dev := range o.cfg.Devices {
		if !dev.Enabled {
			continue
		}
		if deviceID != "" && dev.ID != deviceID {
			continue
		}
		log.Info().Str("button", name).Str("device", dev.ID).Str("scenario", scenarioName).Msg("button triggered")
		started = append(started, o.sessions.RunScenario(ctx, dev, scenario.Steps))
	}
	if len(started) == 0 {
		return errors.Errorf("button %q matched no enabled device", name)
	}
	for _, session := range started {
		select {
		case <-session.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
