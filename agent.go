package fleetagent

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/droidfleet/fleetagent/internal/bridge"
	"github.com/droidfleet/fleetagent/internal/storage"
)

// Agent assembles the full fleet automation stack from one config: bridge,
// session manager, orchestrator, telemetry watcher and ban detector.
type Agent struct {
	cfg       *Config
	bridge    *bridge.Bridge
	history   *storage.History
	fleet     *fleetManager
	sessions  *SessionManager
	orch      *Orchestrator
	collector *CollectorClient
	telemetry *TelemetryWatcher
	watchdog  *Watchdog
	detector  *BanDetector
}

// NewAgent wires every component. A missing ban marker template disables the
// detector with a warning instead of failing startup; everything else that is
// misconfigured fails here.
func NewAgent(cfg *Config) (*Agent, error) {
	br := bridge.New(cfg.ADBPath)

	history, err := storage.OpenHistory(cfg.HistoryDB)
	if err != nil {
		return nil, errors.Wrap(err, "opening capture history")
	}

	throttle := NewActionThrottle(cfg.ThrottleInterval.Std(defaultThrottleInterval))
	executor := NewStepExecutor(br,
		WithThrottle(throttle),
		WithToggles(cfg.StepsEnabled),
		WithHistory(history),
	)
	sessions := NewSessionManager(executor)
	orch := NewOrchestrator(br, sessions, cfg, history)
	fleet := newFleetManager(br, cfg.Devices)

	collector := NewCollectorClient(cfg.Collector)
	var forwarder screenshotForwarder
	if collector != nil {
		forwarder = collector
	}
	uploader := NewChangeUploader(cfg.ScreenshotDir, forwarder)
	telemetry := NewTelemetryWatcher(br, fleet, uploader, collector, cfg.TelemetryPeriod.Std(defaultTelemetryPeriod))
	watchdog := NewWatchdog(br, cfg.WatchdogPeriod.Std(defaultWatchdogPeriod))

	a := &Agent{
		cfg:       cfg,
		bridge:    br,
		history:   history,
		fleet:     fleet,
		sessions:  sessions,
		orch:      orch,
		collector: collector,
		telemetry: telemetry,
		watchdog:  watchdog,
	}

	if _, err := os.Stat(cfg.Ban.Template); err != nil {
		log.Warn().Str("template", cfg.Ban.Template).Msg("ban marker template missing, detector disabled")
		return a, nil
	}
	records, err := OpenBanRecordStore(cfg.Ban.RecordFile)
	if err != nil {
		return nil, err
	}
	var notify notifier
	if collector != nil {
		notify = collector
	}
	a.detector, err = NewBanDetector(br, fleet, records, history, notify, cfg.Ban)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Run starts the scheduler, the per-device interval triggers, the telemetry
// watcher, the adb watchdog and the ban detector, and blocks until the
// context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.fleet.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial fleet refresh failed")
	}

	group := NewSafeGroup(ctx)
	group.GoSafe("scheduler", a.orch.RunOnSchedule)
	group.GoSafe("device-intervals", a.orch.RunDeviceIntervals)
	group.GoSafe("telemetry", a.telemetry.Run)
	group.GoSafe("adb-watchdog", a.watchdog.Run)
	if a.detector != nil {
		group.GoSafe("ban-detector", a.detector.Run)
	}
	err := group.WaitOrInterrupt()
	a.sessions.StopAll()
	return err
}

// RunOnce executes a single orchestration pass and returns.
func (a *Agent) RunOnce(ctx context.Context) error {
	if err := a.fleet.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("fleet refresh failed")
	}
	return a.orch.RunPass(ctx)
}

// TriggerButton runs a named button scenario, optionally scoped to a device.
func (a *Agent) TriggerButton(ctx context.Context, name, deviceID string) error {
	return a.orch.TriggerButton(ctx, name, deviceID)
}

// Statuses reports a snapshot of every known session.
func (a *Agent) Statuses() []SessionStatus {
	return a.sessions.StatusAll()
}

// Close releases the capture history store.
func (a *Agent) Close() error {
	return a.history.Close()
}
