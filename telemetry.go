package fleetagent

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// telemetryBridge is the slice of the bridge the telemetry watcher needs.
type telemetryBridge interface {
	Capture(ctx context.Context, serial string) ([]byte, error)
	Shell(ctx context.Context, serial string, args ...string) (string, error)
}

// TelemetryWatcher periodically refreshes the fleet, pushes fresh captures
// through the change uploader and services pending remote commands. It shares
// the bridge with the sessions but touches no session state.
type TelemetryWatcher struct {
	bridge    telemetryBridge
	fleet     *fleetManager
	uploader  *ChangeUploader
	collector *CollectorClient
	period    time.Duration
}

// NewTelemetryWatcher builds the watcher; collector may be nil, which
// disables command polling and forwarding alerts but keeps local snapshots.
func NewTelemetryWatcher(bridge telemetryBridge, fleet *fleetManager, uploader *ChangeUploader, collector *CollectorClient, period time.Duration) *TelemetryWatcher {
	if period <= 0 {
		period = defaultTelemetryPeriod
	}
	return &TelemetryWatcher{
		bridge:    bridge,
		fleet:     fleet,
		uploader:  uploader,
		collector: collector,
		period:    period,
	}
}

// Run ticks until the context is cancelled.
func (w *TelemetryWatcher) Run(ctx context.Context) error {
	for {
		if err := sleepCtx(ctx, w.period); err != nil {
			return err
		}
		w.tick(ctx)
	}
}

func (w *TelemetryWatcher) tick(ctx context.Context) {
	if err := w.fleet.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("fleet refresh failed")
	}
	for _, dev := range w.fleet.Live() {
		if ctx.Err() != nil {
			return
		}
		w.snapshot(ctx, dev)
		if w.collector != nil {
			w.serveCommands(ctx, dev)
		}
	}
}

// snapshot captures the device screen and hands it to the change uploader,
// which drops it when nothing changed since the last capture.
func (w *TelemetryWatcher) snapshot(ctx context.Context, dev Device) {
	screen, err := w.bridge.Capture(ctx, dev.ID)
	if err != nil {
		log.Warn().Err(err).Str("device", dev.ID).Msg("telemetry capture failed")
		return
	}
	changed, err := w.uploader.Offer(ctx, dev, dev.Window, screen)
	if err != nil {
		log.Warn().Err(err).Str("device", dev.ID).Msg("storing telemetry capture")
		return
	}
	if changed {
		log.Debug().Str("device", dev.ID).Str("section", dev.Window).Msg("screen changed, snapshot forwarded")
	}
}
