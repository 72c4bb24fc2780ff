package fleetagent

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const adbRestartPause = 2 * time.Second

// adbServer is the slice of the bridge the watchdog drives.
type adbServer interface {
	Devices(ctx context.Context) ([]string, error)
	KillServer(ctx context.Context) error
	StartServer(ctx context.Context) error
}

// Watchdog periodically checks that adb still reports devices and restarts
// the adb server when none respond. Restart failures are logged and retried
// implicitly on the next check.
type Watchdog struct {
	bridge adbServer
	period time.Duration

	sleep func(context.Context, time.Duration) error
}

// NewWatchdog builds a watchdog over the given bridge.
func NewWatchdog(bridge adbServer, period time.Duration) *Watchdog {
	if period <= 0 {
		period = defaultWatchdogPeriod
	}
	return &Watchdog{bridge: bridge, period: period, sleep: sleepCtx}
}

// Run checks on the configured period until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	for {
		if err := w.sleep(ctx, w.period); err != nil {
			return err
		}
		w.check(ctx)
	}
}

// check restarts the adb server when the device listing fails or comes back
// empty. The pause between kill and start gives adb time to release its port.
func (w *Watchdog) check(ctx context.Context) {
	serials, err := w.bridge.Devices(ctx)
	if err == nil && len(serials) > 0 {
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("adb device listing failed, restarting server")
	} else {
		log.Warn().Msg("adb reports no devices, restarting server")
	}
	if err := w.bridge.KillServer(ctx); err != nil {
		log.Warn().Err(err).Msg("adb kill-server failed")
	}
	if err := w.sleep(ctx, adbRestartPause); err != nil {
		return
	}
	if err := w.bridge.StartServer(ctx); err != nil {
		log.Error().Err(err).Msg("adb start-server failed")
	}
}
