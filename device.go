package fleetagent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Device is one remotely-bridged unit of the fleet. Immutable during a run
// except for Enabled.
type Device struct {
	// ID is the bridge address (host:port) or USB serial.
	ID      string `yaml:"id"`
	Enabled bool   `yaml:"enabled"`
	// Window is the logical section label under which this device's
	// telemetry is grouped on the collector.
	Window string `yaml:"window"`
	// Scenario overrides the "default" scenario for this device.
	Scenario string `yaml:"scenario,omitempty"`
	// Interval re-triggers the auxiliary per-device scenario on a fixed
	// clock, independent of the fleet-wide schedule.
	Interval Duration `yaml:"interval,omitempty"`
}

// SafeID returns the device id with filesystem-hostile characters replaced,
// suitable for filenames and directories.
func (d Device) SafeID() string { return safeDeviceID(d.ID) }

func safeDeviceID(id string) string {
	id = strings.ReplaceAll(id, ":", "_")
	return strings.ReplaceAll(id, "/", "_")
}

const offlineThreshold = 5 * time.Minute

// DeviceLister reports the serials currently visible on the bridge.
type DeviceLister interface {
	Devices(ctx context.Context) ([]string, error)
}

// fleetManager tracks which configured and discovered devices are live.
// Discovered serials absent from the config join the fleet with defaults,
// so plugging in a new device is enough to include it in telemetry.
type fleetManager struct {
	lister DeviceLister

	mu      sync.Mutex
	devices map[string]*fleetDevice
}

type fleetDevice struct {
	device     Device
	lastSeen   time.Time
	live       bool
	configured bool
}

func newFleetManager(lister DeviceLister, configured []Device) *fleetManager {
	m := &fleetManager{lister: lister, devices: make(map[string]*fleetDevice, len(configured))}
	for _, dev := range configured {
		m.devices[dev.ID] = &fleetDevice{device: dev, configured: true}
	}
	return m
}

// Refresh reconciles the tracked fleet with the bridge's live device list.
func (m *fleetManager) Refresh(ctx context.Context) error {
	if m == nil || m.lister == nil {
		return errors.New("fleet manager: lister is nil")
	}
	serials, err := m.lister.Devices(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices failed")
	}
	now := time.Now()
	seen := make(map[string]struct{}, len(serials))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, serial := range serials {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		seen[serial] = struct{}{}
		entry, exists := m.devices[serial]
		if !exists {
			entry = &fleetDevice{device: Device{ID: serial, Enabled: true, Window: "main"}}
			m.devices[serial] = entry
			log.Info().Str("device", serial).Msg("device discovered")
		}
		if !entry.live {
			log.Info().Str("device", serial).Msg("device connected")
		}
		entry.live = true
		entry.lastSeen = now
	}
	for serial, entry := range m.devices {
		if _, ok := seen[serial]; ok {
			continue
		}
		if entry.live {
			entry.live = false
			log.Warn().Str("device", serial).Msg("device disconnected")
		}
		// Discovered (non-configured) devices that stay away are forgotten.
		if !entry.configured && now.Sub(entry.lastSeen) > offlineThreshold {
			delete(m.devices, serial)
			log.Info().Str("device", serial).Msg("device removed from fleet")
		}
	}
	return nil
}

// Live returns the currently connected, enabled devices.
func (m *fleetManager) Live() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, 0, len(m.devices))
	for _, entry := range m.devices {
		if entry.live && entry.device.Enabled {
			out = append(out, entry.device)
		}
	}
	return out
}

// Lookup returns the tracked device record for a serial.
func (m *fleetManager) Lookup(serial string) (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.devices[serial]
	if !ok {
		return Device{}, false
	}
	return entry.device, true
}
