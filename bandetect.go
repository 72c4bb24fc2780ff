package fleetagent

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/droidfleet/fleetagent/internal/storage"
	"github.com/droidfleet/fleetagent/internal/vision"
)

const banDateLayout = "2006-01-02"

// BanRecordStore persists which devices were already reported banned on which
// calendar day. The whole map is rewritten on every change; the file is small
// and the rewrite keeps it consistent after a crash.
type BanRecordStore struct {
	path string

	mu      sync.Mutex
	records map[string]string
}

// OpenBanRecordStore loads the record file, tolerating a missing one.
func OpenBanRecordStore(path string) (*BanRecordStore, error) {
	s := &BanRecordStore{path: path, records: map[string]string{}}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading ban records")
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.records); err != nil {
			return nil, errors.Wrap(err, "decoding ban records")
		}
	}
	return s, nil
}

// MarkIfNew records the detection unless the device was already marked for
// the same calendar day. It returns true exactly once per device per day,
// even under concurrent scans.
func (s *BanRecordStore) MarkIfNew(device string, day time.Time) (bool, error) {
	date := day.Format(banDateLayout)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[device] == date {
		return false, nil
	}
	s.records[device] = date

	raw, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return true, errors.Wrap(err, "encoding ban records")
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return true, errors.Wrap(err, "writing ban records")
	}
	return true, nil
}

// screenGrabber is the slice of the bridge the detector needs.
type screenGrabber interface {
	Capture(ctx context.Context, serial string) ([]byte, error)
}

// liveFleet reports the devices currently reachable.
type liveFleet interface {
	Live() []Device
}

// notifier sends a typed per-device alert line; nil means no alerting.
type notifier interface {
	SendMessage(ctx context.Context, deviceID, msgType, text string) error
}

// BanDetector periodically scans every live device for the ban marker image
// and reports each banned device at most once per calendar day: an evidence
// screenshot, one CSV report line and a best-effort collector alert.
type BanDetector struct {
	bridge   screenGrabber
	fleet    liveFleet
	records  *BanRecordStore
	history  *storage.History
	notify   notifier
	cfg      BanConfig
	template []byte

	locate locateFunc
	now    func() time.Time
}

// NewBanDetector loads the marker template eagerly so a misconfigured path
// fails at startup rather than on the first scan.
func NewBanDetector(bridge screenGrabber, fleet liveFleet, records *BanRecordStore, history *storage.History, notify notifier, cfg BanConfig) (*BanDetector, error) {
	template, err := os.ReadFile(cfg.Template)
	if err != nil {
		return nil, errors.Wrap(err, "reading ban marker template")
	}
	return &BanDetector{
		bridge:   bridge,
		fleet:    fleet,
		records:  records,
		history:  history,
		notify:   notify,
		cfg:      cfg,
		template: template,
		locate:   vision.Locate,
		now:      time.Now,
	}, nil
}

// Run scans on the configured period until the context is cancelled.
func (d *BanDetector) Run(ctx context.Context) error {
	period := d.cfg.Period.Std(defaultBanPeriod)
	for {
		if err := sleepCtx(ctx, period); err != nil {
			return err
		}
		d.ScanOnce(ctx)
	}
}

// ScanOnce checks every live device once. Per-device failures are logged and
// never abort the scan of the remaining devices.
func (d *BanDetector) ScanOnce(ctx context.Context) {
	for _, dev := range d.fleet.Live() {
		if ctx.Err() != nil {
			return
		}
		if err := d.scanDevice(ctx, dev); err != nil {
			log.Warn().Err(err).Str("device", dev.ID).Msg("ban scan failed")
		}
	}
}

func (d *BanDetector) scanDevice(ctx context.Context, dev Device) error {
	screen, err := d.bridge.Capture(ctx, dev.ID)
	if err != nil {
		return err
	}
	_, found, err := d.locate(screen, d.template, d.cfg.Threshold)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	detected := d.now()
	fresh, err := d.records.MarkIfNew(dev.ID, detected)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	shot, err := d.saveEvidence(dev, detected, screen)
	if err != nil {
		log.Error().Err(err).Str("device", dev.ID).Msg("saving ban evidence")
	}
	if err := d.appendReport(dev.ID, detected, shot); err != nil {
		log.Error().Err(err).Str("device", dev.ID).Msg("appending ban report")
	}
	d.history.RecordEvent(dev.ID, "ban_detected", "ban marker located on screen")
	if d.notify != nil {
		if err := d.notify.SendMessage(ctx, dev.ID, MessageError, "ban detected on device "+dev.ID); err != nil {
			log.Warn().Err(err).Str("device", dev.ID).Msg("ban alert failed")
		}
	}
	log.Warn().Str("device", dev.ID).Str("screenshot", shot).Msg("ban detected")
	return nil
}

func (d *BanDetector) saveEvidence(dev Device, at time.Time, screen []byte) (string, error) {
	if err := os.MkdirAll(d.cfg.ScreenshotDir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating evidence dir")
	}
	name := dev.SafeID() + "_" + at.Format("2006-01-02_15-04-05") + ".png"
	path := filepath.Join(d.cfg.ScreenshotDir, name)
	if err := os.WriteFile(path, screen, 0o644); err != nil {
		return "", errors.Wrap(err, "writing evidence screenshot")
	}
	return path, nil
}

// appendReport adds one line to the CSV report: device, detection time,
// evidence screenshot path.
func (d *BanDetector) appendReport(device string, at time.Time, screenshot string) error {
	f, err := os.OpenFile(d.cfg.ReportFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening ban report")
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{device, at.Format("2006-01-02 15:04:05"), screenshot}); err != nil {
		return errors.Wrap(err, "writing ban report row")
	}
	w.Flush()
	return errors.Wrap(w.Error(), "flushing ban report")
}
