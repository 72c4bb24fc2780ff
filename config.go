package fleetagent

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	envcfg "github.com/droidfleet/fleetagent/internal/config"
)

// Duration is a time.Duration that unmarshals from YAML strings like "45s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a time.Duration, substituting fallback when unset.
func (d Duration) Std(fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return time.Duration(d)
}

// BanConfig controls the fleet-wide ban/marker detector.
type BanConfig struct {
	Template      string   `yaml:"template"`
	Threshold     float64  `yaml:"threshold"`
	Period        Duration `yaml:"period"`
	RecordFile    string   `yaml:"record_file"`
	ReportFile    string   `yaml:"report_file"`
	ScreenshotDir string   `yaml:"screenshot_dir"`
}

// CollectorConfig points at the external telemetry collector.
type CollectorConfig struct {
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	ServerID string `yaml:"server_id"`
}

// Config is the fleetagent YAML configuration.
type Config struct {
	ADBPath       string `yaml:"adb_path"`
	ScreenshotDir string `yaml:"screenshot_dir"`
	HistoryDB     string `yaml:"history_db"`

	BatchSize          int      `yaml:"batch_size"`
	DeviceStartStagger Duration `yaml:"device_start_stagger"`
	BatchStartInterval Duration `yaml:"batch_start_interval"`
	// ScheduleMinutes are the minutes within each hour at which a full
	// orchestration pass starts (e.g. [5, 25, 45]).
	ScheduleMinutes []int `yaml:"schedule_minutes"`
	MaxRestarts     int   `yaml:"max_restarts"`

	// ThrottleInterval is the fleet-wide minimum spacing between throttled
	// actions, regardless of which device performs them.
	ThrottleInterval Duration `yaml:"throttle_interval"`

	MatchThreshold float64 `yaml:"match_threshold"`

	TelemetryPeriod Duration `yaml:"telemetry_period"`
	WatchdogPeriod  Duration `yaml:"watchdog_period"`

	Ban       BanConfig       `yaml:"ban"`
	Collector CollectorConfig `yaml:"collector"`

	Devices      []Device            `yaml:"devices"`
	Scenarios    map[string]Scenario `yaml:"scenarios"`
	Buttons      []Button            `yaml:"buttons"`
	StepsEnabled StepToggles         `yaml:"steps_enabled"`
}

// Button names a scenario that can be triggered on demand for one device or
// the whole fleet.
type Button struct {
	Name     string `yaml:"name"`
	Scenario string `yaml:"scenario"`
}

// Defaults mirror the knobs the automation scripts shipped with.
const (
	defaultBatchSize          = 2
	defaultDeviceStagger      = 15 * time.Second
	defaultBatchInterval      = 45 * time.Second
	defaultMaxRestarts        = 3
	defaultThrottleInterval   = 45 * time.Second
	defaultMatchThreshold     = 0.8
	defaultBanPeriod          = 60 * time.Second
	defaultTelemetryPeriod    = 30 * time.Second
	defaultWatchdogPeriod     = 30 * time.Second
	defaultClickRetryDelaySec = 6
	defaultClickDelaySec      = 3
	defaultClickMaxAttempts   = 1
)

// LoadConfig reads, strictly decodes and normalizes the YAML config.
// Environment variables override collector credentials so secrets can stay
// out of the config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if strings.TrimSpace(c.ADBPath) == "" {
		c.ADBPath = envcfg.String("FLEETAGENT_ADB_PATH", "adb")
	}
	if strings.TrimSpace(c.ScreenshotDir) == "" {
		c.ScreenshotDir = "screenshots"
	}
	if strings.TrimSpace(c.HistoryDB) == "" {
		c.HistoryDB = "fleetagent.db"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		c.MatchThreshold = defaultMatchThreshold
	}
	if len(c.ScheduleMinutes) == 0 {
		c.ScheduleMinutes = []int{5, 25, 45}
	}
	for _, minute := range c.ScheduleMinutes {
		if minute < 0 || minute > 59 {
			return fmt.Errorf("schedule minute %d out of [0,59]", minute)
		}
	}
	sort.Ints(c.ScheduleMinutes)
	if strings.TrimSpace(c.Ban.Template) == "" {
		c.Ban.Template = "ban.png"
	}
	if c.Ban.Threshold <= 0 || c.Ban.Threshold > 1 {
		c.Ban.Threshold = c.MatchThreshold
	}
	if strings.TrimSpace(c.Ban.RecordFile) == "" {
		c.Ban.RecordFile = "ban_record.json"
	}
	if strings.TrimSpace(c.Ban.ReportFile) == "" {
		c.Ban.ReportFile = "ban_report.csv"
	}
	if strings.TrimSpace(c.Ban.ScreenshotDir) == "" {
		c.Ban.ScreenshotDir = c.ScreenshotDir
	}
	if strings.TrimSpace(c.Collector.URL) == "" {
		c.Collector.URL = envcfg.String("FLEETAGENT_COLLECTOR_URL", "")
	}
	if strings.TrimSpace(c.Collector.APIKey) == "" {
		c.Collector.APIKey = envcfg.String("FLEETAGENT_API_KEY", "")
	}
	if strings.TrimSpace(c.Collector.ServerID) == "" {
		c.Collector.ServerID = envcfg.String("FLEETAGENT_SERVER_ID", "")
	}

	for name, sc := range c.Scenarios {
		for i := range sc.Steps {
			step := &sc.Steps[i]
			if err := c.normalizeStep(step); err != nil {
				return errors.Wrapf(err, "scenario %s step %d", name, i)
			}
		}
	}
	for _, btn := range c.Buttons {
		if strings.TrimSpace(btn.Name) == "" {
			return errors.New("button with empty name")
		}
		if _, ok := c.Scenarios[btn.Scenario]; !ok {
			return fmt.Errorf("button %s references unknown scenario %q", btn.Name, btn.Scenario)
		}
	}
	for i := range c.Devices {
		dev := &c.Devices[i]
		if strings.TrimSpace(dev.ID) == "" {
			return fmt.Errorf("device %d has empty id", i)
		}
		if dev.Window == "" {
			dev.Window = "main"
		}
		if dev.Scenario != "" {
			if _, ok := c.Scenarios[dev.Scenario]; !ok {
				return fmt.Errorf("device %s references unknown scenario %q", dev.ID, dev.Scenario)
			}
		}
	}
	return nil
}

func (c *Config) normalizeStep(step *Step) error {
	switch step.Action {
	case ActionClickImage:
		if step.Threshold == 0 {
			step.Threshold = c.MatchThreshold
		}
		if step.MaxAttempts <= 0 {
			step.MaxAttempts = defaultClickMaxAttempts
		}
		if step.DelaySeconds < 0 {
			step.DelaySeconds = defaultClickDelaySec
		}
		if step.RetryDelaySeconds <= 0 {
			step.RetryDelaySeconds = defaultClickRetryDelaySec
		}
	case ActionVerifyScreen:
		if step.Threshold == 0 {
			step.Threshold = c.MatchThreshold
		}
		if strings.TrimSpace(step.ArchiveDir) == "" {
			step.ArchiveDir = c.ScreenshotDir
		}
		if strings.TrimSpace(step.Section) == "" {
			step.Section = "default"
		}
	}
	if err := step.Validate(); err != nil {
		return err
	}
	// A missing template file is logged, not fatal: the bot keeps running and
	// the affected step simply fails at execution time.
	if step.Template != "" {
		if _, err := os.Stat(step.Template); err != nil {
			log.Warn().Str("template", step.Template).Msg("template image not found on disk")
		}
	}
	return nil
}

// ScenarioFor resolves the step list a device should run, honoring the
// per-device scenario override and falling back to "default".
func (c *Config) ScenarioFor(dev Device) []Step {
	name := dev.Scenario
	if name == "" {
		name = "default"
	}
	return c.Scenarios[name].Steps
}
