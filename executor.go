package fleetagent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/droidfleet/fleetagent/internal/storage"
	"github.com/droidfleet/fleetagent/internal/vision"
)

// DeviceBridge is the subset of bridge operations a step executor drives.
type DeviceBridge interface {
	Capture(ctx context.Context, serial string) ([]byte, error)
	Tap(ctx context.Context, serial string, x, y int) error
	PressAndHold(ctx context.Context, serial string, x, y int, hold time.Duration) error
	EnterText(ctx context.Context, serial, text string) error
	ClearField(ctx context.Context, serial string, times int)
	PressEnter(ctx context.Context, serial string) error
}

// StepResult is the outcome of one executed step. Executors never let
// errors escape a step boundary; every failure becomes a result with a
// human-readable message attributed to the device and step.
type StepResult struct {
	Success bool
	Message string
}

const (
	clearFieldBackspaces = 10
	maxTextInputAttempts = 5
	textRetryDelay       = 6 * time.Second
)

type locateFunc func(screen, template []byte, threshold float64) (vision.Point, bool, error)

// StepExecutor executes declarative steps against one device at a time using
// the bridge for I/O and the vision matcher for template location.
type StepExecutor struct {
	bridge   DeviceBridge
	throttle *ActionThrottle
	toggles  StepToggles
	history  *storage.History

	locate       locateFunc
	readTemplate func(path string) ([]byte, error)
	sleep        func(context.Context, time.Duration) error
	now          func() time.Time
}

// ExecutorOption customizes a StepExecutor.
type ExecutorOption func(*StepExecutor)

// WithThrottle routes throttled steps through the shared fleet gate.
func WithThrottle(t *ActionThrottle) ExecutorOption {
	return func(e *StepExecutor) { e.throttle = t }
}

// WithToggles applies runtime step-kind enable flags.
func WithToggles(t StepToggles) ExecutorOption {
	return func(e *StepExecutor) { e.toggles = t }
}

// WithHistory records archived captures in the local history store.
func WithHistory(h *storage.History) ExecutorOption {
	return func(e *StepExecutor) { e.history = h }
}

// NewStepExecutor builds an executor over the given bridge.
func NewStepExecutor(bridge DeviceBridge, opts ...ExecutorOption) *StepExecutor {
	e := &StepExecutor{
		bridge:       bridge,
		locate:       vision.Locate,
		readTemplate: os.ReadFile,
		sleep:        sleepCtx,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunStep executes one step and reports the result. External-process and
// image-decoding failures are converted to failure results, never panics
// or returned errors.
func (e *StepExecutor) RunStep(ctx context.Context, device string, step Step) StepResult {
	if !e.toggles.Enabled(step.Action) {
		return StepResult{Success: true, Message: fmt.Sprintf("step %s disabled, skipped", step.Action)}
	}
	switch step.Action {
	case ActionClickImage:
		return e.clickImage(ctx, device, step)
	case ActionInputText:
		return e.inputText(ctx, device, step)
	case ActionWait:
		return e.wait(ctx, device, step)
	case ActionVerifyScreen:
		return e.verifyScreen(ctx, device, step)
	}
	return StepResult{Message: fmt.Sprintf("unknown step action %q", step.Action)}
}

// captureAndLocate takes a fresh screenshot and searches it for the template.
// The error return covers both bridge and matcher preconditions; a clean
// below-threshold miss returns (zero, false, nil).
func (e *StepExecutor) captureAndLocate(ctx context.Context, device string, templatePath string, threshold float64) (vision.Point, bool, error) {
	template, err := e.readTemplate(templatePath)
	if err != nil {
		return vision.Point{}, false, &vision.InvalidImageError{Reason: "template " + templatePath + " unreadable", Err: err}
	}
	screen, err := e.bridge.Capture(ctx, device)
	if err != nil {
		return vision.Point{}, false, err
	}
	return e.locate(screen, template, threshold)
}

func (e *StepExecutor) clickImage(ctx context.Context, device string, step Step) StepResult {
	var lastErr error
	for attempt := 1; attempt <= step.MaxAttempts; attempt++ {
		pt, found, err := e.captureAndLocate(ctx, device, step.Template, step.Threshold)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Str("device", device).Str("step", step.Name()).Int("attempt", attempt).Msg("locate failed")
		} else if found {
			if d := step.Delay(); d > 0 {
				if err := e.sleep(ctx, d); err != nil {
					return StepResult{Message: fmt.Sprintf("canceled before tap: %v", err)}
				}
			}
			if step.Throttled {
				if err := e.throttle.Wait(ctx); err != nil {
					return StepResult{Message: fmt.Sprintf("canceled waiting for throttle slot: %v", err)}
				}
			}
			if err := e.press(ctx, device, pt, step); err != nil {
				lastErr = err
			} else {
				return StepResult{Success: true, Message: fmt.Sprintf("tapped (%d, %d) on %s", pt.X, pt.Y, step.Template)}
			}
		}
		if attempt < step.MaxAttempts {
			if err := e.sleep(ctx, step.RetryDelay()); err != nil {
				return StepResult{Message: fmt.Sprintf("canceled between attempts: %v", err)}
			}
		}
	}
	msg := fmt.Sprintf("%s not found after %d attempts", step.Template, step.MaxAttempts)
	if lastErr != nil {
		msg += ": " + lastErr.Error()
	}
	return StepResult{Message: msg}
}

// press taps the matched point, or holds it when the step asks for a long
// press.
func (e *StepExecutor) press(ctx context.Context, device string, pt vision.Point, step Step) error {
	if hold := step.Hold(); hold > 0 {
		return e.bridge.PressAndHold(ctx, device, pt.X, pt.Y, hold)
	}
	return e.bridge.Tap(ctx, device, pt.X, pt.Y)
}

func (e *StepExecutor) inputText(ctx context.Context, device string, step Step) StepResult {
	var lastErr error
	for attempt := 1; attempt <= maxTextInputAttempts; attempt++ {
		e.bridge.ClearField(ctx, device, clearFieldBackspaces)
		if err := e.sleep(ctx, time.Second); err != nil {
			return StepResult{Message: fmt.Sprintf("canceled before text entry: %v", err)}
		}
		if err := e.bridge.EnterText(ctx, device, step.Text); err != nil {
			lastErr = err
			log.Warn().Err(err).Str("device", device).Int("attempt", attempt).Msg("text entry failed")
			if attempt < maxTextInputAttempts {
				if err := e.sleep(ctx, textRetryDelay); err != nil {
					return StepResult{Message: fmt.Sprintf("canceled between attempts: %v", err)}
				}
			}
			continue
		}
		if err := e.bridge.PressEnter(ctx, device); err != nil {
			// The text landed; a failed confirm key is recorded but not retried.
			log.Warn().Err(err).Str("device", device).Msg("confirm key failed after text entry")
		}
		return StepResult{Success: true, Message: fmt.Sprintf("text entered (attempt %d)", attempt)}
	}
	return StepResult{Message: fmt.Sprintf("text entry failed after %d attempts: %v", maxTextInputAttempts, lastErr)}
}

func (e *StepExecutor) wait(ctx context.Context, device string, step Step) StepResult {
	d := time.Duration(step.Seconds) * time.Second
	if err := e.sleep(ctx, d); err != nil {
		return StepResult{Message: fmt.Sprintf("wait canceled: %v", err)}
	}
	return StepResult{Success: true, Message: fmt.Sprintf("waited %ds", step.Seconds)}
}

func (e *StepExecutor) verifyScreen(ctx context.Context, device string, step Step) StepResult {
	template, err := e.readTemplate(step.Template)
	if err != nil {
		return StepResult{Message: fmt.Sprintf("template %s unreadable: %v", step.Template, err)}
	}
	screen, err := e.bridge.Capture(ctx, device)
	if err != nil {
		return StepResult{Message: fmt.Sprintf("capture failed: %v", err)}
	}
	_, found, err := e.locate(screen, template, step.Threshold)
	if err != nil {
		return StepResult{Message: fmt.Sprintf("verification error: %v", err)}
	}
	if !found {
		return StepResult{Message: fmt.Sprintf("verification failed: %s not on screen", step.Template)}
	}
	path, err := e.archiveCapture(device, step, screen)
	if err != nil {
		return StepResult{Message: fmt.Sprintf("verified but archive failed: %v", err)}
	}
	return StepResult{Success: true, Message: "verified, capture archived: " + path}
}

// archiveCapture persists the raw capture under archiveDir/section with a
// collision-resistant name (device + section + timestamp).
func (e *StepExecutor) archiveCapture(device string, step Step, screen []byte) (string, error) {
	dir := filepath.Join(step.ArchiveDir, step.Section)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s_%d.png", safeDeviceID(device), step.Section, e.now().UnixNano())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, screen, 0o644); err != nil {
		return "", err
	}
	if err := e.history.RecordCapture(device, step.Section, path); err != nil {
		log.Warn().Err(err).Str("device", device).Msg("record capture history failed")
	}
	return path, nil
}
