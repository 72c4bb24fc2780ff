package fleetagent

import (
	"fmt"
	"strings"
	"time"
)

// Step actions. A scenario is an ordered list of these declarative steps;
// steps are declared once at config load and never mutated.
const (
	ActionClickImage   = "click_image"
	ActionInputText    = "input_text"
	ActionWait         = "wait"
	ActionVerifyScreen = "verify_screen"
)

// Step is one declarative scenario step. Exactly which fields apply depends
// on Action; Validate enforces the per-action requirements.
type Step struct {
	Action string `yaml:"action"`

	// click_image / verify_screen
	Template  string  `yaml:"template,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`

	// click_image
	MaxAttempts int `yaml:"max_attempts,omitempty"`
	// DelaySeconds is the pause between locating the template and tapping it.
	DelaySeconds int `yaml:"delay_seconds,omitempty"`
	// RetryDelaySeconds is the sleep between failed locate attempts.
	RetryDelaySeconds int `yaml:"retry_delay_seconds,omitempty"`
	// HoldSeconds turns the tap into a press held for the given duration.
	HoldSeconds int `yaml:"hold_seconds,omitempty"`
	// Required marks a step whose exhaustion triggers a full scenario restart
	// (bounded by the orchestrator restart counter) instead of continuing.
	Required bool `yaml:"required,omitempty"`
	// Throttled routes the tap through the fleet-wide action throttle.
	Throttled bool `yaml:"throttled,omitempty"`

	// input_text
	Text string `yaml:"text,omitempty"`

	// wait
	Seconds int `yaml:"seconds,omitempty"`

	// verify_screen
	ArchiveDir string `yaml:"archive_dir,omitempty"`
	Section    string `yaml:"section,omitempty"`
}

// Name is a short human-readable identifier used in logs and step results.
func (s Step) Name() string {
	switch s.Action {
	case ActionClickImage, ActionVerifyScreen:
		return fmt.Sprintf("%s(%s)", s.Action, s.Template)
	case ActionInputText:
		return ActionInputText
	case ActionWait:
		return fmt.Sprintf("wait(%ds)", s.Seconds)
	}
	return s.Action
}

// Validate checks per-action field requirements. Threshold and attempt
// defaults are filled by normalize, so only hard errors are reported here.
func (s Step) Validate() error {
	switch s.Action {
	case ActionClickImage, ActionVerifyScreen:
		if strings.TrimSpace(s.Template) == "" {
			return fmt.Errorf("step %s: template is required", s.Action)
		}
		if s.Threshold < 0 || s.Threshold > 1 {
			return fmt.Errorf("step %s: threshold %.2f out of [0,1]", s.Action, s.Threshold)
		}
		if s.HoldSeconds < 0 {
			return fmt.Errorf("step %s: hold_seconds must not be negative", s.Action)
		}
	case ActionInputText:
		if s.Text == "" {
			return fmt.Errorf("step %s: text is required", s.Action)
		}
	case ActionWait:
		if s.Seconds <= 0 {
			return fmt.Errorf("step %s: seconds must be positive", s.Action)
		}
	default:
		return fmt.Errorf("unknown step action %q", s.Action)
	}
	return nil
}

// Delay returns the pre-tap delay.
func (s Step) Delay() time.Duration { return time.Duration(s.DelaySeconds) * time.Second }

// RetryDelay returns the sleep between locate attempts.
func (s Step) RetryDelay() time.Duration { return time.Duration(s.RetryDelaySeconds) * time.Second }

// Hold returns the press-and-hold duration; zero means a plain tap.
func (s Step) Hold() time.Duration { return time.Duration(s.HoldSeconds) * time.Second }

// Scenario is a named ordered step list executed against one device.
type Scenario struct {
	Steps []Step `yaml:"steps"`
}

// StepToggles enables or disables whole step kinds at runtime. Disabled
// steps are skipped with a successful result so scenario indices stay
// aligned with the declared step list.
type StepToggles struct {
	ClickImage   *bool `yaml:"click_image,omitempty"`
	InputText    *bool `yaml:"input_text,omitempty"`
	Wait         *bool `yaml:"wait,omitempty"`
	VerifyScreen *bool `yaml:"verify_screen,omitempty"`
}

// Enabled reports whether steps with the given action should run.
// Unset toggles default to enabled.
func (t StepToggles) Enabled(action string) bool {
	lookup := func(v *bool) bool { return v == nil || *v }
	switch action {
	case ActionClickImage:
		return lookup(t.ClickImage)
	case ActionInputText:
		return lookup(t.InputText)
	case ActionWait:
		return lookup(t.Wait)
	case ActionVerifyScreen:
		return lookup(t.VerifyScreen)
	}
	return true
}
