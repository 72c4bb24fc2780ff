// Package bridge wraps the external adb binary. Every method maps to exactly
// one adb invocation with a bounded timeout and structured (exit, stdout,
// stderr) results; nothing here keeps per-device state.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/droidfleet/fleetagent/internal/vision"
)

const (
	// DefaultTimeout bounds a single adb invocation. Screen captures on slow
	// emulators stay well under this.
	DefaultTimeout = 30 * time.Second

	keycodeEnter     = 66
	keycodeBackspace = 67
)

// Error carries the diagnostic output of a failed adb invocation.
type Error struct {
	Op       string
	Serial   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("bridge: %s failed", e.Op)
	if e.Serial != "" {
		msg += " on " + e.Serial
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else {
		msg += fmt.Sprintf(": exit %d", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// runFunc executes one external command and reports its exit code and output.
// It exists as a seam so tests can fake adb without spawning processes.
type runFunc func(ctx context.Context, name string, args ...string) (exit int, stdout, stderr string, err error)

// Bridge issues adb commands against remote devices.
type Bridge struct {
	adbPath string
	timeout time.Duration
	run     runFunc
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithTimeout overrides the per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// withRunner replaces the process runner. Test-only.
func withRunner(run runFunc) Option {
	return func(b *Bridge) { b.run = run }
}

// New builds a Bridge around the given adb binary path ("adb" resolves via PATH).
func New(adbPath string, opts ...Option) *Bridge {
	if strings.TrimSpace(adbPath) == "" {
		adbPath = "adb"
	}
	b := &Bridge{adbPath: adbPath, timeout: DefaultTimeout, run: runProcess}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func runProcess(ctx context.Context, name string, args ...string) (int, string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exit := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exit = exitErr.ExitCode()
			err = nil
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return exit, stdout.String(), stderr.String(), err
}

// exec runs one adb invocation with the configured timeout.
func (b *Bridge) exec(ctx context.Context, op, serial string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	exit, stdout, stderr, err := b.run(runCtx, b.adbPath, args...)
	if err != nil {
		return "", &Error{Op: op, Serial: serial, ExitCode: -1, Stderr: stderr, Err: err}
	}
	if exit != 0 {
		return "", &Error{Op: op, Serial: serial, ExitCode: exit, Stderr: stderr}
	}
	return strings.TrimSpace(stdout), nil
}

// Version returns the first line of `adb version`, proving the binary is reachable.
func (b *Bridge) Version(ctx context.Context) (string, error) {
	out, err := b.exec(ctx, "version", "", "version")
	if err != nil {
		return "", err
	}
	if idx := strings.IndexByte(out, '\n'); idx >= 0 {
		out = out[:idx]
	}
	return strings.TrimSpace(out), nil
}

// Connect attaches a networked device (host:port targets). Serial-only
// targets need no connect step and succeed immediately.
func (b *Bridge) Connect(ctx context.Context, target string) error {
	if !strings.Contains(target, ":") {
		return nil
	}
	out, err := b.exec(ctx, "connect", target, "connect", target)
	if err != nil {
		return err
	}
	lower := strings.ToLower(out)
	if !strings.Contains(lower, "connected") {
		return &Error{Op: "connect", Serial: target, Stderr: out}
	}
	return nil
}

// Disconnect detaches a networked device. Failures are reported but callers
// normally treat them as non-fatal state normalization.
func (b *Bridge) Disconnect(ctx context.Context, target string) error {
	_, err := b.exec(ctx, "disconnect", target, "disconnect", target)
	return err
}

// Devices lists serials currently reported in the "device" state.
func (b *Bridge) Devices(ctx context.Context) ([]string, error) {
	out, err := b.exec(ctx, "devices", "", "devices")
	if err != nil {
		return nil, err
	}
	var serials []string
	for _, line := range strings.Split(out, "\n")[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) == 2 && parts[1] == "device" {
			serials = append(serials, parts[0])
		}
	}
	return serials, nil
}

// KillServer stops the local adb server process.
func (b *Bridge) KillServer(ctx context.Context) error {
	_, err := b.exec(ctx, "kill-server", "", "kill-server")
	return err
}

// StartServer starts the local adb server process.
func (b *Bridge) StartServer(ctx context.Context) error {
	_, err := b.exec(ctx, "start-server", "", "start-server")
	return err
}

// State reports the adb connection state ("device", "offline", ...).
func (b *Bridge) State(ctx context.Context, serial string) (string, error) {
	return b.exec(ctx, "get-state", serial, "-s", serial, "get-state")
}

// Shell runs an arbitrary shell command on the device and returns stdout.
func (b *Bridge) Shell(ctx context.Context, serial string, args ...string) (string, error) {
	full := append([]string{"-s", serial, "shell"}, args...)
	return b.exec(ctx, "shell "+strings.Join(args, " "), serial, full...)
}

// Getprop reads a single system property.
func (b *Bridge) Getprop(ctx context.Context, serial, prop string) (string, error) {
	return b.Shell(ctx, serial, "getprop", prop)
}

// Tap injects a tap at screen coordinates.
func (b *Bridge) Tap(ctx context.Context, serial string, x, y int) error {
	_, err := b.Shell(ctx, serial, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// PressAndHold injects a zero-distance swipe, which Android treats as a
// press held for the given duration.
func (b *Bridge) PressAndHold(ctx context.Context, serial string, x, y int, hold time.Duration) error {
	ms := strconv.Itoa(int(hold.Milliseconds()))
	xs, ys := strconv.Itoa(x), strconv.Itoa(y)
	_, err := b.Shell(ctx, serial, "input", "swipe", xs, ys, xs, ys, ms)
	return err
}

// EnterText types text into the focused field. Spaces must be escaped as %s
// for `input text`.
func (b *Bridge) EnterText(ctx context.Context, serial, text string) error {
	escaped := strings.ReplaceAll(text, " ", "%s")
	_, err := b.Shell(ctx, serial, "input", "text", escaped)
	return err
}

// KeyEvent sends a raw Android keycode.
func (b *Bridge) KeyEvent(ctx context.Context, serial string, code int) error {
	_, err := b.Shell(ctx, serial, "input", "keyevent", strconv.Itoa(code))
	return err
}

// PressEnter confirms the focused input field.
func (b *Bridge) PressEnter(ctx context.Context, serial string) error {
	return b.KeyEvent(ctx, serial, keycodeEnter)
}

// ClearField erases the focused field by sending backspace the given number
// of times. Individual keyevent failures are ignored; the field is cleared
// best-effort before fresh text entry.
func (b *Bridge) ClearField(ctx context.Context, serial string, times int) {
	for i := 0; i < times; i++ {
		if err := b.KeyEvent(ctx, serial, keycodeBackspace); err != nil {
			log.Debug().Err(err).Str("device", serial).Msg("clear field keyevent failed")
			return
		}
	}
}

// Pull copies a remote file to a local path.
func (b *Bridge) Pull(ctx context.Context, serial, remote, local string) error {
	_, err := b.exec(ctx, "pull", serial, "-s", serial, "pull", remote, local)
	return err
}

// Push copies a local file to a remote path.
func (b *Bridge) Push(ctx context.Context, serial, local, remote string) error {
	_, err := b.exec(ctx, "push", serial, "-s", serial, "push", local, remote)
	return err
}

// RemoveFile deletes a remote file.
func (b *Bridge) RemoveFile(ctx context.Context, serial, remote string) error {
	_, err := b.Shell(ctx, serial, "rm", remote)
	return err
}

// Capture takes a screenshot on the device and returns the PNG bytes.
// The remote temp file gets a collision-resistant name so concurrent
// captures on the same device never clobber each other; both the remote
// and local temp files are removed on every exit path.
func (b *Bridge) Capture(ctx context.Context, serial string) ([]byte, error) {
	remote := fmt.Sprintf("/sdcard/fleetagent_%s.png", uuid.NewString())
	if _, err := b.Shell(ctx, serial, "screencap", "-p", remote); err != nil {
		return nil, err
	}
	defer func() {
		if err := b.RemoveFile(context.WithoutCancel(ctx), serial, remote); err != nil {
			log.Debug().Err(err).Str("device", serial).Msg("remove remote capture failed")
		}
	}()

	tmp, err := os.CreateTemp("", "fleetagent-capture-*.png")
	if err != nil {
		return nil, errors.Wrap(err, "create local capture temp file")
	}
	local := tmp.Name()
	tmp.Close()
	defer os.Remove(local)

	if err := b.Pull(ctx, serial, remote, local); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, errors.Wrap(err, "read pulled capture")
	}
	if err := vision.CheckPNG(data); err != nil {
		return nil, err
	}
	return data, nil
}
