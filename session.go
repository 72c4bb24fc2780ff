package fleetagent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionState is the lifecycle state of one device session.
type SessionState string

const (
	StateStopped SessionState = "stopped"
	StateRunning SessionState = "running"
	StatePaused  SessionState = "paused"
)

// StepRunner executes one scenario step against a device.
type StepRunner interface {
	RunStep(ctx context.Context, device string, step Step) StepResult
}

// SessionStatus is a read-only snapshot of a session for status queries.
type SessionStatus struct {
	Device      string
	State       SessionState
	CurrentStep int
	TotalSteps  int
	LastResult  *StepResult
	// RequiredFailed reports that a step marked Required exhausted its
	// attempts; the orchestrator uses it to decide on a scenario restart.
	RequiredFailed bool
}

const pausePollInterval = time.Second

// DeviceSession drives an ordered step list on one device. The execution
// loop runs in its own goroutine; state transitions and the step index share
// one mutex, so the index only moves at step boundaries. Stop takes effect
// at the next boundary; an in-flight bridge call is never interrupted, it
// is bounded by the bridge timeout instead.
type DeviceSession struct {
	device Device
	steps  []Step
	runner StepRunner

	mu    sync.Mutex
	state SessionState
	index int
	last  *StepResult
	done  chan struct{}
	// requiredFailed latches when a Required step fails during this run.
	requiredFailed bool
	// looping is true while the execution goroutine is alive; it outlives a
	// Stopped state briefly, so Start checks it to never double-spawn.
	looping bool
}

// NewDeviceSession builds a session in the Stopped state.
func NewDeviceSession(device Device, steps []Step, runner StepRunner) *DeviceSession {
	done := make(chan struct{})
	close(done)
	return &DeviceSession{device: device, steps: steps, runner: runner, state: StateStopped, done: done}
}

// Start transitions Stopped→Running and spawns the execution loop once.
// Starting a running or paused session is a no-op.
func (s *DeviceSession) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped || s.looping {
		return
	}
	s.state = StateRunning
	s.looping = true
	s.index = 0
	s.requiredFailed = false
	done := make(chan struct{})
	s.done = done
	go s.run(ctx, done)
	log.Info().Str("device", s.device.ID).Int("steps", len(s.steps)).Msg("session started")
}

// Pause transitions Running→Paused. The loop idles at the next boundary.
func (s *DeviceSession) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.state = StatePaused
		log.Info().Str("device", s.device.ID).Msg("session paused")
	}
}

// Resume transitions Paused→Running at the exact step index it paused at.
func (s *DeviceSession) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePaused {
		s.state = StateRunning
		log.Info().Str("device", s.device.ID).Msg("session resumed")
	}
}

// Stop transitions any state to Stopped. The loop observes it at the next
// step boundary and exits.
func (s *DeviceSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		s.state = StateStopped
		log.Info().Str("device", s.device.ID).Msg("session stopped")
	}
}

// Done is closed once the execution loop has exited.
func (s *DeviceSession) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Status returns a consistent snapshot.
func (s *DeviceSession) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		Device:         s.device.ID,
		State:          s.state,
		CurrentStep:    s.index,
		TotalSteps:     len(s.steps),
		LastResult:     s.last,
		RequiredFailed: s.requiredFailed,
	}
}

func (s *DeviceSession) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.state = StateStopped
		s.looping = false
		s.mu.Unlock()
		close(done)
		log.Info().Str("device", s.device.ID).Msg("session finished")
	}()

	for {
		s.mu.Lock()
		if s.index >= len(s.steps) || s.state == StateStopped {
			s.mu.Unlock()
			return
		}
		state := s.state
		step := s.steps[s.index]
		s.mu.Unlock()

		if state == StatePaused {
			if err := sleepCtx(ctx, pausePollInterval); err != nil {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		result := s.runner.RunStep(ctx, s.device.ID, step)
		if !result.Success {
			log.Warn().Str("device", s.device.ID).Str("step", step.Name()).Str("message", result.Message).Msg("step failed")
		}

		s.mu.Lock()
		s.last = &result
		if !result.Success && step.Required {
			s.requiredFailed = true
		}
		// A stop that raced the in-flight step leaves the index frozen at the
		// pre-step value; the session is terminal either way.
		if s.state != StateStopped {
			s.index++
		}
		s.mu.Unlock()
	}
}

// SessionManager owns at most one live session per device and serializes
// scenario swaps so two loops never drive the same device concurrently.
type SessionManager struct {
	runner StepRunner

	mu       sync.Mutex
	sessions map[string]*DeviceSession

	// swapWait bounds how long RunScenario waits for the old loop to observe
	// Stopped before starting the replacement.
	swapWait time.Duration
}

// NewSessionManager builds an empty manager over the given runner.
func NewSessionManager(runner StepRunner) *SessionManager {
	return &SessionManager{
		runner:   runner,
		sessions: make(map[string]*DeviceSession),
		swapWait: 5 * time.Second,
	}
}

// Session returns the tracked session for a device.
func (m *SessionManager) Session(deviceID string) (*DeviceSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	return s, ok
}

// RunScenario stops any running session for the device, waits briefly for
// its loop to exit, then installs and starts a fresh session with the new
// step list. At most one active loop per device exists at any time.
func (m *SessionManager) RunScenario(ctx context.Context, device Device, steps []Step) *DeviceSession {
	m.mu.Lock()
	old := m.sessions[device.ID]
	m.mu.Unlock()

	if old != nil {
		old.Stop()
		select {
		case <-old.Done():
		case <-time.After(m.swapWait):
			log.Warn().Str("device", device.ID).Msg("previous session slow to stop, replacing anyway")
		case <-ctx.Done():
			return old
		}
	}

	next := NewDeviceSession(device, steps, m.runner)
	m.mu.Lock()
	m.sessions[device.ID] = next
	m.mu.Unlock()
	next.Start(ctx)
	return next
}

// Pause pauses the session for one device, if any.
func (m *SessionManager) Pause(deviceID string) {
	if s, ok := m.Session(deviceID); ok {
		s.Pause()
	}
}

// Resume resumes the session for one device, if any.
func (m *SessionManager) Resume(deviceID string) {
	if s, ok := m.Session(deviceID); ok {
		s.Resume()
	}
}

// Stop stops the session for one device, if any.
func (m *SessionManager) Stop(deviceID string) {
	if s, ok := m.Session(deviceID); ok {
		s.Stop()
	}
}

// StopAll stops every tracked session and waits for the loops to exit.
func (m *SessionManager) StopAll() {
	m.mu.Lock()
	sessions := make([]*DeviceSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
	for _, s := range sessions {
		<-s.Done()
	}
}

// StatusAll snapshots every tracked session.
func (m *SessionManager) StatusAll() []SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Status())
	}
	return out
}
