package fleetagent

import (
	"context"
	"sync"
	"testing"
	"time"
)

// gatedRunner blocks each step until released, so tests can pause or stop a
// session while a step is in flight.
type gatedRunner struct {
	mu      sync.Mutex
	ran     []string
	started chan string
	release chan struct{}
	fail    map[int]bool
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{
		started: make(chan string, 16),
		release: make(chan struct{}, 16),
		fail:    map[int]bool{},
	}
}

func (r *gatedRunner) RunStep(ctx context.Context, device string, step Step) StepResult {
	r.started <- step.Name()
	<-r.release
	r.mu.Lock()
	n := len(r.ran)
	r.ran = append(r.ran, step.Name())
	r.mu.Unlock()
	if r.fail[n] {
		return StepResult{Message: "forced failure"}
	}
	return StepResult{Success: true, Message: "ok"}
}

func (r *gatedRunner) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

// countingRunner never blocks; it just counts.
type countingRunner struct {
	mu    sync.Mutex
	count int
}

func (r *countingRunner) RunStep(ctx context.Context, device string, step Step) StepResult {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	return StepResult{Success: true}
}

func waitSteps(n int) []Step {
	steps := make([]Step, n)
	for i := range steps {
		steps[i] = Step{Action: ActionWait, Seconds: 1}
	}
	return steps
}

func waitDone(t *testing.T, s *DeviceSession) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish in time")
	}
}

func TestSessionRunsAllStepsThenStops(t *testing.T) {
	runner := &countingRunner{}
	session := NewDeviceSession(Device{ID: "dev-1"}, waitSteps(3), runner)
	session.Start(context.Background())
	waitDone(t, session)

	status := session.Status()
	if status.State != StateStopped {
		t.Fatalf("state = %s, want stopped", status.State)
	}
	if status.CurrentStep != 3 {
		t.Fatalf("index = %d, want 3", status.CurrentStep)
	}
	if runner.count != 3 {
		t.Fatalf("steps executed = %d, want 3", runner.count)
	}
	if status.RequiredFailed {
		t.Fatal("clean run should not flag a required failure")
	}
}

func TestSessionStartIsIdempotentWhileRunning(t *testing.T) {
	runner := newGatedRunner()
	session := NewDeviceSession(Device{ID: "dev-1"}, waitSteps(1), runner)
	ctx := context.Background()
	session.Start(ctx)
	<-runner.started

	// A second Start while a loop is alive must not spawn another loop.
	session.Start(ctx)
	select {
	case name := <-runner.started:
		t.Fatalf("second loop started step %q", name)
	case <-time.After(50 * time.Millisecond):
	}

	runner.release <- struct{}{}
	waitDone(t, session)
}

func TestSessionPauseHoldsIndexAndResumeContinues(t *testing.T) {
	runner := newGatedRunner()
	session := NewDeviceSession(Device{ID: "dev-1"}, waitSteps(3), runner)
	session.Start(context.Background())

	<-runner.started
	session.Pause()
	runner.release <- struct{}{}

	// The in-flight step completes and the index advances, then the loop
	// idles at the pause poll without starting step two.
	deadline := time.After(2 * time.Second)
	for {
		status := session.Status()
		if status.State == StatePaused && status.CurrentStep == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("session never settled paused at step 1: %+v", status)
		case <-time.After(10 * time.Millisecond):
		}
	}
	select {
	case name := <-runner.started:
		t.Fatalf("paused session started step %q", name)
	case <-time.After(50 * time.Millisecond):
	}

	session.Resume()
	<-runner.started
	runner.release <- struct{}{}
	<-runner.started
	runner.release <- struct{}{}
	waitDone(t, session)

	status := session.Status()
	if status.CurrentStep != 3 || status.State != StateStopped {
		t.Fatalf("after resume: %+v", status)
	}
	if got := len(runner.executed()); got != 3 {
		t.Fatalf("steps executed = %d, want 3", got)
	}
}

func TestSessionStopMidStepFreezesIndex(t *testing.T) {
	runner := newGatedRunner()
	session := NewDeviceSession(Device{ID: "dev-1"}, waitSteps(3), runner)
	session.Start(context.Background())

	<-runner.started
	session.Stop()
	runner.release <- struct{}{}
	waitDone(t, session)

	status := session.Status()
	if status.State != StateStopped {
		t.Fatalf("state = %s, want stopped", status.State)
	}
	if status.CurrentStep != 0 {
		t.Fatalf("index advanced past a stop: %d", status.CurrentStep)
	}
	if got := len(runner.executed()); got != 1 {
		t.Fatalf("steps executed = %d, want 1", got)
	}
}

func TestSessionRequiredFailureLatchesButRunContinues(t *testing.T) {
	runner := newGatedRunner()
	runner.fail[0] = true
	steps := waitSteps(2)
	steps[0].Required = true
	session := NewDeviceSession(Device{ID: "dev-1"}, steps, runner)
	session.Start(context.Background())

	runner.release <- struct{}{}
	runner.release <- struct{}{}
	<-runner.started
	<-runner.started
	waitDone(t, session)

	status := session.Status()
	if !status.RequiredFailed {
		t.Fatal("required step failure not latched")
	}
	if status.CurrentStep != 2 {
		t.Fatalf("index = %d, want 2 (run continues past a failed step)", status.CurrentStep)
	}
}

func TestRunScenarioReplacesLiveSession(t *testing.T) {
	runner := newGatedRunner()
	manager := NewSessionManager(runner)
	ctx := context.Background()
	dev := Device{ID: "dev-1"}

	first := manager.RunScenario(ctx, dev, waitSteps(2))
	<-runner.started

	replaced := make(chan *DeviceSession)
	go func() { replaced <- manager.RunScenario(ctx, dev, waitSteps(1)) }()

	runner.release <- struct{}{}
	second := <-replaced
	if second == first {
		t.Fatal("RunScenario returned the old session")
	}
	waitDone(t, first)
	if first.Status().State != StateStopped {
		t.Fatal("old session still running after replacement")
	}

	<-runner.started
	runner.release <- struct{}{}
	waitDone(t, second)
	if got, ok := manager.Session(dev.ID); !ok || got != second {
		t.Fatal("manager does not track the replacement session")
	}
}

func TestStopAllWaitsForLoops(t *testing.T) {
	runner := newGatedRunner()
	manager := NewSessionManager(runner)
	ctx := context.Background()

	manager.RunScenario(ctx, Device{ID: "dev-1"}, waitSteps(1))
	manager.RunScenario(ctx, Device{ID: "dev-2"}, waitSteps(1))
	<-runner.started
	<-runner.started

	stopped := make(chan struct{})
	go func() {
		manager.StopAll()
		close(stopped)
	}()
	runner.release <- struct{}{}
	runner.release <- struct{}{}

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("StopAll did not return")
	}
	for _, status := range manager.StatusAll() {
		if status.State != StateStopped {
			t.Fatalf("session %s not stopped", status.Device)
		}
	}
}
