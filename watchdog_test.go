package fleetagent

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type stubAdbServer struct {
	serials  []string
	listErr  error
	kills    int
	starts   int
	killErr  error
	startErr error
}

func (s *stubAdbServer) Devices(ctx context.Context) ([]string, error) {
	return s.serials, s.listErr
}

func (s *stubAdbServer) KillServer(ctx context.Context) error {
	s.kills++
	return s.killErr
}

func (s *stubAdbServer) StartServer(ctx context.Context) error {
	s.starts++
	return s.startErr
}

func newTestWatchdog(server *stubAdbServer) (*Watchdog, *[]time.Duration) {
	w := NewWatchdog(server, time.Minute)
	var slept []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return w, &slept
}

func TestWatchdogLeavesHealthyServerAlone(t *testing.T) {
	server := &stubAdbServer{serials: []string{"d1"}}
	w, _ := newTestWatchdog(server)

	w.check(context.Background())

	if server.kills != 0 || server.starts != 0 {
		t.Fatalf("server restarted with devices present: kills=%d starts=%d", server.kills, server.starts)
	}
}

func TestWatchdogRestartsServerWhenNoDevicesRespond(t *testing.T) {
	server := &stubAdbServer{}
	w, slept := newTestWatchdog(server)

	w.check(context.Background())

	if server.kills != 1 || server.starts != 1 {
		t.Fatalf("kills=%d starts=%d, want one each", server.kills, server.starts)
	}
	if len(*slept) != 1 || (*slept)[0] != adbRestartPause {
		t.Fatalf("restart pause = %v", *slept)
	}
}

func TestWatchdogRestartsServerOnListingError(t *testing.T) {
	server := &stubAdbServer{listErr: errors.New("adb server not running")}
	w, _ := newTestWatchdog(server)

	w.check(context.Background())

	if server.kills != 1 || server.starts != 1 {
		t.Fatalf("kills=%d starts=%d, want one each", server.kills, server.starts)
	}
}

func TestWatchdogRunStopsOnCancel(t *testing.T) {
	server := &stubAdbServer{serials: []string{"d1"}}
	w, _ := newTestWatchdog(server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}
