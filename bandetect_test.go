package fleetagent

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/droidfleet/fleetagent/internal/vision"
)

type stubGrabber struct {
	screen []byte
}

func (g *stubGrabber) Capture(ctx context.Context, serial string) ([]byte, error) {
	return g.screen, nil
}

type stubFleet struct {
	devices []Device
}

func (f *stubFleet) Live() []Device { return f.devices }

type stubNotifier struct {
	mu       sync.Mutex
	messages []string
	types    []string
	devices  []string
}

func (n *stubNotifier) SendMessage(ctx context.Context, deviceID, msgType, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.devices = append(n.devices, deviceID)
	n.types = append(n.types, msgType)
	n.messages = append(n.messages, text)
	return nil
}

func newTestDetector(t *testing.T, fleet *stubFleet, found bool) (*BanDetector, *stubNotifier, BanConfig) {
	t.Helper()
	dir := t.TempDir()
	template := filepath.Join(dir, "ban.png")
	if err := os.WriteFile(template, []byte("marker"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := BanConfig{
		Template:      template,
		Threshold:     0.8,
		RecordFile:    filepath.Join(dir, "ban_record.json"),
		ReportFile:    filepath.Join(dir, "ban_report.csv"),
		ScreenshotDir: filepath.Join(dir, "evidence"),
	}
	records, err := OpenBanRecordStore(cfg.RecordFile)
	if err != nil {
		t.Fatal(err)
	}
	notify := &stubNotifier{}
	detector, err := NewBanDetector(&stubGrabber{screen: []byte("screen")}, fleet, records, nil, notify, cfg)
	if err != nil {
		t.Fatal(err)
	}
	detector.locate = func(screen, template []byte, threshold float64) (vision.Point, bool, error) {
		return vision.Point{}, found, nil
	}
	detector.now = func() time.Time { return time.Date(2026, 8, 28, 14, 30, 5, 0, time.UTC) }
	return detector, notify, cfg
}

func readReportLines(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestBanReportedOncePerDay(t *testing.T) {
	fleet := &stubFleet{devices: []Device{{ID: "10.0.0.1:5555"}}}
	detector, notify, cfg := newTestDetector(t, fleet, true)
	ctx := context.Background()

	detector.ScanOnce(ctx)
	detector.ScanOnce(ctx)
	detector.ScanOnce(ctx)

	rows := readReportLines(t, cfg.ReportFile)
	if len(rows) != 1 {
		t.Fatalf("report rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row[0] != "10.0.0.1:5555" {
		t.Fatalf("row device = %q", row[0])
	}
	if row[1] != "2026-08-28 14:30:05" {
		t.Fatalf("row timestamp = %q", row[1])
	}
	if !strings.Contains(row[2], "10.0.0.1_5555_2026-08-28_14-30-05.png") {
		t.Fatalf("row screenshot = %q", row[2])
	}
	if _, err := os.Stat(row[2]); err != nil {
		t.Fatalf("evidence screenshot missing: %v", err)
	}
	if len(notify.messages) != 1 {
		t.Fatalf("alerts = %v, want one", notify.messages)
	}
	if notify.devices[0] != "10.0.0.1:5555" || notify.types[0] != MessageError {
		t.Fatalf("alert attribution = %s/%s", notify.devices[0], notify.types[0])
	}
}

func TestBanNextDayReportedAgain(t *testing.T) {
	fleet := &stubFleet{devices: []Device{{ID: "dev-1"}}}
	detector, _, cfg := newTestDetector(t, fleet, true)
	ctx := context.Background()

	detector.ScanOnce(ctx)
	detector.now = func() time.Time { return time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC) }
	detector.ScanOnce(ctx)

	if rows := readReportLines(t, cfg.ReportFile); len(rows) != 2 {
		t.Fatalf("report rows = %d, want 2", len(rows))
	}
}

func TestNoMarkerNoReport(t *testing.T) {
	fleet := &stubFleet{devices: []Device{{ID: "dev-1"}}}
	detector, notify, cfg := newTestDetector(t, fleet, false)

	detector.ScanOnce(context.Background())

	if rows := readReportLines(t, cfg.ReportFile); len(rows) != 0 {
		t.Fatalf("report rows = %d, want 0", len(rows))
	}
	if len(notify.messages) != 0 {
		t.Fatalf("alerts sent without a marker: %v", notify.messages)
	}
}

func TestMarkIfNewIsExactlyOnceUnderConcurrency(t *testing.T) {
	store, err := OpenBanRecordStore(filepath.Join(t.TempDir(), "records.json"))
	if err != nil {
		t.Fatal(err)
	}
	day := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	fresh := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.MarkIfNew("dev-1", day)
			if err != nil {
				t.Errorf("mark failed: %v", err)
			}
			fresh <- ok
		}()
	}
	wg.Wait()
	close(fresh)

	count := 0
	for ok := range fresh {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("fresh marks = %d, want exactly 1", count)
	}
}

func TestBanRecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.json")
	day := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	store, err := OpenBanRecordStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.MarkIfNew("dev-1", day); !ok {
		t.Fatal("first mark should be fresh")
	}

	reopened, err := OpenBanRecordStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := reopened.MarkIfNew("dev-1", day); ok {
		t.Fatal("mark repeated after reopen on the same day")
	}
	if ok, _ := reopened.MarkIfNew("dev-1", day.AddDate(0, 0, 1)); !ok {
		t.Fatal("next day should be fresh again")
	}
}
