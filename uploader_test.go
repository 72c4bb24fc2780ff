package fleetagent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

type stubForwarder struct {
	mu      sync.Mutex
	uploads int
	err     error
}

func (f *stubForwarder) UploadScreenshot(ctx context.Context, device Device, section string, image []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return f.err
}

func TestOfferForwardsOnlyChangedContent(t *testing.T) {
	dir := t.TempDir()
	forwarder := &stubForwarder{}
	uploader := NewChangeUploader(dir, forwarder)
	dev := Device{ID: "10.0.0.1:5555", Window: "main"}
	ctx := context.Background()

	changed, err := uploader.Offer(ctx, dev, "main", []byte("screen-a"))
	if err != nil || !changed {
		t.Fatalf("first offer: changed=%v err=%v", changed, err)
	}
	changed, err = uploader.Offer(ctx, dev, "main", []byte("screen-a"))
	if err != nil {
		t.Fatalf("second offer: %v", err)
	}
	if changed {
		t.Fatal("identical content reported as changed")
	}
	changed, err = uploader.Offer(ctx, dev, "main", []byte("screen-b"))
	if err != nil || !changed {
		t.Fatalf("third offer: changed=%v err=%v", changed, err)
	}

	if forwarder.uploads != 2 {
		t.Fatalf("forwards = %d, want 2", forwarder.uploads)
	}
	latest, err := os.ReadFile(filepath.Join(dir, "10.0.0.1_5555", "main", "last.png"))
	if err != nil {
		t.Fatalf("reading last.png: %v", err)
	}
	if string(latest) != "screen-b" {
		t.Fatalf("last.png = %q, want newest content", latest)
	}
}

func TestOfferTracksSectionsIndependently(t *testing.T) {
	uploader := NewChangeUploader(t.TempDir(), nil)
	dev := Device{ID: "dev-1", Window: "main"}
	ctx := context.Background()

	if changed, _ := uploader.Offer(ctx, dev, "main", []byte("same")); !changed {
		t.Fatal("first section offer should change")
	}
	if changed, _ := uploader.Offer(ctx, dev, "popup", []byte("same")); !changed {
		t.Fatal("a different section must not share the hash slot")
	}
}

func TestOfferForwardFailureIsBestEffort(t *testing.T) {
	forwarder := &stubForwarder{err: errors.New("collector down")}
	uploader := NewChangeUploader(t.TempDir(), forwarder)

	changed, err := uploader.Offer(context.Background(), Device{ID: "dev-1"}, "main", []byte("screen"))
	if err != nil {
		t.Fatalf("forward failure escalated: %v", err)
	}
	if !changed {
		t.Fatal("content change not reported")
	}
	if forwarder.uploads != 1 {
		t.Fatalf("forwards = %d", forwarder.uploads)
	}
}

func TestOfferRetriesAfterStoreFailure(t *testing.T) {
	dir := t.TempDir()
	forwarder := &stubForwarder{}
	uploader := NewChangeUploader(dir, forwarder)
	dev := Device{ID: "dev-1"}
	ctx := context.Background()

	// A plain file where the device directory belongs makes the store fail.
	blocker := filepath.Join(dir, "dev-1")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	changed, err := uploader.Offer(ctx, dev, "main", []byte("screen"))
	if err == nil {
		t.Fatal("store failure did not surface")
	}
	if changed {
		t.Fatal("failed store reported as changed")
	}
	if forwarder.uploads != 0 {
		t.Fatalf("forwards after failed store = %d, want 0", forwarder.uploads)
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	changed, err = uploader.Offer(ctx, dev, "main", []byte("screen"))
	if err != nil || !changed {
		t.Fatalf("retry offer: changed=%v err=%v", changed, err)
	}
	if forwarder.uploads != 1 {
		t.Fatalf("forwards after retry = %d, want 1", forwarder.uploads)
	}
	latest, err := os.ReadFile(filepath.Join(dir, "dev-1", "main", "last.png"))
	if err != nil || string(latest) != "screen" {
		t.Fatalf("last.png = %q err=%v", latest, err)
	}
}

func TestOfferConcurrentSameContentForwardsOnce(t *testing.T) {
	forwarder := &stubForwarder{}
	uploader := NewChangeUploader(t.TempDir(), forwarder)
	dev := Device{ID: "dev-1"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = uploader.Offer(context.Background(), dev, "main", []byte("screen"))
		}()
	}
	wg.Wait()

	if forwarder.uploads != 1 {
		t.Fatalf("forwards = %d, want 1", forwarder.uploads)
	}
}
