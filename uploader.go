package fleetagent

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// screenshotForwarder pushes a fresh capture to the collector.
type screenshotForwarder interface {
	UploadScreenshot(ctx context.Context, device Device, section string, image []byte) error
}

// ChangeUploader keeps the newest capture per (device, section) on disk and
// forwards it to the collector, but only when the content actually changed.
// The hash map is in-memory only; after a restart the first capture of each
// pair is forwarded again, which is acceptable.
type ChangeUploader struct {
	dir       string
	forwarder screenshotForwarder

	mu     sync.Mutex
	hashes map[string]string
}

// NewChangeUploader stores latest captures under dir. forwarder may be nil
// when no collector is configured.
func NewChangeUploader(dir string, forwarder screenshotForwarder) *ChangeUploader {
	return &ChangeUploader{
		dir:       dir,
		forwarder: forwarder,
		hashes:    map[string]string{},
	}
}

// Offer hands the uploader a fresh capture. Identical content to the last
// offered capture for the same (device, section) pair is discarded. Changed
// content replaces last.png atomically and is forwarded best-effort; a
// forwarding failure never surfaces as an error.
func (u *ChangeUploader) Offer(ctx context.Context, device Device, section string, image []byte) (changed bool, err error) {
	sum := md5.Sum(image)
	digest := hex.EncodeToString(sum[:])
	key := device.ID + ":" + section

	u.mu.Lock()
	if u.hashes[key] == digest {
		u.mu.Unlock()
		return false, nil
	}
	prev, had := u.hashes[key]
	u.hashes[key] = digest
	u.mu.Unlock()

	// A failed store rolls the digest back, so the next identical capture
	// retries instead of being discarded.
	if err := u.replaceLatest(device, section, image); err != nil {
		u.mu.Lock()
		if u.hashes[key] == digest {
			if had {
				u.hashes[key] = prev
			} else {
				delete(u.hashes, key)
			}
		}
		u.mu.Unlock()
		return false, err
	}

	if u.forwarder != nil {
		if err := u.forwarder.UploadScreenshot(ctx, device, section, image); err != nil {
			log.Warn().Err(err).Str("device", device.ID).Str("section", section).Msg("screenshot forward failed")
		}
	}
	return true, nil
}

// replaceLatest writes the capture to a temp file in the target directory,
// then renames it over last.png so readers never observe a partial file.
func (u *ChangeUploader) replaceLatest(device Device, section string, image []byte) error {
	dir := filepath.Join(u.dir, device.SafeID(), section)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating capture dir")
	}
	tmp, err := os.CreateTemp(dir, "last-*.png")
	if err != nil {
		return errors.Wrap(err, "creating temp capture")
	}
	if _, err := tmp.Write(image); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "writing temp capture")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "closing temp capture")
	}
	final := filepath.Join(dir, "last.png")
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "replacing last.png")
	}
	return nil
}
