package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"lockbox/pkg/errdefs"
	"lockbox/pkg/logger"
	"lockbox/pkg/metrics"
	"lockbox/pkg/models"
	"lockbox/pkg/pathreg"
	"lockbox/pkg/store"
)

// Notifier wakes the fanout engine after a pending update is enqueued.
type Notifier interface {
	Notify()
}

// lastTS makes upload timestamps strictly monotonic so two uploads in
// the same nanosecond cannot collide on one pending tuple key, and key
// sort order equals arrival order.
var lastTS int64

func nextTS() int64 {
	for {
		now := time.Now().UTC().UnixNano()
		last := atomic.LoadInt64(&lastTS)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTS, last, now) {
			return now
		}
	}
}

// Chain stores uploaded payloads content-addressed by digest and keeps
// the HEAD/PREV pointers that form each path's version history.
type Chain struct {
	st     *store.Store
	notify Notifier
}

func New(st *store.Store, n Notifier) *Chain {
	return &Chain{st: st, notify: n}
}

// Upload accepts a new payload for (topDir, relPath) and returns the
// number of bytes written. The HEAD/PREV advance runs under the head
// namespace mutex; the pending tuple is enqueued after the chain is
// consistent, and the fanout engine is signalled.
//
// Re-uploading byte-identical content hits the same digest: when it
// matches the current HEAD the chain does not move at all (PREV would
// point at itself); when it matches an older version HEAD moves back
// onto the existing node and its PREV record is left untouched. Either
// way the update is still enqueued so collaborating devices re-sync.
//
// No authorization check precedes acceptance; that gap must be closed
// before production use.
func (c *Chain) Upload(topDir, relPath string, payload []byte) (int, error) {
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	mu := c.st.Mutex(store.NSRelPathHead, topDir)
	mu.Lock()
	head, ok, err := c.st.Get(store.NSRelPathHead, topDir, relPath)
	if err != nil {
		mu.Unlock()
		return 0, err
	}
	prev := ""
	if ok && head != pathreg.HeadNone {
		prev = head
	}
	if prev == "" {
		logger.Info("first_upload_for_path", "top_dir", topDir, "rel_path", relPath)
	}
	if digest != prev {
		// A digest's PREV is written exactly once. Re-uploading content
		// that is already somewhere in the chain moves HEAD back onto
		// the existing node; overwriting its PREV with the current head
		// would close a cycle and History would never terminate.
		_, seen, err := c.st.Get(store.NSVersionPrev, topDir, digest)
		if err != nil {
			mu.Unlock()
			return 0, err
		}
		if !seen {
			if err := c.st.Put(store.NSVersionPrev, topDir, digest, prev); err != nil {
				mu.Unlock()
				return 0, err
			}
			if err := c.st.Put(store.NSVersionData, topDir, digest, string(payload)); err != nil {
				mu.Unlock()
				return 0, err
			}
		}
		if err := c.st.Put(store.NSRelPathHead, topDir, relPath, digest); err != nil {
			mu.Unlock()
			return 0, err
		}
	}
	// The timestamp is taken while the head mutex is still held so the
	// queue's key sort order matches the order of HEAD advancement.
	u := models.Update{
		TS:      nextTS(),
		TopDir:  topDir,
		RelPath: relPath,
		Digest:  digest,
	}
	mu.Unlock()
	if err := c.st.Put(store.NSPending, "", u.Key(), ""); err != nil {
		return 0, err
	}
	metrics.PendingDepth.Inc()
	if c.notify != nil {
		c.notify.Notify()
	}
	metrics.UploadsTotal.Inc()
	metrics.UploadBytes.Add(float64(len(payload)))
	logger.Info("package_uploaded", "top_dir", topDir, "rel_path", relPath,
		"digest", digest, "bytes", len(payload))
	return len(payload), nil
}

// Download returns the payload for relPath at the given version digest,
// or at HEAD when version is empty.
func (c *Chain) Download(topDir, relPath, version string) ([]byte, string, error) {
	digest := version
	if digest == "" {
		head, ok, err := c.st.Get(store.NSRelPathHead, topDir, relPath)
		if err != nil {
			return nil, "", err
		}
		if !ok || head == pathreg.HeadNone {
			return nil, "", fmt.Errorf("%w: no versions for path %s", errdefs.ErrNotFound, relPath)
		}
		digest = head
	}
	data, ok, err := c.st.Get(store.NSVersionData, topDir, digest)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: blob %s", errdefs.ErrNotFound, digest)
	}
	return []byte(data), digest, nil
}

// History lists the path's version digests from HEAD backwards by
// following PREV pointers. A path with no uploads yields an empty list.
func (c *Chain) History(topDir, relPath string) ([]string, error) {
	head, ok, err := c.st.Get(store.NSRelPathHead, topDir, relPath)
	if err != nil {
		return nil, err
	}
	if !ok || head == pathreg.HeadNone {
		return nil, nil
	}
	var out []string
	for cur := head; cur != ""; {
		out = append(out, cur)
		prev, ok, err := c.st.Get(store.NSVersionPrev, topDir, cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: version %s has no PREV record", errdefs.ErrInvariant, cur)
		}
		cur = prev
	}
	return out, nil
}
