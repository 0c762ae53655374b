package pathreg

import (
	"fmt"

	"github.com/google/uuid"

	"lockbox/pkg/errdefs"
	"lockbox/pkg/logger"
	"lockbox/pkg/models"
	"lockbox/pkg/registry"
	"lockbox/pkg/store"
)

// HeadNone is the sentinel HEAD value for a reserved relative path that
// has no uploaded version yet.
const HeadNone = "none"

// maxAllocAttempts bounds the GUID generation loop. Natural collisions
// are negligible; the bound guarantees termination if the generator
// degenerates.
const maxAllocAttempts = 32

// Registrar reserves relative-path identities inside a top directory
// and manages the per-path edit lock.
type Registrar struct {
	st  *store.Store
	reg *registry.Registry
}

func New(st *store.Store, reg *registry.Registry) *Registrar {
	return &Registrar{st: st, reg: reg}
}

// AllocateRelPathID reserves a fresh GUID for a relative path inside
// topDir and returns it. The generate-check-reserve loop runs under the
// head-map mutex so concurrent calls cannot reserve the same GUID.
func (pr *Registrar) AllocateRelPathID(topDir string) (string, error) {
	mu := pr.st.Mutex(store.NSRelPathHead, topDir)
	mu.Lock()
	defer mu.Unlock()

	for i := 0; i < maxAllocAttempts; i++ {
		id := uuid.NewString()
		if _, ok, err := pr.st.Get(store.NSRelPathHead, topDir, id); err != nil {
			return "", err
		} else if ok {
			logger.Warn("relpath_guid_collision", "top_dir", topDir, "guid", id)
			continue
		}
		if err := pr.st.Put(store.NSRelPathHead, topDir, id, HeadNone); err != nil {
			return "", err
		}
		logger.Info("relpath_registered", "top_dir", topDir, "guid", id)
		return id, nil
	}
	return "", fmt.Errorf("%w: no free relpath GUID after %d attempts", errdefs.ErrExhausted, maxAllocAttempts)
}

// AcquireLock attempts to take the exclusive edit lock on (topDir,
// relPath) for caller. A held lock is refused, not queued: the response
// names the current holder and the caller retries on its own schedule.
// On success the result lists the top directory's other editors so the
// caller can announce the edit.
func (pr *Registrar) AcquireLock(topDir, relPath, caller string) (models.LockStatus, error) {
	mu := pr.st.Mutex(store.NSRelPathLock, topDir)
	mu.Lock()
	defer mu.Unlock()

	holder, held, err := pr.st.Get(store.NSRelPathLock, topDir, relPath)
	if err != nil {
		return models.LockStatus{}, err
	}
	if held && holder != caller {
		logger.Info("lock_refused", "top_dir", topDir, "rel_path", relPath, "holder", holder)
		return models.LockStatus{Acquired: false, Holder: holder}, nil
	}
	if err := pr.st.Put(store.NSRelPathLock, topDir, relPath, caller); err != nil {
		return models.LockStatus{}, err
	}

	editors, err := pr.reg.Editors(topDir)
	if err != nil {
		return models.LockStatus{}, err
	}
	var others []string
	for _, e := range editors {
		if e != caller {
			others = append(others, e)
		}
	}
	logger.Info("lock_acquired", "top_dir", topDir, "rel_path", relPath, "caller", caller)
	return models.LockStatus{Acquired: true, Collaborators: others}, nil
}

// ReleaseLock clears the lock entry for (topDir, relPath). Releasing an
// already-released lock is a no-op.
func (pr *Registrar) ReleaseLock(topDir, relPath string) error {
	mu := pr.st.Mutex(store.NSRelPathLock, topDir)
	mu.Lock()
	defer mu.Unlock()
	if err := pr.st.Delete(store.NSRelPathLock, topDir, relPath); err != nil {
		return err
	}
	logger.Info("lock_released", "top_dir", topDir, "rel_path", relPath)
	return nil
}
