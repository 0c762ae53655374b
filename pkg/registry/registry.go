package registry

import (
	"fmt"
	"strconv"
	"strings"

	"lockbox/pkg/errdefs"
	"lockbox/pkg/logger"
	"lockbox/pkg/store"
)

// EditorsKey is the key inside a top directory's metadata partition that
// holds the comma-joined list of collaborating emails.
const EditorsKey = "EDITORS"

// Registry allocates user, device and top-directory identities against
// the shared store.
type Registry struct {
	st *store.Store
}

func New(st *store.Store) *Registry {
	return &Registry{st: st}
}

// RegisterUser assigns the next UserID to email. The check-then-persist
// sequence runs under the email namespace mutex so a concurrent
// duplicate registration cannot allocate two IDs for one email.
func (r *Registry) RegisterUser(email string) (uint64, error) {
	mu := r.st.Mutex(store.NSUserEmail, "")
	mu.Lock()
	defer mu.Unlock()

	if _, ok, err := r.st.Get(store.NSUserEmail, "", email); err != nil {
		return 0, err
	} else if ok {
		logger.Info("user_already_registered", "email", email)
		return 0, fmt.Errorf("%w: user %s", errdefs.ErrAlreadyExists, email)
	}
	uid, err := r.st.NextID("user")
	if err != nil {
		return 0, err
	}
	if err := r.st.Put(store.NSUserEmail, "", email, strconv.FormatUint(uid, 10)); err != nil {
		return 0, err
	}
	logger.Info("user_registered", "email", email, "user_id", uid)
	return uid, nil
}

// RegisterDevice allocates the next DeviceID and appends it to the
// user's device list. No duplicate or quota check is applied.
func (r *Registry) RegisterDevice(email string) (uint64, error) {
	did, err := r.st.NextID("device")
	if err != nil {
		return 0, err
	}
	if err := r.st.Update(store.NSUserDevice, "", email, strconv.FormatUint(did, 10)); err != nil {
		return 0, err
	}
	logger.Info("device_registered", "email", email, "device_id", did)
	return did, nil
}

// RegisterTopDir allocates the next TopDirID, appends it to the owner's
// top-dir list and creates the directory metadata with the creator
// seeded as its first editor. There is no rollback: a failure between
// the two writes leaves the store inconsistent and is surfaced as an
// invariant violation.
func (r *Registry) RegisterTopDir(email string) (uint64, error) {
	tid, err := r.st.NextID("topdir")
	if err != nil {
		return 0, err
	}
	name := strconv.FormatUint(tid, 10)
	if err := r.st.Update(store.NSUserTopDir, "", email, name); err != nil {
		return 0, err
	}
	mu := r.st.Mutex(store.NSTopDirMeta, name)
	mu.Lock()
	defer mu.Unlock()
	if err := r.st.Put(store.NSTopDirMeta, name, EditorsKey, email); err != nil {
		return 0, fmt.Errorf("%w: top dir %s listed for %s but metadata write failed: %v",
			errdefs.ErrInvariant, name, email, err)
	}
	logger.Info("topdir_registered", "email", email, "top_dir", name)
	return tid, nil
}

// AssociateKey stores a public key for the user.
func (r *Registry) AssociateKey(email, publicKey string) error {
	logger.Info("associating_key", "email", email)
	return r.st.Put(store.NSUserKey, "", email, publicKey)
}

// Editors returns the collaborating emails of a top directory. A top
// directory without an EDITORS record is a data-integrity problem.
func (r *Registry) Editors(topDir string) ([]string, error) {
	v, ok, err := r.st.Get(store.NSTopDirMeta, topDir, EditorsKey)
	if err != nil {
		return nil, err
	}
	if !ok || v == "" {
		return nil, fmt.Errorf("%w: top dir %s has no editors", errdefs.ErrInvariant, topDir)
	}
	return strings.Split(v, store.ListSep), nil
}

// Devices returns the registered DeviceIDs of a user. An editor with no
// devices is a data-integrity problem for the fanout path.
func (r *Registry) Devices(email string) ([]string, error) {
	v, ok, err := r.st.Get(store.NSUserDevice, "", email)
	if err != nil {
		return nil, err
	}
	if !ok || v == "" {
		return nil, fmt.Errorf("%w: user %s has no devices", errdefs.ErrInvariant, email)
	}
	return strings.Split(v, store.ListSep), nil
}
