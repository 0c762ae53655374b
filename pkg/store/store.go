package store

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"

	"lockbox/pkg/logger"
)

// Namespace selects one of the logical key spaces in the store. Each
// namespace is further partitioned by a name string (typically a top
// directory ID); keys are unique within (namespace, name).
type Namespace string

const (
	NSUserEmail   Namespace = "user-email"   // email -> UserID
	NSUserKey     Namespace = "user-key"     // email -> public key
	NSUserDevice  Namespace = "user-device"  // email -> comma list of DeviceIDs
	NSUserTopDir  Namespace = "user-topdir"  // email -> comma list of TopDirIDs
	NSTopDirMeta  Namespace = "topdir-meta"  // name=topdir; "EDITORS" -> comma list of emails
	NSRelPathHead Namespace = "relpath-head" // name=topdir; GUID -> HEAD digest
	NSRelPathLock Namespace = "relpath-lock" // name=topdir; GUID -> holder email
	NSVersionPrev Namespace = "version-prev" // name=topdir; digest -> previous digest
	NSVersionData Namespace = "version-data" // name=topdir; digest -> payload
	NSPending     Namespace = "update-pending"
	NSUpdateLog   Namespace = "update-log"
	NSDeviceSync  Namespace = "device-sync" // DeviceID -> comma list of tuples
	NSQuarantine  Namespace = "quarantine"  // tuple -> failure reason
	NSCounter     Namespace = "counter"     // id kind -> last issued value
)

// ListSep joins list-valued records (device lists, mailboxes, editors).
const ListSep = ","

// Store is a namespaced typed key-value layer over a single Pebble
// instance. One Store is constructed at startup and injected into every
// component; request handlers and fanout workers share it, along with
// its coarse per-(namespace,name) mutexes.
type Store struct {
	db *pebble.DB

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("pebble_opened", "path", path)
	return &Store{db: db, locks: map[string]*sync.Mutex{}}, nil
}

// Close closes the underlying pebble DB if present.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and usable.
func (s *Store) Ready() bool {
	return s != nil && s.db != nil
}

// rowKey builds the physical key for (namespace, name, key). Namespace
// and name never contain ':'; keys are validated at the API boundary.
func rowKey(ns Namespace, name, key string) []byte {
	return []byte(string(ns) + ":" + name + ":" + key)
}

func rowPrefix(ns Namespace, name string) []byte {
	return []byte(string(ns) + ":" + name + ":")
}

// Mutex returns the shared mutex scoping every key under (namespace,
// name). Multi-step read-modify-write sequences must run under it. The
// granularity is coarse: unrelated keys under the same pair contend.
func (s *Store) Mutex(ns Namespace, name string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	id := string(ns) + ":" + name
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

// Get returns the value for (namespace, name, key). Absence is a normal
// outcome reported through the bool, not an error.
func (s *Store) Get(ns Namespace, name, key string) (string, bool, error) {
	if s.db == nil {
		return "", false, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := s.db.Get(rowKey(ns, name, key))
	if err == pebble.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		logger.Error("get_key_failed", "ns", ns, "name", name, "key", key, "error", err)
		return "", false, err
	}
	if closer != nil {
		defer closer.Close()
	}
	return string(v), true, nil
}

// Put stores value under (namespace, name, key), overwriting any
// previous value.
func (s *Store) Put(ns Namespace, name, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if err := s.db.Set(rowKey(ns, name, key), []byte(value), pebble.Sync); err != nil {
		logger.Error("put_key_failed", "ns", ns, "name", name, "key", key, "error", err)
		return err
	}
	return nil
}

// Delete removes (namespace, name, key). Deleting an absent key is a
// no-op.
func (s *Store) Delete(ns Namespace, name, key string) error {
	if s.db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if err := s.db.Delete(rowKey(ns, name, key), pebble.Sync); err != nil {
		logger.Error("delete_key_failed", "ns", ns, "name", name, "key", key, "error", err)
		return err
	}
	return nil
}

// Update appends value to the comma-joined list stored under
// (namespace, name, key), creating the list if absent. Distinct from
// Put: Put overwrites, Update grows a collection. Update takes the
// (namespace, name) mutex itself; callers must not already hold it.
func (s *Store) Update(ns Namespace, name, key, value string) error {
	mu := s.Mutex(ns, name)
	mu.Lock()
	defer mu.Unlock()

	cur, ok, err := s.Get(ns, name, key)
	if err != nil {
		return err
	}
	joined := value
	if ok && cur != "" {
		joined = cur + ListSep + value
	}
	return s.Put(ns, name, key, joined)
}

// ScanFirst returns the smallest key under (namespace, name) in byte
// sort order, with its value. Absence is reported through the bool.
func (s *Store) ScanFirst(ns Namespace, name string) (string, string, bool, error) {
	if s.db == nil {
		return "", "", false, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := rowPrefix(ns, name)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return "", "", false, err
	}
	defer iter.Close()
	if !iter.SeekGE(prefix) || !bytes.HasPrefix(iter.Key(), prefix) {
		return "", "", false, iter.Error()
	}
	k := string(iter.Key()[len(prefix):])
	v := append([]byte(nil), iter.Value()...)
	return k, string(v), true, iter.Error()
}

// ScanKeys returns all keys under (namespace, name) in byte sort order,
// trimmed of their prefix.
func (s *Store) ScanKeys(ns Namespace, name string) ([]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := rowPrefix(ns, name)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		out = append(out, string(iter.Key()[len(prefix):]))
	}
	return out, iter.Error()
}

// NextID allocates the next identity of the given kind ("user",
// "device", "topdir"). Issued values are strictly increasing and never
// reused; the last issued value is persisted so restarts cannot repeat.
func (s *Store) NextID(kind string) (uint64, error) {
	mu := s.Mutex(NSCounter, "")
	mu.Lock()
	defer mu.Unlock()

	cur, ok, err := s.Get(NSCounter, "", kind)
	if err != nil {
		return 0, err
	}
	var last uint64
	if ok {
		last, err = strconv.ParseUint(cur, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt counter %q: %w", kind, err)
		}
	}
	next := last + 1
	if err := s.Put(NSCounter, "", kind, strconv.FormatUint(next, 10)); err != nil {
		return 0, err
	}
	return next, nil
}
