package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"lockbox/pkg/blob"
	"lockbox/pkg/models"
	"lockbox/pkg/pathreg"
	"lockbox/pkg/registry"
	"lockbox/pkg/store"
)

type noopNotifier struct{}

func (noopNotifier) Notify() {}

func newTestRouter(t *testing.T) (*mux.Router, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(st)
	paths := pathreg.New(st, reg)
	chain := blob.New(st, noopNotifier{})

	r := mux.NewRouter()
	NewServer(st, reg, paths, chain).Register(r)
	return r, st
}

func do(t *testing.T, r *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		enc, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(enc)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestUserRegistrationFlow(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/v1/users", map[string]string{"email": "alice@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, decode[map[string]uint64](t, w)["user_id"])

	// duplicate registration conflicts
	w = do(t, r, http.MethodPost, "/v1/users", map[string]string{"email": "alice@example.com"})
	require.Equal(t, http.StatusConflict, w.Code)

	// identifiers carrying delimiter characters are refused
	for _, bad := range []string{"", "a,b@example.com", "a_b@example.com", "a:b@example.com"} {
		w = do(t, r, http.MethodPost, "/v1/users", map[string]string{"email": bad})
		require.Equal(t, http.StatusBadRequest, w.Code, "email %q", bad)
	}

	w = do(t, r, http.MethodPost, "/v1/users", []byte("{not json"))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeviceAndTopDirRegistration(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/v1/devices", map[string]string{"email": "alice@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, decode[map[string]uint64](t, w)["device_id"])

	w = do(t, r, http.MethodPost, "/v1/devices", map[string]string{"email": "alice@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 2, decode[map[string]uint64](t, w)["device_id"])

	w = do(t, r, http.MethodPost, "/v1/topdirs", map[string]string{"email": "alice@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, decode[map[string]uint64](t, w)["top_dir_id"])
}

func TestAssociateKey(t *testing.T) {
	r, st := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/v1/users/keys",
		map[string]string{"email": "alice@example.com", "public_key": "ssh-ed25519 AAAA"})
	require.Equal(t, http.StatusOK, w.Code)

	v, ok, err := st.Get(store.NSUserKey, "", "alice@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ssh-ed25519 AAAA", v)

	w = do(t, r, http.MethodPost, "/v1/users/keys", map[string]string{"email": "alice@example.com"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRelPathAllocationAndLockCycle(t *testing.T) {
	r, _ := newTestRouter(t)

	do(t, r, http.MethodPost, "/v1/topdirs", map[string]string{"email": "alice@example.com"})

	w := do(t, r, http.MethodPost, "/v1/topdirs/1/paths", nil)
	require.Equal(t, http.StatusOK, w.Code)
	relPath := decode[map[string]string](t, w)["rel_path_id"]
	require.NotEmpty(t, relPath)

	// alice takes the lock; she is the only editor so no collaborators
	w = do(t, r, http.MethodPost, "/v1/locks/acquire",
		map[string]string{"top_dir": "1", "rel_path": relPath, "email": "alice@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[models.LockStatus](t, w)
	require.True(t, status.Acquired)
	require.Empty(t, status.Collaborators)

	// bob is refused and told who holds it
	w = do(t, r, http.MethodPost, "/v1/locks/acquire",
		map[string]string{"top_dir": "1", "rel_path": relPath, "email": "bob@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	status = decode[models.LockStatus](t, w)
	require.False(t, status.Acquired)
	require.Equal(t, "alice@example.com", status.Holder)

	w = do(t, r, http.MethodPost, "/v1/locks/release",
		map[string]string{"top_dir": "1", "rel_path": relPath})
	require.Equal(t, http.StatusNoContent, w.Code)

	// now bob can take it
	w = do(t, r, http.MethodPost, "/v1/locks/acquire",
		map[string]string{"top_dir": "1", "rel_path": relPath, "email": "bob@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, decode[models.LockStatus](t, w).Acquired)
}

func TestUploadDownloadHistory(t *testing.T) {
	r, _ := newTestRouter(t)

	do(t, r, http.MethodPost, "/v1/topdirs", map[string]string{"email": "alice@example.com"})
	w := do(t, r, http.MethodPost, "/v1/topdirs/1/paths", nil)
	relPath := decode[map[string]string](t, w)["rel_path_id"]

	base := "/v1/topdirs/1/paths/" + relPath

	w = do(t, r, http.MethodPut, base+"/data", []byte("version one"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, len("version one"), decode[map[string]int](t, w)["bytes_written"])

	w = do(t, r, http.MethodPut, base+"/data", []byte("version two"))
	require.Equal(t, http.StatusOK, w.Code)

	// HEAD download returns the latest payload with its digest
	w = do(t, r, http.MethodGet, base+"/data", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "version two", w.Body.String())
	headDigest := w.Header().Get("X-Lockbox-Digest")
	require.NotEmpty(t, headDigest)

	// the chain walks newest to oldest
	w = do(t, r, http.MethodGet, base+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	versions := decode[map[string][]string](t, w)["versions"]
	require.Len(t, versions, 2)
	require.Equal(t, headDigest, versions[0])

	// a specific older version is still retrievable
	w = do(t, r, http.MethodGet, base+"/data?version="+versions[1], nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "version one", w.Body.String())

	w = do(t, r, http.MethodGet, base+"/data?version=deadbeef", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownloadUnknownPath(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/v1/topdirs/1/paths/nope/data", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPollUpdates(t *testing.T) {
	r, st := newTestRouter(t)

	u1 := models.Update{TS: 1, TopDir: "1", RelPath: "p", Digest: "d1"}
	u2 := models.Update{TS: 2, TopDir: "1", RelPath: "p", Digest: "d2"}
	require.NoError(t, st.Update(store.NSDeviceSync, "", "7", u1.Key()))
	require.NoError(t, st.Update(store.NSDeviceSync, "", "7", u2.Key()))

	w := do(t, r, http.MethodGet, "/v1/devices/7/updates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	updates := decode[map[string][]models.Update](t, w)["updates"]
	require.Equal(t, []models.Update{u1, u2}, updates)

	// empty mailbox still answers with an empty list
	w = do(t, r, http.MethodGet, "/v1/devices/8/updates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode[map[string][]models.Update](t, w)["updates"])
}

func TestUploadEnqueuesPendingTuple(t *testing.T) {
	r, st := newTestRouter(t)

	do(t, r, http.MethodPost, "/v1/topdirs", map[string]string{"email": "alice@example.com"})
	w := do(t, r, http.MethodPost, "/v1/topdirs/1/paths", nil)
	relPath := decode[map[string]string](t, w)["rel_path_id"]

	w = do(t, r, http.MethodPut, "/v1/topdirs/1/paths/"+relPath+"/data", []byte("payload"))
	require.Equal(t, http.StatusOK, w.Code)

	pending, err := st.ScanKeys(store.NSPending, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.True(t, strings.Contains(pending[0], "_1_"+relPath+"_"))
}

func TestPathInputsWithDelimitersRefused(t *testing.T) {
	r, st := newTestRouter(t)

	do(t, r, http.MethodPost, "/v1/topdirs", map[string]string{"email": "alice@example.com"})

	for _, bad := range []string{"evil_path", "a,b", "a:b"} {
		w := do(t, r, http.MethodPut, "/v1/topdirs/1/paths/"+bad+"/data", []byte("payload"))
		require.Equal(t, http.StatusBadRequest, w.Code, "upload relpath %q", bad)

		w = do(t, r, http.MethodGet, "/v1/topdirs/1/paths/"+bad+"/data", nil)
		require.Equal(t, http.StatusBadRequest, w.Code, "download relpath %q", bad)

		w = do(t, r, http.MethodGet, "/v1/topdirs/1/paths/"+bad+"/history", nil)
		require.Equal(t, http.StatusBadRequest, w.Code, "history relpath %q", bad)

		w = do(t, r, http.MethodPut, "/v1/topdirs/"+bad+"/paths/p/data", []byte("payload"))
		require.Equal(t, http.StatusBadRequest, w.Code, "upload topdir %q", bad)

		w = do(t, r, http.MethodPost, "/v1/topdirs/"+bad+"/paths", nil)
		require.Equal(t, http.StatusBadRequest, w.Code, "allocate topdir %q", bad)

		w = do(t, r, http.MethodPost, "/v1/locks/acquire",
			map[string]string{"top_dir": "1", "rel_path": bad, "email": "alice@example.com"})
		require.Equal(t, http.StatusBadRequest, w.Code, "acquire relpath %q", bad)

		w = do(t, r, http.MethodPost, "/v1/locks/release",
			map[string]string{"top_dir": bad, "rel_path": "p"})
		require.Equal(t, http.StatusBadRequest, w.Code, "release topdir %q", bad)
	}

	// nothing unparseable was enqueued for the fanout consumer
	pending, err := st.ScanKeys(store.NSPending, "")
	require.NoError(t, err)
	require.Empty(t, pending)
}
