package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"lockbox/pkg/errdefs"
	"lockbox/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func TestRegisterUserIssuesIncreasingIDs(t *testing.T) {
	reg, _ := newTestRegistry(t)
	u1, err := reg.RegisterUser("u1@example.com")
	require.NoError(t, err)
	u2, err := reg.RegisterUser("u2@example.com")
	require.NoError(t, err)
	require.Greater(t, u2, u1)
}

func TestRegisterUserDuplicateIssuesNoNewID(t *testing.T) {
	reg, st := newTestRegistry(t)
	_, err := reg.RegisterUser("dup@example.com")
	require.NoError(t, err)

	_, err = reg.RegisterUser("dup@example.com")
	require.True(t, errors.Is(err, errdefs.ErrAlreadyExists))

	// counter unchanged by the failed attempt
	next, err := st.NextID("user")
	require.NoError(t, err)
	require.Equal(t, uint64(2), next)
}

func TestRegisterUserConcurrentDuplicate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	const n = 20
	var wg sync.WaitGroup
	okCount := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.RegisterUser("race@example.com"); err == nil {
				okCount <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(okCount)
	require.Len(t, okCount, 1, "exactly one registration may win")
}

func TestRegisterDeviceAppendsToDeviceList(t *testing.T) {
	reg, _ := newTestRegistry(t)
	d1, err := reg.RegisterDevice("u@example.com")
	require.NoError(t, err)
	d2, err := reg.RegisterDevice("u@example.com")
	require.NoError(t, err)
	require.Greater(t, d2, d1)

	devices, err := reg.Devices("u@example.com")
	require.NoError(t, err)
	require.Len(t, devices, 2)
}

func TestDevicesMissingIsInvariantViolation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Devices("ghost@example.com")
	require.True(t, errors.Is(err, errdefs.ErrInvariant))
}

func TestRegisterTopDirSeedsEditorsWithCreator(t *testing.T) {
	reg, st := newTestRegistry(t)
	tid, err := reg.RegisterTopDir("owner@example.com")
	require.NoError(t, err)
	require.Equal(t, uint64(1), tid)

	editors, err := reg.Editors("1")
	require.NoError(t, err)
	require.Equal(t, []string{"owner@example.com"}, editors)

	// owner list carries the new top dir
	v, ok, err := st.Get(store.NSUserTopDir, "", "owner@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestEditorsMissingIsInvariantViolation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Editors("404")
	require.True(t, errors.Is(err, errdefs.ErrInvariant))
}

func TestAssociateKeyStoresPublicKey(t *testing.T) {
	reg, st := newTestRegistry(t)
	require.NoError(t, reg.AssociateKey("u@example.com", "ssh-ed25519 AAAA"))
	v, ok, err := st.Get(store.NSUserKey, "", "u@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ssh-ed25519 AAAA", v)
}
