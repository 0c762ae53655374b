package fanout

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lockbox/pkg/models"
	"lockbox/pkg/store"
)

func TestRecoverRepairsPartialFanout(t *testing.T) {
	eng, st, devices := newTestEngine(t)

	// a crash after logging but before all mailbox appends completed
	u := models.Update{TS: 1, TopDir: "1", RelPath: "p", Digest: "d"}
	require.NoError(t, st.Put(store.NSUpdateLog, "", u.Key(), ""))
	require.NoError(t, st.Update(store.NSDeviceSync, "", devices[0], u.Key()))

	require.NoError(t, Recover(st, eng.reg))

	for _, d := range devices {
		require.Equal(t, []string{u.Key()}, mailbox(t, st, d))
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	eng, st, devices := newTestEngine(t)

	u := models.Update{TS: 1, TopDir: "1", RelPath: "p", Digest: "d"}
	require.NoError(t, st.Put(store.NSUpdateLog, "", u.Key(), ""))

	require.NoError(t, Recover(st, eng.reg))
	require.NoError(t, Recover(st, eng.reg))

	for _, d := range devices {
		require.Equal(t, []string{u.Key()}, mailbox(t, st, d))
	}
}

func TestRecoverSkipsQuarantinedTuples(t *testing.T) {
	eng, st, devices := newTestEngine(t)

	bad := "only_two"
	require.NoError(t, st.Put(store.NSUpdateLog, "", bad, ""))
	require.NoError(t, st.Put(store.NSQuarantine, "", bad, "malformed record"))

	require.NoError(t, Recover(st, eng.reg))

	for _, d := range devices {
		require.Empty(t, mailbox(t, st, d))
	}
}
