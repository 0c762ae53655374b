package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lockbox/pkg/config"
	"lockbox/pkg/models"
	"lockbox/pkg/store"
)

func TestRunOncePrunesOnlyExpiredEntries(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now().UTC()
	old := models.Update{TS: now.Add(-48 * time.Hour).UnixNano(), TopDir: "1", RelPath: "p", Digest: "old"}
	fresh := models.Update{TS: now.Add(-time.Hour).UnixNano(), TopDir: "1", RelPath: "p", Digest: "fresh"}
	require.NoError(t, st.Put(store.NSUpdateLog, "", old.Key(), ""))
	require.NoError(t, st.Put(store.NSUpdateLog, "", fresh.Key(), ""))
	// malformed entries stay behind for diagnosis
	require.NoError(t, st.Put(store.NSUpdateLog, "", "only_two", ""))

	removed, err := RunOnce(st, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	keys, err := st.ScanKeys(store.NSUpdateLog, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{fresh.Key(), "only_two"}, keys)
}

func TestRunOnceEmptyLog(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	removed, err := RunOnce(st, time.Hour)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestStartDisabledIsNoop(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cancel, err := Start(context.Background(), st, config.RetentionConfig{Enabled: false})
	require.NoError(t, err)
	cancel()
}

func TestStartRejectsInvalidCron(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.RetentionConfig{Enabled: true, Cron: "not a cron"}
	_, err = Start(context.Background(), st, cfg)
	require.Error(t, err)
}
