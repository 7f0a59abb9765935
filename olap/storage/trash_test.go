package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awkwardd/doris/config"
)

func TestParseSweepDirNameRoundTrip(t *testing.T) {
	for _, name := range []string{
		"20240101120000",
		"20190818221123",
		"19991231235959",
	} {
		created, ttl, err := parseSweepDirName(name, time.Local)
		require.Nil(t, err)
		require.Equal(t, name, created.Format(sweepTimeLayout))
		require.Equal(t, int64(-1), ttl)
	}

	created, ttl, err := parseSweepDirName("20240101120000.1.3600", time.Local)
	require.Nil(t, err)
	require.Equal(t, "20240101120000", created.Format(sweepTimeLayout))
	require.Equal(t, int64(3600), ttl)

	// The ".<n>" suffix alone carries no TTL.
	_, ttl, err = parseSweepDirName("20240101120000.7", time.Local)
	require.Nil(t, err)
	require.Equal(t, int64(-1), ttl)

	_, _, err = parseSweepDirName("not-a-timestamp", time.Local)
	require.NotNil(t, err)
}

func newSweepTestEngine(t *testing.T) *Engine {
	cfg := config.NewTestConfig()
	return &Engine{
		cfg:          cfg,
		tabletMgr:    NewMemTabletManager(1),
		TxnRegistry:  NewTxnRegistry(1, 1),
		storeMap:     make(map[string]*DataDir),
		lastUseIndex: make(map[config.StorageMedium]int),
		brokenPaths:  make(map[string]struct{}),
		stopCh:       make(chan struct{}),
	}
}

// Embedded TTL overrides the global expiry: a one-hour TTL entry is swept one
// hour and a second after creation but kept at half an hour.
func TestDoSweepEmbeddedTTL(t *testing.T) {
	e := newSweepTestEngine(t)
	root := t.TempDir()
	trash := filepath.Join(root, TrashPrefix)
	entry := filepath.Join(trash, "20240101120000.1.3600")
	require.Nil(t, os.MkdirAll(entry, 0755))

	created, _ := time.ParseInLocation(sweepTimeLayout, "20240101120000", time.Local)

	globalExpire := int64(999999) // embedded TTL must win
	require.Nil(t, e.doSweep(trash, created.Add(30*time.Minute), globalExpire))
	_, err := os.Stat(entry)
	require.Nil(t, err)

	require.Nil(t, e.doSweep(trash, created.Add(time.Hour+time.Second), globalExpire))
	_, err = os.Stat(entry)
	require.True(t, os.IsNotExist(err))
}

func TestDoSweepGlobalExpiryAndOrder(t *testing.T) {
	e := newSweepTestEngine(t)
	root := t.TempDir()
	trash := filepath.Join(root, TrashPrefix)
	old := filepath.Join(trash, "20240101000000")
	young := filepath.Join(trash, "20240102000000")
	require.Nil(t, os.MkdirAll(old, 0755))
	require.Nil(t, os.MkdirAll(young, 0755))

	base, _ := time.ParseInLocation(sweepTimeLayout, "20240102000000", time.Local)
	// At +1h with a 2h expiry only the old entry goes.
	require.Nil(t, e.doSweep(trash, base.Add(time.Hour), 7200))
	_, err := os.Stat(old)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(young)
	require.Nil(t, err)
}

func TestDoSweepMissingRootIsFine(t *testing.T) {
	e := newSweepTestEngine(t)
	require.Nil(t, e.doSweep(filepath.Join(t.TempDir(), "absent"), time.Now(), 0))
}

// Only one sweep runs at a time; a concurrent request with ignoreGuard posts
// a re-clean signal instead of being dropped.
func TestTrashSweepTryLock(t *testing.T) {
	e := newSweepTestEngine(t)

	e.trashSweepRunning.Store(true)
	require.Nil(t, e.StartTrashSweep(false))
	require.False(t, e.needCleanAgain.Load())

	require.Nil(t, e.StartTrashSweep(true))
	require.True(t, e.needCleanAgain.Load())
	e.trashSweepRunning.Store(false)

	// With the guard free the sweep runs and leaves both flags clear.
	e.needCleanAgain.Store(false)
	require.Nil(t, e.StartTrashSweep(false))
	require.False(t, e.trashSweepRunning.Load())
	require.False(t, e.needCleanAgain.Load())
}
