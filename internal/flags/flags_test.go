package flags

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillSwitch_ContentsMustSpellTrue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kill_switch")
	ks := KillSwitch{Path: path}

	assert.False(t, ks.Active(), "missing file is inactive")

	require.NoError(t, os.WriteFile(path, []byte("FALSE"), 0o644))
	assert.False(t, ks.Active())

	require.NoError(t, ks.Activate("drawdown limit"))
	assert.True(t, ks.Active())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "TRUE", string(data))

	require.NoError(t, ks.Deactivate())
	assert.False(t, ks.Active())
}

func TestFlag_RaiseAndClear(t *testing.T) {
	f := Flag{Path: filepath.Join(t.TempDir(), "router.pause")}
	assert.False(t, f.Set())
	require.NoError(t, f.Raise("operator pause"))
	assert.True(t, f.Set())
	require.NoError(t, f.Clear())
	assert.False(t, f.Set())
	require.NoError(t, f.Clear(), "clearing an absent flag is a no-op")
}

func TestLeaseFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	lease := LeaseFile{Dir: dir, Owner: "signal_router"}
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, lease.Start(120, now))
	read, err := lease.Read()
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, "signal_router", read.Owner)
	assert.Equal(t, 120, read.TTLSeconds)
	assert.True(t, read.Fresh(now.Add(time.Minute)))
	assert.False(t, read.Fresh(now.Add(3*time.Minute)))

	require.NoError(t, lease.Complete(now.Add(time.Minute)))
	read, err = lease.Read()
	require.NoError(t, err)
	assert.False(t, read.CompletedAt.IsZero())
}

func TestLock_TTLAndReclaim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.lock")
	lock := Lock{Path: path}
	now := time.Now()

	ok, err := lock.TryAcquire(now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Fresh lock blocks a second acquirer.
	ok, err = lock.TryAcquire(now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, lock.Stale(now))

	// Simulate age past the TTL, then the lock is reclaimable.
	past := now.Add(-LockTTL - time.Minute)
	require.NoError(t, os.Chtimes(path, past, past))
	assert.True(t, lock.Stale(now))

	ok, err = lock.TryAcquire(now)
	require.NoError(t, err)
	assert.True(t, ok, "stale locks are reclaimed")
}

func TestWriteJSONAtomic_ReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	in := map[string]int{"runs": 3}
	require.NoError(t, WriteJSONAtomic(path, in))

	var out map[string]int
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, in, out)

	assert.Error(t, ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &out))
}
