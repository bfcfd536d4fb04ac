package environment

import (
	"os"
	"testing"
	"time"

	"github.com/cuemby/buildnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dataDir := t.TempDir()
	envDir := t.TempDir()
	sup, err := NewSupervisor(dataDir, envDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Close() })
	return sup
}

func testConfig(distTag string) types.EnvironmentConfig {
	return types.EnvironmentConfig{
		Arch:    "x86_64",
		DistTag: distTag,
	}
}

func TestSupervisor_LeaseCreatesNewEnvironment(t *testing.T) {
	sup := newTestSupervisor(t)

	h, err := sup.Lease(testConfig("el9"), types.Owner{PID: os.Getpid(), ThreadName: "worker-0"})
	require.NoError(t, err)
	assert.NotEmpty(t, h.Name())
	assert.FileExists(t, h.ConfigPath())
}

func TestSupervisor_LeaseReusesUnlockedMatch(t *testing.T) {
	sup := newTestSupervisor(t)
	owner := types.Owner{PID: os.Getpid(), ThreadName: "worker-0"}

	h1, err := sup.Lease(testConfig("el9"), owner)
	require.NoError(t, err)
	require.NoError(t, sup.Free(h1.Name()))

	h2, err := sup.Lease(testConfig("el9"), owner)
	require.NoError(t, err)

	assert.Equal(t, h1.Name(), h2.Name(), "an unlocked environment with a matching fingerprint should be reused")
}

func TestSupervisor_LeaseWhileLockedCreatesSecond(t *testing.T) {
	sup := newTestSupervisor(t)
	owner := types.Owner{PID: os.Getpid(), ThreadName: "worker-0"}

	h1, err := sup.Lease(testConfig("el9"), owner)
	require.NoError(t, err)

	h2, err := sup.Lease(testConfig("el9"), owner)
	require.NoError(t, err)

	assert.NotEqual(t, h1.Name(), h2.Name(), "a still-locked environment must not be handed out twice")
}

func TestSupervisor_DeadOwnerLockIsReclaimed(t *testing.T) {
	sup := newTestSupervisor(t)

	// A PID essentially guaranteed not to be alive in the test sandbox.
	deadOwner := types.Owner{PID: 999999, ThreadName: "worker-dead"}
	h1, err := sup.Lease(testConfig("el9"), deadOwner)
	require.NoError(t, err)

	liveOwner := types.Owner{PID: os.Getpid(), ThreadName: "worker-live"}
	h2, err := sup.Lease(testConfig("el9"), liveOwner)
	require.NoError(t, err)

	assert.Equal(t, h1.Name(), h2.Name(), "lease held by a dead PID should be reclaimed instead of creating a new environment")
}

func TestSupervisor_CleanupExpiresIdleEnvironment(t *testing.T) {
	sup := newTestSupervisor(t)
	sup.idleTimeout = time.Millisecond

	owner := types.Owner{PID: os.Getpid(), ThreadName: "worker-0"}
	h, err := sup.Lease(testConfig("el9"), owner)
	require.NoError(t, err)
	require.NoError(t, sup.Free(h.Name()))

	time.Sleep(5 * time.Millisecond)

	// Triggering cleanupLocked happens inside Lease; force a sweep via a
	// second lease for an unrelated fingerprint.
	_, err = sup.Lease(testConfig("el8"), owner)
	require.NoError(t, err)

	names := sup.names()
	assert.NotContains(t, names, h.Name())
}

func TestSupervisor_CleanupRefreshesStaleEnvironmentInPlace(t *testing.T) {
	sup := newTestSupervisor(t)
	sup.refreshTimeout = time.Millisecond

	owner := types.Owner{PID: os.Getpid(), ThreadName: "worker-0"}
	h, err := sup.Lease(testConfig("el9"), owner)
	require.NoError(t, err)
	require.NoError(t, sup.Free(h.Name()))

	time.Sleep(5 * time.Millisecond)

	// Triggering cleanupLocked happens inside Lease; force a sweep via a
	// second lease for an unrelated fingerprint.
	_, err = sup.Lease(testConfig("el8"), owner)
	require.NoError(t, err)

	names := sup.names()
	assert.Contains(t, names, h.Name(), "a refreshed environment keeps its identity, unlike an idle one")

	var st statsRecord
	require.NoError(t, sup.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketStats), h.Name(), &st)
	}))
	assert.Equal(t, 0, st.UsageCount, "refresh resets usage stats so the next lease rebuilds the cache")
	assert.WithinDuration(t, st.CreationTS, st.LastUsageTS, time.Second)
}

func TestSupervisor_FreeIsIdempotentOnUnknownName(t *testing.T) {
	sup := newTestSupervisor(t)
	assert.NoError(t, sup.Free("does-not-exist"))
}

func TestSupervisor_PersistsAcrossReopen(t *testing.T) {
	dataDir := t.TempDir()
	envDir := t.TempDir()

	sup1, err := NewSupervisor(dataDir, envDir)
	require.NoError(t, err)
	owner := types.Owner{PID: os.Getpid(), ThreadName: "worker-0"}
	h1, err := sup1.Lease(testConfig("el9"), owner)
	require.NoError(t, err)
	require.NoError(t, sup1.Free(h1.Name()))
	require.NoError(t, sup1.Close())

	sup2, err := NewSupervisor(dataDir, envDir)
	require.NoError(t, err)
	defer sup2.Close()

	assert.Contains(t, sup2.names(), h1.Name())
}
