package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/buildnode/pkg/log"
	"github.com/cuemby/buildnode/pkg/metrics"
	"github.com/cuemby/buildnode/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// scrubTimeout bounds the best-effort "mock --scrub all" the cleanup sweep
// runs against an environment before reclaiming or refreshing it.
const scrubTimeout = 5 * time.Minute

var (
	bucketConfigs = []byte("configs")
	bucketLocks   = []byte("locks")
	bucketStats   = []byte("stats")
)

const (
	// DefaultIdleTimeout is how long an unlocked environment may sit unused
	// before the cleanup sweep removes it.
	DefaultIdleTimeout = 2 * time.Hour
	// DefaultRefreshTimeout forces even a busy environment to be rebuilt from
	// scratch once it gets this old, so package caches don't go stale forever.
	DefaultRefreshTimeout = 24 * time.Hour
)

// lockRecord is the persisted form of types.Owner plus the time it was taken.
type lockRecord struct {
	PID        int       `json:"pid"`
	ThreadName string    `json:"thread_name"`
	LockedAt   time.Time `json:"locked_at"`
}

// statsRecord is the persisted form of types.LeaseStats.
type statsRecord struct {
	Fingerprint string    `json:"fingerprint"`
	CreationTS  time.Time `json:"creation_ts"`
	LastUsageTS time.Time `json:"last_usage_ts"`
	UsageCount  int       `json:"usage_count"`
}

// Supervisor leases chroot build environments. State lives in a bbolt
// database so leases survive a node restart; the environments themselves
// live on disk under environmentsDir, one subdirectory per config name.
type Supervisor struct {
	db              *bolt.DB
	environmentsDir string
	idleTimeout     time.Duration
	refreshTimeout  time.Duration
}

// NewSupervisor opens (creating if absent) the lease database under dataDir
// and ensures environmentsDir exists.
func NewSupervisor(dataDir, environmentsDir string) (*Supervisor, error) {
	if err := os.MkdirAll(environmentsDir, 0o750); err != nil {
		return nil, fmt.Errorf("create environments dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "environments.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open environment store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketConfigs, bucketLocks, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Supervisor{
		db:              db,
		environmentsDir: environmentsDir,
		idleTimeout:     DefaultIdleTimeout,
		refreshTimeout:  DefaultRefreshTimeout,
	}, nil
}

// Close releases the underlying database handle.
func (s *Supervisor) Close() error {
	return s.db.Close()
}

// Lease acquires an environment matching cfg, creating one if none of the
// existing unlocked environments fingerprint the same way. The returned
// Handle must be released with Free.
func (s *Supervisor) Lease(cfg types.EnvironmentConfig, owner types.Owner) (*Handle, error) {
	fp := Fingerprint(cfg)
	now := time.Now()
	var name string

	err := s.db.Update(func(tx *bolt.Tx) error {
		s.cleanupLocked(tx, now)

		name = s.findUnlockedMatch(tx, fp)
		if name == "" {
			name = s.nextName(tx, fp)
			stats := statsRecord{Fingerprint: fp, CreationTS: now, LastUsageTS: now, UsageCount: 0}
			if err := putJSON(tx.Bucket(bucketStats), name, stats); err != nil {
				return err
			}
			rendered, err := RenderConfig(cfg)
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			if err := tx.Bucket(bucketConfigs).Put([]byte(name), rendered); err != nil {
				return err
			}
		}

		var stats statsRecord
		if err := getJSON(tx.Bucket(bucketStats), name, &stats); err != nil {
			return &types.SupervisorError{Message: fmt.Sprintf("lease %s: missing stats record", name)}
		}
		stats.LastUsageTS = now
		stats.UsageCount++
		if err := putJSON(tx.Bucket(bucketStats), name, stats); err != nil {
			return err
		}

		lock := lockRecord{PID: owner.PID, ThreadName: owner.ThreadName, LockedAt: now}
		return putJSON(tx.Bucket(bucketLocks), name, lock)
	})
	if err != nil {
		return nil, err
	}

	metrics.EnvironmentsLeased.Inc()

	configPath, rootDir, err := s.materialize(name)
	if err != nil {
		_ = s.Free(name)
		return nil, err
	}
	return &Handle{
		supervisor: s,
		name:       name,
		configPath: configPath,
		rootDir:    rootDir,
	}, nil
}

// materialize writes the config content persisted in bucketConfigs to disk at
// <environmentsDir>/<name>/<name>.cfg, returning the config path and the
// chroot root directory the tool should use.
func (s *Supervisor) materialize(name string) (configPath, rootDir string, err error) {
	dir := filepath.Join(s.environmentsDir, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", fmt.Errorf("create environment dir: %w", err)
	}
	var content []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		content = tx.Bucket(bucketConfigs).Get([]byte(name))
		return nil
	})
	if err != nil {
		return "", "", err
	}
	configPath = filepath.Join(dir, name+".cfg")
	if content != nil {
		if err := os.WriteFile(configPath, content, 0o640); err != nil {
			return "", "", fmt.Errorf("write config: %w", err)
		}
	}
	rootDir = filepath.Join(dir, "root")
	return configPath, rootDir, nil
}

// Free releases the lease held on the named environment. Any chroot teardown
// is the caller's responsibility (via Handle.Scrub) before calling Free;
// Free itself clears the lock, records the last-usage time, and runs the
// idle/refresh cleanup sweep in the same transaction.
func (s *Supervisor) Free(name string) error {
	now := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketLocks).Delete([]byte(name)); err != nil {
			return err
		}
		var stats statsRecord
		if err := getJSON(tx.Bucket(bucketStats), name, &stats); err == nil {
			stats.LastUsageTS = now
			_ = putJSON(tx.Bucket(bucketStats), name, stats)
		}
		s.cleanupLocked(tx, now)
		return nil
	})
	if err != nil {
		return err
	}
	metrics.EnvironmentsLeased.Dec()
	return nil
}

// findUnlockedMatch returns the name of an existing environment whose
// fingerprint equals fp and that currently has no lock record, or "".
func (s *Supervisor) findUnlockedMatch(tx *bolt.Tx, fp string) string {
	statsBucket := tx.Bucket(bucketStats)
	locksBucket := tx.Bucket(bucketLocks)
	var match string
	_ = statsBucket.ForEach(func(k, v []byte) error {
		if match != "" {
			return nil
		}
		var st statsRecord
		if err := json.Unmarshal(v, &st); err != nil {
			return nil
		}
		if st.Fingerprint != fp {
			return nil
		}
		if locksBucket.Get(k) != nil {
			return nil
		}
		match = string(k)
		return nil
	})
	return match
}

// nextName picks "<fingerprint>.<n>.cfg" for the lowest n not already used,
// matching the naming scheme that lets several environments share a
// fingerprint to serve concurrent leases.
func (s *Supervisor) nextName(tx *bolt.Tx, fp string) string {
	statsBucket := tx.Bucket(bucketStats)
	used := map[int]bool{}
	_ = statsBucket.ForEach(func(k, v []byte) error {
		var st statsRecord
		if err := json.Unmarshal(v, &st); err != nil {
			return nil
		}
		if st.Fingerprint != fp {
			return nil
		}
		var n int
		if _, err := fmt.Sscanf(string(k), fp+".%d.cfg", &n); err == nil {
			used[n] = true
		}
		return nil
	})
	for n := 0; ; n++ {
		if !used[n] {
			return fmt.Sprintf("%s.%d.cfg", fp, n)
		}
	}
}

// cleanupLocked runs the dead-owner recovery and idle/refresh expiry sweep.
// It must be called from inside an active write transaction.
func (s *Supervisor) cleanupLocked(tx *bolt.Tx, now time.Time) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EnvironmentSweepDuration)

	locksBucket := tx.Bucket(bucketLocks)
	statsBucket := tx.Bucket(bucketStats)
	configsBucket := tx.Bucket(bucketConfigs)

	var deadLocks []string
	_ = locksBucket.ForEach(func(k, v []byte) error {
		var lock lockRecord
		if err := json.Unmarshal(v, &lock); err != nil {
			return nil
		}
		if !processAlive(lock.PID) {
			deadLocks = append(deadLocks, string(k))
		}
		return nil
	})
	for _, name := range deadLocks {
		_ = locksBucket.Delete([]byte(name))
		metrics.DeadOwnerRecoveriesTotal.Inc()
	}

	var idled, refreshed []string
	_ = statsBucket.ForEach(func(k, v []byte) error {
		name := string(k)
		if locksBucket.Get(k) != nil {
			return nil
		}
		var st statsRecord
		if err := json.Unmarshal(v, &st); err != nil {
			return nil
		}
		switch {
		case now.Sub(st.LastUsageTS) > s.idleTimeout:
			idled = append(idled, name)
		case now.Sub(st.CreationTS) > s.refreshTimeout:
			refreshed = append(refreshed, name)
		}
		return nil
	})

	// Idle environments are gone for good: scrub the chroot, then drop every
	// trace of them from the store and disk.
	for _, name := range idled {
		s.scrub(name)
		_ = statsBucket.Delete([]byte(name))
		_ = configsBucket.Delete([]byte(name))
		_ = os.RemoveAll(filepath.Join(s.environmentsDir, name))
		metrics.EnvironmentsExpiredTotal.WithLabelValues("idle").Inc()
	}

	// Refreshed environments keep their identity and config so the next
	// acquire can reuse the name; only the chroot cache and usage stats
	// reset, forcing the next build to repopulate it from scratch.
	for _, name := range refreshed {
		s.scrub(name)
		var st statsRecord
		if err := getJSON(statsBucket, name, &st); err == nil {
			st.CreationTS = now
			st.LastUsageTS = now
			st.UsageCount = 0
			_ = putJSON(statsBucket, name, st)
		}
		metrics.EnvironmentsExpiredTotal.WithLabelValues("refresh").Inc()
	}

	if n := len(idled) + len(refreshed); n > 0 {
		log.WithComponent("environment").Info().
			Int("idle", len(idled)).
			Int("refreshed", len(refreshed)).
			Msg("expired idle or stale environments")
	}
}

// scrub best-effort wipes a named environment's chroot contents via the
// backing tool before the lease is reclaimed or refreshed, mirroring
// __scrub_mock_environment in the original supervisor.
func (s *Supervisor) scrub(name string) {
	dir := filepath.Join(s.environmentsDir, name)
	h := &Handle{
		supervisor: s,
		name:       name,
		configPath: filepath.Join(dir, name+".cfg"),
		rootDir:    filepath.Join(dir, "root"),
	}
	h.Scrub(context.Background(), types.ScrubAll, scrubTimeout)
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("key %q not found", key)
	}
	return json.Unmarshal(data, v)
}

// names returns the current set of environment names, sorted; used by tests.
func (s *Supervisor) names() []string {
	var out []string
	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStats).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	sort.Strings(out)
	return out
}
