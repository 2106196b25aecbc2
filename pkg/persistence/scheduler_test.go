package persistence

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kallio-labs/peerbase/pkg/errkind"
	"github.com/kallio-labs/peerbase/pkg/schema"
	"github.com/kallio-labs/peerbase/pkg/table"
)

type alwaysReachable struct{}

func (alwaysReachable) HasReachablePeer() bool { return true }

type neverReachable struct{}

func (neverReachable) HasReachablePeer() bool { return false }

type emptyTableSource struct{}

func (emptyTableSource) Lookup(database, tableName string) (*table.TableStorage, *table.TableReplica, bool) {
	return nil, nil, false
}

func newTestScheduler(t *testing.T) (*Scheduler, *schema.Catalog) {
	t.Helper()
	cat := schema.New(t.TempDir())
	s := New(cat, emptyTableSource{}, alwaysReachable{}, time.Hour, false, nil)
	return s, cat
}

func TestSchedulerSkipsWithoutReachablePeer(t *testing.T) {
	cat := schema.New(t.TempDir())
	s := New(cat, emptyTableSource{}, neverReachable{}, time.Hour, false, nil)
	outcome := s.PerformPersistToDisk(context.Background())
	assert.Equal(t, Skipped, outcome)
}

func TestSchedulerAllowOfflineBypassesPeerGate(t *testing.T) {
	cat := schema.New(t.TempDir())
	s := New(cat, emptyTableSource{}, neverReachable{}, time.Hour, true, nil)
	outcome := s.PerformPersistToDisk(context.Background())
	assert.Equal(t, Success, outcome)
}

func TestSchedulerChecksPointsDirtyDatabase(t *testing.T) {
	s, cat := newTestScheduler(t)
	require.NoError(t, cat.CreateDatabase("D"))

	outcome := s.PerformPersistToDisk(context.Background())
	assert.Equal(t, Success, outcome)
	assert.Empty(t, cat.DirtyDatabases())
}

func TestSchedulerFailedDatabaseMetadataStaysDirty(t *testing.T) {
	dir := t.TempDir()
	// Make the catalog's own directory a regular file so SaveDatabase's
	// os.MkdirAll(c.dir) always fails, forcing a DATABASE_METADATA failure
	// on every attempt.
	blocked := dir + "/blocked"
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	cat := schema.New(blocked)
	require.NoError(t, cat.CreateDatabase("D"))

	s := New(cat, emptyTableSource{}, alwaysReachable{}, time.Hour, false, nil)
	outcome := s.PerformPersistToDisk(context.Background())
	assert.Equal(t, Failure, outcome)
	assert.Equal(t, []string{"d"}, cat.DirtyDatabases(), "a database whose meta write failed must remain dirty for the next checkpoint")
}

func TestSchedulerRunningFlagClearedAfterEveryRun(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.PerformPersistToDisk(context.Background())
	s.runningMu.Lock()
	running := s.running
	s.runningMu.Unlock()
	assert.False(t, running)
}

func TestSchedulerAtMostOneConcurrentCheckpoint(t *testing.T) {
	s, _ := newTestScheduler(t)

	s.runningMu.Lock()
	s.running = true
	s.runningMu.Unlock()

	outcome := s.PerformPersistToDisk(context.Background())
	assert.Equal(t, Skipped, outcome)

	s.runningMu.Lock()
	s.running = false
	s.runningMu.Unlock()
}

func TestSchedulerConcurrentInvocationsAtLeastOneSucceeds(t *testing.T) {
	s, _ := newTestScheduler(t)

	const n = 8
	var wg sync.WaitGroup
	results := make([]Outcome, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = s.PerformPersistToDisk(context.Background())
		}()
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		if r == Success {
			successes++
		}
	}
	assert.GreaterOrEqual(t, successes, 1)
}

func TestSchedulerRetriesTransientErrors(t *testing.T) {
	cat := schema.New(t.TempDir())
	require.NoError(t, cat.CreateDatabase("D"))

	s := New(cat, emptyTableSource{}, alwaysReachable{}, time.Hour, false, nil)

	attempts := 0
	var mu sync.Mutex
	err := s.withRetry(context.Background(), "TEST", func() error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errkind.NewTransient("test", "connection reset", errkind.ErrConnReset)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	metrics := s.GetErrorMetrics()
	assert.Equal(t, uint64(1), metrics.TotalErrors)
	assert.Equal(t, uint64(1), metrics.TransientErrors)
}

func TestSchedulerDoesNotRetryPersistentErrors(t *testing.T) {
	s, _ := newTestScheduler(t)

	attempts := 0
	err := s.withRetry(context.Background(), "TEST", func() error {
		attempts++
		return errkind.NewPersistent("test", "permission denied", errkind.ErrAccessDenied)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	metrics := s.GetErrorMetrics()
	assert.Equal(t, uint64(1), metrics.TotalErrors)
	assert.Equal(t, uint64(1), metrics.PersistentErrors)
}

func TestSchedulerCriticalErrorMarksUnhealthy(t *testing.T) {
	s, _ := newTestScheduler(t)
	assert.True(t, s.IsHealthy())

	err := s.withRetry(context.Background(), "TEST", func() error {
		return errkind.NewCritical("test", "out of memory", errkind.ErrOutOfMemory)
	})

	require.Error(t, err)
	assert.False(t, s.IsHealthy())
}

func TestSchedulerResetErrorMetrics(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.withRetry(context.Background(), "TEST", func() error {
		return errkind.NewPersistent("test", "bad", errkind.ErrAccessDenied)
	})
	require.NotZero(t, s.GetErrorMetrics().TotalErrors)

	s.ResetErrorMetrics()
	assert.Zero(t, s.GetErrorMetrics().TotalErrors)
}
