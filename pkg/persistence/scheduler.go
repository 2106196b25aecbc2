// Package persistence implements PersistenceScheduler (C9): the periodic
// checkpoint loop that writes the schema catalog, table storages, and table
// replicas to disk with retry, error classification, and health tracking.
package persistence

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kallio-labs/peerbase/pkg/errkind"
	"github.com/kallio-labs/peerbase/pkg/schema"
	"github.com/kallio-labs/peerbase/pkg/table"
)

// DefaultInterval is the default period between checkpoints (spec §6:
// persist_interval_ms default 60000).
const DefaultInterval = 60 * time.Second

// retryBackoffs are the fixed delays before each of the (up to) 3 retries of
// a transiently failing operation, per spec §4.7: up to 4 attempts in total.
var retryBackoffs = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// PeerSource answers "is at least one peer currently reachable", the first
// of the scheduler's gating preconditions. cluster.Roster (C11) satisfies
// this.
type PeerSource interface {
	HasReachablePeer() bool
}

// TableSource resolves the TableStorage/TableReplica pair backing one
// (database, table), so the scheduler doesn't need to own table lifecycle
// itself.
type TableSource interface {
	Lookup(database, tableName string) (storage *table.TableStorage, replica *table.TableReplica, ok bool)
}

// Outcome is the result of one perform_persist_to_disk() invocation.
type Outcome int

const (
	// Success means every operation class completed (DATABASE_METADATA
	// critical, TABLE_STORAGE/TABLE_REPLICA best-effort) without an
	// unrecoverable failure.
	Success Outcome = iota
	// Failure means at least one operation ultimately failed after retries.
	Failure
	// Skipped means a gating precondition was not met: no reachable peer
	// (and offline persistence disallowed), or a checkpoint was already in
	// flight.
	Skipped
)

// ErrorMetrics is a point-in-time snapshot of accumulated error counts,
// returned by GetErrorMetrics.
type ErrorMetrics struct {
	TotalErrors      uint64
	TransientErrors  uint64
	PersistentErrors uint64
}

// Scheduler runs the periodic checkpoint loop described in spec §4.7.
type Scheduler struct {
	catalog      *schema.Catalog
	tables       TableSource
	peers        PeerSource
	interval     time.Duration
	allowOffline bool

	// running guards against concurrent checkpoints: a single boolean under
	// a mutex, per spec §5 ("a single boolean flag protected by a lock").
	// This check-and-set under runningMu — rather than golang.org/x/sync's
	// singleflight — is what lets property 6 hold: losing callers return
	// Skipped immediately without waiting for or sharing the winner's
	// result, which singleflight.Group.Do cannot express (its followers
	// block on and receive the same result as the winner).
	runningMu sync.Mutex
	running   bool

	healthy atomic.Bool

	totalErrors      atomic.Uint64
	transientErrors  atomic.Uint64
	persistentErrors atomic.Uint64

	metricTotal      prometheus.Gauge
	metricTransient  prometheus.Gauge
	metricPersistent prometheus.Gauge
	metricByKind     *prometheus.HistogramVec

	cancelFlag atomic.Bool // cooperative: cuts short pending backoff on shutdown
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New constructs a Scheduler. registry may be nil to skip Prometheus
// registration (e.g. in tests that construct multiple schedulers).
func New(catalog *schema.Catalog, tables TableSource, peers PeerSource, interval time.Duration, allowOffline bool, registry *prometheus.Registry) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		catalog:      catalog,
		tables:       tables,
		peers:        peers,
		interval:     interval,
		allowOffline: allowOffline,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
		metricTotal:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "persistence_errors_total", Help: "total checkpoint errors"}),
		metricTransient:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "persistence_errors_transient", Help: "transient checkpoint errors"}),
		metricPersistent: prometheus.NewGauge(prometheus.GaugeOpts{Name: "persistence_errors_persistent", Help: "persistent checkpoint errors"}),
		metricByKind: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "persistence_operation_attempts",
			Help:    "attempts taken per operation, by resulting error kind",
			Buckets: []float64{1, 2, 3},
		}, []string{"kind"}),
	}
	s.healthy.Store(true)
	if registry != nil {
		registry.MustRegister(s.metricTotal, s.metricTransient, s.metricPersistent, s.metricByKind)
	}
	return s
}

// Run blocks, checkpointing every interval until Shutdown is called.
func (s *Scheduler) Run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.PerformPersistToDisk(context.Background())
		}
	}
}

// Shutdown requests the worker stop, waits up to 5s, then returns even if
// the worker hasn't exited (spec §4.7: "waits up to 5s, then forces
// termination" — Go has no forced-goroutine-kill primitive, so "forces
// termination" is rendered as Shutdown returning regardless of worker
// state; the cooperative cancelFlag still short-circuits any in-flight
// backoff so the worker converges quickly in practice).
func (s *Scheduler) Shutdown() {
	s.cancelFlag.Store(true)
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
	}
}

// IsHealthy reports whether a Critical error has ever been observed. There
// is no automatic recovery; only operator action (not modeled here) clears
// it.
func (s *Scheduler) IsHealthy() bool { return s.healthy.Load() }

// GetErrorMetrics returns a snapshot of the accumulated error counters.
func (s *Scheduler) GetErrorMetrics() ErrorMetrics {
	return ErrorMetrics{
		TotalErrors:      s.totalErrors.Load(),
		TransientErrors:  s.transientErrors.Load(),
		PersistentErrors: s.persistentErrors.Load(),
	}
}

// ResetErrorMetrics zeroes the accumulated error counters (but not health).
func (s *Scheduler) ResetErrorMetrics() {
	s.totalErrors.Store(0)
	s.transientErrors.Store(0)
	s.persistentErrors.Store(0)
	s.metricTotal.Set(0)
	s.metricTransient.Set(0)
	s.metricPersistent.Set(0)
}

// PerformPersistToDisk runs one checkpoint, or returns Skipped immediately
// if a gating precondition fails. The running flag is guaranteed cleared on
// every exit path (spec §4.7, and §8 property 5).
func (s *Scheduler) PerformPersistToDisk(ctx context.Context) Outcome {
	if !s.peers.HasReachablePeer() && !s.allowOffline {
		return Skipped
	}

	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return Skipped
	}
	s.running = true
	s.runningMu.Unlock()

	defer func() {
		s.runningMu.Lock()
		s.running = false
		s.runningMu.Unlock()
	}()

	return s.checkpoint(ctx)
}

// checkpoint runs the three operation classes in order. DATABASE_METADATA
// is critical: a failure aborts TABLE_STORAGE/TABLE_REPLICA entirely.
// Those two are best-effort: a failure in one item does not stop the rest.
func (s *Scheduler) checkpoint(ctx context.Context) Outcome {
	overallOK := true

	for _, key := range s.catalog.DirtyDatabases() {
		key := key
		if err := s.withRetry(ctx, "DATABASE_METADATA", func() error {
			return s.catalog.SaveDatabase(key)
		}); err != nil {
			log.Printf("persistence: database metadata checkpoint failed for %q, aborting: %v", key, err)
			return Failure
		}
		s.catalog.MarkClean(key)
	}

	for _, dbName := range s.catalog.ListDatabases() {
		tableNames, err := s.catalog.ListTables(dbName)
		if err != nil {
			continue
		}
		for _, tableName := range tableNames {
			storage, replica, ok := s.tables.Lookup(dbName, tableName)
			if !ok {
				continue
			}

			if err := s.withRetry(ctx, "TABLE_STORAGE", storage.SaveToDisk); err != nil {
				log.Printf("persistence: table storage checkpoint failed for %s/%s: %v", dbName, tableName, err)
				overallOK = false
			}
			if err := s.withRetry(ctx, "TABLE_REPLICA", replica.SaveToDisk); err != nil {
				log.Printf("persistence: table replica checkpoint failed for %s/%s: %v", dbName, tableName, err)
				overallOK = false
			}
		}
	}

	if overallOK {
		return Success
	}
	return Failure
}

// withRetry runs op up to len(retryBackoffs)+1 times total, retrying only
// while the error classifies Transient, per spec §4.7's retry policy.
// Critical errors mark the scheduler unhealthy and are returned immediately
// (rethrown/propagated, never retried).
func (s *Scheduler) withRetry(ctx context.Context, class string, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}

		kind := errkind.ClassifyOf(err)
		if kind == errkind.Unclassified {
			kind = errkind.Classify(err)
		}
		s.recordError(class, kind, attempt+1)

		if kind == errkind.Critical {
			s.healthy.Store(false)
			return err
		}
		if kind != errkind.Transient || attempt >= len(retryBackoffs) {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(s.backoffOrZero(retryBackoffs[attempt])):
		}
	}
}

// backoffOrZero returns 0 immediately once Shutdown has requested
// cancellation, so pending backoff is cut short (spec §5: "checkpoint
// retries respect a cooperative cancel flag set by shutdown(): pending
// backoff is cut short").
func (s *Scheduler) backoffOrZero(d time.Duration) time.Duration {
	if s.cancelFlag.Load() {
		return 0
	}
	return d
}

func (s *Scheduler) recordError(class string, kind errkind.Kind, attempts int) {
	s.totalErrors.Add(1)
	s.metricTotal.Set(float64(s.totalErrors.Load()))
	switch kind {
	case errkind.Transient:
		s.transientErrors.Add(1)
		s.metricTransient.Set(float64(s.transientErrors.Load()))
	case errkind.Persistent:
		s.persistentErrors.Add(1)
		s.metricPersistent.Set(float64(s.persistentErrors.Load()))
	}
	s.metricByKind.WithLabelValues(kind.String()).Observe(float64(attempts))
	log.Printf("persistence: %s op failed (%s) after %d attempt(s)", class, kind, attempts)
}
