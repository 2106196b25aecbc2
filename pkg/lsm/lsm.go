package lsm

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultLevel0FileLimit is the number of L0 files that triggers a
	// merge into L1, per spec §4.4.
	DefaultLevel0FileLimit = 10
	// DefaultLevelSizeRatio is how much larger each level may grow over
	// the one above it before a size-ratio compaction is triggered.
	DefaultLevelSizeRatio = 10
)

// Options configures a new or reopened LSMEngine.
type Options struct {
	Dir                string
	MemTableMaxBytes   int
	MaxImmutableTables int
	Level0FileLimit    int
	LevelSizeRatio     int
}

func (o Options) withDefaults() Options {
	if o.MemTableMaxBytes <= 0 {
		o.MemTableMaxBytes = 4 * 1024 * 1024
	}
	if o.MaxImmutableTables <= 0 {
		o.MaxImmutableTables = 4
	}
	if o.Level0FileLimit <= 0 {
		o.Level0FileLimit = DefaultLevel0FileLimit
	}
	if o.LevelSizeRatio <= 0 {
		o.LevelSizeRatio = DefaultLevelSizeRatio
	}
	return o
}

// LSMEngine is the write-optimized key/value engine described in spec §4.3:
// an active MemTable, a bounded FIFO queue of immutable MemTables awaiting
// flush, per-level SSTable lists, and background flush/compaction workers
// supervised by an errgroup so Close can surface the first worker failure.
type LSMEngine struct {
	mu sync.RWMutex

	active      *MemTable
	immutables  []*MemTable // oldest first; flush worker drains index 0
	notFull     *sync.Cond  // signaled when the immutable queue has room
	levels      [][]*SSTable
	dataDir     string
	opts        Options
	nextFileID  uint64 // guarded by mu; see nextFileID()
	flushSignal chan struct{}
	compactSig  chan struct{}

	group  *errgroup.Group
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// Open creates dataDir if needed, recovers any existing SSTables by reading
// each one's footer-embedded level (rather than parsing the filename), and
// starts the flush and compaction workers.
func Open(ctx context.Context, opts Options) (*LSMEngine, error) {
	opts = opts.withDefaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("lsm: Options.Dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}

	levels, maxFileID, err := recoverSSTables(opts.Dir)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)

	e := &LSMEngine{
		active:      NewMemTable(opts.MemTableMaxBytes),
		levels:      levels,
		dataDir:     opts.Dir,
		opts:        opts,
		nextFileID:  maxFileID + 1,
		flushSignal: make(chan struct{}, 1),
		compactSig:  make(chan struct{}, 1),
		group:       group,
		cancel:      cancel,
	}
	e.notFull = sync.NewCond(&e.mu)

	group.Go(func() error { return e.flushWorker(runCtx) })
	group.Go(func() error { return e.compactionWorker(runCtx) })

	return e, nil
}

func recoverSSTables(dir string) ([][]*SSTable, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, err
	}

	var levels [][]*SSTable
	var maxFileID uint64
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".db" {
			continue
		}
		sst, err := OpenSSTable(filepath.Join(dir, de.Name()))
		if err != nil {
			log.Printf("lsm: skipping corrupted SSTable %s: %v", de.Name(), err)
			continue
		}
		for len(levels) <= sst.Level {
			levels = append(levels, nil)
		}
		levels[sst.Level] = append(levels[sst.Level], sst)
		if sst.FileID > maxFileID {
			maxFileID = sst.FileID
		}
	}
	for lvl := range levels {
		sortSSTablesByFileID(levels[lvl])
	}
	return levels, maxFileID, nil
}

func sortSSTablesByFileID(tables []*SSTable) {
	sort.Slice(tables, func(i, j int) bool { return tables[i].FileID < tables[j].FileID })
}

// Put writes key/value into the active MemTable and returns ErrShuttingDown
// if the engine is being closed.
func (e *LSMEngine) Put(key, value []byte) error {
	return e.write(key, value, false)
}

// Delete writes a tombstone for key.
func (e *LSMEngine) Delete(key []byte) error {
	return e.write(key, nil, true)
}

func (e *LSMEngine) write(key, value []byte, deleted bool) error {
	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		return ErrShuttingDown
	}

	var full bool
	var err error
	if deleted {
		full, err = e.active.Delete(key)
	} else {
		full, err = e.active.Put(key, value)
	}
	if err != nil {
		e.mu.Unlock()
		return err
	}

	if !full {
		e.mu.Unlock()
		return nil
	}

	// Backpressure: block new writers while the immutable queue is at
	// capacity so the flush worker can't fall arbitrarily far behind.
	for len(e.immutables) >= e.opts.MaxImmutableTables {
		e.notFull.Wait()
		if e.active == nil {
			e.mu.Unlock()
			return ErrShuttingDown
		}
	}
	e.rotateActiveLocked()
	e.mu.Unlock()

	e.signalFlush()
	return nil
}

// rotateActiveLocked moves the full active table onto the immutable queue
// and starts a fresh active table. Callers hold e.mu.
func (e *LSMEngine) rotateActiveLocked() {
	e.immutables = append(e.immutables, e.active)
	e.active = NewMemTable(e.opts.MemTableMaxBytes)
}

func (e *LSMEngine) signalFlush() {
	select {
	case e.flushSignal <- struct{}{}:
	default:
	}
}

func (e *LSMEngine) signalCompaction() {
	select {
	case e.compactSig <- struct{}{}:
	default:
	}
}

// Get resolves key by consulting, in order: the active MemTable, the
// immutable queue newest-first, then each level's SSTables newest-first. A
// tombstone encountered anywhere stops the search (spec §4.1).
func (e *LSMEngine) Get(key []byte) (Result, error) {
	e.mu.RLock()
	active := e.active
	immutables := append([]*MemTable(nil), e.immutables...)
	levels := make([][]*SSTable, len(e.levels))
	copy(levels, e.levels)
	e.mu.RUnlock()

	if active != nil {
		if r := active.Get(key); r.State != Absent {
			return r, nil
		}
	}
	for i := len(immutables) - 1; i >= 0; i-- {
		if r := immutables[i].Get(key); r.State != Absent {
			return r, nil
		}
	}
	for _, level := range levels {
		for i := len(level) - 1; i >= 0; i-- {
			r, err := level[i].Get(key)
			if err != nil {
				if os.IsNotExist(err) {
					// Compaction removed this file concurrently; its
					// replacement is already durable, so treat this as a
					// miss rather than a read failure.
					continue
				}
				return Result{}, err
			}
			if r.State != Absent {
				return r, nil
			}
		}
	}
	return absentResult(), nil
}

// Close stops the background workers, flushes any remaining data, and waits
// for in-flight flush/compaction work to finish. It returns the first
// worker error, if any.
func (e *LSMEngine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.closeErr = e.group.Wait()

		e.mu.Lock()
		if e.active != nil && !e.active.IsEmpty() {
			e.immutables = append(e.immutables, e.active)
		}
		e.active = nil
		pending := e.immutables
		e.immutables = nil
		e.notFull.Broadcast()
		e.mu.Unlock()

		for _, mt := range pending {
			if _, err := e.flushOne(mt); err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
	})
	return e.closeErr
}

// flushWorker drains the immutable queue one table at a time until the
// context is cancelled.
func (e *LSMEngine) flushWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.flushSignal:
			if err := e.drainImmutables(ctx); err != nil {
				return err
			}
		}
	}
}

func (e *LSMEngine) drainImmutables(ctx context.Context) error {
	for {
		e.mu.Lock()
		if len(e.immutables) == 0 {
			e.mu.Unlock()
			return nil
		}
		mt := e.immutables[0]
		e.mu.Unlock()

		if ctx.Err() != nil {
			return nil
		}
		flushed, err := e.flushOne(mt)
		if err != nil {
			return err
		}

		e.mu.Lock()
		e.immutables = e.immutables[1:]
		e.notFull.Signal()
		e.mu.Unlock()

		if flushed {
			e.signalCompaction()
		}
	}
}

// flushOne writes mt to a new L0 SSTable. The returned bool is false (and
// no file written) when mt was empty.
func (e *LSMEngine) flushOne(mt *MemTable) (bool, error) {
	snapshot := mt.Snapshot()
	if len(snapshot) == 0 {
		return false, nil
	}

	fileID := nextFileID(e)
	sst, err := Create(e.dataDir, fileID, 0, snapshot)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	for len(e.levels) == 0 {
		e.levels = append(e.levels, nil)
	}
	e.levels[0] = append(e.levels[0], sst)
	e.mu.Unlock()

	log.Printf("lsm: flushed %d entries to %s", len(snapshot), sst.Path)
	return true, nil
}

// compactionWorker wakes on signal and whenever a flush completes, checking
// whether any level needs merging.
func (e *LSMEngine) compactionWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.compactSig:
			if err := e.runCompactionPass(ctx); err != nil {
				return err
			}
		}
	}
}

func (e *LSMEngine) runCompactionPass(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		plan := e.planCompaction()
		if plan == nil {
			return nil
		}
		if err := e.applyCompaction(plan); err != nil {
			return err
		}
	}
}

// Levels returns a snapshot of the per-level SSTable counts, for metrics
// and tests.
func (e *LSMEngine) Levels() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	counts := make([]int, len(e.levels))
	for i, level := range e.levels {
		counts[i] = len(level)
	}
	return counts
}
