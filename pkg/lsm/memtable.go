package lsm

import (
	"sort"
	"sync"
)

// MemTable is the in-memory write buffer: a key-ordered map with per-entry
// byte accounting. It is Active while accepting writes; once handed off to
// the flush worker it is treated as read-only (callers stop calling Put/
// Delete on it, matching the Active -> Immutable-Queued -> Flushing ->
// Flushed state machine in spec §4.3).
type MemTable struct {
	mu      sync.RWMutex
	data    map[string]*Entry
	keys    []string
	sorted  bool
	size    int
	maxSize int
}

// NewMemTable creates an empty, active MemTable that signals full once its
// accounted size reaches maxSizeBytes.
func NewMemTable(maxSizeBytes int) *MemTable {
	return &MemTable{
		data:    make(map[string]*Entry),
		maxSize: maxSizeBytes,
		sorted:  true,
	}
}

// Put inserts or replaces key with value. The returned bool is true iff the
// table's accounted size has reached its flush threshold after the write.
func (mt *MemTable) Put(key, value []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrInvalidKey
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	keyStr := string(key)
	if existing, ok := mt.data[keyStr]; ok {
		mt.size -= sizeOf(existing)
	} else {
		mt.keys = append(mt.keys, keyStr)
		mt.sorted = false
	}

	entry := &Entry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}
	mt.data[keyStr] = entry
	mt.size += sizeOf(entry)

	return mt.size >= mt.maxSize, nil
}

// Delete inserts a tombstone for key. The returned bool has the same
// flush-threshold meaning as Put.
func (mt *MemTable) Delete(key []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrInvalidKey
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	keyStr := string(key)
	if existing, ok := mt.data[keyStr]; ok {
		mt.size -= sizeOf(existing)
	} else {
		mt.keys = append(mt.keys, keyStr)
		mt.sorted = false
	}

	entry := &Entry{Key: append([]byte(nil), key...), Deleted: true}
	mt.data[keyStr] = entry
	mt.size += sizeOf(entry)

	return mt.size >= mt.maxSize, nil
}

// Get returns the three-valued lookup result for key: Found with the value,
// Tombstone if the key was explicitly deleted, or Absent if never written.
func (mt *MemTable) Get(key []byte) Result {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	entry, ok := mt.data[string(key)]
	if !ok {
		return absentResult()
	}
	if entry.Deleted {
		return tombstoneResult()
	}
	return foundResult(entry.Value)
}

// Snapshot returns every entry (including tombstones) in sorted key order,
// a point-in-time view suitable for flushing to an SSTable. The returned
// slice is safe to use without further locking since it is newly allocated.
func (mt *MemTable) Snapshot() []*Entry {
	mt.mu.Lock()
	if !mt.sorted {
		sort.Strings(mt.keys)
		mt.sorted = true
	}
	keys := append([]string(nil), mt.keys...)
	data := mt.data
	mt.mu.Unlock()

	entries := make([]*Entry, len(keys))
	for i, k := range keys {
		entries[i] = data[k]
	}
	return entries
}

// SizeBytes returns the accounted size: sum(len(key) + len(value), with
// tombstone values counted as zero.
func (mt *MemTable) SizeBytes() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size
}

// EntryCount returns the number of distinct keys (including tombstones).
func (mt *MemTable) EntryCount() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.data)
}

// IsEmpty reports whether the table has no entries at all.
func (mt *MemTable) IsEmpty() bool {
	return mt.EntryCount() == 0
}

func sizeOf(e *Entry) int {
	if e.Deleted {
		return len(e.Key)
	}
	return len(e.Key) + len(e.Value)
}
