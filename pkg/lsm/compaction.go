package lsm

import (
	"sort"
)

// maxCompactedFileBytes bounds how large a single compaction output file
// may grow before the merge starts a new one.
const maxCompactedFileBytes = 64 * 1024 * 1024

// compactionPlan describes one leveled-compaction step: merge sources (from
// Level) and overlapping (from Level+1) into new files at OutputLevel.
type compactionPlan struct {
	Level       int
	OutputLevel int
	Sources     []*SSTable
	Overlapping []*SSTable
	IsBottom    bool
}

// planCompaction picks the next compaction step, preferring an L0 merge
// (spec §4.4: triggered once L0 reaches Level0FileLimit files, since L0
// files may overlap each other) over a size-ratio merge at L1+.
func (e *LSMEngine) planCompaction() *compactionPlan {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.levels) > 0 && len(e.levels[0]) >= e.opts.Level0FileLimit {
		sources := append([]*SSTable(nil), e.levels[0]...)
		minKey, maxKey := mergedKeyRange(sources)
		var overlapping []*SSTable
		if len(e.levels) > 1 {
			for _, sst := range e.levels[1] {
				if sst.Overlaps(minKey, maxKey) {
					overlapping = append(overlapping, sst)
				}
			}
		}
		return &compactionPlan{
			Level:       0,
			OutputLevel: 1,
			Sources:     sources,
			Overlapping: overlapping,
			IsBottom:    e.isBottomLevelLocked(1),
		}
	}

	for lvl := 1; lvl < len(e.levels); lvl++ {
		if !e.levelOverRatioLocked(lvl) {
			continue
		}
		oldest := oldestSSTable(e.levels[lvl])
		if oldest == nil {
			continue
		}
		minKey, maxKey := oldest.KeyRange()
		var overlapping []*SSTable
		if lvl+1 < len(e.levels) {
			for _, sst := range e.levels[lvl+1] {
				if sst.Overlaps(minKey, maxKey) {
					overlapping = append(overlapping, sst)
				}
			}
		}
		return &compactionPlan{
			Level:       lvl,
			OutputLevel: lvl + 1,
			Sources:     []*SSTable{oldest},
			Overlapping: overlapping,
			IsBottom:    e.isBottomLevelLocked(lvl + 1),
		}
	}

	return nil
}

func (e *LSMEngine) levelOverRatioLocked(lvl int) bool {
	if lvl == 0 || lvl-1 >= len(e.levels) || lvl >= len(e.levels) {
		return false
	}
	prevBytes := totalBytes(e.levels[lvl-1])
	curBytes := totalBytes(e.levels[lvl])
	if prevBytes == 0 {
		return false
	}
	return curBytes > int64(e.opts.LevelSizeRatio)*prevBytes
}

func (e *LSMEngine) isBottomLevelLocked(outputLevel int) bool {
	for lvl := outputLevel + 1; lvl < len(e.levels); lvl++ {
		if len(e.levels[lvl]) > 0 {
			return false
		}
	}
	return true
}

func totalBytes(tables []*SSTable) int64 {
	var total int64
	for _, t := range tables {
		total += t.SizeBytes()
	}
	return total
}

func mergedKeyRange(tables []*SSTable) ([]byte, []byte) {
	var minKey, maxKey []byte
	for _, t := range tables {
		lo, hi := t.KeyRange()
		if minKey == nil || compareKeys(lo, minKey) < 0 {
			minKey = lo
		}
		if maxKey == nil || compareKeys(hi, maxKey) > 0 {
			maxKey = hi
		}
	}
	return minKey, maxKey
}

func oldestSSTable(tables []*SSTable) *SSTable {
	if len(tables) == 0 {
		return nil
	}
	oldest := tables[0]
	for _, t := range tables[1:] {
		if t.FileID < oldest.FileID {
			oldest = t
		}
	}
	return oldest
}

// applyCompaction merges plan's input tables into one or more new SSTables
// at OutputLevel, atomically swaps them into the engine's level lists, and
// deletes the superseded files. New files are written and synced before the
// registry is updated or anything old is removed, so a crash mid-compaction
// leaves the old files intact and the new ones as harmless orphans.
func (e *LSMEngine) applyCompaction(plan *compactionPlan) error {
	merged, err := mergeEntries(plan)
	if err != nil {
		return err
	}

	var newTables []*SSTable
	for _, chunk := range chunkBySize(merged, maxCompactedFileBytes) {
		if len(chunk) == 0 {
			continue
		}
		fileID := nextFileID(e)
		sst, err := Create(e.dataDir, fileID, plan.OutputLevel, chunk)
		if err != nil {
			return err
		}
		newTables = append(newTables, sst)
	}

	e.mu.Lock()
	for len(e.levels) <= plan.OutputLevel {
		e.levels = append(e.levels, nil)
	}
	e.levels[plan.Level] = removeSSTables(e.levels[plan.Level], plan.Sources)
	e.levels[plan.OutputLevel] = removeSSTables(e.levels[plan.OutputLevel], plan.Overlapping)
	e.levels[plan.OutputLevel] = append(e.levels[plan.OutputLevel], newTables...)
	sortSSTablesByFileID(e.levels[plan.OutputLevel])
	e.mu.Unlock()

	for _, old := range plan.Sources {
		old.Delete()
	}
	for _, old := range plan.Overlapping {
		old.Delete()
	}
	return nil
}

func nextFileID(e *LSMEngine) uint64 {
	e.mu.Lock()
	id := e.nextFileID
	e.nextFileID++
	e.mu.Unlock()
	return id
}

// mergeEntries merges every source's entries by key, folding them into a
// map and sorting the result. Ties are broken
// newest-file-wins: overlapping (already-settled, lower-level) entries are
// folded in first so that Level/L0 sources, which are always newer,
// overwrite them. Tombstones are dropped only when isBottom, since a
// tombstone must remain visible to shadow an older value still living in a
// level below the one being compacted.
func mergeEntries(plan *compactionPlan) ([]*Entry, error) {
	byKey := make(map[string]*Entry)

	apply := func(tables []*SSTable) error {
		for _, t := range tables {
			entries, err := t.Iterator()
			if err != nil {
				return err
			}
			for _, e := range entries {
				byKey[string(e.Key)] = e
			}
		}
		return nil
	}

	if err := apply(plan.Overlapping); err != nil {
		return nil, err
	}
	sourcesOldestFirst := append([]*SSTable(nil), plan.Sources...)
	sortSSTablesByFileID(sourcesOldestFirst)
	if err := apply(sourcesOldestFirst); err != nil {
		return nil, err
	}

	merged := make([]*Entry, 0, len(byKey))
	for _, e := range byKey {
		if plan.IsBottom && e.Deleted {
			continue
		}
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool { return compareKeys(merged[i].Key, merged[j].Key) < 0 })
	return merged, nil
}

func chunkBySize(entries []*Entry, maxBytes int) [][]*Entry {
	if len(entries) == 0 {
		return nil
	}
	var chunks [][]*Entry
	var cur []*Entry
	var curBytes int
	for _, e := range entries {
		sz := sizeOf(e)
		if curBytes > 0 && curBytes+sz > maxBytes {
			chunks = append(chunks, cur)
			cur = nil
			curBytes = 0
		}
		cur = append(cur, e)
		curBytes += sz
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

func removeSSTables(tables, remove []*SSTable) []*SSTable {
	if len(remove) == 0 {
		return tables
	}
	skip := make(map[uint64]bool, len(remove))
	for _, t := range remove {
		skip[t.FileID] = true
	}
	kept := make([]*SSTable, 0, len(tables))
	for _, t := range tables {
		if !skip[t.FileID] {
			kept = append(kept, t)
		}
	}
	return kept
}
