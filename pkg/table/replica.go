package table

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/kallio-labs/peerbase/pkg/errkind"
)

// replicaFileName is TableReplica's blob file, per spec §6's on-disk layout.
const replicaFileName = "replica"

// EmptySentinel is the secondary value recorded when no peer was available
// at insertion time (spec §4.6).
const EmptySentinel = ""

// Placement records which two nodes hold a row.
type Placement struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
}

// TableReplica is the per-(database, table) row_id -> Placement index (spec
// §4.4, C6). It persists separately from TableStorage so placement
// metadata can be resynchronized independently of row contents.
type TableReplica struct {
	mu       sync.RWMutex
	database string
	table    string
	dir      string

	placements map[string]Placement
}

// NewReplica creates an empty TableReplica rooted at dir.
func NewReplica(database, tableName, dir string) *TableReplica {
	return &TableReplica{
		database:   database,
		table:      tableName,
		dir:        dir,
		placements: make(map[string]Placement),
	}
}

// InsertOrReplace records (or overwrites) rowID's placement.
func (tr *TableReplica) InsertOrReplace(rowID uuid.UUID, p Placement) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.placements[rowID.String()] = p
}

// Delete removes rowID's placement entry, if any.
func (tr *TableReplica) Delete(rowID uuid.UUID) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.placements, rowID.String())
}

// Get returns rowID's placement, or errkind.NotFound.
func (tr *TableReplica) Get(rowID uuid.UUID) (Placement, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	p, ok := tr.placements[rowID.String()]
	if !ok {
		return Placement{}, errkind.NewNotFound("replica.Get", "placement not found", nil)
	}
	return p, nil
}

// All returns a point-in-time copy of every row_id -> Placement entry, used
// by ReplicationApplier's SendTableReplicaToNode and by resync on startup.
func (tr *TableReplica) All() map[string]Placement {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make(map[string]Placement, len(tr.placements))
	for k, v := range tr.placements {
		out[k] = v
	}
	return out
}

type replicaSnapshot struct {
	Version    int                  `json:"version"`
	Database   string               `json:"database"`
	Table      string               `json:"table"`
	Placements map[string]Placement `json:"placements"`
}

const replicaSnapshotVersion = 1

// SaveToDisk atomically persists the placement map.
func (tr *TableReplica) SaveToDisk() error {
	tr.mu.RLock()
	snap := replicaSnapshot{
		Version:    replicaSnapshotVersion,
		Database:   tr.database,
		Table:      tr.table,
		Placements: make(map[string]Placement, len(tr.placements)),
	}
	for k, v := range tr.placements {
		snap.Placements[k] = v
	}
	tr.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return errkind.NewPersistent("replica.SaveToDisk", "marshal failed", err)
	}
	if err := os.MkdirAll(tr.dir, 0o755); err != nil {
		return errkind.NewTransient("replica.SaveToDisk", "mkdir failed", err)
	}

	path := filepath.Join(tr.dir, replicaFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return errkind.NewTransient("replica.SaveToDisk", "write failed", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errkind.NewTransient("replica.SaveToDisk", "rename failed", err)
	}
	return nil
}

// LoadFromDisk reads the blob written by SaveToDisk. As with TableStorage,
// a missing, truncated, or version-mismatched file degrades to an empty
// index with a warning rather than a fatal error.
func (tr *TableReplica) LoadFromDisk() error {
	path := filepath.Join(tr.dir, replicaFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		log.Printf("replica: %s/%s: failed to read blob, starting empty: %v", tr.database, tr.table, err)
		return nil
	}

	var snap replicaSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Printf("replica: %s/%s: corrupted blob, starting empty: %v", tr.database, tr.table, err)
		return nil
	}
	if snap.Version != replicaSnapshotVersion {
		log.Printf("replica: %s/%s: unknown blob version %d, refusing to load", tr.database, tr.table, snap.Version)
		return nil
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.placements = snap.Placements
	if tr.placements == nil {
		tr.placements = make(map[string]Placement)
	}
	return nil
}

// sortedRowIDs returns m's row ids in sorted order, for deterministic
// output.
func sortedRowIDs(m map[string]Placement) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
