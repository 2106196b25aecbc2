package coordinator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kallio-labs/peerbase/pkg/placement"
	"github.com/kallio-labs/peerbase/pkg/replication"
	"github.com/kallio-labs/peerbase/pkg/table"
)

type fixedPolicy struct {
	primary   string
	secondary string
}

func (p fixedPolicy) Select(peers []string, selfAsPrimary bool) (string, string) {
	return p.primary, p.secondary
}

type fixedPeers struct {
	mu    sync.Mutex
	ids   []string
	addrs map[string]string
}

func (p *fixedPeers) Peers() []string { return p.ids }

func (p *fixedPeers) AddrOf(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, ok := p.addrs[id]
	return addr, ok
}

func newRow(t *testing.T, fields map[string]any) (uuid.UUID, json.RawMessage) {
	t.Helper()
	id := uuid.New()
	row, err := table.NewRow(id, fields)
	require.NoError(t, err)
	return id, json.RawMessage(row.Bytes())
}

func TestCoordinatorInsertNoSecondaryAppliesLocallyOnly(t *testing.T) {
	registry := table.NewRegistry(t.TempDir())
	policy := fixedPolicy{primary: "node-1", secondary: placement.EmptySentinel}
	peers := &fixedPeers{addrs: map[string]string{}}
	c := New("node-1", registry, policy, peers)

	rowID, raw := newRow(t, map[string]any{"name": "a"})
	rec := replication.Record{Type: replication.Insert, Database: "D", Table: "T", Row: raw}
	require.NoError(t, c.Insert(rec))

	storage, replica, ok := registry.Lookup("D", "T")
	require.True(t, ok)
	row, err := storage.Get(rowID)
	require.NoError(t, err)
	id, err := row.RowID()
	require.NoError(t, err)
	assert.Equal(t, rowID, id)

	pl, err := replica.Get(rowID)
	require.NoError(t, err)
	assert.Equal(t, "node-1", pl.Primary)
	assert.Equal(t, "", pl.Secondary)
}

func TestCoordinatorInsertForwardsToSecondary(t *testing.T) {
	var mu sync.Mutex
	received := make([]replication.Record, 0, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec replication.Record
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
		mu.Lock()
		received = append(received, rec)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	addr := srv.Listener.Addr().String()

	registry := table.NewRegistry(t.TempDir())
	policy := fixedPolicy{primary: "node-1", secondary: "node-2"}
	peers := &fixedPeers{ids: []string{"node-2"}, addrs: map[string]string{"node-2": addr}}
	c := New("node-1", registry, policy, peers)

	_, raw := newRow(t, map[string]any{"name": "a"})
	rec := replication.Record{Type: replication.Insert, Database: "D", Table: "T", Row: raw}
	require.NoError(t, c.Insert(rec))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, replication.ReplicateInsertObject, received[0].Type)
	assert.Equal(t, replication.TableReplicaInsert, received[1].Type)
	assert.Equal(t, "node-1", received[1].Primary)
	assert.Equal(t, "node-2", received[1].Secondary)
}

func TestCoordinatorInsertSkipsForwardWhenSecondaryIsSelf(t *testing.T) {
	registry := table.NewRegistry(t.TempDir())
	policy := fixedPolicy{primary: "node-1", secondary: "node-1"}
	peers := &fixedPeers{addrs: map[string]string{}}
	c := New("node-1", registry, policy, peers)

	_, raw := newRow(t, map[string]any{"name": "a"})
	rec := replication.Record{Type: replication.Insert, Database: "D", Table: "T", Row: raw}
	require.NoError(t, c.Insert(rec))
}

func TestCoordinatorInsertMissingFieldsFails(t *testing.T) {
	registry := table.NewRegistry(t.TempDir())
	policy := fixedPolicy{primary: "node-1", secondary: placement.EmptySentinel}
	peers := &fixedPeers{}
	c := New("node-1", registry, policy, peers)

	err := c.Insert(replication.Record{Type: replication.Insert})
	assert.Error(t, err)
}
