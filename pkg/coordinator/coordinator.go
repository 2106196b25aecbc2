// Package coordinator implements the client-mutation origination step spec
// §2's data flow describes but doesn't assign a component number to:
// "client mutation -> C8 picks (primary, secondary) -> primary inserts into
// its C5, records placement in C6 -> primary emits a replicate request to
// the secondary's C10". ReplicationApplier (C10) deliberately never
// re-broadcasts a record it applies; Coordinator is the one place that
// does, and only for the node that originated a mutation.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/kallio-labs/peerbase/pkg/placement"
	"github.com/kallio-labs/peerbase/pkg/replication"
	"github.com/kallio-labs/peerbase/pkg/table"
)

// PeerSource supplies the live roster and address lookup needed to both
// pick a secondary and dial it. cluster.Roster satisfies this.
type PeerSource interface {
	Peers() []string
	AddrOf(id string) (string, bool)
}

// Policy picks (primary, secondary) for a newly-inserted row.
// placement.Policy satisfies this.
type Policy interface {
	Select(peers []string, selfAsPrimary bool) (primary, secondary string)
}

// Coordinator applies a client-originated insert locally and forwards it to
// the chosen secondary, if any.
type Coordinator struct {
	selfID string
	tables replication.TableSource
	policy Policy
	peers  PeerSource
	client *http.Client
}

// New constructs a Coordinator. selfID must match the id cluster.Roster and
// placement.Policy were built with.
func New(selfID string, tables replication.TableSource, policy Policy, peers PeerSource) *Coordinator {
	return &Coordinator{
		selfID: selfID,
		tables: tables,
		policy: policy,
		peers:  peers,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Insert applies rec (which must be of Type Insert) to the local
// TableStorage/TableReplica, then — if a secondary peer was chosen —
// forwards the row and its placement to that peer's wire endpoint in the
// background. The local effect is synchronous; the forward is best-effort
// and never retried here (§4.7's retry policy belongs to the checkpoint
// path, not live replication pushes).
func (c *Coordinator) Insert(rec replication.Record) error {
	if rec.Database == "" || rec.Table == "" || len(rec.Row) == 0 {
		return errInvalidInsert
	}
	row := table.RowFromBytes(rec.Row)
	rowID, err := row.RowID()
	if err != nil {
		return err
	}

	storage, replica := c.tables.Ensure(rec.Database, rec.Table)
	if err := storage.Update(rowID, row); err != nil {
		return err
	}

	peers := c.peers.Peers()
	primary, secondary := c.policy.Select(peers, true)
	replica.InsertOrReplace(rowID, table.Placement{Primary: primary, Secondary: secondary})

	if secondary != placement.EmptySentinel && secondary != c.selfID {
		go c.forward(secondary, rec.Database, rec.Table, rowID.String(), rec.Row, primary, secondary)
	}
	return nil
}

// forward pushes the row itself and its placement entry to peerID, so a
// secondary holds both the data and the index describing why it holds it.
func (c *Coordinator) forward(peerID, database, tableName, rowID string, row json.RawMessage, primary, secondary string) {
	addr, ok := c.peers.AddrOf(peerID)
	if !ok {
		log.Printf("coordinator: secondary %s not reachable, skipping forward for %s/%s", peerID, database, tableName)
		return
	}

	c.post(addr, replication.Record{
		Type: replication.ReplicateInsertObject, Database: database, Table: tableName, Row: row,
	})
	c.post(addr, replication.Record{
		Type: replication.TableReplicaInsert, Database: database, Table: tableName,
		RowID: rowID, Primary: primary, Secondary: secondary,
	})
}

func (c *Coordinator) post(addr string, rec replication.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		log.Printf("coordinator: encoding %s record failed: %v", rec.Type, err)
		return
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, "http://"+addr+"/post", bytes.NewReader(data))
	if err != nil {
		log.Printf("coordinator: building request to %s failed: %v", addr, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("coordinator: forwarding %s to %s failed: %v", rec.Type, addr, err)
		return
	}
	resp.Body.Close()
}

type insertError string

func (e insertError) Error() string { return string(e) }

const errInvalidInsert = insertError("coordinator: insert missing db/table/row")
