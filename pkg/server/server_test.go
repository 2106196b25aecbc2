package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kallio-labs/peerbase/pkg/replication"
	"github.com/kallio-labs/peerbase/pkg/schema"
	"github.com/kallio-labs/peerbase/pkg/table"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type noopTableSource struct{ dir string }

func (n noopTableSource) Lookup(db, tbl string) (*table.TableStorage, *table.TableReplica, bool) {
	return nil, nil, false
}
func (n noopTableSource) Ensure(db, tbl string) (*table.TableStorage, *table.TableReplica) {
	return table.New(db, tbl, n.dir), table.NewReplica(db, tbl, n.dir)
}

func (n noopTableSource) Drop(db, tbl string) {}

type alwaysHealthy struct{}

func (alwaysHealthy) IsHealthy() bool { return true }

type alwaysUnhealthy struct{}

func (alwaysUnhealthy) IsHealthy() bool { return false }

func newTestServer(t *testing.T) (*Server, *schema.Catalog) {
	cat := schema.New(t.TempDir())
	applier := replication.New(cat, noopTableSource{dir: t.TempDir()})
	s := New(SelfRecord{ID: "node-1"}, cat, applier, alwaysHealthy{})
	return s, cat
}

func TestServerGetSelf(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp := httptest.NewRecorder()
	s.Router().ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	var body map[string]SelfRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "node-1", body["this"].ID)
}

func TestServerGetMeta(t *testing.T) {
	s, cat := newTestServer(t)
	require.NoError(t, cat.CreateDatabase("D"))
	require.NoError(t, cat.CreateTable("D", "users"))

	req := httptest.NewRequest(http.MethodGet, "/meta", nil)
	resp := httptest.NewRecorder()
	s.Router().ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Meta map[string][]string `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, []string{"users"}, body.Meta["D"])
}

func TestServerPostCreateDatabase(t *testing.T) {
	s, cat := newTestServer(t)
	rec := replication.Record{Type: replication.CreateDatabase, Database: "D"}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/post", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router().ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, cat.DatabaseExists("D"))
}

func TestServerPostMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/post", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router().ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

type recordingOriginator struct {
	last replication.Record
	err  error
}

func (o *recordingOriginator) Insert(rec replication.Record) error {
	o.last = rec
	return o.err
}

func TestServerPostInsertUsesOriginatorWhenPresent(t *testing.T) {
	s, cat := newTestServer(t)
	require.NoError(t, cat.CreateDatabase("D"))
	require.NoError(t, cat.CreateTable("D", "users"))

	orig := &recordingOriginator{}
	s.WithOriginator(orig)

	rec := replication.Record{Type: replication.Insert, Database: "D", Table: "users", Row: []byte(`{"__uuid":"x"}`)}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/post", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router().ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "D", orig.last.Database)
	assert.Equal(t, "users", orig.last.Table)
}

func TestServerUnhealthyForcesServiceUnavailable(t *testing.T) {
	cat := schema.New(t.TempDir())
	applier := replication.New(cat, noopTableSource{dir: t.TempDir()})
	s := New(SelfRecord{ID: "node-1"}, cat, applier, alwaysUnhealthy{})

	rec := replication.Record{Type: replication.CreateDatabase, Database: "D"}
	data, _ := json.Marshal(rec)
	req := httptest.NewRequest(http.MethodPost, "/post", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router().ServeHTTP(resp, req)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}
