// Package server implements WireServer (C12): the node-to-node HTTP/1.1
// surface from spec §6 — exactly GET "/", GET "/meta", POST "/post", and
// nothing else. The dashboard/REST/auth surfaces spec.md calls out of scope
// remain someone else's concern; this package only serves the three
// endpoints the rest of the core (peer discovery, schema sync, replication)
// actually depends on.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kallio-labs/peerbase/pkg/errkind"
	"github.com/kallio-labs/peerbase/pkg/replication"
	"github.com/kallio-labs/peerbase/pkg/schema"
)

// Originator applies a client-originated insert and forwards it to the
// chosen secondary peer. coordinator.Coordinator satisfies this; it is
// optional (nil until WithOriginator is called, as in most tests) — without
// it handlePost falls back to the applier, which still inserts the row
// locally but skips placement/forwarding.
type Originator interface {
	Insert(rec replication.Record) error
}

// SelfRecord is this node's identity, returned by GET "/" so a scanning
// peer's cluster.Roster can learn our id (spec §6: "GET / -> {this:
// <self-node-record>}").
type SelfRecord struct {
	ID string `json:"id"`
}

// HealthSource reports whether the node is currently healthy, used to turn
// every POST /post response, error or success, into 503 once tripped
// (spec §7).
type HealthSource interface {
	IsHealthy() bool
}

// Server wraps a gin.Engine exposing exactly the three wire-protocol
// endpoints, grounded on the teacher's internal/api.Server setup.
type Server struct {
	router     *gin.Engine
	self       SelfRecord
	catalog    *schema.Catalog
	applier    *replication.Applier
	health     HealthSource
	originator Originator
}

// New constructs a Server. health may be nil, in which case the node is
// always reported healthy.
func New(self SelfRecord, catalog *schema.Catalog, applier *replication.Applier, health HealthSource) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:  router,
		self:    self,
		catalog: catalog,
		applier: applier,
		health:  health,
	}
	s.setupRoutes()
	return s
}

// WithOriginator attaches the Originator used for client-submitted inserts
// (Type: "insert"); peer-originated records (ReplicateInsertObject and
// everything else) always go straight to the applier. Returns s for
// chaining.
func (s *Server) WithOriginator(o Originator) *Server {
	s.originator = o
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleSelf)
	s.router.GET("/meta", s.handleMeta)
	s.router.POST("/post", s.handlePost)
}

// Router exposes the underlying gin.Engine, e.g. for http.Server / tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) unhealthy() bool {
	return s.health != nil && !s.health.IsHealthy()
}

func (s *Server) handleSelf(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"this": s.self})
}

// handleMeta returns {meta: {db: [table,...], ...}} per spec §6.
func (s *Server) handleMeta(c *gin.Context) {
	meta := make(map[string][]string)
	for _, db := range s.catalog.ListDatabases() {
		tables, err := s.catalog.ListTables(db)
		if err != nil {
			continue
		}
		meta[db] = tables
	}
	c.JSON(http.StatusOK, gin.H{"meta": meta})
}

// handlePost decodes a replication.Record and applies it, mapping any
// resulting error to the §7 status table via errkind.HTTPStatus.
func (s *Server) handlePost(c *gin.Context) {
	var rec replication.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("malformed_record", err.Error()))
		return
	}

	var result any
	var err error
	if rec.Type == replication.Insert && s.originator != nil {
		err = s.originator.Insert(rec)
	} else {
		result, err = s.applier.Apply(rec)
	}
	if err != nil {
		status := errkind.HTTPStatus(err, s.unhealthy())
		c.JSON(status, errorBody(errkind.ClassifyOf(err).String(), err.Error()))
		return
	}

	if s.unhealthy() {
		c.JSON(http.StatusServiceUnavailable, errorBody("unhealthy", "node is unhealthy"))
		return
	}

	if result == nil {
		c.Status(http.StatusOK)
		return
	}
	c.JSON(http.StatusOK, result)
}

func errorBody(code, message string) gin.H {
	return gin.H{"code": code, "message": message}
}
