package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/taskboard/internal/board"
	"github.com/loykin/taskboard/internal/metrics"
)

// Router provides embeddable HTTP handlers for operating the board.
// Endpoints, relative to basePath:
//
//	GET    /tables/:table/rows
//	POST   /tables/:table/rows               body: {"fields": {...}, "children": [...]}
//	GET    /tables/:table/rows/:id
//	PATCH  /tables/:table/rows/:id           body: {"field": value, ...}
//	PUT    /tables/:table/rows/:id/children  body: [{"type": "code", "title": "..."}]
//	DELETE /tables/:table/rows/:id
//	GET    /debug/processes
//
// GET /healthz and GET /metrics are served outside basePath and are never
// guarded by the token.
type Router struct {
	store    board.Store
	basePath string
	token    string
	metrics  bool
	running  func() map[string]int
	status   func() bool
	logger   *slog.Logger
}

// Options configures a Router. Store is required.
type Options struct {
	Store    board.Store
	BasePath string
	// Token, when set, must be presented as "Authorization: Bearer <token>"
	// on every basePath route.
	Token   string
	Metrics bool
	// Running reports task name → pid of tracked processes.
	Running func() map[string]int
	// Terminated reports whether the supervisor has shut down.
	Terminated func() bool
	Logger     *slog.Logger
}

// NewRouter constructs a new Router. Example basePath "/api" results in
// /api/tables/T/rows.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:    opts.Store,
		basePath: sanitizeBase(opts.BasePath),
		token:    opts.Token,
		metrics:  opts.Metrics,
		running:  opts.Running,
		status:   opts.Terminated,
		logger:   logger.With("component", "server"),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", r.handleHealth)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	group := g.Group(r.basePath)
	group.Use(bearerAuth(r.token))
	rows := group.Group("/tables/:table/rows", r.requireTable)
	rows.GET("", r.handleList)
	rows.POST("", r.handleInsert)
	rows.GET("/:id", r.handleGet)
	rows.PATCH("/:id", r.handleUpdate)
	rows.PUT("/:id/children", r.handleChildren)
	rows.DELETE("/:id", r.handleDelete)
	group.GET("/debug/processes", r.handleProcesses)
	return g
}

// NewServer wraps h in an http.Server listening on addr. The caller runs
// ListenAndServe and Shutdown.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type insertReq struct {
	Fields   board.Fields  `json:"fields"`
	Children []board.Block `json:"children"`
}

type healthResp struct {
	Status     string `json:"status"`
	Terminated bool   `json:"terminated"`
}

func (r *Router) handleHealth(c *gin.Context) {
	if r.status != nil && r.status() {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Status: "terminated", Terminated: true})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{Status: "ok"})
}

func (r *Router) requireTable(c *gin.Context) {
	if !isSafeName(c.Param("table")) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid table name: allowed [A-Za-z0-9._-]"})
		c.Abort()
		return
	}
	c.Next()
}

func (r *Router) handleList(c *gin.Context) {
	rows, err := r.store.Rows(c.Request.Context(), c.Param("table"))
	if err != nil {
		r.storeError(c, err)
		return
	}
	if rows == nil {
		rows = []board.Row{}
	}
	writeJSON(c, http.StatusOK, rows)
}

func (r *Router) handleInsert(c *gin.Context) {
	var req insertReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Fields) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "fields required"})
		return
	}
	row, err := r.store.Insert(c.Request.Context(), c.Param("table"), req.Fields, req.Children)
	if err != nil {
		r.storeError(c, err)
		return
	}
	r.logger.Debug("row inserted", "table", row.Table, "id", row.ID)
	writeJSON(c, http.StatusCreated, row)
}

func (r *Router) handleGet(c *gin.Context) {
	row, err := r.store.Get(c.Request.Context(), c.Param("table"), c.Param("id"))
	if err != nil {
		r.storeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, row)
}

func (r *Router) handleUpdate(c *gin.Context) {
	var fields board.Fields
	if err := c.ShouldBindJSON(&fields); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	table, id := c.Param("table"), c.Param("id")
	if err := r.store.Update(ctx, table, id, fields); err != nil {
		r.storeError(c, err)
		return
	}
	row, err := r.store.Get(ctx, table, id)
	if err != nil {
		r.storeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, row)
}

func (r *Router) handleChildren(c *gin.Context) {
	var blocks []board.Block
	if err := c.ShouldBindJSON(&blocks); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	table, id := c.Param("table"), c.Param("id")
	if err := r.store.SetChildren(ctx, table, id, blocks); err != nil {
		r.storeError(c, err)
		return
	}
	row, err := r.store.Get(ctx, table, id)
	if err != nil {
		r.storeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, row)
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.store.Delete(c.Request.Context(), c.Param("table"), c.Param("id")); err != nil {
		r.storeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleProcesses(c *gin.Context) {
	procs := map[string]int{}
	if r.running != nil {
		procs = r.running()
	}
	writeJSON(c, http.StatusOK, procs)
}

func (r *Router) storeError(c *gin.Context, err error) {
	if errors.Is(err, board.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	r.logger.Error("board request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
}
