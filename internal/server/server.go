// Package server exposes the patrol controllers and the session store over
// HTTP for the operator console.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digimosa/shop-patrol/internal/allowlist"
	"github.com/digimosa/shop-patrol/internal/logger"
	"github.com/digimosa/shop-patrol/internal/models"
	"github.com/digimosa/shop-patrol/internal/patrol"
	"github.com/digimosa/shop-patrol/internal/reporting"
	"github.com/digimosa/shop-patrol/internal/storage"
)

// KeyTester checks every classification credential.
type KeyTester interface {
	TestPool(ctx context.Context) map[int]error
}

// Options wires the server to its collaborators.
type Options struct {
	Store       storage.Gateway
	Single      *patrol.Single
	Fleet       *patrol.Fleet
	Allowlist   *allowlist.Allowlist
	Keys        KeyTester
	PDFFontPath string
	Logger      logger.Logger
	// Heartbeat is the idle interval between SSE keep-alives.
	Heartbeat time.Duration
}

type Server struct {
	store     storage.Gateway
	single    *patrol.Single
	fleet     *patrol.Fleet
	allowlist *allowlist.Allowlist
	keys      KeyTester
	fontPath  string
	log       logger.Logger
	heartbeat time.Duration
	router    *gin.Engine

	// ctx outlives requests; background runs and streams stop with it.
	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:     opts.Store,
		single:    opts.Single,
		fleet:     opts.Fleet,
		allowlist: opts.Allowlist,
		keys:      opts.Keys,
		fontPath:  opts.PDFFontPath,
		log:       opts.Logger,
		heartbeat: opts.Heartbeat,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.router = s.routes()
	return s
}

// Handler returns the gin engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	runs := r.Group("/runs")
	{
		runs.GET("", s.handleListRuns)
		runs.GET("/stream", s.handleStreamRuns)
		runs.GET("/:id", s.handleGetRun)
		runs.GET("/:id/export", s.handleExport)
	}

	single := r.Group("/single")
	{
		single.POST("/inspect", s.handleInspect)
		single.POST("/start", s.handleStart)
		single.POST("/load/:id", s.handleLoad)
		single.POST("/pause", s.handleSinglePause)
		single.POST("/finish", s.handleFinish)
		single.POST("/retry", s.handleRetryFailed)
		single.GET("/progress", s.handleSingleProgress)
	}

	fleet := r.Group("/fleet")
	{
		fleet.POST("", s.handleFleetRun)
		fleet.POST("/pause", s.handleFleetPause)
		fleet.POST("/resume/:id", s.handleFleetResume)
		fleet.POST("/retry/:id/:index", s.handleFleetRetryTarget)
		fleet.GET("/progress", s.handleFleetProgress)
	}

	r.POST("/allowlist", s.handleAllowlist)
	r.POST("/keys/test", s.handleTestKeys)
	return r
}

// Start serves until ctx is cancelled, then stops background runs at their
// next boundary and shuts the listener down.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Infof(ctx, "[Server] listening on http://%s", addr)

	select {
	case err := <-errCh:
		s.cancel()
		s.bg.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.bg.Wait()
	s.log.Infof(ctx, "[Server] stopped")
	return err
}

// Close stops background work without a listener, e.g. in tests.
func (s *Server) Close() {
	s.cancel()
	s.bg.Wait()
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugf(c.Request.Context(), "[Server] %s %s %d %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// background runs fn detached from the request; it stops with the server.
func (s *Server) background(name string, fn func(ctx context.Context) error) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := fn(s.ctx); err != nil {
			s.log.Errorf(s.ctx, "[Server] %s failed: %v", name, err)
		}
	}()
}

func fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, patrol.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func listFilter(c *gin.Context) storage.ListFilter {
	f := storage.ListFilter{
		Mode:   models.RunMode(strings.ToUpper(c.Query("mode"))),
		Status: models.RunStatus(strings.ToUpper(c.Query("status"))),
	}
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		f.Limit = n
	}
	return f
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.store.List(c.Request.Context(), listFilter(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) handleStreamRuns(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	updates, err := s.store.Subscribe(ctx, listFilter(c))
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case runs, ok := <-updates:
			if !ok {
				return
			}
			c.SSEvent("runs", runs)
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{})
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleExport(c *gin.Context) {
	run, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	report := reporting.FromRun(run)
	riskOnly, _ := strconv.ParseBool(c.DefaultQuery("risk_only", "false"))
	format := strings.ToLower(c.DefaultQuery("format", "csv"))

	var contentType string
	switch format {
	case "csv":
		contentType = "text/csv; charset=utf-8"
	case "xlsx":
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pdf":
		contentType = "application/pdf"
	case "json":
		contentType = "application/json"
	case "html":
		contentType = "text/html; charset=utf-8"
	default:
		badRequest(c, fmt.Sprintf("unknown format %q", format))
		return
	}

	c.Header("Content-Type", contentType)
	if format != "html" {
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="patrol_%s.%s"`, run.ID, format))
	}
	c.Status(http.StatusOK)

	w := c.Writer
	switch format {
	case "csv":
		err = report.WriteCSV(w, riskOnly)
	case "xlsx":
		err = report.WriteXLSX(w, riskOnly)
	case "pdf":
		err = report.WritePDF(w, reporting.PDFOptions{FontPath: s.fontPath, RiskOnly: riskOnly})
	case "json":
		if riskOnly {
			report.Items = report.View(true)
		}
		err = report.WriteJSON(w)
	case "html":
		err = report.RenderHTML(w)
	}
	if err != nil {
		s.log.Errorf(c.Request.Context(), "[Server] export %s of %s failed: %v", format, run.ID, err)
	}
}

func (s *Server) handleInspect(c *gin.Context) {
	var req struct {
		Target string `json:"target"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Target) == "" {
		badRequest(c, "target is required")
		return
	}
	probe, err := s.single.Inspect(c.Request.Context(), strings.TrimSpace(req.Target))
	if err != nil {
		if errors.Is(err, patrol.ErrInvalidState) {
			fail(c, err)
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, probe)
}

func (s *Server) handleStart(c *gin.Context) {
	if st := s.single.State(); st != patrol.StateReady && st != patrol.StatePaused {
		fail(c, fmt.Errorf("start in state %s: %w", st, patrol.ErrInvalidState))
		return
	}
	s.background("single run", s.single.Start)
	c.JSON(http.StatusAccepted, s.single.Progress())
}

func (s *Server) handleLoad(c *gin.Context) {
	if err := s.single.Load(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.single.Progress())
}

func (s *Server) handleSinglePause(c *gin.Context) {
	if err := s.single.Pause(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.single.Progress())
}

func (s *Server) handleFinish(c *gin.Context) {
	runID, err := s.single.Finish(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID})
}

func (s *Server) handleRetryFailed(c *gin.Context) {
	if st := s.single.State(); st != patrol.StatePaused && st != patrol.StateCompleted {
		fail(c, fmt.Errorf("retry in state %s: %w", st, patrol.ErrInvalidState))
		return
	}
	s.background("retry failed", func(ctx context.Context) error {
		fixed, err := s.single.RetryFailed(ctx)
		if err == nil {
			s.log.Infof(ctx, "[Server] retry fixed %d items", fixed)
		}
		return err
	})
	c.JSON(http.StatusAccepted, s.single.Progress())
}

func (s *Server) handleSingleProgress(c *gin.Context) {
	c.JSON(http.StatusOK, s.single.Progress())
}

func (s *Server) handleFleetRun(c *gin.Context) {
	var req struct {
		Targets []string `json:"targets"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Targets) == 0 {
		badRequest(c, "targets are required")
		return
	}
	if s.fleet.Progress().State == string(patrol.StateRunning) {
		fail(c, fmt.Errorf("fleet already running: %w", patrol.ErrInvalidState))
		return
	}
	s.background("fleet run", func(ctx context.Context) error {
		_, err := s.fleet.Run(ctx, req.Targets)
		return err
	})
	c.JSON(http.StatusAccepted, gin.H{"targets": len(req.Targets)})
}

func (s *Server) handleFleetPause(c *gin.Context) {
	if err := s.fleet.Pause(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.fleet.Progress())
}

func (s *Server) handleFleetResume(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.Get(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	s.background("fleet resume", func(ctx context.Context) error {
		return s.fleet.Resume(ctx, id)
	})
	c.JSON(http.StatusAccepted, gin.H{"run_id": id})
}

func (s *Server) handleFleetRetryTarget(c *gin.Context) {
	id := c.Param("id")
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, "index must be an integer")
		return
	}
	s.background("fleet retry target", func(ctx context.Context) error {
		return s.fleet.RetryTarget(ctx, id, index)
	})
	c.JSON(http.StatusAccepted, gin.H{"run_id": id, "index": index})
}

func (s *Server) handleFleetProgress(c *gin.Context) {
	c.JSON(http.StatusOK, s.fleet.Progress())
}

func (s *Server) handleAllowlist(c *gin.Context) {
	var req struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Value) == "" {
		badRequest(c, "value cannot be empty")
		return
	}
	if err := s.allowlist.Add(req.Value); err != nil {
		s.log.Errorf(c.Request.Context(), "[Server] failed to add to allowlist: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save allowlist"})
		return
	}
	s.log.Infof(c.Request.Context(), "[Server] allowlisted via console: %s", req.Value)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTestKeys(c *gin.Context) {
	failures := s.keys.TestPool(c.Request.Context())
	out := make(map[string]string, len(failures))
	for i, err := range failures {
		out[strconv.Itoa(i)] = err.Error()
	}
	c.JSON(http.StatusOK, gin.H{"ok": len(failures) == 0, "failures": out})
}
