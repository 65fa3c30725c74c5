// Package dashboard serves a read-only HTTP view over the store: job
// progress, unit details, live activity, logs, and cost. It only ever reads;
// process control stays with the CLI.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anthropics/batchpilot/internal/executor"
	"github.com/anthropics/batchpilot/internal/store"
)

// Server is the dashboard HTTP server.
type Server struct {
	store *store.Store
	port  int
}

// New returns a dashboard server reading from st.
func New(st *store.Store, port int) *Server {
	return &Server{store: st, port: port}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), metricsMiddleware())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(newRegistry(s.store), promhttp.HandlerOpts{})))

	api := r.Group("/api")
	{
		api.GET("/jobs", s.listJobs)
		api.GET("/jobs/:id", s.getJob)
		api.GET("/jobs/:id/units", s.listUnits)
		api.GET("/jobs/:id/units/:unitID", s.getUnit)
		api.GET("/jobs/:id/logs", s.listLogs)
		api.GET("/jobs/:id/activity", s.activity)
		api.GET("/jobs/:id/cost", s.cost)
	}
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "db": s.store.Path()})
}

func (s *Server) listJobs(c *gin.Context) {
	limit := intQuery(c, "limit", 20)
	status := store.JobStatus(c.Query("status"))

	jobs, err := s.store.ListJobs(limit, status)
	if err != nil {
		serverError(c, err)
		return
	}

	out := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobSummary(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) getJob(c *gin.Context) {
	job, ok := s.loadJob(c)
	if !ok {
		return
	}

	execStatus, err := executor.ExecutorStatus(s.store, job.JobID)
	if err != nil {
		serverError(c, err)
		return
	}
	counts, err := s.store.CountUnitsByStatus(job.JobID)
	if err != nil {
		serverError(c, err)
		return
	}

	body := jobSummary(job)
	body["description"] = job.Description
	body["worker_prompt_template"] = job.WorkerPromptTemplate
	body["post_processing_prompt"] = job.PostProcessingPrompt
	body["post_processing_unit_id"] = job.PostProcessingUnitID
	body["bypass_failures"] = job.BypassFailures
	body["test_unit_id"] = job.TestUnitID
	body["test_passed"] = job.TestPassed
	body["metadata"] = job.Metadata
	body["executor"] = execStatus
	body["unit_stats"] = counts
	c.JSON(http.StatusOK, body)
}

func (s *Server) listUnits(c *gin.Context) {
	job, ok := s.loadJob(c)
	if !ok {
		return
	}

	units, err := s.store.UnitsForJob(job.JobID,
		store.UnitStatus(c.Query("status")),
		intQuery(c, "limit", 100),
		intQuery(c, "offset", 0))
	if err != nil {
		serverError(c, err)
		return
	}

	out := make([]gin.H, 0, len(units))
	for _, unit := range units {
		out = append(out, gin.H{
			"unit_id":                unit.UnitID,
			"unit_type":              unit.UnitType,
			"status":                 unit.Status,
			"payload":                unit.Payload,
			"retry_count":            unit.RetryCount,
			"error":                  unit.Error,
			"execution_time_seconds": unit.ExecutionTimeSeconds,
			"cost_usd":               unit.CostUSD,
			"created_at":             unit.CreatedAt,
			"completed_at":           unit.CompletedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"units": out})
}

func (s *Server) getUnit(c *gin.Context) {
	job, ok := s.loadJob(c)
	if !ok {
		return
	}
	unit, err := s.store.GetWorkUnit(c.Param("unitID"))
	if err != nil {
		serverError(c, err)
		return
	}
	if unit == nil || unit.JobID != job.JobID {
		c.JSON(http.StatusNotFound, gin.H{"error": "work unit not found"})
		return
	}
	c.JSON(http.StatusOK, unit)
}

func (s *Server) listLogs(c *gin.Context) {
	job, ok := s.loadJob(c)
	if !ok {
		return
	}

	filter := store.LogFilter{
		Source: c.Query("source"),
		Level:  c.Query("level"),
		Limit:  intQuery(c, "limit", 100),
		Offset: intQuery(c, "offset", 0),
	}
	if since := c.Query("since"); since != "" {
		if t, err := time.Parse(time.RFC3339Nano, since); err == nil {
			filter.Since = &t
		}
	}

	logs, err := s.store.Logs(job.JobID, filter)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// activity reports the in-flight units with their latest conversation event,
// the payload the dashboard polls for its live view.
func (s *Server) activity(c *gin.Context) {
	job, ok := s.loadJob(c)
	if !ok {
		return
	}
	units, err := s.store.ActiveUnitsWithLatestEvent(job.JobID)
	if err != nil {
		serverError(c, err)
		return
	}
	if units == nil {
		units = []*store.ActiveUnit{}
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":       job.JobID,
		"status":       job.Status,
		"active_units": units,
	})
}

func (s *Server) cost(c *gin.Context) {
	job, ok := s.loadJob(c)
	if !ok {
		return
	}
	total, err := s.store.JobTotalCost(job.JobID)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":         job.JobID,
		"total_cost_usd": total,
	})
}

func (s *Server) loadJob(c *gin.Context) (*store.Job, bool) {
	job, err := s.store.GetJob(c.Param("id"))
	if err != nil {
		serverError(c, err)
		return nil, false
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return nil, false
	}
	return job, true
}

func jobSummary(job *store.Job) gin.H {
	return gin.H{
		"job_id":          job.JobID,
		"name":            job.Name,
		"status":          job.Status,
		"unit_type":       job.UnitType,
		"total_units":     job.TotalUnits,
		"completed_units": job.CompletedUnits,
		"failed_units":    job.FailedUnits,
		"max_workers":     job.MaxWorkers,
		"percentage":      job.ProgressPercentage(),
		"created_at":      job.CreatedAt,
		"started_at":      job.StartedAt,
		"completed_at":    job.CompletedAt,
	}
}

func serverError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
