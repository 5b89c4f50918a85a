package apihttp

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"warden/internal/deployment"
	"warden/internal/lifecycle"
	"warden/internal/scheduler"
	"warden/internal/store"
	"warden/internal/store/cyclelog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DeploymentService is implemented by *lifecycle.Controller.
type DeploymentService interface {
	Create(ctx context.Context, params deployment.CreateParams, now time.Time) (*deployment.Deployment, error)
	Get(ctx context.Context, id string) (*deployment.Deployment, error)
	Delete(ctx context.Context, id string) error
	Pause(ctx context.Context, id string, now time.Time) (lifecycle.ActionResult, error)
	Resume(ctx context.Context, id string, now time.Time) (lifecycle.ActionResult, error)
	Stop(ctx context.Context, id string, now time.Time) (lifecycle.ActionResult, error)
	ClearError(ctx context.Context, id string, now time.Time) (lifecycle.ActionResult, error)
	UpdateDailyLimit(ctx context.Context, id string, limit *int, now time.Time) (lifecycle.ActionResult, error)
	Signals(ctx context.Context, id string, limit int) ([]store.SignalRecord, error)
	Diagnostics(ctx context.Context, id string, now time.Time) (lifecycle.Diagnostics, error)
}

// CycleTrigger is implemented by *scheduler.Dispatcher.
type CycleTrigger interface {
	RunNow(ctx context.Context, id string) (lifecycle.CycleResult, error)
	Status() scheduler.MonitorStatus
}

// CycleJournal is implemented by *cyclelog.CycleLogStore.
type CycleJournal interface {
	Recent(ctx context.Context, q cyclelog.Query) ([]cyclelog.CycleLogRecord, error)
	CountSince(ctx context.Context, since time.Time) (map[string]int, error)
}

const (
	defaultSignalLimit = 50
	maxSignalLimit     = 500
)

// Router 暴露 /api 下的部署管理接口。
type Router struct {
	svc        DeploymentService
	dispatcher CycleTrigger
	journal    CycleJournal
	now        func() time.Time
}

func NewRouter(svc DeploymentService, dispatcher CycleTrigger, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{svc: svc, dispatcher: dispatcher, now: now}
}

// Register 将路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/deployments", r.handleCreate)
	group.GET("/deployments/:id", r.handleGet)
	group.DELETE("/deployments/:id", r.handleDelete)
	group.POST("/deployments/:id/pause", r.action(r.svc.Pause))
	group.POST("/deployments/:id/resume", r.action(r.svc.Resume))
	group.POST("/deployments/:id/stop", r.action(r.svc.Stop))
	group.POST("/deployments/:id/clear-error", r.action(r.svc.ClearError))
	group.PUT("/deployments/:id/daily-limit", r.handleDailyLimit)
	group.GET("/deployments/:id/diagnostics", r.handleDiagnostics)
	group.GET("/deployments/:id/signals", r.handleSignals)
	if r.journal != nil {
		group.GET("/deployments/:id/cycles", r.handleCycles)
		group.GET("/monitor/cycles", r.handleCycleCounts)
	}
	if r.dispatcher != nil {
		group.POST("/deployments/:id/run", r.handleRun)
		group.GET("/monitor/status", r.handleMonitorStatus)
	}
}

func (r *Router) handleCreate(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, err := req.toParams()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := r.svc.Create(c.Request.Context(), params, r.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newDeploymentView(d))
}

func (req CreateRequest) toParams() (deployment.CreateParams, error) {
	kind, err := deployment.ParseKind(req.Kind)
	if err != nil {
		return deployment.CreateParams{}, err
	}
	tier, err := deployment.ParseTier(req.Tier)
	if err != nil {
		return deployment.CreateParams{}, err
	}
	exec := deployment.Execution{
		SimulatedMode: req.SimulatedMode,
		StakeUSD:      req.StakeUSD,
		Exchange:      strings.TrimSpace(req.Exchange),
	}
	if strings.TrimSpace(req.Environment) != "" {
		env, err := deployment.ParseEnvironment(req.Environment)
		if err != nil {
			return deployment.CreateParams{}, err
		}
		exec.Environment = env
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	return deployment.CreateParams{
		ID:         id,
		StrategyID: req.StrategyID,
		UserID:     req.UserID,
		Name:       req.Name,
		Symbols:    req.Symbols,
		Kind:       kind,
		Tier:       tier,
		Execution:  exec,
	}, nil
}

func (r *Router) handleGet(c *gin.Context) {
	d, err := r.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDeploymentView(d))
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type actionFunc func(ctx context.Context, id string, now time.Time) (lifecycle.ActionResult, error)

func (r *Router) action(fn actionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := fn(c.Request.Context(), c.Param("id"), r.now())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newActionResponse(res))
	}
}

func (r *Router) handleDailyLimit(c *gin.Context) {
	var req DailyLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := r.svc.UpdateDailyLimit(c.Request.Context(), c.Param("id"), req.Limit, r.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newActionResponse(res))
}

func (r *Router) handleDiagnostics(c *gin.Context) {
	diag, err := r.svc.Diagnostics(c.Request.Context(), c.Param("id"), r.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, diag)
}

func (r *Router) handleSignals(c *gin.Context) {
	limit, err := parseLimit(c.DefaultQuery("limit", ""))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	records, err := r.svc.Signals(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []store.SignalRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"signals": records, "count": len(records)})
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultSignalLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxSignalLimit {
		n = maxSignalLimit
	}
	return n, nil
}

func (r *Router) handleRun(c *gin.Context) {
	res, err := r.dispatcher.RunNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) handleMonitorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.dispatcher.Status())
}

func (r *Router) handleCycles(c *gin.Context) {
	limit, err := parseLimit(c.DefaultQuery("limit", ""))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	records, err := r.journal.Recent(c.Request.Context(), cyclelog.Query{
		DeploymentID: c.Param("id"),
		Outcome:      strings.TrimSpace(c.Query("outcome")),
		Limit:        limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []cyclelog.CycleLogRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"cycles": records, "count": len(records)})
}

// handleCycleCounts 统计最近 hours 小时（默认 24）内各 outcome 的周期数。
func (r *Router) handleCycleCounts(c *gin.Context) {
	hours := 24
	if raw := strings.TrimSpace(c.Query("hours")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
			return
		}
		hours = n
	}
	since := r.now().Add(-time.Duration(hours) * time.Hour)
	counts, err := r.journal.CountSince(c.Request.Context(), since)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": since.UTC(), "outcomes": counts})
}
