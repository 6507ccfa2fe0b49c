package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/atpinstall/internal/app"
	"github.com/loykin/atpinstall/internal/cloud"
	"github.com/loykin/atpinstall/internal/job"
	"github.com/loykin/atpinstall/internal/metrics"
	"github.com/loykin/atpinstall/internal/migration"
	"github.com/loykin/atpinstall/internal/modules"
	"github.com/loykin/atpinstall/internal/process"
	"github.com/loykin/atpinstall/internal/runner"
)

// Router exposes the installer operations over HTTP. Long operations are
// submitted as jobs and answered with 202 and a job id; progress is streamed
// on GET {basePath}/events as server-sent events.
type Router struct {
	app      *app.App
	basePath string
	metrics  bool
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(a *app.App, basePath string, withMetrics bool) *Router {
	return &Router{app: a, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	group.GET("/events", r.handleEvents)

	group.POST("/install", r.handleInstall)
	group.POST("/deploy", r.handleDeploy)

	group.POST("/dev/start-all", r.handleStartAll)
	group.POST("/dev/:id/:action", r.handleDev)
	group.GET("/dev/status", r.handleDevStatus)

	group.POST("/aws/scan", r.handleScan)
	group.GET("/aws/inventory", r.handleInventory)
	group.GET("/aws/profiles", r.handleProfiles)
	group.POST("/aws/ensure/:kind", r.handleEnsure)

	group.GET("/modules", r.handleModules)
	group.POST("/modules/sync", r.handleModuleSync)

	group.GET("/migration/status", r.handleMigrationStatus)
	group.POST("/migration/:action", r.handleMigration)

	group.GET("/prerequisites", r.handlePrerequisites)
	group.POST("/prerequisites/:tool/install", r.handleInstallTool)
	group.GET("/jobs", r.handleJobs)
	group.GET("/jobs/:id", r.handleJob)
	group.DELETE("/jobs/:id", r.handleCancelJob)
	group.GET("/history", r.handleHistory)

	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer returns an http.Server for h. WriteTimeout is left unset so the
// event stream stays open.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
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

type jobResp struct {
	JobID string `json:"job_id"`
}

func (r *Router) submit(c *gin.Context, kind, target string, fn job.Func) {
	id, err := r.app.Submit(kind, target, fn)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, jobResp{JobID: id})
}

// runAndWait runs fn as a job so it is recorded, and answers with its outcome.
func (r *Router) runAndWait(c *gin.Context, kind, target string, fn job.Func) {
	id, err := r.app.Submit(kind, target, fn)
	if err != nil {
		writeError(c, err)
		return
	}
	j, err := r.app.Jobs.Wait(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if j.Phase == job.PhaseFailed {
		writeJSON(c, http.StatusUnprocessableEntity, j)
		return
	}
	writeJSON(c, http.StatusOK, j)
}

func (r *Router) handleEvents(c *gin.Context) {
	ch, cancel := r.app.Hub.Subscribe(64)
	defer cancel()
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Kind), e)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (r *Router) handleInstall(c *gin.Context) {
	r.submit(c, job.KindInstall, "", r.app.Install)
}

func (r *Router) handleDeploy(c *gin.Context) {
	target := c.DefaultQuery("target", "all")
	r.submit(c, job.KindDeploy, target, func(ctx context.Context) error {
		return r.app.Deploy(ctx, target)
	})
}

func (r *Router) handleStartAll(c *gin.Context) {
	r.runAndWait(c, job.KindDev, "all", func(context.Context) error {
		return r.app.StartAll()
	})
}

func (r *Router) handleDev(c *gin.Context) {
	id := c.Param("id")
	if err := process.ValidateTarget(id, process.Targets); err != nil {
		writeError(c, err)
		return
	}
	var fn func(string) error
	switch c.Param("action") {
	case "start":
		fn = r.app.StartDev
	case "stop":
		fn = r.app.StopDev
	case "restart":
		fn = r.app.RestartDev
	default:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown action: " + c.Param("action")})
		return
	}
	r.runAndWait(c, job.KindDev, id, func(context.Context) error { return fn(id) })
}

func (r *Router) handleDevStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.app.Supervisor.Describe())
}

func (r *Router) handleScan(c *gin.Context) {
	r.submit(c, job.KindAwsScan, "", func(ctx context.Context) error {
		r.app.ScanAWS(ctx)
		return nil
	})
}

func (r *Router) handleInventory(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.app.Inventory().Resources())
}

func (r *Router) handleProfiles(c *gin.Context) {
	profiles, err := cloud.Profiles(cloud.DefaultCredentialsPath())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, profiles)
}

func (r *Router) handleEnsure(c *gin.Context) {
	kind := c.Param("kind")
	name := c.Query("name")
	if name != "" && !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	switch kind {
	case app.EnsureBucket, app.EnsureRole, app.EnsureCertificate:
	case app.EnsureDistribution:
		if err := process.ValidateTarget(name, process.Targets); err != nil {
			writeError(c, err)
			return
		}
	default:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown resource kind: " + kind})
		return
	}
	r.submit(c, job.KindEnsure, kind+":"+name, func(ctx context.Context) error {
		_, err := r.app.Ensure(ctx, kind, name)
		return err
	})
}

type modulesResp struct {
	Catalog  []modules.Module `json:"catalog"`
	Selected []string         `json:"selected"`
}

func (r *Router) handleModules(c *gin.Context) {
	writeJSON(c, http.StatusOK, modulesResp{Catalog: r.app.Catalog.All(), Selected: r.app.Config().Modules})
}

type syncReq struct {
	Modules []string `json:"modules"`
}

func (r *Router) handleModuleSync(c *gin.Context) {
	var req syncReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if unknown := r.app.Catalog.Unknown(req.Modules); len(unknown) > 0 {
		writeError(c, fmt.Errorf("%w: %s", modules.ErrUnknownModule, strings.Join(unknown, ", ")))
		return
	}
	r.submit(c, job.KindModuleSync, "", func(ctx context.Context) error {
		_, err := r.app.SyncModules(ctx, req.Modules)
		return err
	})
}

func (r *Router) migrationEnv(c *gin.Context) (string, bool) {
	env := c.DefaultQuery("env", "local")
	if !migration.ValidEnv(env) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid env: want local or prod"})
		return "", false
	}
	return env, true
}

func (r *Router) handleMigrationStatus(c *gin.Context) {
	env, ok := r.migrationEnv(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r.app.Probe().GetStatus(c.Request.Context(), env))
}

func (r *Router) handleMigration(c *gin.Context) {
	env, ok := r.migrationEnv(c)
	if !ok {
		return
	}
	probe := r.app.Probe()
	var fn func(context.Context, string) error
	switch c.Param("action") {
	case "sync":
		fn = probe.RunSync
	case "setup":
		fn = probe.RunSetup
	default:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown action: " + c.Param("action")})
		return
	}
	r.submit(c, job.KindMigration, c.Param("action")+":"+env, func(ctx context.Context) error {
		return fn(ctx, env)
	})
}

func (r *Router) handleInstallTool(c *gin.Context) {
	id := c.Param("tool")
	if _, err := runner.LookupTool(id); err != nil {
		writeError(c, err)
		return
	}
	r.submit(c, job.KindTool, id, func(ctx context.Context) error {
		return r.app.InstallTool(ctx, id)
	})
}

func (r *Router) handlePrerequisites(c *gin.Context) {
	writeJSON(c, http.StatusOK, runner.CheckTools(c.Request.Context(), r.app.Runner, runner.Prerequisites))
}

func (r *Router) handleJobs(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.app.Jobs.List())
}

func (r *Router) handleJob(c *gin.Context) {
	j, ok := r.app.Jobs.Get(c.Param("id"))
	if !ok {
		writeError(c, job.ErrNotFound)
		return
	}
	writeJSON(c, http.StatusOK, j)
}

func (r *Router) handleCancelJob(c *gin.Context) {
	if err := r.app.Jobs.Cancel(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHistory(c *gin.Context) {
	recs, err := r.app.Recent(c.Request.Context(), queryInt(c, "limit", 50))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}
