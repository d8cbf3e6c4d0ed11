package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mbaren/dealboard/internal/auth"
	"github.com/mbaren/dealboard/internal/config"
	"github.com/mbaren/dealboard/internal/db"
	"github.com/mbaren/dealboard/internal/forecast"
	"github.com/mbaren/dealboard/internal/fx"
	"github.com/mbaren/dealboard/internal/hubspot"
	"github.com/mbaren/dealboard/internal/models"
	dealsync "github.com/mbaren/dealboard/internal/sync"
)

type Server struct {
	Store   *db.Store
	Rates   *fx.Service
	Regions *config.Registry
	Echo    *echo.Echo
	DB      *pgxpool.Pool

	// newCRM builds the per-region CRM client; tests swap it out.
	newCRM func(region config.Region) dealsync.CRM

	// Background job tracking
	jobMu      sync.Mutex
	runningJob *backgroundJob

	log *logrus.Entry
}

type backgroundJob struct {
	ID        string             `json:"id"`
	Region    string             `json:"region"`
	Status    string             `json:"status"` // running, completed, failed
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Result    any                `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Cancel    context.CancelFunc `json:"-"`
}

func NewServer(pool *pgxpool.Pool, regions *config.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// CORS: allow frontend origins from env or default to localhost
	allowedOrigins := []string{"http://localhost:5173"}
	if extra := os.Getenv("CORS_ORIGINS"); extra != "" {
		for _, o := range strings.Split(extra, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	store := db.NewStore(pool)
	s := &Server{
		DB:      pool,
		Store:   store,
		Rates:   fx.NewService(store),
		Regions: regions,
		Echo:    e,
		newCRM: func(region config.Region) dealsync.CRM {
			return hubspot.NewClient(region.Token())
		},
		log: logrus.WithField("component", "api"),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)

	api := s.Echo.Group("/api/v1")
	api.Use(auth.Middleware)

	api.GET("/regions", s.handleListRegions)

	api.POST("/sync/:region", s.handleTriggerSync)
	api.POST("/sync/:region/background", s.handleTriggerSyncBackground)
	api.GET("/sync/jobs/:id", s.handleJobStatus)
	api.GET("/sync/:region/logs", s.handleListSyncLogs)

	api.GET("/forecast/:region", s.handleGetForecast)

	api.GET("/targets/:region", s.handleListTargets)
	api.PUT("/targets/:region", s.handleUpsertTarget)

	api.GET("/crm/:region/test", s.handleTestCRM)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// region resolves the :region path param and enforces region access for the
// caller. The permission check is separate and per-route.
func (s *Server) region(c echo.Context) (config.Region, error) {
	code := c.Param("region")
	region, ok := s.Regions.Find(code)
	if !ok {
		return config.Region{}, echo.NewHTTPError(http.StatusNotFound, "unknown region "+code)
	}
	if _, err := auth.RequireRegionAccess(auth.FromContext(c), region.Code); err != nil {
		return config.Region{}, authError(err)
	}
	return region, nil
}

func authError(err error) error {
	if errors.Is(err, auth.ErrUnauthorized) {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return echo.NewHTTPError(http.StatusForbidden, err.Error())
}

func (s *Server) handleListRegions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Regions.Regions)
}

// syncRequest is the optional body for sync triggers. Dates are YYYY-MM-DD.
type syncRequest struct {
	StartDate     string   `json:"start_date"`
	EndDate       string   `json:"end_date"`
	Stages        []string `json:"stages"`
	OwnerID       string   `json:"owner_id"`
	MaxDeals      int      `json:"max_deals"`
	SkipLineItems bool     `json:"skip_line_items"`
}

func (r syncRequest) options(trigger string) (dealsync.Options, error) {
	opts := dealsync.Options{
		Stages:         r.Stages,
		OwnerID:        r.OwnerID,
		MaxDealsPerRun: r.MaxDeals,
		SkipLineItems:  r.SkipLineItems,
		TriggerType:    trigger,
	}
	if r.StartDate != "" {
		t, err := time.Parse("2006-01-02", r.StartDate)
		if err != nil {
			return opts, errors.New("invalid start_date, want YYYY-MM-DD")
		}
		opts.CloseDateStart = &t
	}
	if r.EndDate != "" {
		t, err := time.Parse("2006-01-02", r.EndDate)
		if err != nil {
			return opts, errors.New("invalid end_date, want YYYY-MM-DD")
		}
		opts.CloseDateEnd = &t
	}
	return opts, nil
}

func (s *Server) handleTriggerSync(c echo.Context) error {
	if _, err := auth.RequirePermission(auth.FromContext(c), auth.PermTriggerSync); err != nil {
		return authError(err)
	}
	region, err := s.region(c)
	if err != nil {
		return err
	}

	var req syncRequest
	if err := c.Bind(&req); err != nil && err != echo.ErrUnsupportedMediaType {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	opts, err := req.options("api")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	engine := dealsync.NewEngine(s.newCRM(region), s.Store, s.Rates, region)
	result := engine.Run(c.Request().Context(), opts)
	if !result.Success {
		return c.JSON(http.StatusBadGateway, result)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleTriggerSyncBackground(c echo.Context) error {
	if _, err := auth.RequirePermission(auth.FromContext(c), auth.PermTriggerSync); err != nil {
		return authError(err)
	}
	region, err := s.region(c)
	if err != nil {
		return err
	}

	var req syncRequest
	if err := c.Bind(&req); err != nil && err != echo.ErrUnsupportedMediaType {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	opts, err := req.options("api")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	s.jobMu.Lock()
	if s.runningJob != nil && s.runningJob.Status == "running" {
		job := s.runningJob
		s.jobMu.Unlock()
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":  "a sync job is already running",
			"job_id": job.ID,
		})
	}

	// context.WithoutCancel detaches from the HTTP lifecycle but preserves
	// trace values. We add our own timeout for safety.
	jobCtx, jobCancel := context.WithTimeout(
		context.WithoutCancel(c.Request().Context()), 30*time.Minute,
	)

	jobID := uuid.New().String()[:8]
	job := &backgroundJob{
		ID:        jobID,
		Region:    region.Code,
		Status:    "running",
		StartedAt: time.Now(),
		Cancel:    jobCancel,
	}
	s.runningJob = job
	s.jobMu.Unlock()

	// Run in background goroutine; the caller gets 202 immediately.
	go func() {
		defer jobCancel()
		engine := dealsync.NewEngine(s.newCRM(region), s.Store, s.Rates, region)
		result := engine.Run(jobCtx, opts)

		s.jobMu.Lock()
		job.EndedAt = time.Now()
		job.Result = result
		if result.Success {
			job.Status = "completed"
		} else {
			job.Status = "failed"
			job.Error = strings.Join(result.Errors, "; ")
		}
		s.jobMu.Unlock()
		s.log.WithFields(logrus.Fields{"job": jobID, "region": region.Code, "status": job.Status}).Info("background sync finished")
	}()

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"message": "sync job started",
		"job_id":  jobID,
		"poll":    "/api/v1/sync/jobs/" + jobID,
	})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	queried := c.Param("id")

	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	job := s.runningJob
	if job == nil || job.ID != queried {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}

	resp := map[string]interface{}{
		"id":         job.ID,
		"region":     job.Region,
		"status":     job.Status,
		"started_at": job.StartedAt,
	}
	if !job.EndedAt.IsZero() {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListSyncLogs(c echo.Context) error {
	region, err := s.region(c)
	if err != nil {
		return err
	}

	limit := 0
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 {
		limit = v
	}
	logs, err := s.Store.ListSyncLogs(c.Request().Context(), region.Code, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, logs)
}

func (s *Server) handleGetForecast(c echo.Context) error {
	if _, err := auth.RequirePermission(auth.FromContext(c), auth.PermViewForecast); err != nil {
		return authError(err)
	}
	region, err := s.region(c)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	year := now.Year()
	quarter := int(now.Month()-1)/3 + 1
	if v, err := strconv.Atoi(c.QueryParam("year")); err == nil && v > 0 {
		year = v
	}
	if v, err := strconv.Atoi(c.QueryParam("quarter")); err == nil && v >= 1 && v <= 4 {
		quarter = v
	}
	ownerName := strings.TrimSpace(c.QueryParam("owner"))

	var pipelineID *uuid.UUID
	if raw := c.QueryParam("pipeline_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid pipeline_id"})
		}
		pipelineID = &id
	}

	ctx := c.Request().Context()
	deals, err := s.Store.ListDealsForQuarter(ctx, region.Code, year, quarter, pipelineID, ownerName)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	targetSet := true
	var targetAmount float64
	target, err := s.Store.ResolveTarget(ctx, region.Code, pipelineID, year, quarter, ownerName)
	switch {
	case err == nil:
		targetAmount = target.Amount
	case errors.Is(err, db.ErrTargetNotSet):
		targetSet = false
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	summary := forecast.Compute(deals, targetAmount)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"region":     region.Code,
		"year":       year,
		"quarter":    quarter,
		"target_set": targetSet,
		"forecast":   summary,
	})
}

func (s *Server) handleListTargets(c echo.Context) error {
	region, err := s.region(c)
	if err != nil {
		return err
	}

	year := 0
	if v, err := strconv.Atoi(c.QueryParam("year")); err == nil && v > 0 {
		year = v
	}
	targets, err := s.Store.ListTargets(c.Request().Context(), region.Code, year)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, targets)
}

type targetRequest struct {
	PipelineID *uuid.UUID `json:"pipeline_id"`
	Year       int        `json:"year"`
	Quarter    int        `json:"quarter"`
	OwnerName  string     `json:"owner_name"` // empty = team-level target
	Amount     float64    `json:"amount"`
}

func (s *Server) handleUpsertTarget(c echo.Context) error {
	if _, err := auth.RequirePermission(auth.FromContext(c), auth.PermManageTargets); err != nil {
		return authError(err)
	}
	region, err := s.region(c)
	if err != nil {
		return err
	}

	var req targetRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Year < 2000 || req.Quarter < 1 || req.Quarter > 4 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "year and quarter (1-4) are required"})
	}
	if req.Amount < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "amount must be non-negative"})
	}

	target, err := s.Store.UpsertTarget(c.Request().Context(), models.Target{
		RegionCode: region.Code,
		PipelineID: req.PipelineID,
		Year:       req.Year,
		Quarter:    req.Quarter,
		OwnerName:  strings.TrimSpace(req.OwnerName),
		Amount:     req.Amount,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, target)
}

func (s *Server) handleTestCRM(c echo.Context) error {
	region, err := s.region(c)
	if err != nil {
		return err
	}

	type connectionTester interface {
		TestConnection(ctx context.Context) (bool, string)
	}
	tester, ok := s.newCRM(region).(connectionTester)
	if !ok {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "connection test unavailable"})
	}

	ok, detail := tester.TestConnection(c.Request().Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	return c.JSON(status, map[string]interface{}{
		"region":    region.Code,
		"connected": ok,
		"detail":    detail,
	})
}

// Start runs the HTTP server until the listener fails.
func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}
