package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"statpulse/internal/engine"
	"statpulse/internal/model"
	"statpulse/internal/quota"
	"statpulse/internal/store"
)

// Server exposes the pipeline to the dashboard layer: start/resume a cycle,
// poll its status, stop it cooperatively, and read the quota ledger.
type Server struct {
	engine *engine.Engine
	quota  *quota.Tracker
	log    *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(eng *engine.Engine, tracker *quota.Tracker, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine:  eng,
		quota:   tracker,
		log:     log,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Routes builds the echo instance with all handlers registered.
func (s *Server) Routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/v1")
	v1.POST("/surveys/:survey/cycles", s.handleStartCycle)
	v1.GET("/surveys/:survey/cycles/current", s.handleCycleStatus)
	v1.DELETE("/surveys/:survey/cycles/current", s.handleStopCycle)
	v1.GET("/quota", s.handleQuota)

	return e
}

type credentialsRequest struct {
	APIKey    string `json:"api_key"`
	UserAgent string `json:"user_agent"`
}

type startCycleRequest struct {
	Force       bool                `json:"force"`
	MaxRequests int                 `json:"max_requests"`
	Category    string              `json:"category"`
	SeedSeries  bool                `json:"seed_series"`
	Credentials *credentialsRequest `json:"credentials"`
}

type cycleResponse struct {
	CycleID             string     `json:"cycle_id"`
	SurveyCode          string     `json:"survey_code"`
	State               string     `json:"state"`
	HaltReason          string     `json:"halt_reason,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	SeriesTotal         int        `json:"series_total"`
	SeriesUpdated       int        `json:"series_updated"`
	ObservationsWritten int        `json:"observations_written"`
	RequestsUsed        int        `json:"requests_used"`
	Resumable           bool       `json:"resumable"`
	CreatedAt           time.Time  `json:"created_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

type quotaResponse struct {
	Date      string `json:"date"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartCycle(c echo.Context) error {
	surveyCode := c.Param("survey")

	var body startCycleRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	req := engine.StartRequest{
		SurveyCode:  surveyCode,
		Category:    body.Category,
		Force:       body.Force,
		MaxRequests: body.MaxRequests,
		SeedSeries:  body.SeedSeries,
	}
	if body.Credentials != nil {
		req.APIKey = body.Credentials.APIKey
		req.UserAgent = body.Credentials.UserAgent
	}

	s.mu.Lock()
	if _, busy := s.cancels[surveyCode]; busy {
		s.mu.Unlock()
		return c.JSON(http.StatusConflict, errorResponse{Error: "cycle already running"})
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancels[surveyCode] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.cancels, surveyCode)
			s.mu.Unlock()
		}()

		summary, err := s.engine.Run(runCtx, req)
		if err != nil {
			s.log.Error("cycle run failed",
				zap.String("survey", surveyCode),
				zap.Error(err),
			)
			return
		}
		s.log.Info("cycle run finished",
			zap.String("survey", surveyCode),
			zap.String("state", string(summary.State)),
			zap.Int("series_updated", summary.SeriesUpdated),
			zap.Int("failed_batches", len(summary.FailedBatches)),
		)
	}()

	return c.JSON(http.StatusAccepted, map[string]string{
		"survey_code": surveyCode,
		"status":      "started",
	})
}

func (s *Server) handleCycleStatus(c echo.Context) error {
	surveyCode := c.Param("survey")

	cycle, err := s.engine.Status(c.Request().Context(), surveyCode)
	if errors.Is(err, engine.ErrUnknownSurvey) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if errors.Is(err, store.ErrNoCycle) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "no cycle for survey"})
	}
	if err != nil {
		s.log.Error("status lookup failed", zap.String("survey", surveyCode), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}

	return c.JSON(http.StatusOK, toCycleResponse(cycle))
}

func (s *Server) handleStopCycle(c echo.Context) error {
	surveyCode := c.Param("survey")

	s.mu.Lock()
	cancel, ok := s.cancels[surveyCode]
	s.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "no running cycle"})
	}

	// Cooperative stop: the engine finishes the in-flight batch commit
	// before honoring the cancellation.
	cancel()
	return c.JSON(http.StatusAccepted, map[string]string{
		"survey_code": surveyCode,
		"status":      "stopping",
	})
}

func (s *Server) handleQuota(c echo.Context) error {
	ledger, err := s.quota.Status(c.Request().Context())
	if err != nil {
		s.log.Error("quota lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
	return c.JSON(http.StatusOK, quotaResponse{
		Date:      ledger.Date,
		Used:      ledger.Used,
		Limit:     ledger.Limit,
		Remaining: ledger.Remaining(),
	})
}

func toCycleResponse(cycle *model.UpdateCycle) cycleResponse {
	return cycleResponse{
		CycleID:             cycle.ID.String(),
		SurveyCode:          cycle.SurveyCode,
		State:               string(cycle.State),
		HaltReason:          string(cycle.HaltReason),
		LastError:           cycle.LastError,
		SeriesTotal:         cycle.TotalSeries,
		SeriesUpdated:       cycle.SeriesUpdated,
		ObservationsWritten: cycle.ObservationsWritten,
		RequestsUsed:        cycle.RequestsUsed,
		Resumable:           cycle.Resumable(),
		CreatedAt:           cycle.CreatedAt,
		CompletedAt:         cycle.CompletedAt,
	}
}
