package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fentz26/relay/internal/api"
	"github.com/fentz26/relay/internal/dispatch"
	"github.com/fentz26/relay/internal/models"
	"github.com/fentz26/relay/internal/queue"
	"github.com/fentz26/relay/internal/registry"
)

// sseKeepalive is the interval of comment lines on idle event streams.
const sseKeepalive = 15 * time.Second

// Server provides the HTTP API for relay.
type Server struct {
	service *Service
	addr    string
	echo    *echo.Echo
	server  *http.Server

	// closing is cancelled by Shutdown so that held-open requests (event
	// streams, parked polls) return instead of running out the deadline.
	closing     context.Context
	stopHolding context.CancelFunc
}

// NewServer creates a new HTTP server and registers its routes.
func NewServer(service *Service, addr string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler
	e.Use(middleware.Recover())

	s := &Server{service: service, addr: addr, echo: e}
	s.closing, s.stopHolding = context.WithCancel(context.Background())
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.POST("/runs", s.createRun)
	e.GET("/runs", s.listRuns)
	e.GET("/runs/:run_id", s.getRun)
	e.POST("/runs/:run_id/stop", s.stopRun)

	e.POST("/runner/register", s.registerRunner)
	e.POST("/runner/heartbeat", s.heartbeat)
	e.POST("/runner/deregister", s.deregisterRunner)
	e.GET("/runner/runs", s.poll)
	e.POST("/runner/runs/:run_id/started", s.reportStarted)
	e.POST("/runner/runs/:run_id/completed", s.reportCompleted)
	e.POST("/runner/runs/:run_id/failed", s.reportFailed)
	e.GET("/runners", s.listRunners)

	e.GET("/sessions", s.listSessions)
	e.GET("/sessions/:id", s.getSession)
	e.GET("/sessions/:id/status", s.sessionStatus)
	e.GET("/sessions/:id/result", s.sessionResult)
	e.GET("/sessions/:id/runs", s.sessionRuns)

	e.GET("/health", s.handleHealth)
	e.GET("/stats", s.stats)
	e.GET("/audit", s.listAudit)
	e.GET("/events", s.streamEvents)
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It blocks until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: runner polls and event streams are held open.
	}

	s.service.logger.Info("starting relay coordinator", "addr", s.addr, "version", Version)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Event streams end and parked
// polls answer no content right away.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopHolding()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- Run Handlers ---

func (s *Server) createRun(c echo.Context) error {
	var spec models.RunSpec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}

	run, err := s.service.CreateRun(spec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, api.CreateRunResponse{RunID: run.ID, Status: run.Status, SessionID: run.SessionID})
}

func (s *Server) listRuns(c echo.Context) error {
	f := queue.Filter{
		Status:    models.RunStatus(c.QueryParam("status")),
		SessionID: c.QueryParam("session_id"),
		RunnerID:  c.QueryParam("runner_id"),
	}
	return c.JSON(http.StatusOK, s.service.ListRuns(f))
}

func (s *Server) getRun(c echo.Context) error {
	run, err := s.service.GetRun(c.Param("run_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) stopRun(c echo.Context) error {
	run, err := s.service.StopRun(c.Param("run_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// --- Runner Handlers ---

type runnerRequest struct {
	RunnerID string `json:"runner_id"`
}

type reportRequest struct {
	RunnerID string `json:"runner_id"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) registerRunner(c echo.Context) error {
	var reg registry.Registration
	if err := c.Bind(&reg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}

	view, reconnected, err := s.service.RegisterRunner(reg)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, api.RegisterResponse{
		RunnerID:            view.ID,
		Reconnected:         reconnected,
		HeartbeatTimeoutSec: int(s.service.runners.HeartbeatTimeout() / time.Second),
		PollTimeoutSec:      int(s.service.PollTimeout() / time.Second),
	})
}

func (s *Server) bindRunner(c echo.Context) (string, error) {
	var req runnerRequest
	if err := c.Bind(&req); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	if req.RunnerID == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "runner_id is required")
	}
	return req.RunnerID, nil
}

func (s *Server) heartbeat(c echo.Context) error {
	id, err := s.bindRunner(c)
	if err != nil {
		return err
	}
	if err := s.service.Heartbeat(id); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, api.OKResponse{OK: true})
}

func (s *Server) deregisterRunner(c echo.Context) error {
	id, err := s.bindRunner(c)
	if err != nil {
		return err
	}
	if err := s.service.DeregisterRunner(id); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, api.OKResponse{OK: true})
}

func (s *Server) poll(c echo.Context) error {
	runnerID := c.QueryParam("runner_id")
	if runnerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "runner_id is required")
	}

	reqCtx := c.Request().Context()
	ctx, cancel := s.holdContext(reqCtx)
	defer cancel()

	pollFn := s.service.Poll
	if c.QueryParam("claim") == "false" {
		pollFn = s.service.PollControl
	}
	res, err := pollFn(ctx, runnerID)
	if err != nil {
		if reqCtx.Err() != nil {
			// The runner hung up; nobody is left to answer.
			return nil
		}
		if ctx.Err() != nil {
			return c.NoContent(http.StatusNoContent)
		}
		return httpError(err)
	}

	switch res.Outcome {
	case dispatch.Assigned:
		run := res.Run
		return c.JSON(http.StatusOK, api.PollResponse{Run: &run})
	case dispatch.Stop:
		cmds := make([]api.StopCommand, 0, len(res.StopRunIDs))
		for _, id := range res.StopRunIDs {
			cmds = append(cmds, api.StopCommand{RunID: id})
		}
		return c.JSON(http.StatusOK, api.PollResponse{Stop: cmds})
	case dispatch.Deregistered:
		return c.JSON(http.StatusOK, api.PollResponse{Deregistered: true})
	default:
		return c.NoContent(http.StatusNoContent)
	}
}

func (s *Server) bindReport(c echo.Context) (reportRequest, error) {
	var req reportRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	if req.RunnerID == "" {
		return req, echo.NewHTTPError(http.StatusBadRequest, "runner_id is required")
	}
	return req, nil
}

func (s *Server) reportStarted(c echo.Context) error {
	req, err := s.bindReport(c)
	if err != nil {
		return err
	}
	if _, err := s.service.ReportStarted(c.Param("run_id"), req.RunnerID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, api.OKResponse{OK: true})
}

func (s *Server) reportCompleted(c echo.Context) error {
	req, err := s.bindReport(c)
	if err != nil {
		return err
	}
	if _, err := s.service.ReportCompleted(c.Param("run_id"), req.RunnerID, req.Result); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, api.OKResponse{OK: true})
}

func (s *Server) reportFailed(c echo.Context) error {
	req, err := s.bindReport(c)
	if err != nil {
		return err
	}
	if _, err := s.service.ReportFailed(c.Param("run_id"), req.RunnerID, req.Error); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, api.OKResponse{OK: true})
}

func (s *Server) listRunners(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.ListRunners())
}

// --- Session Handlers ---

func (s *Server) listSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.ListSessions())
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.service.GetSession(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) sessionStatus(c echo.Context) error {
	sess, err := s.service.GetSession(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, api.SessionStatusResponse{
		SessionID:    sess.ID,
		Status:       sess.Status,
		CurrentRunID: sess.CurrentRunID,
	})
}

func (s *Server) sessionResult(c echo.Context) error {
	sess, err := s.service.GetSession(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, api.SessionResultResponse{
		SessionID: sess.ID,
		Status:    sess.Status,
		Result:    sess.Result,
		Error:     sess.Error,
	})
}

func (s *Server) sessionRuns(c echo.Context) error {
	runs, err := s.service.SessionRuns(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, runs)
}

// --- Observability Handlers ---

func (s *Server) handleHealth(c echo.Context) error {
	db := s.service.DBStatus(c.Request().Context())
	resp := api.HealthResponse{
		OK:      db == "ok" || db == "disabled",
		DB:      db,
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !resp.OK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) stats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.Stats())
}

func (s *Server) listAudit(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	entries, err := s.service.Audit(c.QueryParam("run_id"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

// holdContext derives a context for a held-open request that also ends when
// the server starts shutting down.
func (s *Server) holdContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.closing, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// streamEvents serves lifecycle events as server-sent events.
func (s *Server) streamEvents(c echo.Context) error {
	ctx, cancel := s.holdContext(c.Request().Context())
	defer cancel()
	ch, unsubscribe, err := s.service.Subscribe(ctx)
	if err != nil {
		return httpError(err)
	}
	defer unsubscribe()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(env)
			if err != nil {
				s.service.logger.Warn("encoding event", "event_id", env.ID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.ID, env.Type, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
