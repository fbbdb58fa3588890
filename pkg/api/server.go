package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/events"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/log"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/metrics"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/orchestrator"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/security"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/status"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
)

// Server is the HTTP surface of the controller
type Server struct {
	echo    *echo.Echo
	store   storage.Store
	orch    *orchestrator.Orchestrator
	hub     *events.Hub
	status  *status.Service
	secrets *security.SecretsManager
}

// Config carries the server's collaborators
type Config struct {
	Store        storage.Store
	Orchestrator *orchestrator.Orchestrator
	Hub          *events.Hub
	Status       *status.Service
	Secrets      *security.SecretsManager
}

// New creates the server and registers all routes
func New(cfg Config) *Server {
	s := &Server{
		store:   cfg.Store,
		orch:    cfg.Orchestrator,
		hub:     cfg.Hub,
		status:  cfg.Status,
		secrets: cfg.Secrets,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.instrument)

	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api")

	api.POST("/clusters/new", s.createCluster)
	api.POST("/clusters/register", s.registerCluster)
	api.GET("/clusters", s.listClusters)
	api.GET("/clusters/:id", s.getCluster)
	api.PUT("/clusters/:id", s.updateCluster)
	api.DELETE("/clusters/:id", s.deleteCluster)
	api.POST("/clusters/:id/scale/add", s.scaleAdd)
	api.POST("/clusters/:id/scale/remove", s.scaleRemove)
	api.POST("/clusters/:id/preflight-check", s.preflightCheck)
	api.POST("/clusters/:id/fetch-kubeconfig", s.fetchKubeconfig)
	api.POST("/clusters/:id/upload-kubeconfig", s.uploadKubeconfig)
	api.GET("/clusters/:id/status", s.clusterStatus)
	api.POST("/clusters/:id/refresh", s.refreshStatus)

	api.POST("/credentials", s.createCredential)
	api.GET("/credentials", s.listCredentials)
	api.GET("/credentials/:id", s.getCredential)
	api.DELETE("/credentials/:id", s.deleteCredential)
	api.POST("/credentials/test-access", s.testAccess)

	api.POST("/jobs/install/:cluster_id", s.installCluster)
	api.POST("/jobs/uninstall/:cluster_id", s.uninstallCluster)
	api.GET("/jobs", s.listJobs)
	api.GET("/jobs/:id", s.getJob)
	api.POST("/jobs/:id/terminate", s.terminateJob)
	api.GET("/jobs/:id/stream", s.streamJob)

	s.echo = e
	return s
}

// Start serves until Shutdown or a listener error
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// instrument records request counts and latency per route
func (s *Server) instrument(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		timer := metrics.NewTimer()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		method := c.Request().Method
		path := c.Path()
		metrics.APIRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Response().Status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, method, path)
		return nil
	}
}

type errorBody struct {
	Detail string `json:"detail"`
}

// httpError maps domain errors onto the API's status codes. Lock conflicts
// and uniqueness violations are 409, guardrail refusals 400, missing
// entities 404, everything else a logged 500.
func (s *Server) httpError(c echo.Context, err error) error {
	var busy *storage.LockBusyError
	if errors.As(err, &busy) {
		return c.JSON(http.StatusConflict, errorBody{Detail: busy.Error()})
	}
	var rejection *orchestrator.RejectionError
	if errors.As(err, &rejection) {
		return c.JSON(http.StatusBadRequest, errorBody{Detail: rejection.Reason})
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Detail: err.Error()})
	case errors.Is(err, storage.ErrConflict):
		return c.JSON(http.StatusConflict, errorBody{Detail: err.Error()})
	case errors.Is(err, orchestrator.ErrJobNotRunning):
		return c.JSON(http.StatusConflict, errorBody{Detail: err.Error()})
	}

	log.WithComponent("api").Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return c.JSON(http.StatusInternalServerError, errorBody{Detail: "internal server error"})
}

func badRequest(c echo.Context, detail string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Detail: detail})
}

// pathID parses a numeric path parameter
func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}
