// Package api exposes the service's HTTP surface: job callbacks from the
// compute cluster and read endpoints for derived entity state.
package api

import (
	"log"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arvela/insight-go/internal/callback"
	"github.com/arvela/insight-go/internal/capability"
	"github.com/arvela/insight-go/internal/conf"
	"github.com/arvela/insight-go/internal/datastore"
	"github.com/arvela/insight-go/internal/logging"
	"github.com/arvela/insight-go/internal/observability"
	"github.com/arvela/insight-go/internal/vectorindex"
)

// Controller manages the API routes and handlers.
type Controller struct {
	Echo     *echo.Echo
	Group    *echo.Group
	DS       datastore.Interface
	Settings *conf.Settings

	processor *callback.Processor
	registry  *capability.Registry
	vectors   vectorindex.Store
	metrics   *observability.Metrics

	apiLogger      *slog.Logger
	apiLoggerClose func() error
}

// New creates the API controller and registers its routes on e.
func New(e *echo.Echo, ds datastore.Interface, settings *conf.Settings, processor *callback.Processor, registry *capability.Registry, vectors vectorindex.Store, metrics *observability.Metrics) *Controller {
	c := &Controller{
		Echo:      e,
		DS:        ds,
		Settings:  settings,
		processor: processor,
		registry:  registry,
		vectors:   vectors,
		metrics:   metrics,
	}

	var err error
	c.apiLogger, c.apiLoggerClose, err = logging.NewFileLogger(
		filepath.Join("logs", "api.log"), "api", slog.LevelInfo)
	if err != nil {
		log.Printf("Failed to initialize API file logger: %v. Using fallback.", err)
		c.apiLogger = logging.ForService("api")
		c.apiLoggerClose = func() error { return nil }
	}

	e.Use(middleware.Recover())
	if settings.WebServer.Debug {
		e.Use(middleware.Logger())
	}

	c.Group = e.Group("/api/v1")
	c.initRoutes()

	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	}

	return c
}

// initRoutes registers all API endpoints.
func (c *Controller) initRoutes() {
	c.Group.GET("/health", c.HealthCheck)

	// Compute cluster callbacks
	c.Group.POST("/jobs/callback", c.JobCallback)
	c.Group.POST("/jobs/:job_id/complete", c.JobComplete)
	c.Group.POST("/jobs/:job_id/fail", c.JobFail)

	// Derived entity state
	c.Group.GET("/intelligence/:entity_id", c.GetIntelligence)
	c.Group.GET("/intelligence/:entity_id/faces", c.GetEntityFaces)
	c.Group.GET("/intelligence/:entity_id/jobs", c.GetEntityJobs)
	c.Group.GET("/intelligence/:entity_id/similar", c.GetSimilarEntities)
	c.Group.POST("/intelligence/:entity_id/reset", c.ResetEntity)

	// Known persons
	c.Group.GET("/persons", c.GetPersons)
	c.Group.GET("/persons/:person_id/faces", c.GetPersonFaces)
	c.Group.PATCH("/persons/:person_id", c.RenamePerson)

	// Worker capability snapshot
	c.Group.GET("/capabilities", c.GetCapabilities)
}

// Close releases the controller's resources.
func (c *Controller) Close() {
	if c.apiLoggerClose != nil {
		if err := c.apiLoggerClose(); err != nil {
			log.Printf("Error closing API logger: %v", err)
		}
	}
}

// HealthCheck reports service liveness.
func (c *Controller) HealthCheck(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleError logs err and writes a uniform JSON error response.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	c.apiLogger.Error(message,
		"error", err,
		"path", ctx.Request().URL.Path,
		"method", ctx.Request().Method,
		"ip", ctx.RealIP())

	return ctx.JSON(code, map[string]any{
		"error":   message,
		"message": err.Error(),
	})
}
