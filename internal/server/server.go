// Package server exposes the dashboard REST API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudspend/internal/aggregator"
	"github.com/lvonguyen/cloudspend/internal/budgets"
	"github.com/lvonguyen/cloudspend/internal/clock"
	"github.com/lvonguyen/cloudspend/internal/costdb"
	"github.com/lvonguyen/cloudspend/internal/providers"
	"github.com/lvonguyen/cloudspend/internal/refresh"
	"github.com/lvonguyen/cloudspend/internal/summary"
	"github.com/lvonguyen/cloudspend/internal/window"
)

// Deps carries everything the API serves from. Mongo may be nil when the
// Atlas provider is not configured; its routes then return 404.
type Deps struct {
	Aggregator  *aggregator.Aggregator
	Refresher   *refresh.Orchestrator
	Store       costdb.Store
	Credentials costdb.CredentialStore
	Cache       *summary.Cache
	Budgets     *budgets.Service
	Mongo       *providers.MongoDBCollector
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Server is the echo-based HTTP boundary.
type Server struct {
	echo *echo.Echo
	deps Deps
}

// New builds the server and registers all routes.
func New(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(deps.Logger))

	s := &Server{echo: e, deps: deps}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.GET("/total/mtd-usd", s.unifiedTotal)
	api.POST("/refresh-cost-data", s.refreshCostData)

	api.GET("/aws/mtd-summary", s.providerSummary(providers.ProviderAWS))
	api.GET("/aws/mtd-services", s.providerServices(providers.ProviderAWS))
	api.GET("/gcp/mtd-summary", s.providerSummary(providers.ProviderGCP))
	api.GET("/gcp/mtd-services", s.providerServices(providers.ProviderGCP))

	api.GET("/mongodb/mtd-usage", s.providerSummary(providers.ProviderMongoDB))
	api.POST("/mongodb/ce-init", s.mongoCEInit)
	api.GET("/mongodb/ce-usage/:token", s.mongoCEUsage)

	api.GET("/cost-data", s.costData)
	api.GET("/cost-summary", s.costSummary)
	api.GET("/budgets", s.budgetStatus)

	sp := api.Group("/service-principals")
	sp.GET("", s.listPrincipals)
	sp.POST("", s.createPrincipal)
	sp.GET("/:id", s.getPrincipal)
	sp.PUT("/:id", s.updatePrincipal)
	sp.DELETE("/:id", s.deletePrincipal)
	sp.POST("/:id/test", s.testPrincipal)
}

// Start begins serving on addr and blocks.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	})
}

func (s *Server) currentWindow() window.Window {
	return window.MonthToDate(s.deps.Clock.Now())
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// unifiedTotal serves the dashboard headline. Provider amounts sit at the
// top level keyed by provider name so clients can render without knowing
// the full schema; the precise block carries unrounded values.
func (s *Server) unifiedTotal(c echo.Context) error {
	w := s.currentWindow()
	total := s.deps.Aggregator.ComputeUnifiedTotal(c.Request().Context(), w)

	precise := make(map[string]float64, len(total.Providers)+1)
	body := make(map[string]interface{}, len(total.Providers)+6)
	for name, ps := range total.Providers {
		body[name] = ps.AmountUSD
		precise[name] = ps.AmountUSDPrecise
	}
	precise["total"] = total.TotalUSDPrecise

	body["total"] = total.TotalUSD
	body["currency"] = "USD"
	body["start"] = w.StartDate()
	body["end"] = w.EndDate()
	body["precise"] = precise
	body["window"] = map[string]string{
		"timezone":        "UTC",
		"startUtc":        w.StartUTC.Format(time.RFC3339),
		"endExclusiveUtc": w.EndUTC.Format(time.RFC3339),
	}
	if len(total.Degraded) > 0 {
		body["degraded"] = total.Degraded
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) refreshCostData(c echo.Context) error {
	report := s.deps.Refresher.Refresh(c.Request().Context())

	ok, failed := 0, 0
	for _, r := range report.Results {
		switch r.Status {
		case refresh.StatusOK:
			ok++
		case refresh.StatusFailed:
			failed++
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": failed == 0,
		"message": fmt.Sprintf("refreshed %d provider(s), %d failed", ok, failed),
		"report":  report,
	})
}

func (s *Server) providerSummary(provider string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ps, err := s.deps.Aggregator.CollectOne(c.Request().Context(), provider, s.currentWindow())
		if err != nil {
			return collectorHTTPError(err)
		}
		return c.JSON(http.StatusOK, ps)
	}
}

func (s *Server) providerServices(provider string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ps, err := s.deps.Aggregator.CollectOne(c.Request().Context(), provider, s.currentWindow())
		if err != nil {
			return collectorHTTPError(err)
		}
		components := ps.Components
		if components == nil {
			components = []providers.Component{}
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"provider": provider,
			"services": components,
		})
	}
}

func (s *Server) mongoCEInit(c echo.Context) error {
	if s.deps.Mongo == nil {
		return echo.NewHTTPError(http.StatusNotFound, "mongodb provider not configured")
	}
	token, err := s.deps.Mongo.CreateCostQuery(c.Request().Context(), s.currentWindow())
	if err != nil {
		return collectorHTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"token": token})
}

func (s *Server) mongoCEUsage(c echo.Context) error {
	if s.deps.Mongo == nil {
		return echo.NewHTTPError(http.StatusNotFound, "mongodb provider not configured")
	}
	usage, pending, err := s.deps.Mongo.GetUsage(c.Request().Context(), c.Param("token"))
	if err != nil {
		return collectorHTTPError(err)
	}
	if pending {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "pending"})
	}
	return c.JSON(http.StatusOK, usage)
}

func (s *Server) costData(c echo.Context) error {
	w := s.currentWindow()
	from, to := c.QueryParam("from"), c.QueryParam("to")
	switch {
	case c.QueryParam("month") != "":
		if from != "" || to != "" {
			return echo.NewHTTPError(http.StatusBadRequest, "month cannot be combined with from/to")
		}
		parsed, err := window.ForMonth(c.QueryParam("month"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		w = parsed
	case from != "" || to != "":
		parsed, err := parseDateRange(from, to)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		w = parsed
	}

	records, err := s.deps.Store.QueryRange(c.Request().Context(), c.QueryParam("provider"), w)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"window":  w,
		"records": records,
		"count":   len(records),
	})
}

// parseDateRange builds a half-open window from inclusive YYYY-MM-DD
// bounds.
func parseDateRange(from, to string) (window.Window, error) {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return window.Window{}, fmt.Errorf("invalid from date %q (want YYYY-MM-DD)", from)
	}
	end, err := time.Parse("2006-01-02", to)
	if err != nil {
		return window.Window{}, fmt.Errorf("invalid to date %q (want YYYY-MM-DD)", to)
	}
	if end.Before(start) {
		return window.Window{}, fmt.Errorf("to date precedes from date")
	}
	return window.Window{StartUTC: start.UTC(), EndUTC: end.UTC().AddDate(0, 0, 1)}, nil
}

func (s *Server) costSummary(c echo.Context) error {
	if report, ok := s.deps.Cache.Get(); ok {
		return c.JSON(http.StatusOK, report)
	}

	// Nothing cached yet: build from stored records on demand.
	w := s.currentWindow()
	records, err := s.deps.Store.QueryRange(c.Request().Context(), "", w)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, summary.Build(records, w, s.deps.Clock.Now()))
}

func (s *Server) budgetStatus(c echo.Context) error {
	ctx := c.Request().Context()
	total := s.deps.Aggregator.ComputeUnifiedTotal(ctx, s.currentWindow())
	return c.JSON(http.StatusOK, map[string]interface{}{
		"budgets": s.deps.Budgets.Evaluate(ctx, total),
	})
}

// collectorHTTPError maps the failure taxonomy to HTTP statuses: caller
// misconfiguration is 4xx, upstream trouble is 5xx.
func collectorHTTPError(err error) error {
	ce, ok := providers.AsCollectorError(err)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	status := http.StatusBadGateway
	switch ce.Kind {
	case providers.ErrMissingCredentials:
		status = http.StatusBadRequest
	case providers.ErrTimeout:
		status = http.StatusGatewayTimeout
	case providers.ErrAuthFailure, providers.ErrUpstreamUnavailable, providers.ErrParseFailure:
		status = http.StatusBadGateway
	}
	return echo.NewHTTPError(status, map[string]string{
		"provider": ce.Provider,
		"kind":     string(ce.Kind),
		"error":    ce.Error(),
	})
}
