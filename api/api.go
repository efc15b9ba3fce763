// Package api exposes the HTTP surface: the search endpoint, route price
// history, per-source health and the admin refresh hook. The handlers are
// deliberately thin; all behavior lives in the search service.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/text/currency"

	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/executor"
	"github.com/skyscan/skyscan/history"
	"github.com/skyscan/skyscan/model"
	"github.com/skyscan/skyscan/pkg/health"
	"github.com/skyscan/skyscan/pkg/logger"
	"github.com/skyscan/skyscan/queue"
	"github.com/skyscan/skyscan/router"
	"github.com/skyscan/skyscan/search"
)

// Server holds the handler dependencies.
type Server struct {
	cfg      *config.Config
	svc      *search.Service
	hist     *history.Store
	jobs     queue.Queue
	circuits *executor.CircuitSet
	healthR  *executor.Health
	checks   *health.Registry
	log      *logger.Logger
}

// New constructs the server. hist and jobs may be nil.
func New(cfg *config.Config, svc *search.Service, hist *history.Store, jobs queue.Queue,
	circuits *executor.CircuitSet, healthTracker *executor.Health, checks *health.Registry, log *logger.Logger) *Server {
	return &Server{
		cfg: cfg, svc: svc, hist: hist, jobs: jobs,
		circuits: circuits, healthR: healthTracker, checks: checks, log: log,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/health", s.handleHealth)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/search", s.handleSearch)
		v1.GET("/price-history/:origin/:destination", s.handlePriceHistory)
		v1.GET("/sources", s.handleSources)
		v1.POST("/refresh", s.handleRefresh)
	}
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "took", time.Since(start).String())
	}
}

func parseQuery(c *gin.Context) (model.Query, error) {
	q := model.Query{
		Origin:      c.Query("origin"),
		Destination: c.Query("destination"),
		Cabin:       model.ParseCabinClass(c.DefaultQuery("cabin", "ECONOMY")),
		TripType:    model.OneWay,
	}
	unit, err := currency.ParseISO(c.DefaultQuery("currency", "KRW"))
	if err != nil {
		return q, err
	}
	q.Currency = unit.String()
	dep, err := time.Parse(time.DateOnly, c.Query("departure_date"))
	if err != nil {
		return q, err
	}
	q.DepartureDate = dep
	if ret := c.Query("return_date"); ret != "" {
		rd, err := time.Parse(time.DateOnly, ret)
		if err != nil {
			return q, err
		}
		q.ReturnDate = &rd
		q.TripType = model.RoundTrip
	}
	q.Travelers = model.Travelers{
		Adults:       intQuery(c, "adults", 1),
		Children:     intQuery(c, "children", 0),
		InfantInSeat: intQuery(c, "infants_in_seat", 0),
		InfantOnLap:  intQuery(c, "infants_on_lap", 0),
	}
	return q, nil
}

func intQuery(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

func (s *Server) handleSearch(c *gin.Context) {
	q, err := parseQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := s.svc.Search(c.Request.Context(), q)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, model.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrNoRoute):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrAllSourcesFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		s.log.Error(err, "search failed", "query", q.Key())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handlePriceHistory(c *gin.Context) {
	if s.hist == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "price history disabled"})
		return
	}
	days := intQuery(c, "days", 30)
	if days < 1 || days > 365 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	points, err := s.hist.PriceSeries(c.Request.Context(), c.Param("origin"), c.Param("destination"), since)
	if err != nil {
		s.log.Error(err, "price history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"origin":      c.Param("origin"),
		"destination": c.Param("destination"),
		"days":        days,
		"points":      points,
	})
}

type sourceStatus struct {
	Circuit     string  `json:"circuit"`
	SuccessRate float64 `json:"success_rate"`
	LastError   string  `json:"last_error,omitempty"`
}

func (s *Server) handleSources(c *gin.Context) {
	out := make(map[string]sourceStatus, len(s.cfg.Adapters))
	for id, a := range s.cfg.Adapters {
		if !a.Enabled {
			continue
		}
		out[id] = sourceStatus{
			Circuit:     string(s.circuits.State(id)),
			SuccessRate: s.healthR.SuccessRate(id),
			LastError:   s.healthR.LastError(id),
		}
	}
	c.JSON(http.StatusOK, out)
}

type refreshRequest struct {
	Origin        string `json:"origin" binding:"required"`
	Destination   string `json:"destination" binding:"required"`
	DepartureDate string `json:"departure_date" binding:"required"`
}

func (s *Server) handleRefresh(c *gin.Context) {
	if s.jobs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "worker queue disabled"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dep, err := time.Parse(time.DateOnly, req.DepartureDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q := model.Query{
		Origin:        req.Origin,
		Destination:   req.Destination,
		DepartureDate: dep,
		Cabin:         model.Economy,
		Travelers:     model.Travelers{Adults: 1},
		Currency:      s.cfg.StoreCurrency,
		TripType:      model.OneWay,
	}
	if err := q.Validate(time.Now()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload := queue.RefreshPayload{
		Query:  q,
		Tier:   router.TierFor(q.Origin, q.Destination),
		Reason: "admin",
	}
	jobID, err := s.jobs.Enqueue(c.Request.Context(), queue.StreamRefresh, payload)
	if err != nil {
		s.log.Error(err, "refresh enqueue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.checks.Run(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
