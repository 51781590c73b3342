package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/query"
	"github.com/riomobi/transitrisk/pkg/metrics"
	"github.com/riomobi/transitrisk/pkg/mid"
)

const (
	defaultLimit  = 50
	maxLimit      = 1000
	defaultRadius = 500.0
)

// viewSource yields the current read model.
type viewSource interface {
	Get(ctx context.Context) (*query.View, error)
}

type server struct {
	views viewSource
	log   *slog.Logger
}

func newRouter(views viewSource, m *metrics.Metrics, logger *slog.Logger, corsOrigin string) *gin.Engine {
	s := &server{views: views, log: logger}

	r := gin.New()
	r.Use(
		mid.Recover(logger),
		mid.OTel("transitrisk-api"),
		mid.Logger(logger),
		mid.Metrics(m),
		mid.CORS(corsOrigin),
	)

	r.GET("/api/health", handleHealth)

	api := r.Group("/api")
	api.GET("/summary", s.withView(func(c *gin.Context, v *query.View) {
		c.JSON(http.StatusOK, v.Summary())
	}))
	api.GET("/stops", s.withView(s.stops))
	api.GET("/stops/:id", s.withView(func(c *gin.Context, v *query.View) {
		d, err := v.Stop(c.Param("id"))
		respond(c, d, err)
	}))
	api.GET("/nearby", s.withView(s.nearby))
	api.GET("/routes", s.withView(func(c *gin.Context, v *query.View) {
		c.JSON(http.StatusOK, v.Routes(limitParam(c)))
	}))
	api.GET("/routes/:id", s.withView(func(c *gin.Context, v *query.View) {
		d, err := v.Route(c.Param("id"))
		respond(c, d, err)
	}))
	api.GET("/complaints", s.withView(func(c *gin.Context, v *query.View) {
		c.JSON(http.StatusOK, v.Complaints(c.Query("category"), limitParam(c)))
	}))
	api.GET("/complaints/:protocol", s.withView(func(c *gin.Context, v *query.View) {
		d, err := v.Complaint(c.Param("protocol"))
		respond(c, d, err)
	}))
	api.GET("/complaints/:protocol/clusters", s.withView(func(c *gin.Context, v *query.View) {
		c.JSON(http.StatusOK, v.Clusters(c.Param("protocol")))
	}))
	api.GET("/edges", s.withView(func(c *gin.Context, v *query.View) {
		c.JSON(http.StatusOK, v.Edges(limitParam(c)))
	}))
	api.GET("/neighborhoods", s.withView(func(c *gin.Context, v *query.View) {
		c.JSON(http.StatusOK, v.Neighborhoods())
	}))

	reports := api.Group("/reports")
	reports.GET("/critical", s.withView(func(c *gin.Context, v *query.View) {
		c.JSON(http.StatusOK, v.TopCritical(limitParam(c)))
	}))
	reports.GET("/pagerank", s.withView(func(c *gin.Context, v *query.View) {
		c.JSON(http.StatusOK, v.TopPageRank(limitParam(c)))
	}))
	reports.GET("/communities", s.withView(func(c *gin.Context, v *query.View) {
		c.JSON(http.StatusOK, v.CommunitiesByRisk(limitParam(c)))
	}))

	return r
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// withView resolves the current view before calling h. A stale view is
// served when a refresh fails; with no view at all the request fails with
// 503.
func (s *server) withView(h func(*gin.Context, *query.View)) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := s.views.Get(c.Request.Context())
		if err != nil {
			s.log.Warn("view refresh failed", "err", err, "stale", v != nil)
			if v == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph unavailable"})
				return
			}
		}
		h(c, v)
	}
}

func (s *server) stops(c *gin.Context, v *query.View) {
	f := query.StopFilter{Limit: limitParam(c)}
	if lvl := c.Query("level"); lvl != "" {
		switch level := domain.RiskLevel(lvl); level {
		case domain.RiskHigh, domain.RiskMedium, domain.RiskLow:
			f.Level = level
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "level must be Alto, Medio or Baixo"})
			return
		}
	}
	c.JSON(http.StatusOK, v.Stops(f))
}

func (s *server) nearby(c *gin.Context, v *query.View) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lon, errLon := strconv.ParseFloat(c.Query("lon"), 64)
	if errLat != nil || errLon != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lon are required"})
		return
	}
	radius := defaultRadius
	if q := c.Query("radius"); q != "" {
		r, err := strconv.ParseFloat(q, 64)
		if err != nil || r <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "radius must be a positive number of meters"})
			return
		}
		radius = r
	}
	out, err := v.NearbyStops(lat, lon, radius, limitParam(c))
	respond(c, out, err)
}

func respond(c *gin.Context, body any, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, body)
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrGeometry):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func limitParam(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}
