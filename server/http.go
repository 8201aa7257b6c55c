package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds a gin.Engine exposing the decision RPC over HTTP,
// plus a liveness probe and a Prometheus exposition endpoint.
//
//   - POST /v1/decide   — DecisionRequest in, DecisionResponse out.
//   - GET  /healthz     — 200 "healthy" iff every store connection
//     answers within its command timeout, 503 otherwise.
//   - GET  /metrics     — textual Prometheus exposition, when registry
//     is non-nil.
func NewRouter(svc *Service, registry *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/v1/decide", func(c *gin.Context) {
		var req DecisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := svc.Decide(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	router.GET("/healthz", func(c *gin.Context) {
		if err := svc.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	if registry != nil {
		handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		router.GET("/metrics", gin.WrapH(handler))
	}

	return router
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if svcErr, ok := err.(*Error); ok {
		switch svcErr.Status {
		case StatusNotFound:
			status = http.StatusNotFound
		case StatusInvalidArgument:
			status = http.StatusBadRequest
		case StatusUnavailable:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
