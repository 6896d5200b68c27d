package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duynguyendang/ssdtprof/pkg/service"
)

// Server holds the state for the REST API server.
type Server struct {
	profiles *service.ProfileService
	gatherer prometheus.Gatherer
	router   *gin.Engine
}

// NewServer creates a new Server instance. Metrics are served from
// gatherer, or the default registry when it is nil.
func NewServer(svc *service.ProfileService, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := gin.Default()
	s := &Server{
		profiles: svc,
		gatherer: gatherer,
		router:   r,
	}
	s.setupRoutes()
	return s
}

// Run starts the server on the specified address.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/v1")
	v1.GET("/resolve", s.handleResolve)
	v1.POST("/resolve", s.handleResolve)
	v1.GET("/layouts/:name", s.handleLayout)
	v1.GET("/tables/:name", s.handleTable)
	v1.GET("/syscalls", s.handleSyscalls)
	v1.GET("/explain", s.handleExplain)
	v1.GET("/rules", s.handleRules)
	v1.GET("/trace/:id", s.handleTrace)
	v1.POST("/decode", s.handleDecode)
}

// Health check
func (s *Server) healthCheck(c *gin.Context) {
	c.Status(http.StatusOK)
}
