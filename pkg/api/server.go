// Package api hosts the master's HTTP surface: agent admin, build
// submission, queue introspection, and operational probes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steward-ci/steward/pkg/breaker"
	"github.com/steward-ci/steward/pkg/config"
	"github.com/steward-ci/steward/pkg/database"
	"github.com/steward-ci/steward/pkg/queue"
	"github.com/steward-ci/steward/pkg/services"
	"github.com/steward-ci/steward/pkg/transport"
)

// Server represents the API server.
type Server struct {
	cfg          *config.Config
	dbClient     *database.Client
	agentService *services.AgentService
	buildService *services.BuildService
	breakers     *breaker.Registry
	pool         *transport.Pool

	processor *queue.Processor
	monitor   *queue.Monitor
	gatherer  prometheus.Gatherer

	engine  *gin.Engine
	httpSrv *http.Server
}

// NewServer creates a new API server. Optional components (processor,
// monitor, metrics) are attached with setters before the first request.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	agentService *services.AgentService,
	buildService *services.BuildService,
	breakers *breaker.Registry,
	pool *transport.Pool,
) *Server {
	return &Server{
		cfg:          cfg,
		dbClient:     dbClient,
		agentService: agentService,
		buildService: buildService,
		breakers:     breakers,
		pool:         pool,
	}
}

// SetProcessor attaches the queue processor for readiness reporting.
func (s *Server) SetProcessor(p *queue.Processor) {
	s.processor = p
}

// SetMonitor attaches the orphan monitor for readiness reporting.
func (s *Server) SetMonitor(m *queue.Monitor) {
	s.monitor = m
}

// SetMetricsGatherer exposes a Prometheus registry on GET /metrics.
func (s *Server) SetMetricsGatherer(g prometheus.Gatherer) {
	s.gatherer = g
}

// Handler returns the routed engine, building it on first call.
func (s *Server) Handler() http.Handler {
	if s.engine == nil {
		s.engine = s.buildRouter()
	}
	return s.engine
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/health", s.healthHandler)
	r.GET("/ready", s.readyHandler)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	if token := s.authToken(); token != "" {
		v1.Use(bearerAuth(token))
	}

	v1.POST("/agents", s.registerAgentHandler)
	v1.GET("/agents", s.listAgentsHandler)
	v1.GET("/agents/summary", s.agentSummaryHandler)
	v1.GET("/agents/:id", s.getAgentHandler)
	v1.POST("/agents/:id/heartbeat", s.heartbeatHandler)
	v1.POST("/agents/:id/drain", s.drainAgentHandler)
	v1.DELETE("/agents/:id", s.deregisterAgentHandler)

	v1.POST("/builds", s.submitBuildHandler)
	v1.GET("/builds/:build_id", s.buildStatusHandler)
	v1.POST("/builds/:build_id/complete", s.completeBuildHandler)

	v1.GET("/queue/stats", s.queueStatsHandler)
	v1.GET("/queue/dead-letter", s.deadLettersHandler)
	v1.POST("/queue/dead-letter/:id/requeue", s.requeueDeadLetterHandler)

	v1.GET("/breakers", s.breakersHandler)
	v1.GET("/transport/stats", s.transportStatsHandler)

	return r
}

func (s *Server) authToken() string {
	if s.cfg == nil || s.cfg.Distributed == nil {
		return ""
	}
	return s.cfg.Distributed.AuthToken
}

// Start begins serving on addr and blocks until the listener closes.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
