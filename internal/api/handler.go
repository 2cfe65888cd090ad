package api

import (
	"net/http"
	"time"

	"copytrade-core/internal/auth"
	"copytrade-core/internal/autoclose"
	"copytrade-core/internal/events"
	"copytrade-core/internal/guard"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/protocol"
	"copytrade-core/internal/reconcile"
	"copytrade-core/internal/vault"
	"copytrade-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the trust boundary services.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Gateway   *auth.Gateway
	Protocol  *protocol.Service
	Recon     *reconcile.Service
	Closer    *autoclose.Engine
	Guard     *guard.Service
	Vault     *vault.Vault
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to the operator console.
type SystemMeta struct {
	DryRun  bool
	Broker  string
	Version string
}

// Deps bundles the services the server exposes.
type Deps struct {
	Bus      *events.Bus
	DB       *db.Database
	Gateway  *auth.Gateway
	Protocol *protocol.Service
	Recon    *reconcile.Service
	Closer   *autoclose.Engine
	Guard    *guard.Service
	Vault    *vault.Vault
	Metrics  *monitor.SystemMetrics
}

func NewServer(deps Deps, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(deps.Metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       deps.Bus,
		DB:        deps.DB,
		Gateway:   deps.Gateway,
		Protocol:  deps.Protocol,
		Recon:     deps.Recon,
		Closer:    deps.Closer,
		Guard:     deps.Guard,
		Vault:     deps.Vault,
		Metrics:   deps.Metrics,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws/alerts", s.alertsWebsocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		// Auth endpoints (no auth required)
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/register", s.registerUser)
			authGroup.POST("/login", s.loginUser)
		}

		// Device-facing endpoints, HMAC-authenticated
		device := api.Group("/v1/device")
		device.Use(s.DeviceAuthMiddleware())
		{
			device.GET("/poll", s.devicePoll)
			device.POST("/ack", s.deviceAck)
		}

		// Operator console, JWT-protected
		admin := api.Group("/admin")
		admin.Use(AuthMiddleware(s.JWTSecret))
		{
			admin.POST("/signals", s.createSignal)
			admin.GET("/signals/:approval_id", s.getSignal)

			admin.GET("/positions", s.listPositions)
			admin.POST("/positions/:id/close", s.closePosition)
			admin.POST("/positions/close-bulk", s.bulkClosePositions)
			admin.GET("/positions/:id/audit", s.getCloseAudit)

			admin.GET("/devices", s.listDevices)
			admin.POST("/devices", s.registerDevice)
			admin.POST("/devices/:id/revoke", s.revokeDevice)
			admin.PUT("/devices/:id/name", s.renameDevice)

			admin.GET("/recon/snapshots", s.listReconSnapshots)
			admin.GET("/recon/snapshots/:id/divergences", s.listReconDivergences)
			admin.POST("/recon/run", s.runReconciliation)

			admin.GET("/risk", s.getRiskState)
			admin.POST("/risk/reset", s.resetRiskState)
			admin.GET("/guards", s.getGuardConfig)
			admin.PUT("/guards", s.updateGuardConfig)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"dry_run": s.Meta.DryRun,
		"broker":  s.Meta.Broker,
		"version": s.Meta.Version,
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
