package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mesikahq/medvault/internal/auth"
	"github.com/mesikahq/medvault/internal/domain"
	"github.com/mesikahq/medvault/internal/middleware"
	"github.com/mesikahq/medvault/internal/monitoring"
)

type RouterConfig struct {
	RequestTimeout time.Duration
	RateLimit      rate.Limit
	RateBurst      int
	// AuthRateLimit throttles the unauthenticated /api/auth endpoints.
	AuthRateLimit  rate.Limit
	AuthRateBurst  int
}

type Router struct {
	handler        *Handler
	authMiddleware *auth.Middleware
	metrics        *monitoring.Metrics
	config         RouterConfig
}

func NewRouter(handler *Handler, authService auth.Service, metrics *monitoring.Metrics, config RouterConfig) *Router {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = rate.Limit(20)
		config.RateBurst = 40
	}
	if config.AuthRateLimit <= 0 {
		config.AuthRateLimit = rate.Every(time.Second)
		config.AuthRateBurst = 5
	}
	return &Router{
		handler:        handler,
		authMiddleware: auth.NewMiddleware(authService),
		metrics:        metrics,
		config:         config,
	}
}

func (r *Router) SetupRouter(logger *zap.Logger) *gin.Engine {
	router := gin.New()

	router.Use(
		middleware.RequestID(),
		middleware.SecurityHeaders(),
		middleware.Recovery(logger),
		middleware.Logger(logger),
		middleware.Metrics(r.metrics),
		middleware.RateLimit(r.config.RateLimit, r.config.RateBurst),
		middleware.Timeout(r.config.RequestTimeout),
	)

	router.GET("/health", r.handler.HealthCheck)
	if r.metrics != nil {
		router.GET("/metrics", gin.WrapH(r.metrics.Handler()))
	}

	requireAny := r.authMiddleware.RequireRoles()
	patientsOnly := r.authMiddleware.RequireRoles(domain.RolePatient)
	doctorsOnly := r.authMiddleware.RequireRoles(domain.RoleDoctor)

	api := router.Group("/api")
	{
		authGroup := api.Group("/auth")
		authGroup.Use(middleware.RateLimit(r.config.AuthRateLimit, r.config.AuthRateBurst))
		{
			authGroup.POST("/register/patient", r.handler.RegisterPatient)
			authGroup.POST("/register/doctor", r.handler.RegisterDoctor)
			authGroup.POST("/login", r.handler.Login)
			authGroup.POST("/verify", r.handler.Verify)
			authGroup.GET("/profile", requireAny, r.handler.GetProfile)
		}

		records := api.Group("/records")
		records.Use(requireAny)
		{
			records.POST("/upload", patientsOnly, r.handler.UploadRecord)
			records.GET("", r.handler.ListRecords)
			// Role checks for reads happen inside the access engine so that
			// refused attempts are audited too.
			records.POST("/:id/access", r.handler.AccessRecord)
			records.POST("/:id/emergency-access", r.handler.EmergencyAccessRecord)
			records.PUT("/:id/emergency", patientsOnly, r.handler.SetEmergencyAccess)
			records.GET("/:id/access-log", patientsOnly, r.handler.RecordAccessLog)
		}

		appointments := api.Group("/appointments")
		appointments.Use(requireAny)
		{
			appointments.POST("/book", patientsOnly, r.handler.BookAppointment)
			appointments.GET("", r.handler.ListAppointments)
			appointments.POST("/:id/complete", doctorsOnly, r.handler.CompleteAppointment)
			appointments.POST("/:id/cancel", r.handler.CancelAppointment)
		}

		ledgerGroup := api.Group("/ledger")
		ledgerGroup.Use(requireAny)
		{
			ledgerGroup.GET("", r.handler.ListBlocks)
			ledgerGroup.GET("/verify", r.handler.VerifyLedger)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
