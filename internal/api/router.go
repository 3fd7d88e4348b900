package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/nutrify/internal/api/handler"
	"github.com/timmy/nutrify/internal/api/middleware"
	"github.com/timmy/nutrify/internal/logger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterConfig holds the HTTP-facing settings.
type RouterConfig struct {
	Mode        string
	ServiceName string
	CORS        middleware.CORSConfig
	Identity    middleware.IdentityConfig
}

// RouterDeps are the services behind the routes.
type RouterDeps struct {
	Analyzer handler.Analyzer
	History  handler.HistoryReader
	Images   handler.ImageSource
	Checks   map[string]handler.HealthCheck
	Logger   *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps RouterDeps, cfg RouterConfig) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetDefault()
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "nutrify"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(middleware.LoggerMiddleware(deps.Logger))

	userHeader := cfg.Identity.UserHeader
	if userHeader == "" {
		userHeader = "X-User-ID"
	}
	cors := cfg.CORS
	cors.ExtraHeaders = append(cors.ExtraHeaders, userHeader)
	r.Use(middleware.CORS(cors))

	healthHandler := handler.NewHealthHandler(deps.Checks)
	analysisHandler := handler.NewAnalysisHandler(deps.Analyzer)
	historyHandler := handler.NewHistoryHandler(deps.History, deps.Images)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.Identity(cfg.Identity))
	{
		v1.POST("/analyses", analysisHandler.Create)

		v1.GET("/history", historyHandler.List)
		v1.GET("/history/summary", historyHandler.Summary)
		v1.GET("/history/:id/image", historyHandler.Image)
	}

	return r
}
