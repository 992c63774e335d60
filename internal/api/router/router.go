package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/slideforge/converter-gateway/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "converter-gateway",
		})
	})

	conversionHandler := handler.NewConversionHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		conversions := v1.Group("/conversions")
		{
			// POST /api/v1/conversions - Submit a document for conversion
			conversions.POST("", conversionHandler.CreateConversion)

			// GET /api/v1/conversions/:job_id/events - Live status stream
			conversions.GET("/:job_id/events", conversionHandler.StreamEvents)

			// GET /api/v1/conversions/:job_id/download - Fetch the artifact
			conversions.GET("/:job_id/download", conversionHandler.DownloadResult)
		}
	}

	return r
}
