package controllers

import (
	"github.com/blavejr/birdRAG/metrics"
	"github.com/blavejr/birdRAG/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter registers every route. m may be nil to run without metrics.
func NewRouter(rc *RAGController, m *metrics.Metrics, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Logger(logger),
		middleware.Metrics(m),
		gin.Recovery(),
	)

	router.GET("/health", rc.Health)
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	router.POST("/table_rag_answer", rc.TableAnswer)
	router.POST("/literature_rag_answer", rc.LiteratureAnswer)

	api := router.Group("/api")
	{
		api.POST("/query", rc.Query)
		api.GET("/birds/search", rc.SearchBirds)
		api.GET("/birds/:id", rc.GetBird)
		api.GET("/answers", rc.ListAnswers)
	}

	return router
}
