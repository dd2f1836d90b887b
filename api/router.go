package api

import (
	"context"
	"net/http"
	"time"

	"sales_engine/internal/idempotency"
	"sales_engine/internal/sales"
	"sales_engine/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps is what the routes need. Guard and Gatherer are optional.
type Deps struct {
	Service  *sales.Service
	Guard    *idempotency.Guard
	DB       *gorm.DB
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// InitRoutes registers the sales engine endpoints on the given Gin engine.
func InitRoutes(e *gin.Engine, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	salesHandler := NewSalesHandler(deps.Service, deps.Guard, logger)

	users := e.Group("/users/:userID")
	users.POST("/checkout", salesHandler.handleCheckout)
	users.GET("/sales", salesHandler.handleListSales)
	users.GET("/invoices", salesHandler.handleListInvoices)

	e.GET("/sales/:id", salesHandler.handleGetSale)
	e.POST("/sales/:id/cancel", salesHandler.handleCancelSale)
	e.POST("/sales/:id/invoice", salesHandler.handleIssueInvoice)

	e.GET("/invoices/:id", salesHandler.handleGetInvoice)
	e.POST("/invoices/:id/pay", salesHandler.handlePayInvoice)
	e.POST("/invoices/:id/void", salesHandler.handleVoidInvoice)

	e.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})

	e.GET("/healthz", func(c *gin.Context) {
		if deps.DB == nil {
			c.Status(http.StatusOK)
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx, deps.DB); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if deps.Gatherer != nil {
		e.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
}
