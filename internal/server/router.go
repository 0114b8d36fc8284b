package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"settlement-core/internal/handler"
	"settlement-core/internal/server/routes"
	"settlement-core/pkg/monitor"
)

// Handlers HTTP 层依赖
type Handlers struct {
	Deposit  *handler.DepositHandler
	Withdraw *handler.WithdrawHandler
	Health   *handler.HealthHandler
}

// NewHTTPRouter 注册全部 HTTP 路由
func NewHTTPRouter(h Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(monitor.PrometheusMiddleware())

	r.GET("/health", h.Health.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	routes.RegisterDepositRoutes(v1, h.Deposit)
	routes.RegisterWithdrawRoutes(v1, h.Withdraw)

	return r
}
