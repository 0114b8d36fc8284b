package routes

import (
	"github.com/gin-gonic/gin"

	"settlement-core/internal/handler"
)

func RegisterWithdrawRoutes(rg *gin.RouterGroup, h *handler.WithdrawHandler) {
	g := rg.Group("/withdrawals")
	// Auth middleware here
	{
		g.POST("", h.CreateWithdrawal)
		g.GET("/:id", h.GetWithdrawal)
	}

	rg.GET("/wallet/balance", h.GetWalletBalance)
}
