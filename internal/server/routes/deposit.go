package routes

import (
	"github.com/gin-gonic/gin"

	"settlement-core/internal/handler"
)

func RegisterDepositRoutes(rg *gin.RouterGroup, h *handler.DepositHandler) {
	g := rg.Group("/deposits")
	{
		g.POST("", h.RegisterDeposit)
		g.GET("/:id", h.GetDeposit)
	}
}
