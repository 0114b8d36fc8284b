package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"settlement-core/internal/handler/request"
	"settlement-core/internal/handler/response"
	"settlement-core/internal/service"
	"settlement-core/pkg/errno"
	"settlement-core/pkg/validator"
)

type DepositHandler struct {
	svc service.DepositAPI
}

func NewDepositHandler(svc service.DepositAPI) *DepositHandler {
	return &DepositHandler{svc: svc}
}

// RegisterDeposit 登记充值意向，返回用户需要转账的唯一金额
// POST /api/v1/deposits
func (h *DepositHandler) RegisterDeposit(c *gin.Context) {
	var req request.RegisterDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind.WithMessage(validator.GetErrorMsg(err)))
		return
	}

	intent, err := h.svc.RegisterDeposit(c.Request.Context(), req.UserID, req.Amount)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, intent)
}

// GetDeposit 查询充值单状态
// GET /api/v1/deposits/:id
func (h *DepositHandler) GetDeposit(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	d, err := h.svc.GetDepositStatus(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, d)
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.Error(c, errno.ErrBind.WithMessage("id 必须是正整数"))
		return 0, false
	}
	return id, true
}
