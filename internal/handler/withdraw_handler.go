package handler

import (
	"github.com/gin-gonic/gin"

	"settlement-core/internal/handler/request"
	"settlement-core/internal/handler/response"
	"settlement-core/internal/service"
	"settlement-core/pkg/errno"
	"settlement-core/pkg/validator"
)

type WithdrawHandler struct {
	svc service.WithdrawAPI
}

func NewWithdrawHandler(svc service.WithdrawAPI) *WithdrawHandler {
	return &WithdrawHandler{svc: svc}
}

// CreateWithdrawal 申请提现: 扣减游戏余额并入队，由 WithdrawalWorker 异步上链
// POST /api/v1/withdrawals
func (h *WithdrawHandler) CreateWithdrawal(c *gin.Context) {
	var req request.CreateWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind.WithMessage(validator.GetErrorMsg(err)))
		return
	}

	id, err := h.svc.EnqueueWithdrawal(c.Request.Context(), req.UserID, req.ToAddress, req.Amount)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"withdrawal_id": id})
}

// GetWithdrawal GET /api/v1/withdrawals/:id
func (h *WithdrawHandler) GetWithdrawal(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	w, err := h.svc.GetWithdrawalStatus(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, w)
}

// GetWalletBalance 工作钱包链上余额 (短时缓存)
// GET /api/v1/wallet/balance
func (h *WithdrawHandler) GetWalletBalance(c *gin.Context) {
	b, err := h.svc.GetWorkingWalletBalance(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, b)
}
