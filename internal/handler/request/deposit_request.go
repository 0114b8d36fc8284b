package request

type RegisterDepositRequest struct {
	UserID uint64 `json:"user_id" binding:"required,gt=0"`
	Amount string `json:"amount" binding:"required"` // 十进制字符串，最多 4 位小数
}
