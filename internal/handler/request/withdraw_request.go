package request

type CreateWithdrawalRequest struct {
	UserID    uint64 `json:"user_id" binding:"required,gt=0"`
	ToAddress string `json:"to_address" binding:"required,eth_addr"`
	Amount    string `json:"amount" binding:"required"`
}
