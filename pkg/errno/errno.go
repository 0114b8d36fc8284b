package errno

import "errors"

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

// WithMessage 保留错误码，替换提示信息 (例如参数校验的具体字段)
func (e Errno) WithMessage(msg string) Errno {
	return Errno{Code: e.Code, Message: msg}
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	var typed Errno
	if errors.As(err, &typed) {
		return typed.Code, typed.Message
	}
	var ptr *Errno
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code, ptr.Message
	}
	return InternalServerError.Code, err.Error()
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrBind             = Errno{Code: 10002, Message: "Error occurred while binding the request body to the struct"}
	ErrDatabase         = Errno{Code: 10004, Message: "Database error"}
	ErrChainUnavailable = Errno{Code: 10005, Message: "Chain RPC unavailable"}
)

// Business Errors (20000+)
var (
	ErrUserNotFound        = Errno{Code: 20101, Message: "User not found"}
	ErrInsufficientBalance = Errno{Code: 20102, Message: "Insufficient game balance"}
	ErrInvalidAmount       = Errno{Code: 20103, Message: "Amount must be positive with at most 4 decimals"}
	ErrDepositNotFound     = Errno{Code: 20201, Message: "Deposit not found"}
	ErrNoUniqueAmount      = Errno{Code: 20202, Message: "No unique deposit amount available, retry later"}
	ErrWithdrawalNotFound  = Errno{Code: 20301, Message: "Withdrawal not found"}
	ErrInvalidAddress      = Errno{Code: 20302, Message: "Invalid destination address"}
)
