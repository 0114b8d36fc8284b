package errno

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"nil", nil, OK.Code, OK.Message},
		{"errno", ErrDepositNotFound, ErrDepositNotFound.Code, ErrDepositNotFound.Message},
		{"wrapped", fmt.Errorf("%w: dial tcp", ErrChainUnavailable), ErrChainUnavailable.Code, ErrChainUnavailable.Message},
		{"pointer", &Errno{Code: 1, Message: "x"}, 1, "x"},
		{"plain", errors.New("boom"), InternalServerError.Code, "boom"},
		{"with message", ErrBind.WithMessage("UserID 不能为空"), ErrBind.Code, "UserID 不能为空"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := Decode(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.msg, msg)
		})
	}
}
