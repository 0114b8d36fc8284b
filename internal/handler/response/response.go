package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"settlement-core/pkg/errno"
)

// Response defines the standard JSON structure
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"msg"`
	Data    interface{} `json:"data"`
}

// Success returns a success response with data
func Success(c *gin.Context, data interface{}) {
	if data == nil {
		data = gin.H{} // Return empty object instead of null
	}
	c.JSON(http.StatusOK, Response{
		Code:    errno.OK.Code,
		Message: errno.OK.Message,
		Data:    data,
	})
}

// Error returns an error response
// 业务错误统一返回 200 + 业务码; 未知错误不把内部细节暴露给调用方
func Error(c *gin.Context, err error) {
	code, msg := errno.Decode(err)
	if code == errno.InternalServerError.Code {
		_ = c.Error(err)
		msg = errno.InternalServerError.Message
	}
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: msg,
		Data:    gin.H{},
	})
}
