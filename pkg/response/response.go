package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess     = 0
	CodeServerError = 500
)

const (
	CodeInvalidFrame    = 1001
	CodeAccountNotFound = 1002
	CodeEscrowNotFound  = 1003
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// BusinessError 业务错误同样返回 200，由 code 区分
func BusinessError(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// Abort 传输层错误使用真实的 HTTP 状态码，便于对端重试
func Abort(c *gin.Context, httpStatus, code int, message string) {
	c.AbortWithStatusJSON(httpStatus, Response{
		Code:    code,
		Message: message,
	})
}

func ServerError(c *gin.Context, message string) {
	Abort(c, http.StatusInternalServerError, CodeServerError, message)
}
