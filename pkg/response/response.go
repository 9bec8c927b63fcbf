package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// 业务错误码
// 额度不足（引导充值）和次数用尽（引导升级）必须可区分，前端据此给出不同指引
const (
	CodeInsufficientCredit  = 1001 // Meta 额度不足
	CodeLimitExceeded       = 1002 // 月度免费次数用尽
	CodeInvalidCost         = 1003 // 非法的消费额度
	CodeConcurrencyConflict = 1004 // 并发冲突（重试已耗尽，可整体重试）
	CodeFeatureNotFound     = 1005 // 未知功能标识
	CodeAccountNotFound     = 1006 // 账户不存在
	CodeLotNotFound         = 1007 // 额度包不存在
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

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, CodeUnauthorized, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
