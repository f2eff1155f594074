package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 错误码定义
const (
	CodeSuccess          = 0
	CodeParamError       = 1000
	CodeAuthFailed       = 1001
	CodePermissionDenied = 1002
	CodeResourceNotFound = 1003
	CodeDuplicateAction  = 1005
	CodePaymentDeclined  = 1006
	CodeBusy             = 1007
	CodeDataIntegrity    = 1008
	CodeGatewayError     = 5002
	CodeServerError      = 5000
)

// 错误码对应的默认消息
var codeMessages = map[int]string{
	CodeSuccess:          "success",
	CodeParamError:       "参数错误",
	CodeAuthFailed:       "认证失败",
	CodePermissionDenied: "权限不足",
	CodeResourceNotFound: "资源不存在",
	CodeDuplicateAction:  "重复操作",
	CodePaymentDeclined:  "扣款失败",
	CodeBusy:             "订阅处理中，请稍后重试",
	CodeDataIntegrity:    "订阅资料不完整",
	CodeGatewayError:     "金流服务暂时无法使用",
	CodeServerError:      "服务器内部错误",
}

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// CallbackResponse 金流回调的响应结构
type CallbackResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithMessage 带自定义消息的成功响应
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: message,
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	ErrorWithData(c, code, message, nil)
}

// ErrorWithData 附带数据的错误响应
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	if message == "" {
		message = codeMessages[code]
	}
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

// ParamError 参数错误
func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

// AuthError 认证失败
func AuthError(c *gin.Context, message string) {
	Error(c, CodeAuthFailed, message)
}

// PermissionError 权限不足
func PermissionError(c *gin.Context, message string) {
	Error(c, CodePermissionDenied, message)
}

// NotFoundError 资源不存在
func NotFoundError(c *gin.Context, message string) {
	Error(c, CodeResourceNotFound, message)
}

// DuplicateError 重复操作
func DuplicateError(c *gin.Context, message string) {
	Error(c, CodeDuplicateAction, message)
}

// PaymentDeclined 金流商拒绝，message 为金流商原文
func PaymentDeclined(c *gin.Context, message string, data interface{}) {
	ErrorWithData(c, CodePaymentDeclined, message, data)
}

// BusyError 同一订阅正在被其他请求处理
func BusyError(c *gin.Context) {
	Error(c, CodeBusy, "")
}

// DataIntegrityError 订阅缺少必要的委托资料
func DataIntegrityError(c *gin.Context, message string) {
	Error(c, CodeDataIntegrity, message)
}

// GatewayError 金流服务不可达
func GatewayError(c *gin.Context) {
	Error(c, CodeGatewayError, "")
}

// ServerError 服务器错误
func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

// CallbackOK 回调处理成功
func CallbackOK(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, CallbackResponse{Success: true, Message: message, Data: data})
}

// CallbackFail 回调处理失败，status 必须是非 2xx
func CallbackFail(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, CallbackResponse{Success: false, Message: message, Data: data})
}
