package httptransport

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"tempinbox/backend/internal/service"
	"tempinbox/backend/internal/storage"
)

// 通用错误消息
const (
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidJSON      = "JSON格式错误"
	MsgValidationFailed = "请求参数校验失败"
	MsgAddressRequired  = "缺少 address 参数"
	MsgInternalError    = "服务器内部错误"

	MsgInboxNotFound     = "收件箱不存在或已过期"
	MsgMessageNotFound   = "邮件不存在"
	MsgInvalidAddress    = "邮箱地址无效"
	MsgAddressExhausted  = "暂时无法分配地址，请稍后重试"
	MsgGenerateFailed    = "生成邮箱失败"
	MsgDemoSendFailed    = "投递演示邮件失败"
	MsgMarkReadFailed    = "标记已读失败"
	MsgInboxLookupFailed = "获取收件箱失败"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = []struct {
	err error
	msg string
}{
	{storage.ErrInboxNotFound, MsgInboxNotFound},
	{storage.ErrMessageNotFound, MsgMessageNotFound},
	{storage.ErrInvalidAddress, MsgInvalidAddress},
	{service.ErrAddressExhausted, MsgAddressExhausted},
}

// GetErrorMessage 获取错误的中文消息，支持被 %w 包装过的错误
func GetErrorMessage(err error, fallback string) string {
	for _, entry := range errorMessages {
		if errors.Is(err, entry.err) {
			return entry.msg
		}
	}
	return fallback
}

// statusFor 将业务错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrInboxNotFound), errors.Is(err, storage.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAddressExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError 按错误类型写出统一错误响应
func respondError(c *gin.Context, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		InternalError(c, fallback)
		return
	}
	Error(c, status, GetErrorMessage(err, fallback))
}

// FieldError 单个字段的校验失败信息
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// bindingErrors 把 ShouldBindJSON 的错误转换为字段级明细；非校验错误返回 nil
func bindingErrors(err error) []FieldError {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}

	details := make([]FieldError, 0, len(ve))
	for _, fe := range ve {
		details = append(details, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return details
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s 不能为空", fe.Field())
	case "email":
		return fmt.Sprintf("%s 必须是合法的邮箱地址", fe.Field())
	case "max":
		return fmt.Sprintf("%s 长度不能超过 %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s 校验失败 (%s)", fe.Field(), fe.Tag())
	}
}

var registerTagNameOnce sync.Once

// useJSONFieldNames 让校验错误使用 json 标签中的字段名
func useJSONFieldNames() {
	registerTagNameOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	})
}
