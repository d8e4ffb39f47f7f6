package xerr

import (
	"errors"
	"fmt"
	"net/http"
)

// 业务错误码：1xxx 调用方问题，2xxx 协议/安全问题，5xxx 服务端或外部依赖问题
const (
	OK                = 200
	BadRequest        = 1001001
	NotFound          = 1001404
	PhaseError        = 1002001 // 当前阶段不允许该操作，等下一个阶段/批次即可
	InvalidState      = 1002002 // 订单状态不允许（重复 reveal、reveal 后撤单等）
	HashMismatch      = 2001001 // reveal 与 commit 不一致，安全相关，禁止自动重试
	Unauthorized      = 2001003 // 调用者不是提交该 commitment 的 trader
	RateLimited       = 1003001
	SettlementFailure = 5002001 // 链上结算失败，需要人工介入
	ServerCommonError = 5000000
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Cause error  `json:"-"`
}

func (e *CodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s, Cause:%v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.Cause }

// Is 只按错误码比较，这样哨兵错误和 Wrap 之后的错误可以互相 errors.Is
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 保留原始错误作为 Cause，对外只暴露 code + msg
func Wrap(cause error, code int, msg string) error {
	if cause == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, Cause: cause}
}

func As(err error) (*CodeError, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf 非业务错误统一当成 ServerCommonError
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return ServerCommonError
}

// Retryable 只有阶段错误可以由调用方等待后重试
func Retryable(err error) bool {
	return CodeOf(err) == PhaseError
}

// Security HashMismatch / Unauthorized 代表 bug 或恶意行为
func Security(err error) bool {
	c := CodeOf(err)
	return c == HashMismatch || c == Unauthorized
}

func HTTPStatus(code int) int {
	switch code {
	case OK:
		return http.StatusOK
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case PhaseError, InvalidState:
		return http.StatusConflict
	case HashMismatch:
		return http.StatusUnprocessableEntity
	case Unauthorized:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case SettlementFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func MapErrMsg(code int) string {
	switch code {
	case BadRequest:
		return "bad request"
	case NotFound:
		return "not found"
	case PhaseError:
		return "operation not allowed in current phase"
	case InvalidState:
		return "invalid order state"
	case HashMismatch:
		return "reveal does not match commitment"
	case Unauthorized:
		return "caller is not the committing trader"
	case RateLimited:
		return "too many requests"
	case SettlementFailure:
		return "settlement failed"
	case ServerCommonError:
		return "internal error"
	default:
		return "unknown error"
	}
}
