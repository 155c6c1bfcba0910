package service

import (
	"errors"
	"net/http"

	"gorm.io/gorm"
)

// Kind 是对外稳定的错误类别，handler 据此映射 HTTP 状态码。
type Kind string

const (
	KindInvalidArgument Kind = "invalid_argument"
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindServerError     Kind = "server_error"
)

// Error 是业务层统一的错误类型，Msg 可以直接返回给调用方，Err 只用于日志。
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Msg + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

func InvalidArgument(msg string) *Error { return newErr(KindInvalidArgument, msg) }
func Unauthorized(msg string) *Error    { return newErr(KindUnauthorized, msg) }
func Forbidden(msg string) *Error       { return newErr(KindForbidden, msg) }
func NotFound(msg string) *Error        { return newErr(KindNotFound, msg) }
func Conflict(msg string) *Error        { return newErr(KindConflict, msg) }

// 常用错误值。
var (
	ErrHandleTaken        = Conflict("handle or email already taken")
	ErrInvalidCredentials = Unauthorized("invalid credentials")
	ErrInvalidRefresh     = Forbidden("invalid refresh token")
	ErrNotMember          = Forbidden("not a member of this chat")
	ErrUserNotFound       = NotFound("user not found")
	ErrChatNotFound       = NotFound("chat not found")
	ErrMessageNotFound    = NotFound("message not found")
)

// storageErr 把存储层错误统一包装：唯一约束冲突归为 Conflict，其余为 ServerError。
// 已经是 *Error 的原样返回，方便在事务回调里直接返回业务错误。
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &Error{Kind: KindConflict, Msg: "already exists", Err: err}
	}
	return &Error{Kind: KindServerError, Msg: "internal error", Err: err}
}

// KindOf 返回错误的类别，非 *Error 一律视为 ServerError。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServerError
}

// IsKind 判断 err 是否属于给定类别。
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message 返回可以展示给调用方的信息，ServerError 不暴露内部细节。
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindServerError {
		return e.Msg
	}
	return "internal error"
}

// HTTPStatus 把错误类别映射为 HTTP 状态码。
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
