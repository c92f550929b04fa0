package domain

import "errors"

// 实时同步核心对外暴露的错误分类
var (
	// ErrNotFound 房间或文档不存在
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput 聊天内容为空、语言标签不支持等
	ErrInvalidInput = errors.New("invalid input")
	// ErrTransportUnavailable 订阅失败或断开且多次重连失败
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrPersistenceFailure 写入被存储拒绝，可重试
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("session closed")
)

// ErrorKind 返回错误所属分类的短名，用于 API 和 websocket 的错误码
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrTransportUnavailable):
		return "transport_unavailable"
	case errors.Is(err, ErrPersistenceFailure):
		return "persistence_failure"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	default:
		return "internal"
	}
}
