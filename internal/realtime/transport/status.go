package transport

// Status 订阅的连接状态
type Status int

const (
	// StatusLive 首次订阅生效
	StatusLive Status = iota
	// StatusDisconnected 连接断开，正在重新订阅，期间的变更会丢失
	StatusDisconnected
	// StatusReconnected 重新订阅成功，调用方应重新拉取状态
	StatusReconnected
	// StatusDegraded 连续多次订阅失败，实时更新暂停（仍在后台重试）
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusLive:
		return "live"
	case StatusDisconnected:
		return "disconnected"
	case StatusReconnected:
		return "reconnected"
	case StatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// StatusEvent 订阅状态变化通知
type StatusEvent struct {
	Channel string
	Status  Status
	Err     error // Disconnected / Degraded 时的原因
	Attempt int   // 连续失败次数
}
