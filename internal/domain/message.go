package domain

import "time"

// ChatMessage 房间内的一条聊天消息，只追加不修改。
// ID 为 ULID，按 (CreatedAt, ID) 全序排列。
type ChatMessage struct {
	ID         string    `gorm:"primaryKey;size:26"`
	RoomID     uint      `gorm:"index:idx_room_created;not null"`
	AuthorName string    `gorm:"size:191"`
	Body       string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"index:idx_room_created"`
}

// Before 判断 m 是否排在 other 之前。
func (m ChatMessage) Before(other ChatMessage) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
