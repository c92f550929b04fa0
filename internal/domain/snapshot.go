package domain

import "time"

// DocumentSnapshot 文档的历史版本快照。
// Content 为 zstd 压缩后的字节，Digest 是未压缩内容 + 语言的 blake3 摘要，用于跳过未变化的快照。
type DocumentSnapshot struct {
	ID        uint      `gorm:"primaryKey"`
	RoomID    uint      `gorm:"index:idx_snapshot_room_created;not null"`
	Revision  uint64    `gorm:"not null"`
	Language  Language  `gorm:"size:32;not null"`
	Digest    string    `gorm:"size:64;not null"`
	Content   []byte
	Size      int       // 未压缩内容长度
	CreatedAt time.Time `gorm:"index:idx_snapshot_room_created"`
}
