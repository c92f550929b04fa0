package domain

import (
	"strings"
	"time"
)

// RoomCodeLength 房间码固定长度
const RoomCodeLength = 6

// Room 表示一个协作编辑房间，通过短码分享。
type Room struct {
	ID        uint      `gorm:"primaryKey"`                      // 房间唯一标识符 (主键)
	Code      string    `gorm:"uniqueIndex;size:16;not null"`    // 房间码，全大写字母数字，唯一
	CreatedAt time.Time `gorm:"autoCreateTime"`                  // 创建时间 (GORM 自动填充)
}

// NormalizeRoomCode 统一房间码格式（去空白并转大写）。
// 加入房间时用户可能输入小写，这里统一处理。
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidRoomCode 检查房间码是否为固定长度的大写字母数字串。
func ValidRoomCode(code string) bool {
	if len(code) != RoomCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
