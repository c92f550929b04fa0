package domain

import (
	"fmt"
	"time"
)

// Language 文档的语言标签，取值范围固定。
type Language string

const (
	LanguageJavaScript Language = "javascript"
	LanguageTypeScript Language = "typescript"
	LanguagePython     Language = "python"
	LanguageJava       Language = "java"
	LanguageCpp        Language = "cpp"
	LanguageHTML       Language = "html"
	LanguageCSS        Language = "css"
	LanguageJSON       Language = "json"
)

// Languages 返回所有支持的语言，顺序与前端下拉框一致。
func Languages() []Language {
	return []Language{
		LanguageJavaScript, LanguageTypeScript, LanguagePython, LanguageJava,
		LanguageCpp, LanguageHTML, LanguageCSS, LanguageJSON,
	}
}

// ParseLanguage 解析语言标签，不支持的标签返回 ErrInvalidInput。
func ParseLanguage(s string) (Language, error) {
	for _, l := range Languages() {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported language %q", ErrInvalidInput, s)
}

// 新建房间时写入的初始内容
const (
	DefaultContent  = "// Start coding together!\nconsole.log(\"Welcome to DevCollab!\");"
	DefaultLanguage = LanguageJavaScript
)

// Document 房间内唯一的共享文档。
// RoomID 上的唯一索引保证每个房间最多一个文档，并发初始化时先插入者获胜。
type Document struct {
	ID        uint      `gorm:"primaryKey"`
	RoomID    uint      `gorm:"uniqueIndex;not null"`
	Content   string
	Language  Language  `gorm:"size:32;not null"`
	Revision  uint64    `gorm:"not null;default:0"` // 每次更新 +1，仅用于观察，不做冲突检测
	UpdatedBy string    `gorm:"size:64"`            // 最后一次写入的来源（replicator id）
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// DocumentField 文档上可独立更新的字段。
type DocumentField string

const (
	FieldContent  DocumentField = "content"
	FieldLanguage DocumentField = "language"
)

// DocumentPatch 描述一次文档写入。
// Content / Language 为 nil 表示该字段不变。Origin 和 Seq 随变更事件一起发布，用于回声抑制。
type DocumentPatch struct {
	DocumentID uint
	Content    *string
	Language   *Language
	Origin     string
	Seq        uint64
}

// Fields 返回本次写入涉及的字段。
func (p DocumentPatch) Fields() []DocumentField {
	fields := make([]DocumentField, 0, 2)
	if p.Content != nil {
		fields = append(fields, FieldContent)
	}
	if p.Language != nil {
		fields = append(fields, FieldLanguage)
	}
	return fields
}
