package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chriscod3/code-collab/internal/domain"
)

// EntityKind 变更事件对应的实体类型
type EntityKind string

const (
	KindDocument    EntityKind = "document"
	KindChatMessage EntityKind = "chat_message"
)

// Op 变更类型
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
)

// ErrMalformedChange 变更事件无法解码或字段不合法
var ErrMalformedChange = errors.New("transport: malformed change event")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// 时间按 RFC3339Nano 编码，默认的 Unix 秒会丢掉消息排序需要的精度
	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// envelope 是变更事件在 feed 上的线格式
type envelope struct {
	Kind   EntityKind             `cbor:"kind"`
	Op     Op                     `cbor:"op"`
	RoomID uint                   `cbor:"room_id"`
	Origin string                 `cbor:"origin,omitempty"`
	Seq    uint64                 `cbor:"seq,omitempty"`
	Fields []domain.DocumentField `cbor:"fields,omitempty"`
	Record cbor.RawMessage        `cbor:"record"`
}

type documentRecord struct {
	ID        uint      `cbor:"id"`
	RoomID    uint      `cbor:"room_id"`
	Content   string    `cbor:"content"`
	Language  string    `cbor:"language"`
	Revision  uint64    `cbor:"revision"`
	UpdatedBy string    `cbor:"updated_by,omitempty"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

type messageRecord struct {
	ID         string    `cbor:"id"`
	RoomID     uint      `cbor:"room_id"`
	AuthorName string    `cbor:"author_name"`
	Body       string    `cbor:"body"`
	CreatedAt  time.Time `cbor:"created_at"`
}

// DocumentChange 文档变更，Origin/Seq 标识写入者及其本地序号，Fields 为本次写入的字段
type DocumentChange struct {
	Document domain.Document
	Origin   string
	Seq      uint64
	Fields   []domain.DocumentField
}

// Has 判断本次变更是否写入了字段 f
func (c DocumentChange) Has(f domain.DocumentField) bool {
	for _, field := range c.Fields {
		if field == f {
			return true
		}
	}
	return false
}

// Change 解码后的变更事件，按 Kind 只有一个负载非空
type Change struct {
	Kind     EntityKind
	Op       Op
	RoomID   uint
	Document *DocumentChange
	Message  *domain.ChatMessage
}

// EncodeDocumentChange 编码文档变更
func EncodeDocumentChange(op Op, doc domain.Document, origin string, seq uint64, fields []domain.DocumentField) ([]byte, error) {
	record, err := encMode.Marshal(documentRecord{
		ID:        doc.ID,
		RoomID:    doc.RoomID,
		Content:   doc.Content,
		Language:  string(doc.Language),
		Revision:  doc.Revision,
		UpdatedBy: doc.UpdatedBy,
		UpdatedAt: doc.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: encode document record: %w", err)
	}
	return encMode.Marshal(envelope{
		Kind:   KindDocument,
		Op:     op,
		RoomID: doc.RoomID,
		Origin: origin,
		Seq:    seq,
		Fields: fields,
		Record: record,
	})
}

// EncodeMessageInsert 编码新消息事件
func EncodeMessageInsert(msg domain.ChatMessage) ([]byte, error) {
	record, err := encMode.Marshal(messageRecord{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		AuthorName: msg.AuthorName,
		Body:       msg.Body,
		CreatedAt:  msg.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: encode message record: %w", err)
	}
	return encMode.Marshal(envelope{
		Kind:   KindChatMessage,
		Op:     OpInsert,
		RoomID: msg.RoomID,
		Record: record,
	})
}

// DecodeChange 解码并校验变更事件
func DecodeChange(payload []byte) (Change, error) {
	var env envelope
	if err := decMode.Unmarshal(payload, &env); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	if env.Op != OpInsert && env.Op != OpUpdate {
		return Change{}, fmt.Errorf("%w: unknown op %q", ErrMalformedChange, env.Op)
	}
	change := Change{Kind: env.Kind, Op: env.Op, RoomID: env.RoomID}

	switch env.Kind {
	case KindDocument:
		var rec documentRecord
		if err := decMode.Unmarshal(env.Record, &rec); err != nil {
			return Change{}, fmt.Errorf("%w: document record: %v", ErrMalformedChange, err)
		}
		if rec.RoomID != env.RoomID {
			return Change{}, fmt.Errorf("%w: document room %d does not match envelope room %d", ErrMalformedChange, rec.RoomID, env.RoomID)
		}
		lang, err := domain.ParseLanguage(rec.Language)
		if err != nil {
			return Change{}, fmt.Errorf("%w: %v", ErrMalformedChange, err)
		}
		fields := env.Fields
		if len(fields) == 0 {
			// 没有字段信息时视为整行写入
			fields = []domain.DocumentField{domain.FieldContent, domain.FieldLanguage}
		}
		change.Document = &DocumentChange{
			Document: domain.Document{
				ID:        rec.ID,
				RoomID:    rec.RoomID,
				Content:   rec.Content,
				Language:  lang,
				Revision:  rec.Revision,
				UpdatedBy: rec.UpdatedBy,
				UpdatedAt: rec.UpdatedAt,
			},
			Origin: env.Origin,
			Seq:    env.Seq,
			Fields: fields,
		}
	case KindChatMessage:
		var rec messageRecord
		if err := decMode.Unmarshal(env.Record, &rec); err != nil {
			return Change{}, fmt.Errorf("%w: message record: %v", ErrMalformedChange, err)
		}
		if rec.ID == "" {
			return Change{}, fmt.Errorf("%w: message without id", ErrMalformedChange)
		}
		if rec.RoomID != env.RoomID {
			return Change{}, fmt.Errorf("%w: message room %d does not match envelope room %d", ErrMalformedChange, rec.RoomID, env.RoomID)
		}
		change.Message = &domain.ChatMessage{
			ID:         rec.ID,
			RoomID:     rec.RoomID,
			AuthorName: rec.AuthorName,
			Body:       rec.Body,
			CreatedAt:  rec.CreatedAt,
		}
	default:
		return Change{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedChange, env.Kind)
	}
	return change, nil
}

// PresenceEventKind presence 事件类型
type PresenceEventKind string

const (
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceEvent presence 通道上的增量事件，只用来触发重新计算名单
type PresenceEvent struct {
	Kind  PresenceEventKind    `cbor:"kind"`
	Entry domain.PresenceEntry `cbor:"entry"`
}

func encodePresenceEvent(ev PresenceEvent) ([]byte, error) {
	return encMode.Marshal(ev)
}

func decodePresenceEvent(payload []byte) (PresenceEvent, error) {
	var ev PresenceEvent
	if err := decMode.Unmarshal(payload, &ev); err != nil {
		return PresenceEvent{}, fmt.Errorf("%w: presence event: %v", ErrMalformedChange, err)
	}
	if ev.Kind != PresenceJoin && ev.Kind != PresenceLeave {
		return PresenceEvent{}, fmt.Errorf("%w: unknown presence event %q", ErrMalformedChange, ev.Kind)
	}
	return ev, nil
}

func encodePresenceEntry(entry domain.PresenceEntry) ([]byte, error) {
	return encMode.Marshal(entry)
}

// DecodePresenceEntry 解码 presence 成员元数据
func DecodePresenceEntry(meta []byte) (domain.PresenceEntry, error) {
	var entry domain.PresenceEntry
	if err := decMode.Unmarshal(meta, &entry); err != nil {
		return domain.PresenceEntry{}, fmt.Errorf("%w: presence entry: %v", ErrMalformedChange, err)
	}
	return entry, nil
}
