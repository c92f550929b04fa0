// Package memstore 提供进程内的仓库实现，用于单节点开发模式和测试。
// 语义与 gorm 实现保持一致：唯一约束冲突返回 ErrDuplicateEntry，文档更新递增 revision。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/repository"
)

// Store 同时实现 Room/Document/Message/Snapshot 四个仓库接口
type Store struct {
	mu        sync.Mutex
	rooms     map[uint]domain.Room
	documents map[uint]domain.Document // key: document id
	messages  map[uint][]domain.ChatMessage
	snapshots map[uint][]domain.DocumentSnapshot
	nextID    uint
	now       func() time.Time

	// 非 nil 时所有写操作返回该错误
	failWrites error
}

var (
	_ repository.RoomRepository     = (*Store)(nil)
	_ repository.DocumentRepository = (*Store)(nil)
	_ repository.MessageRepository  = (*Store)(nil)
	_ repository.SnapshotRepository = (*Store)(nil)
)

// New 创建空的内存存储
func New() *Store {
	return &Store{
		rooms:     make(map[uint]domain.Room),
		documents: make(map[uint]domain.Document),
		messages:  make(map[uint][]domain.ChatMessage),
		snapshots: make(map[uint][]domain.DocumentSnapshot),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// FailWrites 设置写操作返回的错误，传 nil 恢复正常
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	s.failWrites = err
	s.mu.Unlock()
}

func (s *Store) id() uint {
	s.nextID++
	return s.nextID
}

// --- rooms ---

func (s *Store) FindByID(ctx context.Context, id uint) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, repository.ErrRoomNotFound
	}
	return &room, nil
}

func (s *Store) FindByCode(ctx context.Context, code string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range s.rooms {
		if room.Code == code {
			r := room
			return &r, nil
		}
	}
	return nil, repository.ErrRoomNotFound
}

func (s *Store) FindByCodes(ctx context.Context, codes []string) ([]domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		want[c] = struct{}{}
	}
	var out []domain.Room
	for _, room := range s.rooms {
		if _, ok := want[room.Code]; ok {
			out = append(out, room)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Create(ctx context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	for _, r := range s.rooms {
		if r.Code == room.Code {
			return repository.ErrDuplicateEntry
		}
	}
	room.ID = s.id()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = s.now()
	}
	s.rooms[room.ID] = *room
	return nil
}

func (s *Store) IsCodeExists(ctx context.Context, code string) (bool, error) {
	_, err := s.FindByCode(ctx, code)
	return err == nil, nil
}

// --- documents ---

func (s *Store) findDocument(roomID uint) (domain.Document, bool) {
	for _, doc := range s.documents {
		if doc.RoomID == roomID {
			return doc, true
		}
	}
	return domain.Document{}, false
}

func (s *Store) FindByRoomID(ctx context.Context, roomID uint) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.findDocument(roomID)
	if !ok {
		return nil, repository.ErrDocumentNotFound
	}
	return &doc, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, doc *domain.Document) (*domain.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return nil, false, s.failWrites
	}
	if existing, ok := s.findDocument(doc.RoomID); ok {
		return &existing, false, nil
	}
	now := s.now()
	doc.ID = s.id()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	s.documents[doc.ID] = *doc
	created := *doc
	return &created, true, nil
}

func (s *Store) Update(ctx context.Context, patch domain.DocumentPatch) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return nil, s.failWrites
	}
	doc, ok := s.documents[patch.DocumentID]
	if !ok {
		return nil, repository.ErrDocumentNotFound
	}
	if patch.Content != nil {
		doc.Content = *patch.Content
	}
	if patch.Language != nil {
		doc.Language = *patch.Language
	}
	doc.Revision++
	doc.UpdatedBy = patch.Origin
	doc.UpdatedAt = s.now()
	s.documents[doc.ID] = doc
	return &doc, nil
}

// --- messages ---

func (s *Store) Append(ctx context.Context, msg *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	for _, m := range s.messages[msg.RoomID] {
		if m.ID == msg.ID {
			return repository.ErrDuplicateEntry
		}
	}
	msgs := append(s.messages[msg.RoomID], *msg)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
	s.messages[msg.RoomID] = msgs
	return nil
}

func (s *Store) ListByRoom(ctx context.Context, roomID uint, since time.Time, limit int) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, 0)
	for _, m := range s.messages[roomID] {
		if !since.IsZero() && m.CreatedAt.Before(since) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- snapshots ---

func (s *Store) GetLatestSnapshot(ctx context.Context, roomID uint) (*domain.DocumentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[roomID]
	if len(snaps) == 0 {
		return nil, repository.ErrSnapshotNotFound
	}
	latest := snaps[len(snaps)-1]
	return &latest, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snapshot *domain.DocumentSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	snapshot.ID = s.id()
	s.snapshots[snapshot.RoomID] = append(s.snapshots[snapshot.RoomID], *snapshot)
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context, roomID uint, limit int) ([]domain.DocumentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[roomID]
	out := make([]domain.DocumentSnapshot, 0, len(snaps))
	for i := len(snaps) - 1; i >= 0; i-- {
		snap := snaps[i]
		snap.Content = nil
		out = append(out, snap)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) FindSnapshot(ctx context.Context, roomID, snapshotID uint) (*domain.DocumentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snapshots[roomID] {
		if snap.ID == snapshotID {
			out := snap
			return &out, nil
		}
	}
	return nil, repository.ErrSnapshotNotFound
}
