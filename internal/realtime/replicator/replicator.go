// Package replicator 维护一个房间文档的本地副本：乐观写入本地、串行持久化，
// 并把 feed 上的远端变更按最后写入者获胜合并进来，同时过滤自己写入产生的回声。
package replicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/metrics"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
)

// Store 文档的持久化入口，由 service.DocumentService 实现
type Store interface {
	GetDocument(ctx context.Context, roomID uint) (*domain.Document, error)
	InitializeDocument(ctx context.Context, roomID uint, content string, lang domain.Language) (*domain.Document, bool, error)
	UpdateDocument(ctx context.Context, patch domain.DocumentPatch) (*domain.Document, error)
}

// DocumentState 本地副本的快照
type DocumentState struct {
	DocumentID uint
	RoomID     uint
	Content    string
	Language   domain.Language
	Revision   uint64
	// Remote 为 true 表示这次变化来自其他副本或重新同步，而不是本地编辑
	Remote bool
}

// Options Replicator 配置
type Options struct {
	// ReadyTimeout 等待订阅生效的最长时间，超时后仍然打开，订阅在后台重试
	ReadyTimeout time.Duration
	// OnStatus 转发订阅状态变化，可为 nil
	OnStatus transport.StatusHandler
	Logger   *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "replicator")
	}
	return o
}

// 重连后重新拉取文档的超时
const resyncTimeout = 5 * time.Second

type pending struct {
	seq      uint64
	content  string
	language domain.Language
}

// Replicator 一个房间文档的本地副本
type Replicator struct {
	id     string
	roomID uint
	store  Store
	opts   Options
	log    *logrus.Entry
	sub    *transport.Subscription

	persistMu sync.Mutex // 同一副本的持久化串行执行
	notifyMu  sync.Mutex // 保证观察者按状态变化的顺序收到通知

	mu          sync.Mutex
	state       DocumentState
	loaded      bool
	resyncLater bool
	buffered    []transport.Change
	seq         uint64
	lastIssued  map[domain.DocumentField]uint64
	inflight    map[domain.DocumentField]pending
	observers   map[int]func(DocumentState)
	nextObs     int
	closed      bool
}

func newReplicator(store Store, roomID uint, opts Options) *Replicator {
	if store == nil {
		panic("document store cannot be nil for Replicator")
	}
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Replicator{
		id:         id,
		roomID:     roomID,
		store:      store,
		opts:       opts,
		log:        opts.Logger.WithFields(logrus.Fields{"room_id": roomID, "replica": id}),
		lastIssued: make(map[domain.DocumentField]uint64),
		inflight:   make(map[domain.DocumentField]pending),
		observers:  make(map[int]func(DocumentState)),
	}
}

// Open 打开房间已有的文档，房间没有文档时返回 domain.ErrNotFound。
func Open(ctx context.Context, store Store, adapter *transport.Adapter, roomID uint, opts Options) (*Replicator, error) {
	r := newReplicator(store, roomID, opts)
	if err := r.subscribe(ctx, adapter); err != nil {
		return nil, err
	}
	doc, err := store.GetDocument(ctx, roomID)
	if err != nil {
		_ = r.sub.Close()
		return nil, err
	}
	r.load(doc)
	return r, nil
}

// Initialize 在房间还没有文档时用给定内容创建文档；文档已存在时采用已有的文档。
// 并发初始化只有一个写入生效，其余副本读回获胜者。
func Initialize(ctx context.Context, store Store, adapter *transport.Adapter, roomID uint, content string, lang domain.Language, opts Options) (*Replicator, error) {
	r := newReplicator(store, roomID, opts)
	if err := r.subscribe(ctx, adapter); err != nil {
		return nil, err
	}
	doc, created, err := store.InitializeDocument(ctx, roomID, content, lang)
	if err != nil {
		_ = r.sub.Close()
		return nil, err
	}
	r.log.WithField("created", created).Debug("Document initialized")
	r.load(doc)
	return r, nil
}

func (r *Replicator) subscribe(ctx context.Context, adapter *transport.Adapter) error {
	if adapter == nil {
		panic("transport adapter cannot be nil for Replicator")
	}
	sub, err := adapter.SubscribeToEntityChanges(ctx, transport.KindDocument, r.roomID, r.OnRemoteUpdate, r.onStatus)
	if err != nil {
		return err
	}
	r.sub = sub

	readyCtx, cancel := context.WithTimeout(ctx, r.opts.ReadyTimeout)
	defer cancel()
	if err := sub.WaitReady(readyCtx); err != nil {
		if ctx.Err() != nil {
			_ = sub.Close()
			return ctx.Err()
		}
		// 不致命：远端更新暂时不可见，订阅生效后会重新同步
		r.log.WithError(err).Warn("Document subscription not live yet, continuing")
		return nil
	}
	// 订阅在拉取文档之前已经生效，不需要再同步
	r.mu.Lock()
	r.resyncLater = false
	r.mu.Unlock()
	return nil
}

// load 用拉取到的文档初始化本地状态，并回放加载期间缓冲的事件
func (r *Replicator) load(doc *domain.Document) {
	r.update(func() bool {
		r.state = DocumentState{
			DocumentID: doc.ID,
			RoomID:     doc.RoomID,
			Content:    doc.Content,
			Language:   doc.Language,
			Revision:   doc.Revision,
			Remote:     true,
		}
		r.loaded = true
		for _, change := range r.buffered {
			if change.Document.Document.Revision > r.state.Revision {
				r.applyLocked(change)
			}
		}
		r.buffered = nil
		return true
	})

	r.mu.Lock()
	resync := r.resyncLater
	r.resyncLater = false
	r.mu.Unlock()
	if resync {
		r.resync()
	}
}

// ID 副本的写入来源标识
func (r *Replicator) ID() string { return r.id }

// Snapshot 返回当前本地状态
func (r *Replicator) Snapshot() DocumentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe 注册状态变化回调并立即回放当前状态，返回取消函数。
// 回调串行执行，不能在回调里调用 ApplyLocalEdit / ApplyLanguageChange / Flush / Close。
func (r *Replicator) Subscribe(cb func(DocumentState)) func() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = cb
	state := r.state
	r.mu.Unlock()

	cb(state)
	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

// update 在 mu 内执行 fn，fn 返回 true 时按顺序通知观察者
func (r *Replicator) update(fn func() bool) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	changed := fn()
	state := r.state
	cbs := make([]func(DocumentState), 0, len(r.observers))
	for _, cb := range r.observers {
		cbs = append(cbs, cb)
	}
	r.mu.Unlock()

	if changed {
		for _, cb := range cbs {
			cb(state)
		}
	}
}

// ApplyLocalEdit 乐观更新本地内容并持久化
func (r *Replicator) ApplyLocalEdit(ctx context.Context, content string) error {
	patch, err := r.issue(func(p *domain.DocumentPatch) {
		p.Content = &content
	})
	if err != nil {
		return err
	}
	metrics.LocalEditsTotal.WithLabelValues(string(domain.FieldContent)).Inc()
	return r.persist(ctx, patch)
}

// ApplyLanguageChange 乐观更新本地语言并持久化
func (r *Replicator) ApplyLanguageChange(ctx context.Context, lang domain.Language) error {
	if _, err := domain.ParseLanguage(string(lang)); err != nil {
		return err
	}
	patch, err := r.issue(func(p *domain.DocumentPatch) {
		p.Language = &lang
	})
	if err != nil {
		return err
	}
	metrics.LocalEditsTotal.WithLabelValues(string(domain.FieldLanguage)).Inc()
	return r.persist(ctx, patch)
}

// Flush 把当前的内容和语言一起写入存储（显式保存）
func (r *Replicator) Flush(ctx context.Context) error {
	r.mu.Lock()
	content, lang := r.state.Content, r.state.Language
	r.mu.Unlock()
	patch, err := r.issue(func(p *domain.DocumentPatch) {
		p.Content = &content
		p.Language = &lang
	})
	if err != nil {
		return err
	}
	return r.persist(ctx, patch)
}

// issue 分配序号、登记在途写入并乐观更新本地状态
func (r *Replicator) issue(fill func(*domain.DocumentPatch)) (domain.DocumentPatch, error) {
	var patch domain.DocumentPatch
	var err error
	r.update(func() bool {
		if r.closed {
			err = domain.ErrSessionClosed
			return false
		}
		r.seq++
		patch = domain.DocumentPatch{DocumentID: r.state.DocumentID, Origin: r.id, Seq: r.seq}
		fill(&patch)
		p := pending{seq: r.seq}
		changed := false
		if patch.Content != nil {
			p.content = *patch.Content
			changed = changed || r.state.Content != p.content
			r.state.Content = p.content
		}
		if patch.Language != nil {
			p.language = *patch.Language
			changed = changed || r.state.Language != p.language
			r.state.Language = p.language
		}
		for _, f := range patch.Fields() {
			r.lastIssued[f] = r.seq
			r.inflight[f] = p
		}
		if changed {
			r.state.Remote = false
		}
		return changed
	})
	return patch, err
}

// persist 串行写入存储。排队期间已被同一字段更新的写入覆盖的字段不再写。
func (r *Replicator) persist(ctx context.Context, patch domain.DocumentPatch) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if patch.Content != nil && r.lastIssued[domain.FieldContent] > patch.Seq {
		patch.Content = nil
	}
	if patch.Language != nil && r.lastIssued[domain.FieldLanguage] > patch.Seq {
		patch.Language = nil
	}
	r.mu.Unlock()
	if len(patch.Fields()) == 0 {
		return nil
	}

	doc, err := r.store.UpdateDocument(ctx, patch)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range patch.Fields() {
		if p, ok := r.inflight[f]; ok && p.seq == patch.Seq {
			delete(r.inflight, f)
		}
	}
	if r.closed {
		return nil
	}
	if err != nil {
		r.log.WithError(err).WithField("seq", patch.Seq).Warn("Failed to persist local edit, keeping local state")
		if errors.Is(err, domain.ErrPersistenceFailure) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidInput) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	if doc.Revision > r.state.Revision {
		r.state.Revision = doc.Revision
	}
	return nil
}

// OnRemoteUpdate 处理 feed 上的文档变更
func (r *Replicator) OnRemoteUpdate(change transport.Change) {
	if change.Document == nil {
		return
	}
	r.update(func() bool {
		if r.closed {
			return false
		}
		if !r.loaded {
			r.buffered = append(r.buffered, change)
			return false
		}
		return r.applyLocked(change)
	})
}

// applyLocked 逐字段判断是否采用远端值，调用方持有 mu
func (r *Replicator) applyLocked(change transport.Change) bool {
	dc := change.Document
	doc := dc.Document
	if doc.ID != r.state.DocumentID {
		return false
	}
	own := dc.Origin == r.id
	changed := false

	if dc.Has(domain.FieldContent) {
		if r.suppress(domain.FieldContent, own, dc.Seq, doc.Content == r.state.Content, func(p pending) bool { return p.content == doc.Content }) {
			metrics.EchoSuppressedTotal.Inc()
		} else if r.state.Content != doc.Content {
			r.state.Content = doc.Content
			changed = true
		}
	}
	if dc.Has(domain.FieldLanguage) {
		if r.suppress(domain.FieldLanguage, own, dc.Seq, doc.Language == r.state.Language, func(p pending) bool { return p.language == doc.Language }) {
			metrics.EchoSuppressedTotal.Inc()
		} else if r.state.Language != doc.Language {
			r.state.Language = doc.Language
			changed = true
		}
	}
	if doc.Revision > r.state.Revision {
		r.state.Revision = doc.Revision
	}
	if changed {
		r.state.Remote = true
	}
	return changed
}

// suppress 判断某个字段上的事件是否为回声
func (r *Replicator) suppress(field domain.DocumentField, own bool, seq uint64, equalsLocal bool, equalsInflight func(pending) bool) bool {
	if own {
		return seq < r.lastIssued[field] || equalsLocal
	}
	if p, ok := r.inflight[field]; ok && equalsInflight(p) {
		return true
	}
	return false
}

func (r *Replicator) onStatus(ev transport.StatusEvent) {
	if r.opts.OnStatus != nil {
		r.opts.OnStatus(ev)
	}
	switch ev.Status {
	case transport.StatusReconnected:
		r.resync()
	case transport.StatusLive:
		r.mu.Lock()
		if !r.loaded {
			r.resyncLater = true
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		// 打开时订阅还没生效
		r.resync()
	}
}

// resync 断线期间的远端更新不可见，重新拉取文档，在途的字段保留本地值
func (r *Replicator) resync() {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	doc, err := r.store.GetDocument(ctx, r.roomID)
	if err != nil {
		r.log.WithError(err).Warn("Failed to re-fetch document after reconnect")
		return
	}

	r.update(func() bool {
		if r.closed || doc.ID != r.state.DocumentID {
			return false
		}
		changed := false
		if _, busy := r.inflight[domain.FieldContent]; !busy && r.state.Content != doc.Content {
			r.state.Content = doc.Content
			changed = true
		}
		if _, busy := r.inflight[domain.FieldLanguage]; !busy && r.state.Language != doc.Language {
			r.state.Language = doc.Language
			changed = true
		}
		if doc.Revision > r.state.Revision {
			r.state.Revision = doc.Revision
		}
		if changed {
			r.state.Remote = true
		}
		return changed
	})
	r.log.WithField("revision", doc.Revision).Info("Document re-synchronized")
}

// Close 停止接收远端更新，之后到达的持久化结果被丢弃。
// 返回后不会再有观察者回调。
func (r *Replicator) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.observers = make(map[int]func(DocumentState))
	r.mu.Unlock()

	if r.sub != nil {
		_ = r.sub.Close()
	}
	// 等待正在进行的通知结束
	r.notifyMu.Lock()
	r.notifyMu.Unlock()
	return nil
}
