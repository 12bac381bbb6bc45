package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/yourusername/anchor-forge/internal/cache"
	"github.com/yourusername/anchor-forge/internal/record"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second

	// degradedAfter 回連続で購読に失敗したら劣化状態として通知します。
	degradedAfter = 3
)

// SubscriptionError は購読の確立失敗や不正なペイロードを表します。
type SubscriptionError struct {
	Filter  string
	Message string
	Err     error
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscription %s: %s: %v", e.Filter, e.Message, e.Err)
	}
	return fmt.Sprintf("subscription %s: %s", e.Filter, e.Message)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Manager はフィルタごとに1本のストリームを維持し、受信イベントを
// キャッシュ操作へ変換します。同一フィルタの購読は参照カウントで
// 束ね、最後の購読者が解放したときにストリームを閉じます。
type Manager struct {
	feed       Feed
	cache      *cache.Store
	logger     *log.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	onDegraded func(*SubscriptionError)

	mu      sync.Mutex
	streams map[string]*stream
}

// Option は Manager の設定を変更します。
type Option func(*Manager)

// WithBackoff は再購読のバックオフ範囲を設定します。
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(m *Manager) {
		m.minBackoff = minDelay
		m.maxBackoff = maxDelay
	}
}

// WithDegradedHandler は購読が繰り返し失敗したときの通知先を設定します。
func WithDegradedHandler(fn func(*SubscriptionError)) Option {
	return func(m *Manager) { m.onDegraded = fn }
}

// NewManager は Manager を作成します。
func NewManager(feed Feed, store *cache.Store, logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{
		feed:       feed,
		cache:      store,
		logger:     logger,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		streams:    make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type stream struct {
	filter Filter
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscription は購読のハンドルです。利用を終えたら必ず Close してください。
type Subscription struct {
	m      *Manager
	key    string
	closed sync.Once
}

// Close は購読を解放します。最後のハンドルが閉じられた時点で
// 下位ストリームも停止します。複数回呼んでも安全です。
func (s *Subscription) Close() {
	s.closed.Do(func() {
		s.m.release(s.key)
	})
}

// Open はフィルタに対する購読を開始します。既に同じフィルタの
// ストリームがあればそれを共有します。
func (m *Manager) Open(filter Filter) *Subscription {
	key := filter.Key()

	m.mu.Lock()
	st, ok := m.streams[key]
	if ok {
		st.refs++
		m.mu.Unlock()
		return &Subscription{m: m, key: key}
	}

	ctx, cancel := context.WithCancel(context.Background())
	st = &stream{
		filter: filter,
		refs:   1,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.streams[key] = st
	m.mu.Unlock()

	go m.run(ctx, st)
	return &Subscription{m: m, key: key}
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	st, ok := m.streams[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.refs--
	if st.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.streams, key)
	m.mu.Unlock()

	st.cancel()
	<-st.done
}

// Shutdown はすべてのストリームを停止します。
func (m *Manager) Shutdown() {
	m.mu.Lock()
	streams := make([]*stream, 0, len(m.streams))
	for key, st := range m.streams {
		streams = append(streams, st)
		delete(m.streams, key)
	}
	m.mu.Unlock()

	for _, st := range streams {
		st.cancel()
		<-st.done
	}
}

// run は1フィルタ分の購読ループです。接続断のたびに再購読し、
// 再接続の直後にはフィルタ配下のキーを無効化して欠落を埋めます。
func (m *Manager) run(ctx context.Context, st *stream) {
	defer close(st.done)

	channel := record.ChannelFor(st.filter.Table())
	failures := 0
	connectedOnce := false

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := m.feed.Subscribe(ctx, channel)
		if err != nil {
			failures++
			subErr := &SubscriptionError{Filter: st.filter.Key(), Message: "failed to open stream", Err: err}
			if m.logger != nil {
				m.logger.Printf("realtime: %v", subErr)
			}
			if failures >= degradedAfter && m.onDegraded != nil {
				m.onDegraded(subErr)
			}
			if !m.sleep(ctx, failures) {
				return
			}
			continue
		}
		failures = 0

		// 切断中のイベントは at-least-once の保証外なので、
		// 再接続したら必ずスコープ内のキーを無効化する。
		if connectedOnce {
			m.invalidateScoped(st.filter)
		}
		connectedOnce = true

		m.consume(ctx, st, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		if !m.sleep(ctx, 1) {
			return
		}
	}
}

// consume は接続が切れるまでイベントを処理します。
func (m *Manager) consume(ctx context.Context, st *stream, conn Conn) {
	for {
		select {
		case payload, ok := <-conn.Events():
			if !ok {
				return
			}
			m.handlePayload(ctx, st.filter, payload)
		case <-ctx.Done():
			return
		}
	}
}

// handlePayload は受信した生ペイロードを検証し、キャッシュへ反映します。
// 購読が解放済みであれば何も書き込みません。
func (m *Manager) handlePayload(ctx context.Context, filter Filter, payload []byte) {
	ev, err := record.DecodeChangeEvent(payload)
	if err != nil {
		m.reportPayloadError(filter, err)
		return
	}
	if ev.Table != filter.Table() {
		return
	}

	switch ev.Table {
	case record.TableJobs:
		m.handleJobEvent(ctx, filter, ev)
	case record.TableProjects:
		m.handleProjectEvent(ctx, filter, ev)
	}
}

// handleProjectEvent はプロジェクトの変更イベントを処理します。
// プロジェクトは一覧スコープのみ。メンバーシップと順序を守るため
// 個別マージはせず一覧キーを無効化します。
func (m *Manager) handleProjectEvent(ctx context.Context, filter Filter, ev *record.ChangeEvent) {
	if ev.Kind != record.EventDelete {
		if _, err := record.DecodeProject(ev.Record); err != nil {
			m.reportPayloadError(filter, err)
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	m.invalidateScoped(filter)
}

func (m *Manager) handleJobEvent(ctx context.Context, filter Filter, ev *record.ChangeEvent) {
	j, err := record.DecodeJob(ev.Record)
	if err != nil {
		m.reportPayloadError(filter, err)
		return
	}
	if !filter.matchesJob(j) {
		return
	}
	if ctx.Err() != nil {
		// 解放後に残っていたバッファ分。キャッシュへは反映しない。
		return
	}

	if filter.singleEntity() {
		if ev.Kind == record.EventDelete {
			return
		}
		m.cache.SetIfNewer(record.JobKey(j.ID), j)
		return
	}
	// 一覧スコープは insert/delete を含むためフィールドマージせず、
	// 再フェッチに任せる。
	m.invalidateScoped(filter)
}

func (m *Manager) invalidateScoped(filter Filter) {
	m.cache.Invalidate(cache.ByKey(filter.scopedKeys()...))
}

func (m *Manager) reportPayloadError(filter Filter, err error) {
	subErr := &SubscriptionError{Filter: filter.Key(), Message: "invalid event payload", Err: err}
	if m.logger != nil {
		m.logger.Printf("realtime: %v", subErr)
	}
}

// sleep は指数バックオフで待機します。ctx が打ち切られたら false を返します。
func (m *Manager) sleep(ctx context.Context, attempt int) bool {
	delay := m.minBackoff
	for i := 1; i < attempt && delay < m.maxBackoff; i++ {
		delay *= 2
	}
	if delay > m.maxBackoff {
		delay = m.maxBackoff
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
