// Package cache は手動無効化と再検証を備えた汎用キーバリューキャッシュを提供します。
// バックエンドの正を映すシャドウコピーを保持し、すべてのコンポーネントは
// Set / SetIfNewer / Invalidate を通じてのみこのキャッシュを変更します。
package cache

import (
	"context"
	"log"
	"sync"
	"time"
)

// Versioned はレコードの新旧比較に使うバージョンを公開する値が実装します。
type Versioned interface {
	Version() time.Time
}

// Fetcher はキーに対応する取得処理です。再検証時に再実行されます。
type Fetcher func(ctx context.Context) (any, error)

// Listener はキーの値が変化したときに呼ばれます。
type Listener func(key string, value any)

// Predicate は Invalidate の対象キーを選択します。
type Predicate func(key string) bool

// ByKey は指定キーのみに一致する Predicate を返します。
func ByKey(keys ...string) Predicate {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return func(key string) bool {
		_, ok := set[key]
		return ok
	}
}

const defaultRevalidateTimeout = 10 * time.Second

type entry struct {
	value        any
	hasValue     bool
	version      time.Time
	hasVersion   bool
	writtenAt    time.Time
	stale        bool
	errored      bool
	revalidating bool
	gen          int
	fetcher      Fetcher
	listeners    map[int]Listener
}

// Store はキャッシュ本体です。すべての操作はロック内で完結し、
// 操作単位の原子性を保証します。
type Store struct {
	mu                sync.Mutex
	entries           map[string]*entry
	logger            *log.Logger
	revalidateTimeout time.Duration
	nextListenerID    int
}

// NewStore は空の Store を作成します。
func NewStore(logger *log.Logger) *Store {
	return &Store{
		entries:           make(map[string]*entry),
		logger:            logger,
		revalidateTimeout: defaultRevalidateTimeout,
	}
}

// SetRevalidateTimeout はバックグラウンド再検証のタイムアウトを変更します。
func (s *Store) SetRevalidateTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.revalidateTimeout = d
	s.mu.Unlock()
}

// State はキーの付帯情報（鮮度）を表します。
type State struct {
	Present   bool
	Stale     bool
	Errored   bool
	WrittenAt time.Time
}

func (s *Store) ensure(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{listeners: make(map[int]Listener)}
		s.entries[key] = e
	}
	return e
}

// Get は同期的に値を引きます。stale な値もそのまま返します（stale-while-revalidate）。
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.hasValue {
		return nil, false
	}
	return e.value, true
}

// GetState はキーの鮮度情報を返します。
func (s *Store) GetState(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return State{}
	}
	return State{Present: e.hasValue, Stale: e.stale, Errored: e.errored, WrittenAt: e.writtenAt}
}

// Set は無条件に上書きします。呼び出し側が確実に新しい値を
// 持っているとき（確定済みのプッシュイベント等）に使います。
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	e := s.ensure(key)
	s.write(e, value)
	listeners := snapshotListeners(e)
	s.mu.Unlock()

	notify(listeners, key, value)
}

// SetIfNewer はキャッシュ済みの値よりバージョンが新しい場合のみ上書きします。
// 遅れて届いた古いフェッチ結果がプッシュ済みの状態を壊すのを防ぎます。
// バージョンを持たない値がキャッシュされている場合は常に上書きします。
// 書き込んだ場合に true を返します。
func (s *Store) SetIfNewer(key string, value Versioned) bool {
	s.mu.Lock()
	e := s.ensure(key)
	if e.hasValue && e.hasVersion && !value.Version().After(e.version) {
		s.mu.Unlock()
		return false
	}
	s.write(e, value)
	listeners := snapshotListeners(e)
	s.mu.Unlock()

	notify(listeners, key, value)
	return true
}

// write はエントリへ値を反映します。呼び出し側がロックを保持します。
func (s *Store) write(e *entry, value any) {
	e.value = value
	e.hasValue = true
	e.writtenAt = time.Now().UTC()
	e.stale = false
	e.errored = false
	if v, ok := value.(Versioned); ok {
		e.version = v.Version()
		e.hasVersion = true
	} else {
		e.version = time.Time{}
		e.hasVersion = false
	}
}

// Fetch はリードスルーの取得です。新鮮な値があればそれを返し、
// なければ fetcher を実行して結果をキャッシュします。fetcher は
// 以後の再検証のために記憶されます。
func (s *Store) Fetch(ctx context.Context, key string, fetcher Fetcher) (any, error) {
	s.mu.Lock()
	e := s.ensure(key)
	e.fetcher = fetcher
	if e.hasValue && !e.stale {
		value := e.value
		s.mu.Unlock()
		return value, nil
	}
	s.mu.Unlock()

	value, err := fetcher(ctx)
	if err != nil {
		return s.keepOnError(key, err)
	}
	s.apply(key, value)

	s.mu.Lock()
	current := s.entries[key].value
	s.mu.Unlock()
	return current, nil
}

// apply はフェッチ結果をキャッシュへ反映します。バージョン付きの値は
// SetIfNewer 経由で反映し、フェッチ中に届いたプッシュより古い結果を捨てます。
func (s *Store) apply(key string, value any) {
	if v, ok := value.(Versioned); ok {
		s.SetIfNewer(key, v)
		return
	}
	s.Set(key, value)
}

// keepOnError はフェッチ失敗時の処理です。既存の値は残したまま
// errored 状態を立て、古い値とエラーの両方を返します。
func (s *Store) keepOnError(key string, err error) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(key)
	e.errored = true
	if e.hasValue {
		return e.value, err
	}
	return nil, err
}

// Invalidate は条件に一致するキーを stale にし、fetcher が登録済みの
// キーについては非同期の再検証をスケジュールします。無効化のたびに
// エントリの世代番号を進めるため、再検証のフェッチ中に届いた無効化も
// 失われません。
func (s *Store) Invalidate(match Predicate) {
	s.mu.Lock()
	var targets []string
	for key, e := range s.entries {
		if !match(key) {
			continue
		}
		e.stale = true
		e.gen++
		if e.fetcher != nil && !e.revalidating {
			e.revalidating = true
			targets = append(targets, key)
		}
	}
	s.mu.Unlock()

	for _, key := range targets {
		go s.revalidate(key)
	}
}

// revalidate は登録済みの fetcher を再実行して結果を反映します。
// フェッチ開始後に世代番号が進んでいた場合、その結果は破棄して
// フェッチをやり直します。
func (s *Store) revalidate(key string) {
	for {
		s.mu.Lock()
		e, ok := s.entries[key]
		if !ok || e.fetcher == nil {
			if ok {
				e.revalidating = false
			}
			s.mu.Unlock()
			return
		}
		fetcher := e.fetcher
		timeout := s.revalidateTimeout
		startGen := e.gen
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		value, err := fetcher(ctx)
		cancel()

		if s.finishRevalidate(key, startGen, value, err) {
			return
		}
	}
}

// finishRevalidate はフェッチ結果をエントリへ反映します。フェッチ中に
// 新しい無効化が入っていた場合は何も反映せず false を返します。
func (s *Store) finishRevalidate(key string, startGen int, value any, err error) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return true
	}
	if e.gen != startGen {
		s.mu.Unlock()
		return false
	}
	e.revalidating = false
	if err != nil {
		e.errored = true
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Printf("cache revalidation failed key=%s: %v", key, err)
		}
		return true
	}
	if v, isVersioned := value.(Versioned); isVersioned && e.hasValue && e.hasVersion && !v.Version().After(e.version) {
		s.mu.Unlock()
		return true
	}
	s.write(e, value)
	listeners := snapshotListeners(e)
	s.mu.Unlock()

	notify(listeners, key, value)
	return true
}

// Subscribe はキーの値が変わるたびに listener を呼び出します。
// 返り値の関数で購読を解除します。
func (s *Store) Subscribe(key string, listener Listener) (unsubscribe func()) {
	s.mu.Lock()
	e := s.ensure(key)
	id := s.nextListenerID
	s.nextListenerID++
	e.listeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if e, ok := s.entries[key]; ok {
			delete(e.listeners, id)
		}
		s.mu.Unlock()
	}
}

func snapshotListeners(e *entry) []Listener {
	if len(e.listeners) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		out = append(out, l)
	}
	return out
}

func notify(listeners []Listener, key string, value any) {
	for _, l := range listeners {
		l(key, value)
	}
}
