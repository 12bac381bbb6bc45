package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourusername/anchor-forge/internal/cache"
	"github.com/yourusername/anchor-forge/internal/record"
)

type fakeConn struct {
	events chan []byte
	closed atomic.Bool
}

func (c *fakeConn) Events() <-chan []byte { return c.events }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// disconnect は受信側から見た接続断を再現します。
func (c *fakeConn) disconnect() {
	close(c.events)
}

type fakeFeed struct {
	failuresLeft   atomic.Int32
	subscribeCalls atomic.Int32
	conns          chan *fakeConn
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{conns: make(chan *fakeConn, 8)}
}

func (f *fakeFeed) Subscribe(ctx context.Context, channel string) (Conn, error) {
	f.subscribeCalls.Add(1)
	if f.failuresLeft.Add(-1) >= 0 {
		return nil, errors.New("feed unavailable")
	}
	c := &fakeConn{events: make(chan []byte, 16)}
	f.conns <- c
	return c, nil
}

func newTestManager(t *testing.T, feed Feed, store *cache.Store, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithBackoff(time.Millisecond, 10*time.Millisecond)}, opts...)
	m := NewManager(feed, store, nil, opts...)
	t.Cleanup(m.Shutdown)
	return m
}

func waitConn(t *testing.T, feed *fakeFeed) *fakeConn {
	t.Helper()
	select {
	case c := <-feed.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("feed was not subscribed")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func jobEventPayload(t *testing.T, kind record.EventKind, j *record.Job) []byte {
	t.Helper()
	raw, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	payload, err := json.Marshal(record.ChangeEvent{
		Kind:      kind,
		Table:     record.TableJobs,
		Record:    raw,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func projectEventPayload(t *testing.T, kind record.EventKind, p *record.Project) []byte {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal project: %v", err)
	}
	payload, err := json.Marshal(record.ChangeEvent{
		Kind:      kind,
		Table:     record.TableProjects,
		Record:    raw,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func testJob(id, projectID string, status record.Status, updatedAt time.Time) *record.Job {
	j := &record.Job{
		ID:        id,
		ProjectID: projectID,
		Title:     "記事",
		Status:    status,
		CreatedAt: updatedAt.Add(-time.Minute),
		UpdatedAt: updatedAt,
	}
	if record.IsTerminal(status) {
		completed := updatedAt
		j.CompletedAt = &completed
	}
	return j
}

func TestSingleJobEventUpdatesCache(t *testing.T) {
	feed := newFakeFeed()
	store := cache.NewStore(nil)
	m := newTestManager(t, feed, store)

	sub := m.Open(SingleJob("job-1"))
	defer sub.Close()
	conn := waitConn(t, feed)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	conn.events <- jobEventPayload(t, record.EventUpdate, testJob("job-1", "proj-1", record.StatusProcessing, base))

	waitFor(t, "cache write", func() bool {
		v, ok := store.Get(record.JobKey("job-1"))
		return ok && v.(*record.Job).Status == record.StatusProcessing
	})

	// 古い updated_at のイベントは反映されない
	conn.events <- jobEventPayload(t, record.EventUpdate, testJob("job-1", "proj-1", record.StatusQueued, base.Add(-time.Second)))
	// 新しいイベントで順序どおりの反映を確認する
	conn.events <- jobEventPayload(t, record.EventUpdate, testJob("job-1", "proj-1", record.StatusDone, base.Add(time.Second)))

	waitFor(t, "newer write", func() bool {
		v, ok := store.Get(record.JobKey("job-1"))
		return ok && v.(*record.Job).Status == record.StatusDone
	})
	v, _ := store.Get(record.JobKey("job-1"))
	if v.(*record.Job).Status == record.StatusQueued {
		t.Fatalf("stale event must not overwrite the cache")
	}
}

func TestOtherJobEventIgnoredBySingleFilter(t *testing.T) {
	feed := newFakeFeed()
	store := cache.NewStore(nil)
	m := newTestManager(t, feed, store)

	sub := m.Open(SingleJob("job-1"))
	defer sub.Close()
	conn := waitConn(t, feed)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	conn.events <- jobEventPayload(t, record.EventUpdate, testJob("job-2", "proj-1", record.StatusProcessing, base))
	conn.events <- jobEventPayload(t, record.EventUpdate, testJob("job-1", "proj-1", record.StatusProcessing, base))

	waitFor(t, "matching write", func() bool {
		_, ok := store.Get(record.JobKey("job-1"))
		return ok
	})
	if _, ok := store.Get(record.JobKey("job-2")); ok {
		t.Fatalf("event outside the filter must not be cached")
	}
}

func TestListEventInvalidatesScope(t *testing.T) {
	feed := newFakeFeed()
	store := cache.NewStore(nil)
	m := newTestManager(t, feed, store)

	var fetches atomic.Int32
	ctx := context.Background()
	if _, err := store.Fetch(ctx, record.JobsKey("proj-1"), func(ctx context.Context) (any, error) {
		return int(fetches.Add(1)), nil
	}); err != nil {
		t.Fatalf("seed fetch failed: %v", err)
	}

	sub := m.Open(ProjectJobs("proj-1"))
	defer sub.Close()
	conn := waitConn(t, feed)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	conn.events <- jobEventPayload(t, record.EventInsert, testJob("job-9", "proj-1", record.StatusQueued, base))

	// 一覧スコープはマージせず再フェッチする
	waitFor(t, "list revalidation", func() bool { return fetches.Load() >= 2 })

	// メンバーシップ外のイベントでは再フェッチしない
	before := fetches.Load()
	conn.events <- jobEventPayload(t, record.EventInsert, testJob("job-10", "proj-2", record.StatusQueued, base))
	time.Sleep(50 * time.Millisecond)
	if fetches.Load() != before {
		t.Fatalf("event for another project must not invalidate this scope")
	}
}

func TestProjectEventValidatedBeforeInvalidate(t *testing.T) {
	feed := newFakeFeed()
	store := cache.NewStore(nil)
	m := newTestManager(t, feed, store)

	var fetches atomic.Int32
	ctx := context.Background()
	if _, err := store.Fetch(ctx, record.ProjectsKey, func(ctx context.Context) (any, error) {
		return int(fetches.Add(1)), nil
	}); err != nil {
		t.Fatalf("seed fetch failed: %v", err)
	}

	sub := m.Open(AllProjects())
	defer sub.Close()
	conn := waitConn(t, feed)

	// title を欠くレコードは検証で弾かれ、一覧を無効化しない
	conn.events <- []byte(`{"kind": "insert", "table": "projects", "record": {"id": "proj-1"}}`)
	time.Sleep(50 * time.Millisecond)
	if n := fetches.Load(); n != 1 {
		t.Fatalf("invalid project payload must not invalidate, fetches = %d", n)
	}

	conn.events <- projectEventPayload(t, record.EventInsert, &record.Project{
		ID:        "proj-1",
		Title:     "新規プロジェクト",
		SiteURL:   "https://example.com",
		UserID:    "user-1",
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	waitFor(t, "projects revalidation", func() bool { return fetches.Load() >= 2 })
}

func TestReconnectInvalidatesScopeOnce(t *testing.T) {
	feed := newFakeFeed()
	store := cache.NewStore(nil)
	m := newTestManager(t, feed, store)

	var fetches atomic.Int32
	ctx := context.Background()
	if _, err := store.Fetch(ctx, record.JobsKey("proj-1"), func(ctx context.Context) (any, error) {
		return int(fetches.Add(1)), nil
	}); err != nil {
		t.Fatalf("seed fetch failed: %v", err)
	}

	sub := m.Open(ProjectJobs("proj-1"))
	defer sub.Close()
	conn := waitConn(t, feed)

	// 初回接続では無効化しない
	time.Sleep(50 * time.Millisecond)
	if n := fetches.Load(); n != 1 {
		t.Fatalf("first connect must not invalidate, fetches = %d", n)
	}

	conn.disconnect()
	waitConn(t, feed)

	// 再接続で切断中の欠落を埋めるため1回だけ再フェッチする
	waitFor(t, "reconnect revalidation", func() bool { return fetches.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := fetches.Load(); n != 2 {
		t.Fatalf("reconnect must invalidate exactly once, fetches = %d", n)
	}
}

func TestCloseStopsStreamAndCacheWrites(t *testing.T) {
	feed := newFakeFeed()
	store := cache.NewStore(nil)
	m := newTestManager(t, feed, store)

	sub := m.Open(SingleJob("job-1"))
	conn := waitConn(t, feed)

	sub.Close()
	if !conn.closed.Load() {
		t.Fatalf("closing the last subscription must close the feed connection")
	}

	// 解放後に届いたイベントはキャッシュへ反映されない
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	conn.events <- jobEventPayload(t, record.EventUpdate, testJob("job-1", "proj-1", record.StatusProcessing, base))
	time.Sleep(50 * time.Millisecond)
	if _, ok := store.Get(record.JobKey("job-1")); ok {
		t.Fatalf("released stream must not write to the cache")
	}
}

func TestOpenDeduplicatesByFilter(t *testing.T) {
	feed := newFakeFeed()
	store := cache.NewStore(nil)
	m := newTestManager(t, feed, store)

	sub1 := m.Open(ProjectJobs("proj-1"))
	conn := waitConn(t, feed)
	sub2 := m.Open(ProjectJobs("proj-1"))

	time.Sleep(20 * time.Millisecond)
	if n := feed.subscribeCalls.Load(); n != 1 {
		t.Fatalf("same filter must share one stream, subscribe calls = %d", n)
	}

	sub1.Close()
	if conn.closed.Load() {
		t.Fatalf("stream must stay open while a subscriber remains")
	}
	sub2.Close()
	if !conn.closed.Load() {
		t.Fatalf("last close must tear down the stream")
	}
}

func TestRepeatedFailuresReportDegraded(t *testing.T) {
	feed := newFakeFeed()
	feed.failuresLeft.Store(100)
	store := cache.NewStore(nil)

	degraded := make(chan *SubscriptionError, 1)
	m := newTestManager(t, feed, store, WithDegradedHandler(func(err *SubscriptionError) {
		select {
		case degraded <- err:
		default:
		}
	}))

	sub := m.Open(SingleJob("job-1"))
	defer sub.Close()

	select {
	case err := <-degraded:
		if err.Filter == "" {
			t.Fatalf("degraded report should carry the filter key")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("degraded handler was not called")
	}
}

func TestMalformedPayloadDoesNotStopStream(t *testing.T) {
	feed := newFakeFeed()
	store := cache.NewStore(nil)
	m := newTestManager(t, feed, store)

	sub := m.Open(SingleJob("job-1"))
	defer sub.Close()
	conn := waitConn(t, feed)

	conn.events <- []byte("not json")
	conn.events <- []byte(`{"kind": "upsert", "table": "jobs", "record": {}}`)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	conn.events <- jobEventPayload(t, record.EventUpdate, testJob("job-1", "proj-1", record.StatusProcessing, base))

	waitFor(t, "valid event after garbage", func() bool {
		_, ok := store.Get(record.JobKey("job-1"))
		return ok
	})
}
