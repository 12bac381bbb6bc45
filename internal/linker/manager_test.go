package linker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/anchor-forge/internal/backend"
	"github.com/yourusername/anchor-forge/internal/record"
)

type fakeBackend struct {
	jobs     map[string]*record.Job
	projects map[string]*record.Project
	updates  []*record.Job
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		jobs:     make(map[string]*record.Job),
		projects: make(map[string]*record.Project),
	}
}

func (b *fakeBackend) InsertProject(ctx context.Context, p *record.Project) (*record.Project, error) {
	b.projects[p.ID] = p
	return p, nil
}

func (b *fakeBackend) ListProjects(ctx context.Context) ([]*record.Project, error) {
	return nil, nil
}

func (b *fakeBackend) GetProject(ctx context.Context, id string) (*record.Project, error) {
	p, ok := b.projects[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return p, nil
}

func (b *fakeBackend) InsertJob(ctx context.Context, j *record.Job) (*record.Job, error) {
	b.jobs[j.ID] = j
	return j, nil
}

func (b *fakeBackend) ListJobs(ctx context.Context, projectID string) ([]*record.Job, error) {
	return nil, nil
}

func (b *fakeBackend) GetJob(ctx context.Context, id string) (*record.Job, error) {
	j, ok := b.jobs[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	copied := *j
	return &copied, nil
}

func (b *fakeBackend) UpdateJob(ctx context.Context, j *record.Job) (*record.Job, error) {
	copied := *j
	copied.UpdatedAt = time.Now().UTC()
	b.jobs[j.ID] = &copied
	recorded := copied
	b.updates = append(b.updates, &recorded)
	return &copied, nil
}

type fakeDocs struct {
	articleHTML string
	articleErr  error
	targets     []AnchorTarget
	targetsErr  error
}

func (d *fakeDocs) FetchArticleHTML(ctx context.Context, docURL string) (string, error) {
	if d.articleErr != nil {
		return "", d.articleErr
	}
	return d.articleHTML, nil
}

func (d *fakeDocs) FetchCornerstoneTargets(ctx context.Context, sheetURL string) ([]AnchorTarget, error) {
	if d.targetsErr != nil {
		return nil, d.targetsErr
	}
	return d.targets, nil
}

func seedJob(b *fakeBackend, status record.Status) *record.Job {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	j := &record.Job{
		ID:         "job-1",
		ProjectID:  "proj-1",
		Title:      "記事",
		ArticleDoc: "https://docs.google.com/document/d/abc/edit",
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if record.IsTerminal(status) {
		completed := now
		j.CompletedAt = &completed
	}
	b.jobs[j.ID] = j
	return j
}

func processTask(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(taskTypeProcess, body)
}

func TestHandleProcessTaskCompletesJob(t *testing.T) {
	b := newFakeBackend()
	seedJob(b, record.StatusQueued)
	b.projects["proj-1"] = &record.Project{
		ID:               "proj-1",
		Title:            "プロジェクト",
		CornerstoneSheet: "https://docs.google.com/spreadsheets/d/s1/edit",
	}

	docs := &fakeDocs{
		articleHTML: `<html><body><p>社内SEOの話。</p></body></html>`,
		targets:     []AnchorTarget{{Keyword: "社内SEO", URL: "https://example.com/seo"}},
	}
	m := &Manager{backend: b, docs: docs}

	if err := m.handleProcessTask(context.Background(), processTask(t, "job-1")); err != nil {
		t.Fatalf("handleProcessTask failed: %v", err)
	}

	j := b.jobs["job-1"]
	if j.Status != record.StatusDone {
		t.Fatalf("status = %q, want done", j.Status)
	}
	if j.AnchorsAdded != 1 {
		t.Errorf("anchors_added = %d, want 1", j.AnchorsAdded)
	}
	if j.BeforeHTML == "" || j.AfterHTML == "" {
		t.Errorf("before/after html should be recorded")
	}
	if j.CompletedAt == nil {
		t.Errorf("completed_at should be set")
	}

	// processing → done の2回更新される
	if len(b.updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(b.updates))
	}
	if b.updates[0].Status != record.StatusProcessing {
		t.Errorf("first update status = %q, want processing", b.updates[0].Status)
	}
}

func TestHandleProcessTaskWithoutSheet(t *testing.T) {
	b := newFakeBackend()
	seedJob(b, record.StatusQueued)
	b.projects["proj-1"] = &record.Project{ID: "proj-1", Title: "プロジェクト"}

	docs := &fakeDocs{articleHTML: `<html><body><p>本文。</p></body></html>`}
	m := &Manager{backend: b, docs: docs}

	if err := m.handleProcessTask(context.Background(), processTask(t, "job-1")); err != nil {
		t.Fatalf("handleProcessTask failed: %v", err)
	}
	j := b.jobs["job-1"]
	if j.Status != record.StatusDone {
		t.Fatalf("status = %q, want done", j.Status)
	}
	if j.AnchorsAdded != 0 {
		t.Errorf("anchors_added = %d, want 0", j.AnchorsAdded)
	}
}

func TestHandleProcessTaskFetchFailureMarksError(t *testing.T) {
	b := newFakeBackend()
	seedJob(b, record.StatusQueued)
	b.projects["proj-1"] = &record.Project{ID: "proj-1", Title: "プロジェクト"}

	docs := &fakeDocs{articleErr: errors.New("document fetch returned status 403")}
	m := &Manager{backend: b, docs: docs}

	if err := m.handleProcessTask(context.Background(), processTask(t, "job-1")); err != nil {
		t.Fatalf("handleProcessTask should absorb processing errors: %v", err)
	}

	j := b.jobs["job-1"]
	if j.Status != record.StatusError {
		t.Fatalf("status = %q, want error", j.Status)
	}
	if j.ErrorMessage == "" {
		t.Errorf("error_message should be recorded")
	}
	if j.CompletedAt == nil {
		t.Errorf("completed_at should be set on failure")
	}
}

func TestHandleProcessTaskSkipsTerminalJob(t *testing.T) {
	b := newFakeBackend()
	seedJob(b, record.StatusDone)

	m := &Manager{backend: b, docs: &fakeDocs{}}

	if err := m.handleProcessTask(context.Background(), processTask(t, "job-1")); err != nil {
		t.Fatalf("duplicate delivery for a terminal job must be a no-op: %v", err)
	}
	if len(b.updates) != 0 {
		t.Fatalf("terminal job must not be updated, got %d updates", len(b.updates))
	}
}

func TestHandleProcessTaskUnknownJob(t *testing.T) {
	b := newFakeBackend()
	m := &Manager{backend: b, docs: &fakeDocs{}}

	err := m.handleProcessTask(context.Background(), processTask(t, "missing"))
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
