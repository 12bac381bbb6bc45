package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourusername/anchor-forge/internal/record"
)

// Postgres は PostgreSQL を backend of record とする Client 実装です。
type Postgres struct {
	pool     *pgxpool.Pool
	notifier Notifier
	logger   *log.Logger
}

var _ Client = (*Postgres)(nil)

// NewPostgres は Postgres クライアントを作成します。
func NewPostgres(pool *pgxpool.Pool, notifier Notifier, logger *log.Logger) *Postgres {
	return &Postgres{pool: pool, notifier: notifier, logger: logger}
}

// Migrate はテーブルを（存在しなければ）作成します。
func (s *Postgres) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS projects (
    id                uuid PRIMARY KEY,
    title             text NOT NULL,
    site_url          text NOT NULL,
    cornerstone_sheet text NOT NULL DEFAULT '',
    user_id           text NOT NULL,
    created_at        timestamptz NOT NULL,
    updated_at        timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
    id            uuid PRIMARY KEY,
    project_id    uuid NOT NULL REFERENCES projects (id),
    title         text NOT NULL,
    article_doc   text NOT NULL,
    status        text NOT NULL,
    anchors_added integer NOT NULL DEFAULT 0,
    before_html   text NOT NULL DEFAULT '',
    after_html    text NOT NULL DEFAULT '',
    error_message text NOT NULL DEFAULT '',
    created_at    timestamptz NOT NULL,
    updated_at    timestamptz NOT NULL,
    completed_at  timestamptz
);
CREATE INDEX IF NOT EXISTS idx_jobs_project_created ON jobs (project_id, created_at DESC);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// InsertProject はプロジェクトを挿入し、生成済みフィールドを補った
// レコードを返します。
func (s *Postgres) InsertProject(ctx context.Context, p *record.Project) (*record.Project, error) {
	inserted := *p
	if inserted.ID == "" {
		inserted.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	inserted.CreatedAt = now
	inserted.UpdatedAt = now

	const q = `
INSERT INTO projects (id, title, site_url, cornerstone_sheet, user_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q,
		inserted.ID, inserted.Title, inserted.SiteURL, inserted.CornerstoneSheet,
		inserted.UserID, inserted.CreatedAt, inserted.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}

	s.publish(ctx, record.TableProjects, record.EventInsert, &inserted, nil)
	return &inserted, nil
}

// ListProjects はプロジェクト一覧を作成日時の降順で返します。
func (s *Postgres) ListProjects(ctx context.Context) ([]*record.Project, error) {
	const q = `
SELECT id, title, site_url, cornerstone_sheet, user_id, created_at, updated_at
FROM projects
ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*record.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read projects: %w", err)
	}
	return projects, nil
}

// GetProject は単一プロジェクトを取得します。
func (s *Postgres) GetProject(ctx context.Context, id string) (*record.Project, error) {
	const q = `
SELECT id, title, site_url, cornerstone_sheet, user_id, created_at, updated_at
FROM projects
WHERE id = $1`
	row := s.pool.QueryRow(ctx, q, id)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// InsertJob はジョブを挿入し、生成済みフィールドを補ったレコードを返します。
func (s *Postgres) InsertJob(ctx context.Context, j *record.Job) (*record.Job, error) {
	inserted := *j
	if inserted.ID == "" {
		inserted.ID = uuid.NewString()
	}
	if inserted.Status == "" {
		inserted.Status = record.StatusQueued
	}
	now := time.Now().UTC()
	inserted.CreatedAt = now
	inserted.UpdatedAt = now

	const q = `
INSERT INTO jobs (id, project_id, title, article_doc, status, anchors_added,
                  before_html, after_html, error_message, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.pool.Exec(ctx, q,
		inserted.ID, inserted.ProjectID, inserted.Title, inserted.ArticleDoc,
		string(inserted.Status), inserted.AnchorsAdded, inserted.BeforeHTML,
		inserted.AfterHTML, inserted.ErrorMessage, inserted.CreatedAt,
		inserted.UpdatedAt, inserted.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	s.publish(ctx, record.TableJobs, record.EventInsert, &inserted, nil)
	return &inserted, nil
}

// ListJobs はプロジェクト配下のジョブを作成日時の降順で返します。
func (s *Postgres) ListJobs(ctx context.Context, projectID string) ([]*record.Job, error) {
	const q = `
SELECT id, project_id, title, article_doc, status, anchors_added,
       before_html, after_html, error_message, created_at, updated_at, completed_at
FROM jobs
WHERE project_id = $1
ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*record.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return jobs, nil
}

// GetJob は単一ジョブを取得します。
func (s *Postgres) GetJob(ctx context.Context, id string) (*record.Job, error) {
	const q = `
SELECT id, project_id, title, article_doc, status, anchors_added,
       before_html, after_html, error_message, created_at, updated_at, completed_at
FROM jobs
WHERE id = $1`
	row := s.pool.QueryRow(ctx, q, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

// UpdateJob はジョブを更新し、更新後のレコードを返します。
// ステータスを逆方向へ動かす更新は ErrInvalidTransition で拒否します。
// 変更イベントには直前の行を previous として添えます。
func (s *Postgres) UpdateJob(ctx context.Context, j *record.Job) (*record.Job, error) {
	previous, err := s.GetJob(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(previous.Status, j.Status); err != nil {
		return nil, err
	}

	updated := *j
	updated.UpdatedAt = time.Now().UTC()

	const q = `
UPDATE jobs
SET status = $2, anchors_added = $3, before_html = $4, after_html = $5,
    error_message = $6, updated_at = $7, completed_at = $8
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q,
		updated.ID, string(updated.Status), updated.AnchorsAdded, updated.BeforeHTML,
		updated.AfterHTML, updated.ErrorMessage, updated.UpdatedAt, updated.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	s.publish(ctx, record.TableJobs, record.EventUpdate, &updated, previous)
	return &updated, nil
}

// publish は変更イベントをフィードへ発行します。発行の失敗は
// 書き込み自体を失敗させません。欠落は購読側の再接続時の
// 無効化で回収されます。
func (s *Postgres) publish(ctx context.Context, table string, kind record.EventKind, current, previous any) {
	if s.notifier == nil {
		return
	}
	currentRaw, err := json.Marshal(current)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("backend: failed to marshal change event record: %v", err)
		}
		return
	}
	ev := &record.ChangeEvent{
		Kind:      kind,
		Table:     table,
		Record:    currentRaw,
		EmittedAt: time.Now().UTC(),
	}
	if previous != nil {
		if prevRaw, err := json.Marshal(previous); err == nil {
			ev.Previous = prevRaw
		}
	}
	if err := s.notifier.Publish(ctx, ev); err != nil && s.logger != nil {
		s.logger.Printf("backend: failed to publish change event table=%s: %v", table, err)
	}
}

func scanProject(row pgx.Row) (*record.Project, error) {
	var p record.Project
	err := row.Scan(&p.ID, &p.Title, &p.SiteURL, &p.CornerstoneSheet,
		&p.UserID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	return &p, nil
}

func scanJob(row pgx.Row) (*record.Job, error) {
	var (
		j      record.Job
		status string
	)
	err := row.Scan(&j.ID, &j.ProjectID, &j.Title, &j.ArticleDoc, &status,
		&j.AnchorsAdded, &j.BeforeHTML, &j.AfterHTML, &j.ErrorMessage,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	j.Status = record.Status(status)
	return &j, nil
}
