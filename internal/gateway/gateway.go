// Package gateway はプロジェクトとジョブの作成を担う書き込み境界です。
// 書き込みは必ずここを通り、成功時に該当する一覧キャッシュを無効化します。
package gateway

import (
	"context"
	"log"
	"net/url"
	"strings"

	"github.com/yourusername/anchor-forge/internal/backend"
	"github.com/yourusername/anchor-forge/internal/cache"
	"github.com/yourusername/anchor-forge/internal/record"
)

const (
	maxProjectTitleLen = 100
	maxArticleTitleLen = 200
)

// Trigger は新規ジョブの処理を外部パイプラインへ依頼します。
type Trigger interface {
	InvokeProcess(ctx context.Context, jobID string) error
}

// Gateway は作成系の操作をまとめます。
type Gateway struct {
	backend        backend.Client
	cache          *cache.Store
	trigger        Trigger
	logger         *log.Logger
	onTriggerError func(*TriggerError)
}

// Option は Gateway の設定を変更します。
type Option func(*Gateway)

// WithTriggerErrorHandler はトリガー失敗の通知先を設定します。
func WithTriggerErrorHandler(fn func(*TriggerError)) Option {
	return func(g *Gateway) { g.onTriggerError = fn }
}

// New は Gateway を作成します。
func New(client backend.Client, store *cache.Store, trigger Trigger, logger *log.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		backend: client,
		cache:   store,
		trigger: trigger,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ProjectInput はプロジェクト作成の入力です。
type ProjectInput struct {
	Title            string `json:"title"`
	SiteURL          string `json:"site_url"`
	CornerstoneSheet string `json:"cornerstone_sheet"`
	UserID           string `json:"-"`
}

// JobInput はジョブ（記事）作成の入力です。
type JobInput struct {
	Title      string `json:"title"`
	ArticleDoc string `json:"article_doc"`
}

// CreateProject はプロジェクトを作成します。成功時にプロジェクト一覧の
// キャッシュを無効化します。
func (g *Gateway) CreateProject(ctx context.Context, in ProjectInput) (*record.Project, error) {
	if err := validateProjectInput(in); err != nil {
		return nil, err
	}

	project, err := g.backend.InsertProject(ctx, &record.Project{
		Title:            strings.TrimSpace(in.Title),
		SiteURL:          in.SiteURL,
		CornerstoneSheet: in.CornerstoneSheet,
		UserID:           in.UserID,
	})
	if err != nil {
		return nil, &PersistenceError{Op: "insert project", Err: err}
	}

	g.cache.Invalidate(cache.ByKey(record.ProjectsKey))
	return project, nil
}

// CreateJob はジョブを status = queued で挿入し、処理トリガーを起動します。
// トリガーの失敗は挿入をロールバックせず、ジョブは queued のまま残ります
// （at-most-once insert / best-effort trigger）。
func (g *Gateway) CreateJob(ctx context.Context, projectID string, in JobInput) (*record.Job, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, &ValidationError{Field: "project_id", Message: "プロジェクトIDを指定してください。"}
	}
	if err := validateJobInput(in); err != nil {
		return nil, err
	}

	job, err := g.backend.InsertJob(ctx, &record.Job{
		ProjectID:  projectID,
		Title:      strings.TrimSpace(in.Title),
		ArticleDoc: in.ArticleDoc,
		Status:     record.StatusQueued,
	})
	if err != nil {
		return nil, &PersistenceError{Op: "insert job", Err: err}
	}

	g.cache.Invalidate(cache.ByKey(record.JobsKey(projectID)))

	if err := g.trigger.InvokeProcess(ctx, job.ID); err != nil {
		trigErr := &TriggerError{JobID: job.ID, Err: err}
		if g.logger != nil {
			g.logger.Printf("gateway: %v", trigErr)
		}
		if g.onTriggerError != nil {
			g.onTriggerError(trigErr)
		}
	}
	return job, nil
}

func validateProjectInput(in ProjectInput) error {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return &ValidationError{Field: "title", Message: "プロジェクト名を入力してください。"}
	}
	if len([]rune(title)) > maxProjectTitleLen {
		return &ValidationError{Field: "title", Message: "プロジェクト名が長すぎます。"}
	}
	if !isWellFormedURL(in.SiteURL) {
		return &ValidationError{Field: "site_url", Message: "有効なURLを入力してください。"}
	}
	if in.CornerstoneSheet != "" && !isWellFormedURL(in.CornerstoneSheet) {
		return &ValidationError{Field: "cornerstone_sheet", Message: "有効なURLを入力してください。"}
	}
	return nil
}

func validateJobInput(in JobInput) error {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return &ValidationError{Field: "title", Message: "記事タイトルを入力してください。"}
	}
	if len([]rune(title)) > maxArticleTitleLen {
		return &ValidationError{Field: "title", Message: "記事タイトルが長すぎます。"}
	}
	if !isWellFormedURL(in.ArticleDoc) {
		return &ValidationError{Field: "article_doc", Message: "有効なURLを入力してください。"}
	}
	if !strings.Contains(in.ArticleDoc, "docs.google.com") {
		return &ValidationError{Field: "article_doc", Message: "Google ドキュメントのURLを指定してください。"}
	}
	return nil
}

func isWellFormedURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
