package linker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/anchor-forge/internal/backend"
	"github.com/yourusername/anchor-forge/internal/config"
	"github.com/yourusername/anchor-forge/internal/record"
)

const (
	taskTypeProcess = "linker:process"
	queueLinker     = "linker"
)

// Manager はジョブの投入とワーカーの実行を担います。
type Manager struct {
	cfg     *config.Config
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	backend backend.Client
	docs    DocumentFetcher
	logger  *log.Logger
}

// TaskPayload は記事処理タスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, client backend.Client, docs DocumentFetcher, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if client == nil {
		return nil, errors.New("backend client is nil")
	}
	if docs == nil {
		return nil, errors.New("document fetcher is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	asynqClient := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.LinkerConcurrency,
			Queues: map[string]int{
				queueLinker: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:     cfg,
		client:  asynqClient,
		server:  server,
		mux:     mux,
		backend: client,
		docs:    docs,
		logger:  logger,
	}
	mux.HandleFunc(taskTypeProcess, manager.handleProcessTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			if m.logger != nil {
				m.logger.Printf("asynq server stopped with error: %v", err)
			}
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// Enqueue はジョブの処理タスクをキューへ投入します。
func (m *Manager) Enqueue(ctx context.Context, jobID string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return "", err
	}
	task := asynq.NewTask(taskTypeProcess, body, asynq.Queue(queueLinker))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(1))
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (m *Manager) handleProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}

	j, err := m.backend.GetJob(ctx, payload.JobID)
	if err != nil {
		return err
	}
	// 終端状態のジョブは再処理しない（at-least-once 配信の重複分）。
	if record.IsTerminal(j.Status) {
		return nil
	}

	j.Status = record.StatusProcessing
	j, err = m.backend.UpdateJob(ctx, j)
	if err != nil {
		return err
	}

	before, after, inserted, err := m.process(ctx, j)
	if err != nil {
		return m.failJob(ctx, j, err)
	}
	return m.finishJob(ctx, j, before, after, inserted)
}

// process は記事の取得とアンカー挿入を行います。
func (m *Manager) process(ctx context.Context, j *record.Job) (before, after string, inserted int, err error) {
	before, err = m.docs.FetchArticleHTML(ctx, j.ArticleDoc)
	if err != nil {
		return "", "", 0, err
	}

	var targets []AnchorTarget
	project, err := m.backend.GetProject(ctx, j.ProjectID)
	if err != nil {
		return "", "", 0, err
	}
	if project.CornerstoneSheet != "" {
		targets, err = m.docs.FetchCornerstoneTargets(ctx, project.CornerstoneSheet)
		if err != nil {
			return "", "", 0, err
		}
	}

	after, inserted, err = InsertAnchors(before, targets)
	if err != nil {
		return "", "", 0, err
	}
	return before, after, inserted, nil
}

func (m *Manager) finishJob(ctx context.Context, j *record.Job, before, after string, inserted int) error {
	now := time.Now().UTC()
	j.Status = record.StatusDone
	j.AnchorsAdded = inserted
	j.BeforeHTML = before
	j.AfterHTML = after
	j.ErrorMessage = ""
	j.CompletedAt = &now
	if _, err := m.backend.UpdateJob(ctx, j); err != nil {
		return err
	}
	return nil
}

func (m *Manager) failJob(ctx context.Context, j *record.Job, cause error) error {
	if m.logger != nil {
		m.logger.Printf("linker: job %s failed: %v", j.ID, cause)
	}
	now := time.Now().UTC()
	j.Status = record.StatusError
	j.ErrorMessage = cause.Error()
	j.CompletedAt = &now
	if _, err := m.backend.UpdateJob(ctx, j); err != nil {
		return err
	}
	return nil
}
