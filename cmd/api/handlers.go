package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/anchor-forge/internal/auth"
	"github.com/yourusername/anchor-forge/internal/backend"
	"github.com/yourusername/anchor-forge/internal/cache"
	"github.com/yourusername/anchor-forge/internal/gateway"
	"github.com/yourusername/anchor-forge/internal/linker"
	"github.com/yourusername/anchor-forge/internal/realtime"
	"github.com/yourusername/anchor-forge/internal/record"
)

// linkerTrigger はジョブ作成時にリンク挿入タスクを投入するアダプターです。
type linkerTrigger struct {
	manager *linker.Manager
}

func (t *linkerTrigger) InvokeProcess(ctx context.Context, jobID string) error {
	_, err := t.manager.Enqueue(ctx, jobID)
	return err
}

// apiHandlers は API エンドポイントの依存をまとめます。
type apiHandlers struct {
	gateway  *gateway.Gateway
	cache    *cache.Store
	backend  backend.Client
	realtime *realtime.Manager
}

func newAPIHandlers(gw *gateway.Gateway, store *cache.Store, client backend.Client, rt *realtime.Manager) *apiHandlers {
	return &apiHandlers{
		gateway:  gw,
		cache:    store,
		backend:  client,
		realtime: rt,
	}
}

// respondWithError はエラーの種類に応じてHTTPレスポンスを返します。
func respondWithError(c *gin.Context, err error) {
	var validationErr *gateway.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"field":   validationErr.Field,
			"message": validationErr.Message,
		})
		return
	}
	if errors.Is(err, backend.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "指定されたリソースは存在しません。",
		})
		return
	}
	var persistenceErr *gateway.PersistenceError
	if errors.As(err, &persistenceErr) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "PERSISTENCE_ERROR",
			"message": "データの保存に失敗しました。",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "内部エラーが発生しました。",
	})
}

// listProjects はプロジェクト一覧を返します。キャッシュ経由のリードスルーで、
// フェッチに失敗しても古い値が残っていればそれを返します。
func (h *apiHandlers) listProjects(c *gin.Context) {
	value, err := h.cache.Fetch(c.Request.Context(), record.ProjectsKey, func(ctx context.Context) (any, error) {
		return h.backend.ListProjects(ctx)
	})
	if err != nil {
		if value == nil {
			respondWithError(c, err)
			return
		}
		c.Header("X-Cache-Degraded", "1")
	}
	c.JSON(http.StatusOK, gin.H{"projects": value})
}

func (h *apiHandlers) createProject(c *gin.Context) {
	var input gateway.ProjectInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "リクエストボディの形式が不正です。",
		})
		return
	}
	input.UserID = c.GetString(auth.ContextUserKey)

	project, err := h.gateway.CreateProject(c.Request.Context(), input)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *apiHandlers) getProject(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("id"))
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "プロジェクトIDを指定してください。",
		})
		return
	}

	value, err := h.cache.Fetch(c.Request.Context(), record.ProjectKey(projectID), func(ctx context.Context) (any, error) {
		return h.backend.GetProject(ctx, projectID)
	})
	if err != nil {
		if value == nil {
			respondWithError(c, err)
			return
		}
		c.Header("X-Cache-Degraded", "1")
	}
	c.JSON(http.StatusOK, value)
}

func (h *apiHandlers) listJobs(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("id"))
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "プロジェクトIDを指定してください。",
		})
		return
	}

	value, err := h.cache.Fetch(c.Request.Context(), record.JobsKey(projectID), func(ctx context.Context) (any, error) {
		return h.backend.ListJobs(ctx, projectID)
	})
	if err != nil {
		if value == nil {
			respondWithError(c, err)
			return
		}
		c.Header("X-Cache-Degraded", "1")
	}
	c.JSON(http.StatusOK, gin.H{"jobs": value})
}

func (h *apiHandlers) createJob(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("id"))
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "プロジェクトIDを指定してください。",
		})
		return
	}

	var input gateway.JobInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "リクエストボディの形式が不正です。",
		})
		return
	}

	job, err := h.gateway.CreateJob(c.Request.Context(), projectID, input)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (h *apiHandlers) getJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "ジョブIDを指定してください。",
		})
		return
	}

	value, err := h.cache.Fetch(c.Request.Context(), record.JobKey(jobID), func(ctx context.Context) (any, error) {
		return h.backend.GetJob(ctx, jobID)
	})
	if err != nil {
		if value == nil {
			respondWithError(c, err)
			return
		}
		c.Header("X-Cache-Degraded", "1")
	}
	c.JSON(http.StatusOK, value)
}

// streamJobs はプロジェクトのジョブ一覧の変化を Server-Sent Events で配信します。
// 接続ごとに変更フィードの購読を開き、切断時に解放します。
func (h *apiHandlers) streamJobs(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("id"))
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "プロジェクトIDを指定してください。",
		})
		return
	}

	sub := h.realtime.Open(realtime.ProjectJobs(projectID))
	defer sub.Close()

	updates := make(chan any, 8)
	unsubscribe := h.cache.Subscribe(record.JobsKey(projectID), func(key string, value any) {
		select {
		case updates <- value:
		default:
		}
	})
	defer unsubscribe()

	// 初期スナップショットを取得しつつ再検証用の fetcher を登録する
	initial, err := h.cache.Fetch(c.Request.Context(), record.JobsKey(projectID), func(ctx context.Context) (any, error) {
		return h.backend.ListJobs(ctx, projectID)
	})
	if err != nil && initial == nil {
		respondWithError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("jobs", initial)
	c.Writer.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case value := <-updates:
			c.SSEvent("jobs", value)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
