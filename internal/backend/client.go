// Package backend は正となる永続ストアへの操作を提供します。
// すべての書き込みは成功後に変更通知フィードへイベントを発行します。
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/anchor-forge/internal/record"
)

// ErrNotFound は対象レコードが存在しないことを表します。
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition はジョブのステータスを逆方向へ動かす更新を表します。
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidateTransition はジョブ更新時のステータス遷移を検証します。
// 同一ステータスへの更新は再配信の冪等な書き込みとして許容します。
func ValidateTransition(from, to record.Status) error {
	if from == to {
		return nil
	}
	if !record.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Client は backend of record が提供する操作の境界です。
// キャッシュはこの操作の結果だけを正として扱います。
type Client interface {
	InsertProject(ctx context.Context, p *record.Project) (*record.Project, error)
	ListProjects(ctx context.Context) ([]*record.Project, error)
	GetProject(ctx context.Context, id string) (*record.Project, error)

	InsertJob(ctx context.Context, j *record.Job) (*record.Job, error)
	ListJobs(ctx context.Context, projectID string) ([]*record.Job, error)
	GetJob(ctx context.Context, id string) (*record.Job, error)
	UpdateJob(ctx context.Context, j *record.Job) (*record.Job, error)
}
