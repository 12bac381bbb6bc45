// Package record はプロジェクトとジョブのデータモデルを定義します。
package record

import (
	"fmt"
	"time"
)

// Status はジョブの処理状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// statusRank は状態遷移の単調性チェックに使う順序です。
// done と error は同順位の終端状態です。
var statusRank = map[Status]int{
	StatusQueued:     0,
	StatusProcessing: 1,
	StatusDone:       2,
	StatusError:      2,
}

// IsValidStatus は既知の状態かどうかを返します。
func IsValidStatus(s Status) bool {
	_, ok := statusRank[s]
	return ok
}

// IsTerminal は終端状態（done / error）かどうかを返します。
func IsTerminal(s Status) bool {
	return s == StatusDone || s == StatusError
}

// CanTransition は from から to への状態遷移が許されるかを返します。
// 遷移は queued → processing → {done, error} の方向にのみ進みます。
func CanTransition(from, to Status) bool {
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Project はプロジェクトの1レコードを表します。
type Project struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	SiteURL          string    `json:"site_url"`
	CornerstoneSheet string    `json:"cornerstone_sheet,omitempty"`
	UserID           string    `json:"user_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Version はキャッシュの新旧比較に使うバージョンを返します。
func (p *Project) Version() time.Time { return p.UpdatedAt }

// Job は記事処理ジョブの1レコードを表します。
// AnchorsAdded / BeforeHTML / AfterHTML は status = done のときのみ、
// ErrorMessage は status = error のときのみ意味を持ちます。
type Job struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Title        string     `json:"title"`
	ArticleDoc   string     `json:"article_doc"`
	Status       Status     `json:"status"`
	AnchorsAdded int        `json:"anchors_added"`
	BeforeHTML   string     `json:"before_html,omitempty"`
	AfterHTML    string     `json:"after_html,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Version はキャッシュの新旧比較に使うバージョンを返します。
func (j *Job) Version() time.Time { return j.UpdatedAt }

// Validate はジョブレコードの不変条件を検証します。
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.ProjectID == "" {
		return fmt.Errorf("job project_id is required")
	}
	if !IsValidStatus(j.Status) {
		return fmt.Errorf("unknown job status: %q", j.Status)
	}
	if j.UpdatedAt.IsZero() {
		return fmt.Errorf("job updated_at is required")
	}
	if IsTerminal(j.Status) {
		if j.CompletedAt == nil {
			return fmt.Errorf("terminal job must have completed_at")
		}
	} else if j.CompletedAt != nil {
		return fmt.Errorf("non-terminal job must not have completed_at")
	}
	return nil
}

// Validate はプロジェクトレコードの不変条件を検証します。
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("project id is required")
	}
	if p.Title == "" {
		return fmt.Errorf("project title is required")
	}
	if p.UpdatedAt.IsZero() {
		return fmt.Errorf("project updated_at is required")
	}
	return nil
}
