package gateway

import "fmt"

// ValidationError は入力不備を表します。ネットワークに出る前に検出され、
// キャッシュには一切触れません。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Field, e.Message)
}

// PersistenceError はバックエンドへの書き込み拒否（制約違反・権限・
// ネットワーク）を表します。
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TriggerError は処理トリガーの起動失敗を表します。ジョブの挿入は
// 完了しているため致命的エラーではなく、観測可能な劣化として扱います。
type TriggerError struct {
	JobID string
	Err   error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("trigger invocation failed job=%s: %v", e.JobID, e.Err)
}

func (e *TriggerError) Unwrap() error { return e.Err }
