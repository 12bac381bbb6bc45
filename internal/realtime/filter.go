// Package realtime は変更通知フィードの購読とキャッシュへの反映を担います。
package realtime

import (
	"github.com/yourusername/anchor-forge/internal/record"
)

// Filter は購読の範囲を表します。単一行スコープ（JobID）か
// 一覧スコープ（ProjectID / プロジェクト一覧）のいずれかです。
type Filter struct {
	table     string
	jobID     string
	projectID string
}

// SingleJob は「id = jobID の1行」を購読するフィルタを返します。
func SingleJob(jobID string) Filter {
	return Filter{table: record.TableJobs, jobID: jobID}
}

// ProjectJobs は「project_id = projectID のジョブ一覧」を購読するフィルタを返します。
func ProjectJobs(projectID string) Filter {
	return Filter{table: record.TableJobs, projectID: projectID}
}

// AllProjects は「プロジェクト一覧」を購読するフィルタを返します。
func AllProjects() Filter {
	return Filter{table: record.TableProjects}
}

// Key は重複排除に使うフィルタの識別子です。同一 Key の購読は
// 1本の下位ストリームに束ねられます。
func (f Filter) Key() string {
	switch {
	case f.jobID != "":
		return f.table + ":id:" + f.jobID
	case f.projectID != "":
		return f.table + ":project:" + f.projectID
	default:
		return f.table
	}
}

// Table は購読対象のテーブル名を返します。
func (f Filter) Table() string { return f.table }

// scopedKeys はこのフィルタが責任を持つキャッシュキーの一覧です。
// 再接続時にはここへ一括で無効化をかけ、取りこぼしを埋めます。
func (f Filter) scopedKeys() []string {
	switch {
	case f.jobID != "":
		return []string{record.JobKey(f.jobID)}
	case f.projectID != "":
		return []string{record.JobsKey(f.projectID)}
	default:
		return []string{record.ProjectsKey}
	}
}

// matchesJob はジョブイベントがこのフィルタの範囲内かを返します。
func (f Filter) matchesJob(j *record.Job) bool {
	if f.table != record.TableJobs {
		return false
	}
	if f.jobID != "" {
		return j.ID == f.jobID
	}
	return j.ProjectID == f.projectID
}

// singleEntity は単一行スコープかどうかを返します。
func (f Filter) singleEntity() bool { return f.jobID != "" }
