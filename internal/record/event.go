package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// テーブル名。変更通知チャンネルとキャッシュキーの語彙を揃えるための定数です。
const (
	TableProjects = "projects"
	TableJobs     = "jobs"
)

// ChannelFor はテーブルに対応する通知チャンネル名を返します。
// 発行側（backend）と購読側（realtime）で同じ語彙を使います。
func ChannelFor(table string) string {
	return "anchorforge:changes:" + table
}

// EventKind は変更イベントの種別を表します。
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// ChangeEvent はバックエンドが配信する行変更の通知です。
// Record / Previous は検証前の生ペイロードとして保持し、
// キャッシュへ渡す前に必ず Decode* で型付けします。
type ChangeEvent struct {
	Kind      EventKind       `json:"kind"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record"`
	Previous  json.RawMessage `json:"previous,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// DecodeChangeEvent はフィードから受信した生ペイロードを検証付きで復元します。
func DecodeChangeEvent(payload []byte) (*ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode change event: %w", err)
	}
	switch ev.Kind {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return nil, fmt.Errorf("unknown event kind: %q", ev.Kind)
	}
	switch ev.Table {
	case TableProjects, TableJobs:
	default:
		return nil, fmt.Errorf("unknown event table: %q", ev.Table)
	}
	if len(ev.Record) == 0 {
		return nil, fmt.Errorf("change event has no record payload")
	}
	return &ev, nil
}

// DecodeJob はイベントのペイロードをジョブとして検証付きで復元します。
func DecodeJob(raw json.RawMessage) (*Job, error) {
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job payload: %w", err)
	}
	return &j, nil
}

// DecodeProject はイベントのペイロードをプロジェクトとして検証付きで復元します。
func DecodeProject(raw json.RawMessage) (*Project, error) {
	var p Project
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode project payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project payload: %w", err)
	}
	return &p, nil
}
