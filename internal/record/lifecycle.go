package record

import (
	"fmt"
	"time"
)

// DisplayDuration はジョブの経過時間を返します。
// 終端状態なら created_at から completed_at まで、それ以外は now までです。
func DisplayDuration(j *Job, now time.Time) time.Duration {
	end := now
	if IsTerminal(j.Status) && j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	d := end.Sub(j.CreatedAt)
	if d < 0 {
		return 0
	}
	return d
}

// CanShowDiff は before/after の差分表示が可能かを返します。
// status = done かつ両方のHTMLが揃っているときのみ true です。
func CanShowDiff(j *Job) bool {
	return j.Status == StatusDone && j.BeforeHTML != "" && j.AfterHTML != ""
}

// FormatDuration は経過時間を "12s" / "3m 45s" / "2h 5m" の形式で整形します。
func FormatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 0 {
		secs = 0
	}
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
	}
}
