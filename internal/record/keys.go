package record

// キャッシュキーの語彙。単一レコードはID、一覧はクエリの署名がキーになります。

// ProjectsKey はプロジェクト一覧（作成日時降順）のキャッシュキーです。
const ProjectsKey = "projects"

// ProjectKey は単一プロジェクトのキャッシュキーを返します。
func ProjectKey(id string) string { return "project:" + id }

// JobsKey はプロジェクト配下のジョブ一覧（作成日時降順）のキャッシュキーを返します。
func JobsKey(projectID string) string { return "jobs:project:" + projectID }

// JobKey は単一ジョブのキャッシュキーを返します。
func JobKey(id string) string { return "job:" + id }
