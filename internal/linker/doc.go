package linker

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// maxDocumentBytes は取得する記事HTMLの上限サイズです。
const maxDocumentBytes = 10 << 20 // 10MB

// DocumentFetcher は外部ドキュメントの取得を抽象化します。
type DocumentFetcher interface {
	// FetchArticleHTML は記事ドキュメントをHTMLとして取得します。
	FetchArticleHTML(ctx context.Context, docURL string) (string, error)
	// FetchCornerstoneTargets はコーナーストーンシートからリンク先一覧を取得します。
	FetchCornerstoneTargets(ctx context.Context, sheetURL string) ([]AnchorTarget, error)
}

// GoogleFetcher は Google ドキュメント / スプレッドシートのエクスポート
// エンドポイント経由で取得する DocumentFetcher 実装です。
type GoogleFetcher struct {
	client *http.Client
}

// NewGoogleFetcher は GoogleFetcher を作成します。
func NewGoogleFetcher(timeout time.Duration) *GoogleFetcher {
	return &GoogleFetcher{client: &http.Client{Timeout: timeout}}
}

// FetchArticleHTML はドキュメントをHTML形式でエクスポートして返します。
// HTML以外のコンテンツが返ってきた場合はエラーです。
func (f *GoogleFetcher) FetchArticleHTML(ctx context.Context, docURL string) (string, error) {
	exportURL, err := exportURL(docURL, "document", "html")
	if err != nil {
		return "", err
	}
	body, err := f.get(ctx, exportURL)
	if err != nil {
		return "", err
	}

	if mtype := mimetype.Detect([]byte(body)); !mtype.Is("text/html") {
		return "", fmt.Errorf("document export is not html: %s", mtype.String())
	}
	return body, nil
}

// FetchCornerstoneTargets はシートをCSVでエクスポートし、
// keyword,url の行をリンク先として読み取ります。
func (f *GoogleFetcher) FetchCornerstoneTargets(ctx context.Context, sheetURL string) ([]AnchorTarget, error) {
	exportURL, err := exportURL(sheetURL, "spreadsheets", "csv")
	if err != nil {
		return nil, err
	}
	body, err := f.get(ctx, exportURL)
	if err != nil {
		return nil, err
	}
	return parseTargetsCSV(body)
}

func (f *GoogleFetcher) get(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("document fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read document body: %w", err)
	}
	return string(data), nil
}

// exportURL は共有URLからエクスポートURLを組み立てます。
// 例: https://docs.google.com/document/d/<id>/edit → .../d/<id>/export?format=html
func exportURL(rawURL, kind, format string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid document url: %w", err)
	}
	if !strings.HasSuffix(u.Host, "docs.google.com") {
		return "", fmt.Errorf("unsupported document host: %s", u.Host)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// 期待する形: <kind>/d/<id>/...
	if len(parts) < 3 || parts[0] != kind || parts[1] != "d" || parts[2] == "" {
		return "", fmt.Errorf("unsupported document path: %s", u.Path)
	}
	return fmt.Sprintf("https://docs.google.com/%s/d/%s/export?format=%s", kind, parts[2], format), nil
}

// parseTargetsCSV は keyword,url 形式のCSVを読み取ります。
// ヘッダ行や不完全な行は読み飛ばします。
func parseTargetsCSV(body string) ([]AnchorTarget, error) {
	reader := csv.NewReader(strings.NewReader(body))
	reader.FieldsPerRecord = -1

	var targets []AnchorTarget
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse cornerstone sheet: %w", err)
		}
		if len(row) < 2 {
			continue
		}
		keyword := strings.TrimSpace(row[0])
		link := strings.TrimSpace(row[1])
		if keyword == "" || !strings.HasPrefix(link, "http") {
			continue
		}
		targets = append(targets, AnchorTarget{Keyword: keyword, URL: link})
	}
	return targets, nil
}
