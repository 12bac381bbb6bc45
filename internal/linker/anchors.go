// Package linker は記事HTMLへの内部リンク挿入を行うワーカーです。
// コアから見ればトリガーの宛先であり、結果は backend of record 経由の
// 変更イベントとしてのみ観測されます。
package linker

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// AnchorTarget は挿入する内部リンクの1件を表します。
type AnchorTarget struct {
	Keyword string
	URL     string
}

// InsertAnchors は本文中のキーワードの最初の出現をリンクに置き換え、
// 変換後のHTMLと挿入したアンカー数を返します。既にリンク内にある
// テキストは対象外です。
func InsertAnchors(src string, targets []AnchorTarget) (string, int, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse article html: %w", err)
	}

	remaining := make([]AnchorTarget, 0, len(targets))
	for _, t := range targets {
		if t.Keyword != "" && t.URL != "" {
			remaining = append(remaining, t)
		}
	}

	inserted := 0
	for _, node := range collectTextNodes(doc) {
		if len(remaining) == 0 {
			break
		}
		remaining, inserted = linkTextNode(node, remaining, inserted)
	}

	var buf strings.Builder
	if err := html.Render(&buf, doc); err != nil {
		return "", 0, fmt.Errorf("failed to render article html: %w", err)
	}
	return buf.String(), inserted, nil
}

// collectTextNodes はリンク化の対象になるテキストノードを集めます。
// a / script / style の配下は除外します。
func collectTextNodes(doc *html.Node) []*html.Node {
	var nodes []*html.Node
	var walk func(n *html.Node, skip bool)
	walk = func(n *html.Node, skip bool) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a", "script", "style", "head":
				skip = true
			}
		}
		if n.Type == html.TextNode && !skip && strings.TrimSpace(n.Data) != "" {
			nodes = append(nodes, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, skip)
		}
	}
	walk(doc, false)
	return nodes
}

// linkTextNode は1つのテキストノードへ可能な限りアンカーを挿入します。
// キーワードごとに記事全体で1回だけ置換します。
func linkTextNode(node *html.Node, targets []AnchorTarget, inserted int) ([]AnchorTarget, int) {
	for i := 0; i < len(targets); i++ {
		t := targets[i]
		start, end := foldIndex(node.Data, t.Keyword)
		if start < 0 {
			continue
		}

		before := node.Data[:start]
		match := node.Data[start:end]
		after := node.Data[end:]

		parent := node.Parent
		anchor := &html.Node{
			Type: html.ElementNode,
			Data: "a",
			Attr: []html.Attribute{{Key: "href", Val: t.URL}},
		}
		anchor.AppendChild(&html.Node{Type: html.TextNode, Data: match})

		parent.InsertBefore(&html.Node{Type: html.TextNode, Data: before}, node)
		parent.InsertBefore(anchor, node)
		node.Data = after

		inserted++
		targets = append(targets[:i], targets[i+1:]...)
		i--
	}
	return targets, inserted
}

// foldIndex は s の中で substr と大文字小文字を無視して一致する最初の
// 範囲を探し、元の文字列でのバイト位置 [start, end) を返します。
// ケースフォールドでバイト長が変わる文字（ẞ など）でも元の文字列の
// 正しい範囲を返します。見つからない場合は (-1, -1) です。
func foldIndex(s, substr string) (int, int) {
	for i := range s {
		if n, ok := foldMatch(s[i:], substr); ok {
			return i, i + n
		}
	}
	return -1, -1
}

// foldMatch は s の先頭が substr とケースフォールドで一致するかを調べ、
// 一致した場合に s 側で消費したバイト数を返します。
func foldMatch(s, substr string) (int, bool) {
	n := 0
	for _, kr := range substr {
		sr, size := utf8.DecodeRuneInString(s[n:])
		if size == 0 || !foldEqual(sr, kr) {
			return 0, false
		}
		n += size
	}
	return n, true
}

func foldEqual(a, b rune) bool {
	if a == b {
		return true
	}
	for r := unicode.SimpleFold(a); r != a; r = unicode.SimpleFold(r) {
		if r == b {
			return true
		}
	}
	return false
}
