// Package view はProjectカードのHTML断片を生成する。
//
// テンプレートで値をエスケープしたうえで、bluemondayの許可リストポリシーで
// 出力全体をもう一度サニタイズする。許可するのはカードの構造に使うタグとclass属性のみ。
package view

import (
	"bytes"
	"fmt"
	"html/template"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/devlog/internal/model"
)

// 要約表示の長さ
const (
	summaryLimit  = 150
	summaryKeep   = 147
	summaryMarker = "..."
)

// CardRenderer はProjectカードの描画インターフェース。
type CardRenderer interface {
	// RenderProject はカードのHTMLを返す。日付はlocのタイムゾーンで表示する。
	RenderProject(p model.Project, loc *time.Location) (string, error)
}

const cardTemplate = `<div class="project-card">
<div class="card-header">
<h3 class="card-title">{{.Title}}</h3>
<div class="meta">
<span class="created">Created: {{.Created}}</span>
<span class="status-badge {{.BadgeClass}}">{{.Status}}</span>
</div>
</div>
<div class="card-content">
{{- if .Summary}}
<div>
<h4>Description</h4>
<p class="description">{{.Summary}}</p>
</div>
{{- else}}
<p class="description empty">No description provided.</p>
{{- end}}
{{- if .Tags}}
<div>
<h4>Tags</h4>
<div class="tags">{{range .Tags}}<span class="tag">{{.}}</span>{{end}}</div>
</div>
{{- end}}
</div>
</div>`

type cardData struct {
	Title      string
	Created    string
	Status     string
	BadgeClass string
	Summary    string
	Tags       []string
}

// cardRenderer はCardRendererの実装。
type cardRenderer struct {
	tmpl   *template.Template
	policy *bluemonday.Policy
}

// NewCardRenderer はCardRendererを生成する。
// ポリシーの内容:
//   - 許可タグ: div, h3, h4, p, span
//   - class属性のみ許可（英小文字、数字、ハイフン、空白）
//   - それ以外のタグと属性は除去
func NewCardRenderer() CardRenderer {
	p := bluemonday.NewPolicy()
	p.AllowElements("div", "h3", "h4", "p", "span")
	p.AllowAttrs("class").Matching(regexp.MustCompile(`^[a-z0-9\- ]+$`)).OnElements("div", "h3", "h4", "p", "span")

	return &cardRenderer{
		tmpl:   template.Must(template.New("project-card").Parse(cardTemplate)),
		policy: p,
	}
}

// RenderProject はカードのHTMLを返す。
func (r *cardRenderer) RenderProject(p model.Project, loc *time.Location) (string, error) {
	if loc == nil {
		loc = time.UTC
	}

	data := cardData{
		Title:      p.Title,
		Status:     string(p.Status),
		BadgeClass: badgeClass(p.Status),
		Summary:    Summarize(p.Description),
		Tags:       p.Tags,
	}
	if data.Title == "" {
		data.Title = "Untitled Project"
	}
	if data.Status == "" {
		data.Status = "N/A"
	}
	created := p.CreatedAt
	if created.IsZero() {
		// 作成日時が確定する前のレコード
		created = time.Now()
	}
	data.Created = created.In(loc).Format("2006-01-02")

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render project card %s: %w", p.ID, err)
	}
	return r.policy.Sanitize(buf.String()), nil
}

// Summarize は説明文を要約表示用に切り詰める。
// 150文字を超える場合は先頭147文字に "..." を付ける。
func Summarize(description string) string {
	if utf8.RuneCountInString(description) <= summaryLimit {
		return description
	}
	runes := []rune(description)
	return string(runes[:summaryKeep]) + summaryMarker
}

// badgeClass は状態に応じたバッジの色を返す。
func badgeClass(status model.ProjectStatus) string {
	switch status {
	case model.StatusCompleted:
		return "badge-green"
	case model.StatusInProgress:
		return "badge-blue"
	default:
		return "badge-yellow"
	}
}
