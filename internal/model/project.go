package model

import (
	"encoding/json"
	"strings"
	"time"
)

// ドキュメントストアのコレクション名
const (
	CollectionProjects = "projects"
	CollectionLogs     = "logs"
)

// ドキュメントのフィールド名
const (
	FieldOwnerID     = "ownerId"
	FieldProjectID   = "projectId"
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldStatus      = "status"
	FieldTags        = "tags"
	FieldFeatures    = "features"
	FieldChallenges  = "challenges"
	FieldNotes       = "notes"
	FieldContent     = "content"
	FieldCreatedAt   = "createdAt"
	FieldUpdatedAt   = "updatedAt"
)

// ProjectStatus はプロジェクトの進捗状態。
type ProjectStatus string

const (
	StatusActive     ProjectStatus = "Active"
	StatusInProgress ProjectStatus = "In Progress"
	StatusOnHold     ProjectStatus = "On Hold"
	StatusCompleted  ProjectStatus = "Completed"
)

// DefaultStatus は状態未指定時に設定される値。
const DefaultStatus = StatusActive

// Valid は定義済みの状態かどうかを返す。
func (s ProjectStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInProgress, StatusOnHold, StatusCompleted:
		return true
	}
	return false
}

// Tags は順序付きのタグ列。
// JSONではカンマ区切り文字列と配列のどちらも受け付ける。
type Tags []string

// UnmarshalJSON はカンマ区切り文字列または文字列配列をTagsに変換する。
func (t *Tags) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = ParseTags(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*t = ParseTags(list)
	return nil
}

// ParseTags はドキュメントに格納されたタグ値を正規化する。
// 文字列はカンマで分割し、各要素の前後の空白を取り除く。空要素は捨てる。
func ParseTags(v any) Tags {
	var raw []string
	switch x := v.(type) {
	case nil:
		return Tags{}
	case string:
		raw = strings.Split(x, ",")
	case []string:
		raw = x
	case Tags:
		raw = x
	case []any:
		for _, e := range x {
			if s, ok := e.(string); ok {
				raw = append(raw, s)
			}
		}
	default:
		return Tags{}
	}

	tags := make(Tags, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			tags = append(tags, s)
		}
	}
	return tags
}

// Project は開発プロジェクトのレコード。
type Project struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"ownerId"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Status      ProjectStatus `json:"status"`
	Tags        Tags          `json:"tags"`
	Features    Tags          `json:"features"`
	Challenges  string        `json:"challenges"`
	Notes       string        `json:"notes"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Log はプロジェクトに紐づく作業ログ。
type Log struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      Tags      `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProjectInput は新規プロジェクトフォームの入力。
type ProjectInput struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Status      ProjectStatus `json:"status"`
	Tags        Tags          `json:"tags"`
	Features    Tags          `json:"features"`
	Challenges  string        `json:"challenges"`
	Notes       string        `json:"notes"`
}

// ProjectPatch はマージ更新の入力。nilのフィールドは変更しない。
type ProjectPatch struct {
	Title       *string        `json:"title,omitempty"`
	Description *string        `json:"description,omitempty"`
	Status      *ProjectStatus `json:"status,omitempty"`
	Tags        *Tags          `json:"tags,omitempty"`
	Features    *Tags          `json:"features,omitempty"`
	Challenges  *string        `json:"challenges,omitempty"`
	Notes       *string        `json:"notes,omitempty"`
}

// LogInput は新規ログフォームの入力。
type LogInput struct {
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Tags      Tags   `json:"tags"`
}

// LogPatch はログのマージ更新の入力。nilのフィールドは変更しない。
type LogPatch struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
	Tags    *Tags   `json:"tags,omitempty"`
}

// ProjectFromData はドキュメントのフィールドからProjectを組み立てる。
func ProjectFromData(id string, data map[string]any) Project {
	status := ProjectStatus(stringField(data, FieldStatus))
	if status == "" {
		status = DefaultStatus
	}
	return Project{
		ID:          id,
		OwnerID:     stringField(data, FieldOwnerID),
		Title:       stringField(data, FieldTitle),
		Description: stringField(data, FieldDescription),
		Status:      status,
		Tags:        ParseTags(data[FieldTags]),
		Features:    ParseTags(data[FieldFeatures]),
		Challenges:  stringField(data, FieldChallenges),
		Notes:       stringField(data, FieldNotes),
		CreatedAt:   timeField(data, FieldCreatedAt),
		UpdatedAt:   timeField(data, FieldUpdatedAt),
	}
}

// LogFromData はドキュメントのフィールドからLogを組み立てる。
func LogFromData(id string, data map[string]any) Log {
	return Log{
		ID:        id,
		ProjectID: stringField(data, FieldProjectID),
		OwnerID:   stringField(data, FieldOwnerID),
		Title:     stringField(data, FieldTitle),
		Content:   stringField(data, FieldContent),
		Tags:      ParseTags(data[FieldTags]),
		CreatedAt: timeField(data, FieldCreatedAt),
		UpdatedAt: timeField(data, FieldUpdatedAt),
	}
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// timeField はtime.TimeまたはRFC3339文字列（JSONB経由の値）を受け付ける。
func timeField(data map[string]any, key string) time.Time {
	switch v := data[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}
