package record

import (
	"strings"
	"time"

	"github.com/hitoshi/devlog/internal/model"
)

// Range は作成日時による期間フィルタ。
type Range string

const (
	RangeAll   Range = "all"
	RangeToday Range = "today"
	RangeWeek  Range = "week"
	RangeMonth Range = "month"
)

// ParseRange は期間トークンを解析する。空文字列はRangeAllとして扱う。
func ParseRange(token string) (Range, error) {
	switch r := Range(strings.ToLower(strings.TrimSpace(token))); r {
	case "":
		return RangeAll, nil
	case RangeAll, RangeToday, RangeWeek, RangeMonth:
		return r, nil
	}
	return "", model.NewInvalidRangeError(token)
}

// Filter はメモリ上のコレクションに対する絞り込み条件。
// ゼロ値はすべてのレコードに一致する。
type Filter struct {
	Range     Range
	Search    string
	ProjectID string
	// Location は期間の境界を計算するタイムゾーン。nilの場合はStoreの既定値を使う。
	Location *time.Location
}

// FilterProjects は現在のProjectコレクションを絞り込む。ドキュメントストアへはアクセスしない。
// 検索語はタイトル、説明、タグに対して大文字小文字を区別せずに照合する。
func (s *Store) FilterProjects(f Filter) []model.Project {
	projects := s.Projects()
	match := s.matcher(f)
	term := normalizeTerm(f.Search)

	out := make([]model.Project, 0, len(projects))
	for _, p := range projects {
		if f.ProjectID != "" && p.ID != f.ProjectID {
			continue
		}
		if !match(p.CreatedAt) {
			continue
		}
		if term != "" && !containsAny(term, p.Title, p.Description, strings.Join(p.Tags, " ")) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// FilterLogs は現在のLogコレクションを絞り込む。ドキュメントストアへはアクセスしない。
// 検索語はタイトル、本文、タグに対して大文字小文字を区別せずに照合する。
func (s *Store) FilterLogs(f Filter) []model.Log {
	logs := s.Logs()
	match := s.matcher(f)
	term := normalizeTerm(f.Search)

	out := make([]model.Log, 0, len(logs))
	for _, l := range logs {
		if f.ProjectID != "" && l.ProjectID != f.ProjectID {
			continue
		}
		if !match(l.CreatedAt) {
			continue
		}
		if term != "" && !containsAny(term, l.Title, l.Content, strings.Join(l.Tags, " ")) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// matcher は呼び出し時点の時刻から期間の境界を計算し、作成日時の判定関数を返す。
func (s *Store) matcher(f Filter) func(time.Time) bool {
	loc := f.Location
	if loc == nil {
		loc = s.location
	}
	start, end, bounded := Window(f.Range, s.now().In(loc))
	if !bounded {
		return func(time.Time) bool { return true }
	}
	return func(t time.Time) bool {
		if t.IsZero() {
			return false
		}
		return !t.Before(start) && t.Before(end)
	}
}

// Window はnowを含む期間を半開区間[start, end)で返す。
// todayは当日0時からnowまで（endはnowの1ナノ秒後）、weekは月曜0時から翌週月曜0時の手前まで、
// monthは暦月で翌月1日0時の手前まで。
// RangeAllおよび未知の値の場合はboundedがfalseになる。
func Window(r Range, now time.Time) (start, end time.Time, bounded bool) {
	y, m, d := now.Date()
	loc := now.Location()
	startOfDay := time.Date(y, m, d, 0, 0, 0, 0, loc)

	switch r {
	case RangeToday:
		return startOfDay, now.Add(time.Nanosecond), true
	case RangeWeek:
		// time.Sundayは0なので、月曜始まりの経過日数に変換する
		offset := (int(now.Weekday()) + 6) % 7
		start = startOfDay.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), true
	case RangeMonth:
		start = time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0), true
	}
	return time.Time{}, time.Time{}, false
}

func normalizeTerm(search string) string {
	return strings.ToLower(strings.TrimSpace(search))
}

func containsAny(term string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}
