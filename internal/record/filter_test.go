package record

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/devlog/internal/model"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		token string
		want  Range
	}{
		{"", RangeAll},
		{"all", RangeAll},
		{"today", RangeToday},
		{" Week ", RangeWeek},
		{"MONTH", RangeMonth},
	}
	for _, tt := range tests {
		got, err := ParseRange(tt.token)
		if err != nil {
			t.Errorf("ParseRange(%q) unexpected error: %v", tt.token, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRange(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}

	_, err := ParseRange("year")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidRange {
		t.Errorf("expected invalid range error, got %v", err)
	}
}

// TestWindow は期間の境界を半開区間で検証する。
func TestWindow(t *testing.T) {
	// 2025-03-12は水曜日
	wed := time.Date(2025, 3, 12, 15, 30, 0, 0, time.UTC)
	sun := time.Date(2025, 3, 16, 9, 0, 0, 0, time.UTC)
	mon := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	nextMon := time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		r         Range
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"today", RangeToday, wed, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), wed.Add(time.Nanosecond)},
		{"週の途中", RangeWeek, wed, mon, nextMon},
		{"日曜日は前の月曜日から", RangeWeek, sun, mon, nextMon},
		{"月曜日は当日から", RangeWeek, mon, mon, nextMon},
		{"month", RangeMonth, wed, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"うるう年の2月", RangeMonth, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"12月は翌年1月まで", RangeMonth, time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC), time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, bounded := Window(tt.r, tt.now)
			if !bounded {
				t.Fatal("expected bounded window")
			}
			if !start.Equal(tt.wantStart) || !end.Equal(tt.wantEnd) {
				t.Errorf("Window = [%v, %v), want [%v, %v)", start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}

	if _, _, bounded := Window(RangeAll, wed); bounded {
		t.Error("expected RangeAll to be unbounded")
	}
}

// TestFilter_SubMillisecondBoundary は期間末尾の1ミリ秒未満に作成されたレコードが
// 期間に含まれ、次の期間の開始時刻ちょうどのレコードは含まれないことを検証する。
func TestFilter_SubMillisecondBoundary(t *testing.T) {
	// 2025-03-16は日曜日
	now := time.Date(2025, 3, 16, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t)
	env.store.now = func() time.Time { return now }

	seeds := map[string]time.Time{
		"week-last":   time.Date(2025, 3, 16, 23, 59, 59, int(999*time.Millisecond+500*time.Microsecond), time.UTC),
		"next-week":   time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC),
		"month-last":  time.Date(2025, 3, 31, 23, 59, 59, 999999999, time.UTC),
		"next-month":  time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		"today-now":   now,
		"today-after": now.Add(time.Nanosecond),
	}
	for id, at := range seeds {
		env.seed(t, model.CollectionLogs, id, map[string]any{
			model.FieldOwnerID:   "alice",
			model.FieldProjectID: "p1",
			model.FieldTitle:     id,
			model.FieldCreatedAt: at,
		})
	}
	if _, err := env.store.LoadLogs(context.Background(), "alice"); err != nil {
		t.Fatalf("LoadLogs failed: %v", err)
	}

	// 作成日時の新しい順
	tests := []struct {
		name string
		r    Range
		want []string
	}{
		{"week", RangeWeek, []string{"week-last", "today-after", "today-now"}},
		{"month", RangeMonth, []string{"month-last", "next-week", "week-last", "today-after", "today-now"}},
		{"today", RangeToday, []string{"today-now"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := logIDs(env.store.FilterLogs(Filter{Range: tt.r}))
			if !sameIDs(got, tt.want) {
				t.Errorf("FilterLogs(%s) = %v, want %v", tt.r, got, tt.want)
			}
		})
	}
}

// filterEnv は固定時刻のStoreに作成日時の異なるLogとProjectを読み込む。
func filterEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	env.store.now = func() time.Time { return now }

	logs := []struct {
		id        string
		projectID string
		title     string
		content   string
		tags      []string
		createdAt any
	}{
		{"today", "p1", "Fixed login bug", "session cookie", []string{"auth"}, now.Add(-2 * time.Hour)},
		{"monday", "p1", "Refactor", "Moved handlers", []string{"cleanup"}, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)},
		{"lastweek", "p2", "Deploy", "first DEPLOY to prod", nil, time.Date(2025, 3, 9, 23, 0, 0, 0, time.UTC)},
		{"lastmonth", "p2", "Kickoff", "", []string{"Planning"}, time.Date(2025, 2, 28, 12, 0, 0, 0, time.UTC)},
		{"pending", "p1", "No timestamp yet", "", nil, nil},
	}
	for _, l := range logs {
		data := map[string]any{
			model.FieldOwnerID:   "alice",
			model.FieldProjectID: l.projectID,
			model.FieldTitle:     l.title,
			model.FieldContent:   l.content,
			model.FieldTags:      l.tags,
		}
		if l.createdAt != nil {
			data[model.FieldCreatedAt] = l.createdAt
		}
		env.seed(t, model.CollectionLogs, l.id, data)
	}

	env.seed(t, model.CollectionProjects, "p1", map[string]any{
		model.FieldOwnerID:     "alice",
		model.FieldTitle:       "Tracker",
		model.FieldDescription: "A dev log app",
		model.FieldTags:        []string{"go", "web"},
		model.FieldCreatedAt:   time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
	})
	env.seed(t, model.CollectionProjects, "p2", map[string]any{
		model.FieldOwnerID:   "alice",
		model.FieldTitle:     "Website",
		model.FieldTags:      []string{"Design"},
		model.FieldCreatedAt: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
	})

	ctx := context.Background()
	if _, err := env.store.LoadLogs(ctx, "alice"); err != nil {
		t.Fatalf("LoadLogs failed: %v", err)
	}
	if _, err := env.store.LoadProjects(ctx, "alice"); err != nil {
		t.Fatalf("LoadProjects failed: %v", err)
	}
	return env
}

func logIDs(logs []model.Log) []string {
	ids := make([]string, 0, len(logs))
	for _, l := range logs {
		ids = append(ids, l.ID)
	}
	return ids
}

func sameIDs(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// TestFilterLogs は期間、検索語、Projectによる絞り込みを検証する。
func TestFilterLogs(t *testing.T) {
	now := time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)
	env := filterEnv(t, now)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		// 作成日時が未確定のレコードは末尾に並ぶ
		{"条件なし", Filter{}, []string{"today", "monday", "lastweek", "lastmonth", "pending"}},
		{"today", Filter{Range: RangeToday}, []string{"today"}},
		{"week", Filter{Range: RangeWeek}, []string{"today", "monday"}},
		{"month", Filter{Range: RangeMonth}, []string{"today", "monday", "lastweek"}},
		{"本文を大文字小文字を区別せず検索", Filter{Search: "deploy"}, []string{"lastweek"}},
		{"タグを検索", Filter{Search: "PLANNING"}, []string{"lastmonth"}},
		{"タイトルを検索", Filter{Search: " login "}, []string{"today"}},
		{"Projectで絞り込み", Filter{ProjectID: "p2"}, []string{"lastweek", "lastmonth"}},
		{"条件の組み合わせ", Filter{Range: RangeWeek, ProjectID: "p1", Search: "handlers"}, []string{"monday"}},
		{"一致なし", Filter{Search: "nothing"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := logIDs(env.store.FilterLogs(tt.filter))
			if !sameIDs(got, tt.want) {
				t.Errorf("FilterLogs = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestFilterLogs_Location はタイムゾーンによって当日の境界が変わることを検証する。
func TestFilterLogs_Location(t *testing.T) {
	now := time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)
	env := filterEnv(t, now)
	tokyo := time.FixedZone("JST", 9*60*60)

	// 東京では当日が3/13 0:00(UTC 3/12 15:00)から始まるので、13:00 UTCのLogは前日になる
	got := logIDs(env.store.FilterLogs(Filter{Range: RangeToday, Location: tokyo}))
	if len(got) != 0 {
		t.Errorf("expected no logs for today in JST, got %v", got)
	}
}

// TestFilterProjects はProjectの絞り込みを検証する。
func TestFilterProjects(t *testing.T) {
	now := time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)
	env := filterEnv(t, now)

	ids := func(ps []model.Project) []string {
		out := make([]string, 0, len(ps))
		for _, p := range ps {
			out = append(out, p.ID)
		}
		return out
	}

	if got := ids(env.store.FilterProjects(Filter{})); !sameIDs(got, []string{"p1", "p2"}) {
		t.Errorf("expected [p1 p2], got %v", got)
	}
	if got := ids(env.store.FilterProjects(Filter{Range: RangeWeek})); !sameIDs(got, []string{"p1"}) {
		t.Errorf("expected [p1] for this week, got %v", got)
	}
	if got := ids(env.store.FilterProjects(Filter{Search: "design"})); !sameIDs(got, []string{"p2"}) {
		t.Errorf("expected tag match [p2], got %v", got)
	}
	if got := ids(env.store.FilterProjects(Filter{Search: "dev log"})); !sameIDs(got, []string{"p1"}) {
		t.Errorf("expected description match [p1], got %v", got)
	}
	if got := ids(env.store.FilterProjects(Filter{ProjectID: "p2"})); !sameIDs(got, []string{"p2"}) {
		t.Errorf("expected [p2], got %v", got)
	}
}
