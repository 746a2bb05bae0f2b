package handler

import (
	"net/http"
	"time"

	"github.com/hitoshi/devlog/internal/model"
	"github.com/hitoshi/devlog/internal/record"
)

// filterFromQuery は一覧エンドポイントのクエリパラメータを絞り込み条件に変換する。
// range, q, project_id, tz を受け付ける。
func filterFromQuery(r *http.Request) (record.Filter, error) {
	q := r.URL.Query()

	rng, err := record.ParseRange(q.Get("range"))
	if err != nil {
		return record.Filter{}, err
	}
	loc, err := locationFromQuery(r)
	if err != nil {
		return record.Filter{}, err
	}

	return record.Filter{
		Range:     rng,
		Search:    q.Get("q"),
		ProjectID: q.Get("project_id"),
		Location:  loc,
	}, nil
}

// locationFromQuery はtzパラメータのタイムゾーンを返す。未指定の場合はnil。
func locationFromQuery(r *http.Request) (*time.Location, error) {
	name := r.URL.Query().Get("tz")
	if name == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, model.NewInvalidRequestError("Unknown time zone: " + name)
	}
	return loc, nil
}
