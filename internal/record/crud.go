package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/devlog/internal/docstore"
	"github.com/hitoshi/devlog/internal/model"
	"github.com/hitoshi/devlog/internal/validate"
)

// CreateProject はProjectを作成する。
// コレクションへの反映はライブサブスクリプション経由で行い、この呼び出しではキャッシュを変更しない。
// 戻り値のタイムスタンプはサーバー時刻が確定するまでの推定値。
func (s *Store) CreateProject(ctx context.Context, in model.ProjectInput) (model.Project, error) {
	ownerID, err := s.currentOwner()
	if err != nil {
		return model.Project{}, err
	}
	title, err := validate.ValidateTitle(in.Title)
	if err != nil {
		return model.Project{}, err
	}
	status, err := normalizeStatus(in.Status)
	if err != nil {
		return model.Project{}, err
	}

	p := model.Project{
		OwnerID:     ownerID,
		Title:       title,
		Description: validate.SanitizeInput(in.Description),
		Status:      status,
		Tags:        sanitizeTags(in.Tags),
		Features:    sanitizeTags(in.Features),
		Challenges:  validate.SanitizeInput(in.Challenges),
		Notes:       validate.SanitizeInput(in.Notes),
	}
	data := map[string]any{
		model.FieldOwnerID:     p.OwnerID,
		model.FieldTitle:       p.Title,
		model.FieldDescription: p.Description,
		model.FieldStatus:      string(p.Status),
		model.FieldTags:        []string(p.Tags),
		model.FieldFeatures:    []string(p.Features),
		model.FieldChallenges:  p.Challenges,
		model.FieldNotes:       p.Notes,
		model.FieldCreatedAt:   docstore.ServerTimestamp,
		model.FieldUpdatedAt:   docstore.ServerTimestamp,
	}

	start := time.Now()
	id, err := s.docs.Add(ctx, model.CollectionProjects, data)
	s.track("create_project", start, err)
	if err != nil {
		return model.Project{}, s.storeFailure("create_project", msgCreateProject, err)
	}

	p.ID = id
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	s.logger.Info("project created", slog.String("project_id", id), slog.String("owner_id", ownerID))
	return p, nil
}

// UpdateProject は指定されたフィールドのみをマージ更新し、updatedAtをサーバー時刻にする。
// 書き込み時点で存在しない、または他のユーザーのProjectの場合はNotFoundを返す。
func (s *Store) UpdateProject(ctx context.Context, id string, patch model.ProjectPatch) error {
	ownerID, err := s.currentOwner()
	if err != nil {
		return err
	}

	data := map[string]any{model.FieldUpdatedAt: docstore.ServerTimestamp}
	if patch.Title != nil {
		title, err := validate.ValidateTitle(*patch.Title)
		if err != nil {
			return err
		}
		data[model.FieldTitle] = title
	}
	if patch.Status != nil {
		status, err := normalizeStatus(*patch.Status)
		if err != nil {
			return err
		}
		data[model.FieldStatus] = string(status)
	}
	if patch.Description != nil {
		data[model.FieldDescription] = validate.SanitizeInput(*patch.Description)
	}
	if patch.Tags != nil {
		data[model.FieldTags] = []string(sanitizeTags(*patch.Tags))
	}
	if patch.Features != nil {
		data[model.FieldFeatures] = []string(sanitizeTags(*patch.Features))
	}
	if patch.Challenges != nil {
		data[model.FieldChallenges] = validate.SanitizeInput(*patch.Challenges)
	}
	if patch.Notes != nil {
		data[model.FieldNotes] = validate.SanitizeInput(*patch.Notes)
	}

	start := time.Now()
	err = s.docs.Update(ctx, model.CollectionProjects, id, data, ownedBy(ownerID))
	s.track("update_project", start, err)
	if errors.Is(err, docstore.ErrNotFound) {
		return model.NewProjectNotFoundError(id)
	}
	if err != nil {
		return s.storeFailure("update_project", msgUpdateProject, err)
	}
	return nil
}

// DeleteProject はProjectとそれに紐づくLogを削除する。
// 先にLogをすべて削除し、1件でも失敗した場合はProjectを残してStoreErrorを返す。
// 複数ドキュメントにまたがるトランザクションは使わないため、一部のLogだけが削除された状態は残り得る。
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	ownerID, err := s.currentOwner()
	if err != nil {
		return err
	}

	start := time.Now()
	logs, err := s.docs.Query(ctx, docstore.Query{Collection: model.CollectionLogs}.
		Where(model.FieldOwnerID, ownerID).
		Where(model.FieldProjectID, id))
	s.track("query_project_logs", start, err)
	if err != nil {
		return s.storeFailure("delete_project", msgDeleteProject, err)
	}

	if err := s.deleteAll(ctx, model.CollectionLogs, ownerID, logs); err != nil {
		s.logger.Error("cascade delete of project logs failed",
			slog.String("project_id", id),
			slog.Int("log_count", len(logs)),
			slog.String("error", err.Error()),
		)
		return model.NewStoreError(msgDeleteLogsKept, err)
	}

	start = time.Now()
	err = s.docs.Delete(ctx, model.CollectionProjects, id, ownedBy(ownerID))
	s.track("delete_project", start, err)
	if errors.Is(err, docstore.ErrNotFound) {
		return model.NewProjectNotFoundError(id)
	}
	if err != nil {
		return s.storeFailure("delete_project", msgDeleteProject, err)
	}

	s.logger.Info("project deleted",
		slog.String("project_id", id),
		slog.Int("deleted_logs", len(logs)),
	)
	return nil
}

// CreateLog はLogを作成する。参照先のProjectが同じユーザーのものであることを確認してから書き込む。
func (s *Store) CreateLog(ctx context.Context, in model.LogInput) (model.Log, error) {
	ownerID, err := s.currentOwner()
	if err != nil {
		return model.Log{}, err
	}
	title, err := validate.ValidateTitle(in.Title)
	if err != nil {
		return model.Log{}, err
	}
	if strings.TrimSpace(in.ProjectID) == "" {
		return model.Log{}, model.NewInvalidRequestError("Please select a project for this log.")
	}

	start := time.Now()
	parent, err := s.docs.Get(ctx, model.CollectionProjects, in.ProjectID)
	s.track("get_project", start, err)
	if err != nil {
		return model.Log{}, s.storeFailure("create_log", msgCreateLog, err)
	}
	if parent == nil || parent.Data[model.FieldOwnerID] != ownerID {
		return model.Log{}, model.NewProjectNotFoundError(in.ProjectID)
	}

	l := model.Log{
		ProjectID: in.ProjectID,
		OwnerID:   ownerID,
		Title:     title,
		Content:   validate.SanitizeInput(in.Content),
		Tags:      sanitizeTags(in.Tags),
	}
	data := map[string]any{
		model.FieldProjectID: l.ProjectID,
		model.FieldOwnerID:   l.OwnerID,
		model.FieldTitle:     l.Title,
		model.FieldContent:   l.Content,
		model.FieldTags:      []string(l.Tags),
		model.FieldCreatedAt: docstore.ServerTimestamp,
		model.FieldUpdatedAt: docstore.ServerTimestamp,
	}

	start = time.Now()
	id, err := s.docs.Add(ctx, model.CollectionLogs, data)
	s.track("create_log", start, err)
	if err != nil {
		return model.Log{}, s.storeFailure("create_log", msgCreateLog, err)
	}

	l.ID = id
	l.CreatedAt = s.now()
	l.UpdatedAt = l.CreatedAt
	return l, nil
}

// UpdateLog は指定されたフィールドのみをマージ更新する。projectIdは変更できない。
func (s *Store) UpdateLog(ctx context.Context, id string, patch model.LogPatch) error {
	ownerID, err := s.currentOwner()
	if err != nil {
		return err
	}

	data := map[string]any{model.FieldUpdatedAt: docstore.ServerTimestamp}
	if patch.Title != nil {
		title, err := validate.ValidateTitle(*patch.Title)
		if err != nil {
			return err
		}
		data[model.FieldTitle] = title
	}
	if patch.Content != nil {
		data[model.FieldContent] = validate.SanitizeInput(*patch.Content)
	}
	if patch.Tags != nil {
		data[model.FieldTags] = []string(sanitizeTags(*patch.Tags))
	}

	start := time.Now()
	err = s.docs.Update(ctx, model.CollectionLogs, id, data, ownedBy(ownerID))
	s.track("update_log", start, err)
	if errors.Is(err, docstore.ErrNotFound) {
		return model.NewLogNotFoundError(id)
	}
	if err != nil {
		return s.storeFailure("update_log", msgUpdateLog, err)
	}
	return nil
}

// DeleteLog はLogを1件削除する。
func (s *Store) DeleteLog(ctx context.Context, id string) error {
	ownerID, err := s.currentOwner()
	if err != nil {
		return err
	}

	start := time.Now()
	err = s.docs.Delete(ctx, model.CollectionLogs, id, ownedBy(ownerID))
	s.track("delete_log", start, err)
	if errors.Is(err, docstore.ErrNotFound) {
		return model.NewLogNotFoundError(id)
	}
	if err != nil {
		return s.storeFailure("delete_log", msgDeleteLog, err)
	}
	return nil
}

// PurgeOwner はownerIDのLogとProjectをすべて削除する。アカウント削除の前に呼ばれる。
func (s *Store) PurgeOwner(ctx context.Context, ownerID string) error {
	for _, collection := range []string{model.CollectionLogs, model.CollectionProjects} {
		start := time.Now()
		docs, err := s.docs.Query(ctx, docstore.Query{Collection: collection}.Where(model.FieldOwnerID, ownerID))
		s.track("purge_query", start, err)
		if err != nil {
			return s.storeFailure("purge", msgPurge, err)
		}
		if err := s.deleteAll(ctx, collection, ownerID, docs); err != nil {
			return s.storeFailure("purge", msgPurge, err)
		}
	}
	s.logger.Info("owner records purged", slog.String("owner_id", ownerID))
	return nil
}

// deleteAll はdocsを最大deleteConcurrency件ずつ並行に削除し、すべての完了を待つ。
// 既に削除済みのドキュメントは成功として扱う。
func (s *Store) deleteAll(ctx context.Context, collection, ownerID string, docs []docstore.Document) error {
	if len(docs) == 0 {
		return nil
	}

	sem := make(chan struct{}, s.deleteConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, d := range docs {
		wg.Add(1)
		sem <- struct{}{}

		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			start := time.Now()
			err := s.docs.Delete(ctx, collection, id, ownedBy(ownerID))
			s.track("delete_"+strings.TrimSuffix(collection, "s"), start, err)
			if err != nil && !errors.Is(err, docstore.ErrNotFound) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s/%s: %w", collection, id, err))
				mu.Unlock()
			}
		}(d.ID)
	}

	wg.Wait()
	return errors.Join(errs...)
}

func ownedBy(ownerID string) docstore.Match {
	return docstore.Match{Field: model.FieldOwnerID, Value: ownerID}
}

// normalizeStatus は空の状態を既定値にし、未定義の状態を拒否する。
func normalizeStatus(status model.ProjectStatus) (model.ProjectStatus, error) {
	if status == "" {
		return model.DefaultStatus, nil
	}
	if !status.Valid() {
		return "", model.NewInvalidStatusError(string(status))
	}
	return status, nil
}

// sanitizeTags は各タグをサニタイズし、空になったタグを捨てる。
func sanitizeTags(tags model.Tags) model.Tags {
	out := make(model.Tags, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(validate.SanitizeInput(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}
