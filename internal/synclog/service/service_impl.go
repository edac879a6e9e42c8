package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tidemark/internal/synclog/domain"
	"github.com/smallbiznis/tidemark/pkg/db/pagination"
	"github.com/smallbiznis/tidemark/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("synclog.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Begin(ctx context.Context, accountID snowflake.ID, trigger string) (*domain.SyncRun, error) {
	if accountID == 0 {
		return nil, domain.ErrInvalidAccount
	}

	switch trigger {
	case domain.TriggerScheduled, domain.TriggerManual, domain.TriggerRepair:
	default:
		return nil, domain.ErrInvalidTrigger
	}

	now := time.Now().UTC()
	run := &domain.SyncRun{
		ID:            s.genID.Generate(),
		AccountID:     accountID,
		CorrelationID: correlation.ExtractCorrelationID(ctx),
		TriggerKind:   trigger,
		Status:        domain.RunStatusRunning,
		StartedAt:     now,
		CreatedAt:     now,
	}

	if err := s.repo.Insert(ctx, s.db, run); err != nil {
		s.log.Warn("failed to record sync run", zap.String("account_id", accountID.String()), zap.Error(err))
		return nil, err
	}
	return run, nil
}

func (s *Service) Finish(ctx context.Context, runID snowflake.ID, req domain.FinishRequest) error {
	run, err := s.repo.FindByID(ctx, s.db, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return domain.ErrRunNotFound
	}

	now := time.Now().UTC()
	run.Status = req.Status
	run.Error = req.Error
	run.RecordsMerged = req.RecordsMerged
	run.FinishedAt = &now

	if len(req.Resolutions) > 0 {
		payload := map[string]any{}
		for resolution, outcome := range req.Resolutions {
			payload[resolution] = map[string]any{
				"merged": outcome.Merged,
				"error":  outcome.Error,
			}
		}
		run.Resolutions = datatypes.JSONMap(payload)
	}

	return s.repo.Update(ctx, s.db, run)
}

func (s *Service) Get(ctx context.Context, id string) (*domain.SyncRun, error) {
	runID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || runID == 0 {
		return nil, domain.ErrRunNotFound
	}

	run, err := s.repo.FindByID(ctx, s.db, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	return run, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRunsRequest) (domain.ListRunsResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return domain.ListRunsResponse{}, domain.ErrInvalidTimeRange
	}

	var cursor *domain.RunCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return domain.ListRunsResponse{}, domain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339, decoded.CreatedAt)
		if err != nil {
			return domain.ListRunsResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return domain.ListRunsResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.RunCursor{
			ID:        id,
			CreatedAt: createdAt,
		}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		AccountID:   req.AccountID,
		Status:      req.Status,
		TriggerKind: req.TriggerKind,
		StartAt:     req.StartAt,
		EndAt:       req.EndAt,
		Cursor:      cursor,
		Limit:       pageSize,
	})
	if err != nil {
		return domain.ListRunsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *domain.SyncRun) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	runs := make([]domain.SyncRun, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		runs = append(runs, *item)
	}

	resp := domain.ListRunsResponse{Runs: runs}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}
