package service

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tidemark/internal/observability/metrics"
	"github.com/smallbiznis/tidemark/internal/statistics/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
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
		log:   p.Log.Named("statistics.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Merge(ctx context.Context, req domain.MergeRequest) (*domain.MergeResult, error) {
	result := &domain.MergeResult{Total: len(req.Records)}
	if len(req.Records) == 0 {
		return result, nil
	}

	byResolution := make(map[domain.Resolution][]domain.UsageRecord)
	for _, rec := range req.Records {
		if !rec.Resolution.Valid() || rec.BucketStart.IsZero() {
			return nil, domain.ErrInvalidRecord
		}
		byResolution[rec.Resolution] = append(byResolution[rec.Resolution], rec)
	}

	now := time.Now().UTC()
	for resolution, records := range byResolution {
		stats := make([]domain.UsageStatistic, 0, len(records))
		buckets := make([]time.Time, 0, len(records))
		for _, rec := range records {
			bucket := rec.Resolution.Truncate(rec.BucketStart.UTC())
			stats = append(stats, domain.UsageStatistic{
				ID:          s.genID.Generate(),
				AccountID:   req.AccountID,
				Resolution:  rec.Resolution,
				BucketStart: bucket,
				Value:       rec.Value,
				Unit:        rec.Unit,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
			buckets = append(buckets, bucket)
		}

		merged, err := s.repo.UpsertBatch(ctx, s.db, stats, req.Force)
		if err != nil {
			return nil, err
		}
		result.Merged += merged

		// A bucket that now has a value is no longer an unavailable slot.
		if err := s.repo.DeleteUnavailable(ctx, s.db, req.AccountID, resolution, buckets); err != nil {
			return nil, err
		}

		metrics.Sync().AddRecordsMerged(string(resolution), int(merged))
	}

	s.log.Debug("records merged",
		zap.String("account_id", req.AccountID.String()),
		zap.Int("total", result.Total),
		zap.Int64("merged", result.Merged),
		zap.Bool("force", req.Force),
	)

	return result, nil
}

func (s *Service) MarkUnavailable(ctx context.Context, accountID snowflake.ID, resolution domain.Resolution, buckets []time.Time) error {
	if len(buckets) == 0 {
		return nil
	}
	if !resolution.Valid() {
		return domain.ErrInvalidResolution
	}

	now := time.Now().UTC()
	slots := make([]domain.UnavailableSlot, 0, len(buckets))
	for _, bucket := range buckets {
		slots = append(slots, domain.UnavailableSlot{
			ID:          s.genID.Generate(),
			AccountID:   accountID,
			Resolution:  resolution,
			BucketStart: resolution.Truncate(bucket.UTC()),
			ReportedAt:  now,
			CreatedAt:   now,
		})
	}

	return s.repo.InsertUnavailable(ctx, s.db, slots)
}

func (s *Service) State(ctx context.Context, accountID snowflake.ID, resolution domain.Resolution) (*domain.ResolutionState, error) {
	if !resolution.Valid() {
		return nil, domain.ErrInvalidResolution
	}
	return s.repo.FindState(ctx, s.db, accountID, resolution)
}

func (s *Service) States(ctx context.Context, accountID snowflake.ID) ([]domain.ResolutionState, error) {
	return s.repo.ListStates(ctx, s.db, accountID)
}

func (s *Service) RecordSuccess(ctx context.Context, accountID snowflake.ID, resolution domain.Resolution, highWaterMark time.Time, backfillDone bool) error {
	state, err := s.loadOrSeedState(ctx, accountID, resolution)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	hwm := resolution.Truncate(highWaterMark.UTC())

	// The mark only moves forward. A resync over old data must not drag
	// the series back.
	if state.HighWaterMark == nil || hwm.After(*state.HighWaterMark) {
		state.HighWaterMark = &hwm
	}
	state.LastSuccessAt = &now
	state.LastError = ""
	state.BackfillDone = state.BackfillDone || backfillDone
	state.UpdatedAt = now

	return s.repo.UpsertState(ctx, s.db, state)
}

func (s *Service) RecordFailure(ctx context.Context, accountID snowflake.ID, resolution domain.Resolution, cause error) error {
	state, err := s.loadOrSeedState(ctx, accountID, resolution)
	if err != nil {
		return err
	}

	state.LastError = cause.Error()
	state.UpdatedAt = time.Now().UTC()

	return s.repo.UpsertState(ctx, s.db, state)
}

func (s *Service) ListRange(ctx context.Context, req domain.ListRequest) ([]domain.UsageStatistic, error) {
	if !req.Resolution.Valid() {
		return nil, domain.ErrInvalidResolution
	}
	if !req.To.After(req.From) {
		return nil, domain.ErrInvalidRange
	}
	return s.repo.ListRange(ctx, s.db, req.AccountID, req.Resolution, req.From, req.To)
}

func (s *Service) Buckets(ctx context.Context, accountID snowflake.ID, resolution domain.Resolution, from, to time.Time) ([]time.Time, error) {
	if !resolution.Valid() {
		return nil, domain.ErrInvalidResolution
	}
	buckets, err := s.repo.ListBuckets(ctx, s.db, accountID, resolution, from, to)
	if err != nil {
		return nil, err
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Before(buckets[j]) })
	return buckets, nil
}

func (s *Service) Unavailable(ctx context.Context, accountID snowflake.ID, resolution domain.Resolution, from, to time.Time) ([]domain.UnavailableSlot, error) {
	if !resolution.Valid() {
		return nil, domain.ErrInvalidResolution
	}
	return s.repo.ListUnavailable(ctx, s.db, accountID, resolution, from, to)
}

func (s *Service) loadOrSeedState(ctx context.Context, accountID snowflake.ID, resolution domain.Resolution) (*domain.ResolutionState, error) {
	if !resolution.Valid() {
		return nil, domain.ErrInvalidResolution
	}

	state, err := s.repo.FindState(ctx, s.db, accountID, resolution)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}

	now := time.Now().UTC()
	return &domain.ResolutionState{
		ID:         s.genID.Generate(),
		AccountID:  accountID,
		Resolution: resolution,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
