package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/tidemark/internal/issue/domain"
	obsmetrics "github.com/smallbiznis/tidemark/internal/observability/metrics"
	"github.com/smallbiznis/tidemark/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("issue.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Open(ctx context.Context, req domain.OpenRequest) (*domain.Response, error) {
	if _, err := domain.ParseKind(string(req.Kind)); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindActive(ctx, s.db, req.AccountID, req.Kind)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		detail := strings.TrimSpace(req.Detail)
		if detail != "" && detail != existing.Detail {
			existing.Detail = detail
			existing.UpdatedAt = time.Now().UTC()
			if err := s.repo.Update(ctx, s.db, existing); err != nil {
				return nil, err
			}
		}
		return toResponse(existing), nil
	}

	now := time.Now().UTC()
	issue := &domain.Issue{
		ID:          s.genID.Generate(),
		AccountID:   req.AccountID,
		Kind:        req.Kind,
		Status:      domain.StatusActive,
		Detail:      strings.TrimSpace(req.Detail),
		RepairToken: uuid.NewString(),
		OpenedAt:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Insert(ctx, s.db, issue); err != nil {
		// Lost the race against a concurrent open; the unique index on
		// active (account, kind) guarantees the winner exists.
		if db.IsDuplicateKeyErr(err) {
			winner, findErr := s.repo.FindActive(ctx, s.db, req.AccountID, req.Kind)
			if findErr == nil && winner != nil {
				return toResponse(winner), nil
			}
		}
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordIssueTransition(ctx, string(req.Kind), "opened")
	}

	s.log.Warn("issue opened",
		zap.String("account_id", req.AccountID.String()),
		zap.String("kind", string(req.Kind)),
	)

	return toResponse(issue), nil
}

func (s *Service) Resolve(ctx context.Context, accountID snowflake.ID, kind domain.Kind) error {
	issue, err := s.repo.FindActive(ctx, s.db, accountID, kind)
	if err != nil {
		return err
	}
	if issue == nil {
		// Nothing to clear. Resolving twice is not an error.
		return nil
	}

	now := time.Now().UTC()
	issue.Status = domain.StatusResolved
	issue.ResolvedAt = &now
	issue.UpdatedAt = now

	if err := s.repo.Update(ctx, s.db, issue); err != nil {
		return err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordIssueTransition(ctx, string(kind), "resolved")
	}

	s.log.Info("issue resolved",
		zap.String("account_id", accountID.String()),
		zap.String("kind", string(kind)),
	)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Response, error) {
	issueID, err := domain.ParseID(strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}

	issue, err := s.repo.FindByID(ctx, s.db, issueID)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, domain.ErrIssueNotFound
	}
	return toResponse(issue), nil
}

func (s *Service) FindActive(ctx context.Context, accountID snowflake.ID, kind domain.Kind) (*domain.Response, error) {
	issue, err := s.repo.FindActive(ctx, s.db, accountID, kind)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, nil
	}
	return toResponse(issue), nil
}

func (s *Service) List(ctx context.Context, accountID snowflake.ID) ([]domain.Response, error) {
	issues, err := s.repo.ListByAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	return toResponses(issues), nil
}

func (s *Service) ListActive(ctx context.Context) ([]domain.Response, error) {
	issues, err := s.repo.ListActive(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return toResponses(issues), nil
}

func toResponse(i *domain.Issue) *domain.Response {
	return &domain.Response{
		ID:          i.ID.String(),
		AccountID:   i.AccountID.String(),
		Kind:        i.Kind,
		Status:      i.Status,
		Detail:      i.Detail,
		RepairToken: i.RepairToken,
		OpenedAt:    i.OpenedAt,
		ResolvedAt:  i.ResolvedAt,
	}
}

func toResponses(issues []domain.Issue) []domain.Response {
	resp := make([]domain.Response, 0, len(issues))
	for i := range issues {
		resp = append(resp, *toResponse(&issues[i]))
	}
	return resp
}
