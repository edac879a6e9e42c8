package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	accountdomain "github.com/smallbiznis/tidemark/internal/account/domain"
	credentialsdomain "github.com/smallbiznis/tidemark/internal/credentials/domain"
	"github.com/smallbiznis/tidemark/internal/portal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     accountdomain.Repository
	CredSvc  credentialsdomain.Service
	Verifier portal.Verifier `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     accountdomain.Repository
	genID    *snowflake.Node
	credsvc  credentialsdomain.Service
	verifier portal.Verifier
}

func New(p Params) accountdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("account.service"),
		repo:     p.Repo,
		genID:    p.GenID,
		credsvc:  p.CredSvc,
		verifier: p.Verifier,
	}
}

func (s *Service) Create(ctx context.Context, req accountdomain.CreateRequest) (*accountdomain.Response, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, accountdomain.ErrInvalidUsername
	}
	if req.Password == "" {
		return nil, accountdomain.ErrInvalidPassword
	}

	existing, err := s.repo.FindByUsername(ctx, s.db, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, accountdomain.ErrDuplicateUsername
	}

	if s.verifier != nil && !req.SkipVerify {
		if err := s.verifier.Verify(ctx, username, req.Password); err != nil {
			if errors.Is(err, portal.ErrInvalidCredentials) {
				return nil, accountdomain.ErrCredentialRejected
			}
			return nil, err
		}
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = username
	}

	now := time.Now().UTC()
	account := &accountdomain.Account{
		ID:          s.genID.Generate(),
		Username:    username,
		DisplayName: displayName,
		Slug:        slug.Make(username),
		Status:      accountdomain.StatusHealthy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Insert(ctx, s.db, account); err != nil {
		return nil, err
	}

	if err := s.credsvc.Store(ctx, account.ID, req.Password); err != nil {
		// Roll back the half-created account so a retry is clean.
		if delErr := s.repo.Delete(ctx, s.db, account.ID); delErr != nil {
			s.log.Error("failed to roll back account after credential store failure",
				zap.String("account_id", account.ID.String()),
				zap.Error(delErr),
			)
		}
		return nil, err
	}

	s.log.Info("account registered",
		zap.String("account_id", account.ID.String()),
		zap.String("slug", account.Slug),
	)

	return s.toResponse(account), nil
}

func (s *Service) List(ctx context.Context) ([]accountdomain.Response, error) {
	items, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}

	resp := make([]accountdomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, *s.toResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*accountdomain.Response, error) {
	account, err := s.findByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.toResponse(account), nil
}

func (s *Service) GetByUsername(ctx context.Context, username string) (*accountdomain.Response, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, accountdomain.ErrInvalidUsername
	}
	account, err := s.repo.FindByUsername(ctx, s.db, username)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	return s.toResponse(account), nil
}

func (s *Service) Update(ctx context.Context, req accountdomain.UpdateRequest) (*accountdomain.Response, error) {
	account, err := s.findByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if name != "" {
			account.DisplayName = name
		}
	}
	account.UpdatedAt = time.Now().UTC()

	if err := s.repo.Update(ctx, s.db, account); err != nil {
		return nil, err
	}
	return s.toResponse(account), nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	account, err := s.findByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.credsvc.Delete(ctx, account.ID); err != nil {
		return err
	}
	return s.repo.Delete(ctx, s.db, account.ID)
}

func (s *Service) Suspend(ctx context.Context, id string) (*accountdomain.Response, error) {
	return s.setSuspended(ctx, id, true)
}

func (s *Service) Resume(ctx context.Context, id string) (*accountdomain.Response, error) {
	return s.setSuspended(ctx, id, false)
}

func (s *Service) setSuspended(ctx context.Context, id string, suspended bool) (*accountdomain.Response, error) {
	account, err := s.findByID(ctx, id)
	if err != nil {
		return nil, err
	}

	account.Suspended = suspended
	if !suspended {
		// Resuming clears the backoff so the next tick picks it up.
		account.NextAttemptAt = nil
		account.FailureCount = 0
	}
	account.UpdatedAt = time.Now().UTC()

	if err := s.repo.Update(ctx, s.db, account); err != nil {
		return nil, err
	}
	return s.toResponse(account), nil
}

func (s *Service) findByID(ctx context.Context, id string) (*accountdomain.Account, error) {
	accountID, err := accountdomain.ParseID(strings.TrimSpace(id))
	if err != nil {
		return nil, accountdomain.ErrInvalidID
	}
	account, err := s.repo.FindByID(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) toResponse(a *accountdomain.Account) *accountdomain.Response {
	return &accountdomain.Response{
		ID:            a.ID.String(),
		Username:      a.Username,
		DisplayName:   a.DisplayName,
		Slug:          a.Slug,
		Status:        a.Status,
		Suspended:     a.Suspended,
		FailureCount:  a.FailureCount,
		NextAttemptAt: a.NextAttemptAt,
		LastSyncedAt:  a.LastSyncedAt,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}
