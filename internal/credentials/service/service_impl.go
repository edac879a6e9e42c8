package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tidemark/internal/config"
	"github.com/smallbiznis/tidemark/internal/credentials/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config config.Config
	Repo   domain.Repository
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	repo   domain.Repository
	sealer *domain.Sealer
}

func New(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("credentials.service"),
		repo:   p.Repo,
		sealer: domain.NewSealer(p.Config.CredentialSealKey),
	}
}

func (s *Service) Store(ctx context.Context, accountID snowflake.ID, secret string) error {
	if secret == "" {
		return domain.ErrInvalidSecret
	}

	box, nonce, err := s.sealer.Seal(secret)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	cred := &domain.Credential{
		AccountID:    accountID,
		SealedSecret: box,
		Nonce:        nonce,
		RotatedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.Upsert(ctx, s.db, cred); err != nil {
		return err
	}

	s.log.Info("credential sealed",
		zap.String("account_id", accountID.String()),
	)
	return nil
}

func (s *Service) Reveal(ctx context.Context, accountID snowflake.ID) (string, error) {
	cred, err := s.repo.Find(ctx, s.db, accountID)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", domain.ErrCredentialNotFound
	}
	return s.sealer.Open(cred.SealedSecret, cred.Nonce)
}

func (s *Service) RotatedAt(ctx context.Context, accountID snowflake.ID) (*domain.Credential, error) {
	cred, err := s.repo.Find(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, domain.ErrCredentialNotFound
	}
	// Never hand the sealed payload back to callers.
	cred.SealedSecret = nil
	cred.Nonce = nil
	return cred, nil
}

func (s *Service) Delete(ctx context.Context, accountID snowflake.ID) error {
	return s.repo.Delete(ctx, s.db, accountID)
}
