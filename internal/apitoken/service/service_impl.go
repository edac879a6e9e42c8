package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	apitokendomain "github.com/smallbiznis/tidemark/internal/apitoken/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tokenPrefix              = "tm_live_tok_"
	tokenSecretBytes         = 32
	tokenRotationGracePeriod = 24 * time.Hour
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  apitokendomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  apitokendomain.Repository
	genID *snowflake.Node
}

func New(p Params) apitokendomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("apitoken.service"),
		repo:  p.Repo,
		genID: p.GenID,
	}
}

func (s *Service) List(ctx context.Context) ([]apitokendomain.Response, error) {
	items, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}

	resp := make([]apitokendomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, s.toResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) Create(ctx context.Context, req apitokendomain.CreateRequest) (*apitokendomain.SecretResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apitokendomain.ErrInvalidName
	}
	scopes, err := normalizeScopes(req.Scopes)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := s.genID.Generate()
	tokenID := newTokenID(id)
	plain, hash, err := generateToken(tokenID)
	if err != nil {
		return nil, err
	}

	token := &apitokendomain.Token{
		ID:        id,
		TokenID:   tokenID,
		Name:      name,
		Scopes:    scopes,
		TokenHash: hash,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Insert(ctx, s.db, token); err != nil {
		return nil, err
	}

	s.log.Info("api token created",
		zap.String("token_id", token.TokenID),
		zap.Strings("scopes", scopes),
	)

	return &apitokendomain.SecretResponse{TokenID: token.TokenID, Token: plain}, nil
}

func (s *Service) Rotate(ctx context.Context, tokenID string) (*apitokendomain.SecretResponse, error) {
	trimmed := strings.TrimSpace(tokenID)
	if trimmed == "" {
		return nil, apitokendomain.ErrInvalidTokenID
	}

	var result *apitokendomain.SecretResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByTokenID(ctx, tx, trimmed)
		if err != nil {
			return err
		}
		if current == nil || !current.IsActive || isExpired(current.ExpiresAt) {
			return apitokendomain.ErrNotFound
		}

		// The old token keeps working through the grace period so callers
		// can swap credentials without a hard cutover.
		now := time.Now().UTC()
		current.ExpiresAt = ptrTime(now.Add(tokenRotationGracePeriod))
		current.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, current); err != nil {
			return err
		}

		id := s.genID.Generate()
		nextTokenID := newTokenID(id)
		plain, hash, err := generateToken(nextTokenID)
		if err != nil {
			return err
		}

		rotatedFrom := current.TokenID
		next := &apitokendomain.Token{
			ID:                 id,
			TokenID:            nextTokenID,
			Name:               current.Name,
			Scopes:             current.Scopes,
			TokenHash:          hash,
			IsActive:           true,
			CreatedAt:          now,
			UpdatedAt:          now,
			RotatedFromTokenID: &rotatedFrom,
		}

		if err := s.repo.Insert(ctx, tx, next); err != nil {
			return err
		}

		result = &apitokendomain.SecretResponse{TokenID: next.TokenID, Token: plain}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("api token rotated",
		zap.String("token_id", trimmed),
		zap.String("next_token_id", result.TokenID),
	)

	return result, nil
}

func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	trimmed := strings.TrimSpace(tokenID)
	if trimmed == "" {
		return apitokendomain.ErrInvalidTokenID
	}

	token, err := s.repo.FindByTokenID(ctx, s.db, trimmed)
	if err != nil {
		return err
	}
	if token == nil {
		return apitokendomain.ErrNotFound
	}

	now := time.Now().UTC()
	token.IsActive = false
	token.UpdatedAt = now
	if token.ExpiresAt == nil || token.ExpiresAt.After(now) {
		token.ExpiresAt = &now
	}
	if err := s.repo.Update(ctx, s.db, token); err != nil {
		return err
	}

	s.log.Info("api token revoked", zap.String("token_id", trimmed))
	return nil
}

func (s *Service) toResponse(token *apitokendomain.Token) apitokendomain.Response {
	return apitokendomain.Response{
		TokenID:            token.TokenID,
		Name:               token.Name,
		Scopes:             token.Scopes,
		IsActive:           token.IsActive,
		CreatedAt:          token.CreatedAt,
		LastUsedAt:         token.LastUsedAt,
		ExpiresAt:          token.ExpiresAt,
		RotatedFromTokenID: token.RotatedFromTokenID,
	}
}

func normalizeScopes(requested []string) (pq.StringArray, error) {
	if len(requested) == 0 {
		return nil, apitokendomain.ErrInvalidScope
	}

	known := make(map[string]struct{})
	for _, scope := range apitokendomain.KnownScopes() {
		known[scope] = struct{}{}
	}

	seen := make(map[string]struct{}, len(requested))
	scopes := make(pq.StringArray, 0, len(requested))
	for _, raw := range requested {
		scope := strings.TrimSpace(raw)
		if _, ok := known[scope]; !ok {
			return nil, apitokendomain.ErrInvalidScope
		}
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

func generateToken(tokenID string) (string, string, error) {
	secret := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}

	secretPart := hex.EncodeToString(secret)
	trimmed := strings.TrimPrefix(tokenID, "tok_")
	plain := fmt.Sprintf("%s%s_%s", tokenPrefix, trimmed, secretPart)
	return plain, apitokendomain.HashToken(plain), nil
}

func newTokenID(id snowflake.ID) string {
	return "tok_" + strings.ToUpper(strconv.FormatInt(int64(id), 36))
}

func isExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*expiresAt)
}

func ptrTime(value time.Time) *time.Time {
	return &value
}
