package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	accountdomain "github.com/smallbiznis/tidemark/internal/account/domain"
	"github.com/smallbiznis/tidemark/internal/config"
	credentialsdomain "github.com/smallbiznis/tidemark/internal/credentials/domain"
	"gorm.io/gorm"
)

// EnsureDefaultAccount seeds the bootstrap portal account for startup in OSS
// mode. The password is sealed at rest; the next coordinator tick picks the
// account up without any operator action.
func EnsureDefaultAccount(db *gorm.DB, cfg config.Config) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	username := strings.TrimSpace(cfg.Bootstrap.DefaultAccountUsername)
	if username == "" || cfg.Bootstrap.DefaultAccountPassword == "" {
		return errors.New("bootstrap account requires BOOTSTRAP_ACCOUNT_USERNAME and BOOTSTRAP_ACCOUNT_PASSWORD")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := ensureAccountTx(ctx, tx, node, username)
		if err != nil {
			return err
		}
		return ensureCredentialTx(ctx, tx, account.ID, cfg)
	})
}

func ensureAccountTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, username string) (accountdomain.Account, error) {
	var account accountdomain.Account
	err := tx.WithContext(ctx).Where("username = ?", username).First(&account).Error
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return account, err
	}
	now := time.Now().UTC()
	account = accountdomain.Account{
		ID:          node.Generate(),
		Username:    username,
		DisplayName: username,
		Slug:        slug.Make(username),
		Status:      accountdomain.StatusHealthy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(&account).Error; err != nil {
		return account, err
	}
	return account, nil
}

func ensureCredentialTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, cfg config.Config) error {
	var cred credentialsdomain.Credential
	err := tx.WithContext(ctx).Where("account_id = ?", accountID).First(&cred).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	sealer := credentialsdomain.NewSealer(cfg.CredentialSealKey)
	box, nonce, err := sealer.Seal(cfg.Bootstrap.DefaultAccountPassword)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	cred = credentialsdomain.Credential{
		AccountID:    accountID,
		SealedSecret: box,
		Nonce:        nonce,
		RotatedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return tx.WithContext(ctx).Create(&cred).Error
}
