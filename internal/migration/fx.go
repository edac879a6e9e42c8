package migration

import (
	"strings"

	accountdomain "github.com/smallbiznis/tidemark/internal/account/domain"
	apitokendomain "github.com/smallbiznis/tidemark/internal/apitoken/domain"
	"github.com/smallbiznis/tidemark/internal/config"
	credentialsdomain "github.com/smallbiznis/tidemark/internal/credentials/domain"
	issuedomain "github.com/smallbiznis/tidemark/internal/issue/domain"
	"github.com/smallbiznis/tidemark/internal/seed"
	statisticsdomain "github.com/smallbiznis/tidemark/internal/statistics/domain"
	synclogdomain "github.com/smallbiznis/tidemark/internal/synclog/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if strings.EqualFold(conn.Dialector.Name(), "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			if err := AutoMigrate(conn); err != nil {
				return err
			}
		}

		if !cfg.IsCloud() && cfg.Bootstrap.EnsureDefaultAccount {
			return seed.EnsureDefaultAccount(conn, cfg)
		}
		return nil
	}),
)

// AutoMigrate creates the schema on non-postgres databases, where the
// embedded SQL migrations do not apply.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&accountdomain.Account{},
		&credentialsdomain.Credential{},
		&statisticsdomain.UsageStatistic{},
		&statisticsdomain.ResolutionState{},
		&statisticsdomain.UnavailableSlot{},
		&issuedomain.Issue{},
		&synclogdomain.SyncRun{},
		&apitokendomain.Token{},
	)
}
