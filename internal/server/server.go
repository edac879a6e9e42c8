package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tidemark/internal/account"
	accountdomain "github.com/smallbiznis/tidemark/internal/account/domain"
	"github.com/smallbiznis/tidemark/internal/apitoken"
	apitokendomain "github.com/smallbiznis/tidemark/internal/apitoken/domain"
	"github.com/smallbiznis/tidemark/internal/authorization"
	"github.com/smallbiznis/tidemark/internal/cache"
	"github.com/smallbiznis/tidemark/internal/config"
	"github.com/smallbiznis/tidemark/internal/credentials"
	"github.com/smallbiznis/tidemark/internal/issue"
	issuedomain "github.com/smallbiznis/tidemark/internal/issue/domain"
	"github.com/smallbiznis/tidemark/internal/observability"
	obsmiddleware "github.com/smallbiznis/tidemark/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tidemark/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tidemark/internal/observability/tracing"
	"github.com/smallbiznis/tidemark/internal/portal"
	"github.com/smallbiznis/tidemark/internal/ratelimit"
	"github.com/smallbiznis/tidemark/internal/repair"
	"github.com/smallbiznis/tidemark/internal/report"
	"github.com/smallbiznis/tidemark/internal/statistics"
	statisticsdomain "github.com/smallbiznis/tidemark/internal/statistics/domain"
	enginesync "github.com/smallbiznis/tidemark/internal/sync"
	"github.com/smallbiznis/tidemark/internal/sync/guard"
	"github.com/smallbiznis/tidemark/internal/synclog"
	synclogdomain "github.com/smallbiznis/tidemark/internal/synclog/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Module bundles the operator API: every domain service the handlers
// call plus the gin engine and its lifecycle. The sync engine is not
// part of it; deployments that should run the tick loop add sync.Module
// themselves and the forced-resync route picks the engine up when one
// is present.
var Module = fx.Module("http.server",
	authorization.Module,
	credentials.Module,
	account.Module,
	statistics.Module,
	issue.Module,
	synclog.Module,
	apitoken.Module,
	portal.Module,
	cache.Module,
	ratelimit.Module,
	guard.Module,
	repair.Module,
	report.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	accountSvc accountdomain.Service
	statsSvc   statisticsdomain.Service
	issueSvc   issuedomain.Service
	runSvc     synclogdomain.Service
	tokenSvc   apitokendomain.Service
	repairSvc  repair.Service
	reportSvc  report.Service
	authzSvc   authorization.Service
	syncEngine *enginesync.Engine
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	AccountSvc accountdomain.Service
	StatsSvc   statisticsdomain.Service
	IssueSvc   issuedomain.Service
	RunSvc     synclogdomain.Service
	TokenSvc   apitokendomain.Service
	RepairSvc  repair.Service
	ReportSvc  report.Service
	AuthzSvc   authorization.Service
	SyncEngine *enginesync.Engine `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		accountSvc: p.AccountSvc,
		statsSvc:   p.StatsSvc,
		issueSvc:   p.IssueSvc,
		runSvc:     p.RunSvc,
		tokenSvc:   p.TokenSvc,
		repairSvc:  p.RepairSvc,
		reportSvc:  p.ReportSvc,
		authzSvc:   p.AuthzSvc,
		syncEngine: p.SyncEngine,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Accounts --------
	api.GET("/accounts", s.TokenRequired(), s.RequireAction(authorization.ObjectAccount, authorization.ActionAccountView), s.ListAccounts)
	api.POST("/accounts", s.TokenRequired(), s.RequireAction(authorization.ObjectAccount, authorization.ActionAccountCreate), s.CreateAccount)
	api.GET("/accounts/:id", s.TokenRequired(), s.RequireAction(authorization.ObjectAccount, authorization.ActionAccountView), s.GetAccountByID)
	api.PATCH("/accounts/:id", s.TokenRequired(), s.RequireAction(authorization.ObjectAccount, authorization.ActionAccountUpdate), s.UpdateAccount)
	api.DELETE("/accounts/:id", s.TokenRequired(), s.RequireAction(authorization.ObjectAccount, authorization.ActionAccountDelete), s.DeleteAccount)
	api.POST("/accounts/:id/suspend", s.TokenRequired(), s.RequireAction(authorization.ObjectAccount, authorization.ActionAccountSuspend), s.SuspendAccount)
	api.POST("/accounts/:id/resume", s.TokenRequired(), s.RequireAction(authorization.ObjectAccount, authorization.ActionAccountResume), s.ResumeAccount)
	api.GET("/accounts/:id/status", s.TokenRequired(), s.RequireAction(authorization.ObjectAccount, authorization.ActionAccountView), s.GetAccountStatus)

	// -------- Usage --------
	api.GET("/accounts/:id/usage", s.TokenRequired(), s.RequireAction(authorization.ObjectUsage, authorization.ActionUsageView), s.ListUsage)
	api.GET("/accounts/:id/usage/unavailable", s.TokenRequired(), s.RequireAction(authorization.ObjectUsage, authorization.ActionUsageView), s.ListUnavailableUsage)

	// -------- Sync --------
	api.POST("/accounts/:id/sync", s.TokenRequired(), s.RequireAction(authorization.ObjectSync, authorization.ActionSyncTrigger), s.TriggerSync)
	api.GET("/sync_runs", s.TokenRequired(), s.RequireAction(authorization.ObjectRun, authorization.ActionRunView), s.ListSyncRuns)
	api.GET("/sync_runs/:id", s.TokenRequired(), s.RequireAction(authorization.ObjectRun, authorization.ActionRunView), s.GetSyncRunByID)

	// -------- Issues --------
	api.GET("/issues", s.TokenRequired(), s.RequireAction(authorization.ObjectIssue, authorization.ActionIssueView), s.ListIssues)
	api.GET("/accounts/:id/issues", s.TokenRequired(), s.RequireAction(authorization.ObjectIssue, authorization.ActionIssueView), s.ListAccountIssues)

	// -------- Credential repair --------
	api.POST("/accounts/:id/repair", s.TokenRequired(), s.RequireAction(authorization.ObjectRepair, authorization.ActionRepairSubmit), s.SubmitRepair)
	api.GET("/accounts/:id/repair", s.TokenRequired(), s.RequireAction(authorization.ObjectRepair, authorization.ActionRepairView), s.GetRepairStatus)

	// -------- Reports --------
	api.GET("/accounts/:id/reports/usage", s.TokenRequired(), s.RequireAction(authorization.ObjectReport, authorization.ActionReportView), s.DownloadUsageReport)

	// -------- API tokens --------
	api.GET("/tokens", s.TokenRequired(), s.RequireAction(authorization.ObjectToken, authorization.ActionTokenView), s.ListTokens)
	api.POST("/tokens", s.TokenRequired(), s.RequireAction(authorization.ObjectToken, authorization.ActionTokenCreate), s.CreateToken)
	api.GET("/tokens/scopes", s.TokenRequired(), s.RequireAction(authorization.ObjectToken, authorization.ActionTokenView), s.ListTokenScopes)
	api.POST("/tokens/:id/rotate", s.TokenRequired(), s.RequireAction(authorization.ObjectToken, authorization.ActionTokenRotate), s.RotateToken)
	api.DELETE("/tokens/:id", s.TokenRequired(), s.RequireAction(authorization.ObjectToken, authorization.ActionTokenRevoke), s.RevokeToken)
}
