package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, scopes []string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roles, err := resolveActor(actor, scopes)
	if err != nil {
		return err
	}
	if err := s.ensureGroupings(subject, roles); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("actor", subject),
			zap.String("object", object),
			zap.String("action", action),
			zap.Strings("scopes", scopes),
		)
		return ErrForbidden
	}
	return nil
}

// resolveActor maps an actor string to a casbin subject and the roles it
// should hold. Tokens become "token:<id>" subjects linked to one role per
// carried scope; "system" is the in-process actor used when auth is
// disabled in dev mode.
func resolveActor(actor string, scopes []string) (string, []string, error) {
	if actor == "system" {
		return actor, []string{"role:system"}, nil
	}
	if raw, ok := strings.CutPrefix(actor, "token:"); ok {
		id, err := snowflake.ParseString(raw)
		if err != nil || id == 0 {
			return "", nil, ErrInvalidActor
		}
		roles := make([]string, 0, len(scopes))
		for _, scope := range scopes {
			scope = strings.TrimSpace(scope)
			if scope == "" {
				continue
			}
			roles = append(roles, "scope:"+scope)
		}
		return actor, roles, nil
	}
	return "", nil, ErrInvalidActor
}

// ensureGroupings reconciles the subject's role links with the roles it
// currently holds. Scopes dropped during token rotation lose their link
// here.
func (s *ServiceImpl) ensureGroupings(subject string, roles []string) error {
	desired := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		desired[role] = struct{}{}
	}

	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if _, keep := desired[rule[1]]; keep {
			delete(desired, rule[1])
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	for role := range desired {
		if _, err := s.enforcer.AddGroupingPolicy(subject, role); err != nil {
			return err
		}
	}
	return nil
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// accounts:read covers everything visible about an account.
		{"scope:accounts:read", ObjectAccount, ActionAccountView},
		{"scope:accounts:read", ObjectIssue, ActionIssueView},
		{"scope:accounts:read", ObjectRepair, ActionRepairView},
		{"scope:accounts:read", ObjectRun, ActionRunView},

		{"scope:accounts:write", ObjectAccount, ActionAccountCreate},
		{"scope:accounts:write", ObjectAccount, ActionAccountUpdate},
		{"scope:accounts:write", ObjectAccount, ActionAccountDelete},
		{"scope:accounts:write", ObjectAccount, ActionAccountSuspend},
		{"scope:accounts:write", ObjectAccount, ActionAccountResume},
		{"scope:accounts:write", ObjectRepair, ActionRepairSubmit},

		{"scope:usage:read", ObjectUsage, ActionUsageView},

		{"scope:sync:write", ObjectSync, ActionSyncTrigger},

		{"scope:reports:read", ObjectReport, ActionReportView},

		{"scope:tokens:admin", ObjectToken, ActionTokenView},
		{"scope:tokens:admin", ObjectToken, ActionTokenCreate},
		{"scope:tokens:admin", ObjectToken, ActionTokenRotate},
		{"scope:tokens:admin", ObjectToken, ActionTokenRevoke},
	}

	for _, capability := range allCapabilities() {
		policies = append(policies, []string{"role:system", capability[0], capability[1]})
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}

func allCapabilities() [][2]string {
	return [][2]string{
		{ObjectAccount, ActionAccountView},
		{ObjectAccount, ActionAccountCreate},
		{ObjectAccount, ActionAccountUpdate},
		{ObjectAccount, ActionAccountDelete},
		{ObjectAccount, ActionAccountSuspend},
		{ObjectAccount, ActionAccountResume},
		{ObjectUsage, ActionUsageView},
		{ObjectSync, ActionSyncTrigger},
		{ObjectIssue, ActionIssueView},
		{ObjectRepair, ActionRepairView},
		{ObjectRepair, ActionRepairSubmit},
		{ObjectRun, ActionRunView},
		{ObjectReport, ActionReportView},
		{ObjectToken, ActionTokenView},
		{ObjectToken, ActionTokenCreate},
		{ObjectToken, ActionTokenRotate},
		{ObjectToken, ActionTokenRevoke},
	}
}
