package authorization

import (
	"context"
	"errors"
)

// Objects the operator API guards.
const (
	ObjectAccount = "account"
	ObjectUsage   = "usage"
	ObjectSync    = "sync"
	ObjectIssue   = "issue"
	ObjectRepair  = "repair"
	ObjectRun     = "sync_run"
	ObjectReport  = "report"
	ObjectToken   = "api_token"
)

const (
	ActionAccountView    = "account.view"
	ActionAccountCreate  = "account.create"
	ActionAccountUpdate  = "account.update"
	ActionAccountDelete  = "account.delete"
	ActionAccountSuspend = "account.suspend"
	ActionAccountResume  = "account.resume"

	ActionUsageView = "usage.view"

	ActionSyncTrigger = "sync.trigger"

	ActionIssueView = "issue.view"

	ActionRepairView   = "repair.view"
	ActionRepairSubmit = "repair.submit"

	ActionRunView = "sync_run.view"

	ActionReportView = "report.view"

	ActionTokenView   = "api_token.view"
	ActionTokenCreate = "api_token.create"
	ActionTokenRotate = "api_token.rotate"
	ActionTokenRevoke = "api_token.revoke"
)

type Service interface {
	// Authorize checks whether the actor may perform action on object.
	// Token actors derive their permissions from the scopes they carry;
	// the "system" actor is unrestricted.
	Authorize(ctx context.Context, actor string, scopes []string, object string, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)
