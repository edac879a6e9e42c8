// Package repair drives the credential repair flow. When the portal
// rejects a stored password the sync engine suspends the account and opens
// an invalid_credentials issue; this package takes the corrected secret,
// proves it against the live portal, and puts the account back on the
// schedule. A rejected submission reports the portal's verdict and leaves
// the account suspended, so a wrong guess never burns extra login attempts
// in the background.
package repair

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/tidemark/internal/account/domain"
	"github.com/smallbiznis/tidemark/internal/cache"
	credentialdomain "github.com/smallbiznis/tidemark/internal/credentials/domain"
	issuedomain "github.com/smallbiznis/tidemark/internal/issue/domain"
	"github.com/smallbiznis/tidemark/internal/portal"
	"github.com/smallbiznis/tidemark/internal/sync/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	// StateAwaitingCredentials means an invalid_credentials issue is active
	// and no corrected secret has been accepted yet.
	StateAwaitingCredentials = "awaiting_credentials"
	// StateValidating means a submission for this account is being checked
	// against the portal right now.
	StateValidating = "validating"
	// StateResolved means no credential issue is active.
	StateResolved = "resolved"
)

var (
	ErrRepairInFlight   = errors.New("repair_in_flight")
	ErrInvalidToken     = errors.New("invalid_repair_token")
	ErrUsernameMismatch = errors.New("username_mismatch")
)

// resyncTimeout bounds the catch-up cycle queued after an accepted
// submission. The cycle itself splits work into portal-sized windows, so
// hitting this means the portal is crawling, not that the backlog is big.
const resyncTimeout = 5 * time.Minute

//go:generate mockgen -source=repair.go -destination=./mocks/mock_repair.go -package=mocks
type Service interface {
	// Submit validates a corrected credential against the live portal and,
	// on success, stores it, resolves the credential issue, and resumes
	// scheduling. The portal's rejection comes back unchanged so callers
	// can tell a bad password from an unreachable portal.
	Submit(ctx context.Context, req SubmitRequest) (*Result, error)
	// Status reports where the repair flow stands for one account.
	Status(ctx context.Context, accountID string) (*Status, error)
}

// Syncer queues the catch-up cycle after an accepted submission. Optional:
// in deployments where the engine runs in another process the next
// scheduled tick picks the account up instead, since resuming clears its
// backoff.
type Syncer interface {
	SyncNow(ctx context.Context, accountID snowflake.ID) error
}

type SubmitRequest struct {
	AccountID string `json:"account_id"`
	// RepairToken, when supplied, must match the active issue's token. The
	// repair link handed to operators carries it.
	RepairToken string `json:"repair_token,omitempty"`
	// Username, when supplied, must match the account's portal username.
	// The flow fixes a password for a known account; a different username
	// is a different account.
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

type Result struct {
	Account      *accountdomain.Response `json:"account"`
	IssueCleared bool                    `json:"issue_cleared"`
	ResyncQueued bool                    `json:"resync_queued"`
}

type Status struct {
	AccountID   string     `json:"account_id"`
	State       string     `json:"state"`
	IssueID     string     `json:"issue_id,omitempty"`
	RepairToken string     `json:"repair_token,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Guard    *guard.KeyedMutex
	Verifier portal.Verifier
	Accounts accountdomain.Service
	Creds    credentialdomain.Service
	Issues   issuedomain.Service
	Sessions cache.SessionCache
	Syncer   Syncer `optional:"true"`
}

type service struct {
	log      *zap.Logger
	guard    *guard.KeyedMutex
	verifier portal.Verifier
	accounts accountdomain.Service
	creds    credentialdomain.Service
	issues   issuedomain.Service
	sessions cache.SessionCache
	syncer   Syncer

	resyncs sync.WaitGroup
}

func New(p Params) Service {
	return &service{
		log:      p.Log,
		guard:    p.Guard,
		verifier: p.Verifier,
		accounts: p.Accounts,
		creds:    p.Creds,
		issues:   p.Issues,
		sessions: p.Sessions,
		syncer:   p.Syncer,
	}
}

func (s *service) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	account, err := s.accounts.GetByID(ctx, strings.TrimSpace(req.AccountID))
	if err != nil {
		return nil, err
	}
	accountID, err := accountdomain.ParseID(account.ID)
	if err != nil {
		return nil, accountdomain.ErrInvalidID
	}

	username := strings.TrimSpace(req.Username)
	switch {
	case username == "":
		username = account.Username
	case username != account.Username:
		return nil, ErrUsernameMismatch
	}

	issue, err := s.issues.FindActive(ctx, accountID, issuedomain.KindInvalidCredentials)
	if err != nil {
		return nil, err
	}
	if token := strings.TrimSpace(req.RepairToken); token != "" {
		if issue == nil || issue.RepairToken != token {
			return nil, ErrInvalidToken
		}
	}

	// Same per-account exclusion as the sync engine. A running cycle is
	// already talking to the portal with the old secret; wait it out
	// rather than interleave logins.
	if !s.guard.TryClaim(accountID) {
		return nil, ErrRepairInFlight
	}

	result := &Result{Account: account}
	resumed := false
	err = func() error {
		if err := s.verifier.Verify(ctx, username, req.Password); err != nil {
			return err
		}
		if err := s.creds.Store(ctx, accountID, req.Password); err != nil {
			return err
		}
		// Any cached session was built on the old secret.
		s.sessions.Drop(accountID)

		if issue != nil {
			if err := s.issues.Resolve(ctx, accountID, issuedomain.KindInvalidCredentials); err != nil {
				return err
			}
			result.IssueCleared = true
		}

		// Only lift the suspension the engine imposed for this exact
		// problem. Operator suspensions and portal-changed holds stay.
		if account.Suspended && account.Status == accountdomain.StatusNeedsCredentials {
			refreshed, err := s.accounts.Resume(ctx, account.ID)
			if err != nil {
				return err
			}
			result.Account = refreshed
			resumed = true
		}
		return nil
	}()
	s.guard.Release(accountID)
	if err != nil {
		s.log.Warn("credential repair rejected",
			zap.String("account_id", account.ID),
			zap.String("username", account.Username),
			zap.Error(err),
		)
		return nil, err
	}

	s.log.Info("credential repair accepted",
		zap.String("account_id", account.ID),
		zap.String("username", account.Username),
		zap.Bool("issue_cleared", result.IssueCleared),
		zap.Bool("resumed", resumed),
	)

	if s.syncer != nil && (result.IssueCleared || resumed) {
		result.ResyncQueued = true
		s.resyncs.Add(1)
		go func() {
			defer s.resyncs.Done()
			// Detached from the request: the caller should not wait out a
			// full catch-up cycle, and cancelling the request must not
			// abandon it halfway.
			syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resyncTimeout)
			defer cancel()
			if err := s.syncer.SyncNow(syncCtx, accountID); err != nil {
				s.log.Warn("catch-up sync after repair failed",
					zap.String("account_id", account.ID),
					zap.Error(err),
				)
			}
		}()
	}
	return result, nil
}

func (s *service) Status(ctx context.Context, accountID string) (*Status, error) {
	account, err := s.accounts.GetByID(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return nil, err
	}
	id, err := accountdomain.ParseID(account.ID)
	if err != nil {
		return nil, accountdomain.ErrInvalidID
	}

	issue, err := s.issues.FindActive(ctx, id, issuedomain.KindInvalidCredentials)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return &Status{AccountID: account.ID, State: StateResolved}, nil
	}

	state := StateAwaitingCredentials
	if s.guard.Held(id) {
		state = StateValidating
	}
	return &Status{
		AccountID:   account.ID,
		State:       state,
		IssueID:     issue.ID,
		RepairToken: issue.RepairToken,
		Detail:      issue.Detail,
		OpenedAt:    &issue.OpenedAt,
	}, nil
}

// drain waits for queued catch-up syncs, bounded by ctx.
func (s *service) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.resyncs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
