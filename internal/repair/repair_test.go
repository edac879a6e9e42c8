package repair

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	accountdomain "github.com/smallbiznis/tidemark/internal/account/domain"
	accountmocks "github.com/smallbiznis/tidemark/internal/account/domain/mocks"
	"github.com/smallbiznis/tidemark/internal/cache"
	credentialmocks "github.com/smallbiznis/tidemark/internal/credentials/domain/mocks"
	issuedomain "github.com/smallbiznis/tidemark/internal/issue/domain"
	issuemocks "github.com/smallbiznis/tidemark/internal/issue/domain/mocks"
	"github.com/smallbiznis/tidemark/internal/portal"
	portalmocks "github.com/smallbiznis/tidemark/internal/portal/mocks"
	"github.com/smallbiznis/tidemark/internal/sync/guard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var repairAccountID = snowflake.ID(1845713666641235968)

const repairToken = "9f3aa2dc-6a6b-4f67-9a6e-dbb1f0f3c1a2"

type repairFixture struct {
	accounts *accountmocks.MockService
	creds    *credentialmocks.MockService
	issues   *issuemocks.MockService
	verifier *portalmocks.MockVerifier
	guard    *guard.KeyedMutex
	sessions cache.SessionCache
	syncs    chan snowflake.ID
	svc      Service
}

// chanSyncer records queued catch-up syncs so tests can wait on them.
type chanSyncer struct {
	calls chan snowflake.ID
}

func (s chanSyncer) SyncNow(_ context.Context, accountID snowflake.ID) error {
	s.calls <- accountID
	return nil
}

func newRepairFixture(t *testing.T) *repairFixture {
	ctrl := gomock.NewController(t)
	f := &repairFixture{
		accounts: accountmocks.NewMockService(ctrl),
		creds:    credentialmocks.NewMockService(ctrl),
		issues:   issuemocks.NewMockService(ctrl),
		verifier: portalmocks.NewMockVerifier(ctrl),
		guard:    guard.NewKeyedMutex(),
		sessions: cache.NewSessionCache(),
		syncs:    make(chan snowflake.ID, 1),
	}
	f.svc = New(Params{
		Log:      zap.NewNop(),
		Guard:    f.guard,
		Verifier: f.verifier,
		Accounts: f.accounts,
		Creds:    f.creds,
		Issues:   f.issues,
		Sessions: f.sessions,
		Syncer:   chanSyncer{calls: f.syncs},
	})
	return f
}

func suspendedAccount() *accountdomain.Response {
	return &accountdomain.Response{
		ID:           repairAccountID.String(),
		Username:     "meter-0441",
		Status:       accountdomain.StatusNeedsCredentials,
		Suspended:    true,
		FailureCount: 4,
	}
}

func healthyAccount() *accountdomain.Response {
	return &accountdomain.Response{
		ID:       repairAccountID.String(),
		Username: "meter-0441",
		Status:   accountdomain.StatusHealthy,
	}
}

func activeCredentialIssue() *issuedomain.Response {
	return &issuedomain.Response{
		ID:          "1845713700000000001",
		AccountID:   repairAccountID.String(),
		Kind:        issuedomain.KindInvalidCredentials,
		Status:      issuedomain.StatusActive,
		Detail:      "invalid_credentials: portal rejected the stored password",
		RepairToken: repairToken,
		OpenedAt:    time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
	}
}

func waitForSync(t *testing.T, syncs chan snowflake.ID) snowflake.ID {
	t.Helper()
	select {
	case id := <-syncs:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("catch-up sync never queued")
		return 0
	}
}

func requireNoSync(t *testing.T, syncs chan snowflake.ID) {
	t.Helper()
	select {
	case id := <-syncs:
		t.Fatalf("unexpected catch-up sync for account %s", id)
	default:
	}
}

func TestSubmitAcceptsCorrectedCredential(t *testing.T) {
	f := newRepairFixture(t)
	account := suspendedAccount()
	resumed := suspendedAccount()
	resumed.Suspended = false
	resumed.FailureCount = 0

	gomock.InOrder(
		f.accounts.EXPECT().GetByID(gomock.Any(), account.ID).Return(account, nil),
		f.issues.EXPECT().FindActive(gomock.Any(), repairAccountID, issuedomain.KindInvalidCredentials).Return(activeCredentialIssue(), nil),
		f.verifier.EXPECT().Verify(gomock.Any(), "meter-0441", "corrected-pw").Return(nil),
		f.creds.EXPECT().Store(gomock.Any(), repairAccountID, "corrected-pw").Return(nil),
		f.issues.EXPECT().Resolve(gomock.Any(), repairAccountID, issuedomain.KindInvalidCredentials).Return(nil),
		f.accounts.EXPECT().Resume(gomock.Any(), account.ID).Return(resumed, nil),
	)
	f.sessions.Put(repairAccountID, &portal.Session{})

	result, err := f.svc.Submit(context.Background(), SubmitRequest{
		AccountID:   account.ID,
		RepairToken: repairToken,
		Password:    "corrected-pw",
	})
	require.NoError(t, err)
	assert.True(t, result.IssueCleared)
	assert.True(t, result.ResyncQueued)
	assert.False(t, result.Account.Suspended)

	assert.Equal(t, repairAccountID, waitForSync(t, f.syncs))
	assert.False(t, f.guard.Held(repairAccountID), "claim must be released after submit")
	if _, ok := f.sessions.Get(repairAccountID); ok {
		t.Error("stale portal session survived the rotation")
	}
}

func TestSubmitRejectedPasswordKeepsSuspension(t *testing.T) {
	f := newRepairFixture(t)
	account := suspendedAccount()

	gomock.InOrder(
		f.accounts.EXPECT().GetByID(gomock.Any(), account.ID).Return(account, nil),
		f.issues.EXPECT().FindActive(gomock.Any(), repairAccountID, issuedomain.KindInvalidCredentials).Return(activeCredentialIssue(), nil),
		f.verifier.EXPECT().Verify(gomock.Any(), "meter-0441", "still-wrong").Return(portal.ErrInvalidCredentials),
	)

	result, err := f.svc.Submit(context.Background(), SubmitRequest{
		AccountID: account.ID,
		Password:  "still-wrong",
	})
	require.Nil(t, result)
	assert.True(t, errors.Is(err, portal.ErrInvalidCredentials), "portal verdict must pass through, got %v", err)
	assert.False(t, f.guard.Held(repairAccountID), "claim must be released after a rejection")
	requireNoSync(t, f.syncs)
}

func TestSubmitWhileAccountClaimed(t *testing.T) {
	f := newRepairFixture(t)
	account := suspendedAccount()

	f.accounts.EXPECT().GetByID(gomock.Any(), account.ID).Return(account, nil)
	f.issues.EXPECT().FindActive(gomock.Any(), repairAccountID, issuedomain.KindInvalidCredentials).Return(activeCredentialIssue(), nil)

	require.True(t, f.guard.TryClaim(repairAccountID))
	defer f.guard.Release(repairAccountID)

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		AccountID: account.ID,
		Password:  "corrected-pw",
	})
	assert.ErrorIs(t, err, ErrRepairInFlight)
}

func TestSubmitTokenMismatch(t *testing.T) {
	f := newRepairFixture(t)
	account := suspendedAccount()

	f.accounts.EXPECT().GetByID(gomock.Any(), account.ID).Return(account, nil)
	f.issues.EXPECT().FindActive(gomock.Any(), repairAccountID, issuedomain.KindInvalidCredentials).Return(activeCredentialIssue(), nil)

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		AccountID:   account.ID,
		RepairToken: "not-the-token",
		Password:    "corrected-pw",
	})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSubmitTokenWithoutActiveIssue(t *testing.T) {
	f := newRepairFixture(t)
	account := healthyAccount()

	f.accounts.EXPECT().GetByID(gomock.Any(), account.ID).Return(account, nil)
	f.issues.EXPECT().FindActive(gomock.Any(), repairAccountID, issuedomain.KindInvalidCredentials).Return(nil, nil)

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		AccountID:   account.ID,
		RepairToken: repairToken,
		Password:    "rotated-pw",
	})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSubmitUsernameMismatch(t *testing.T) {
	f := newRepairFixture(t)
	account := suspendedAccount()

	f.accounts.EXPECT().GetByID(gomock.Any(), account.ID).Return(account, nil)

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		AccountID: account.ID,
		Username:  "someone-else",
		Password:  "corrected-pw",
	})
	assert.ErrorIs(t, err, ErrUsernameMismatch)
}

func TestSubmitUnknownAccount(t *testing.T) {
	f := newRepairFixture(t)

	f.accounts.EXPECT().GetByID(gomock.Any(), "404").Return(nil, accountdomain.ErrAccountNotFound)

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		AccountID: "404",
		Password:  "corrected-pw",
	})
	assert.ErrorIs(t, err, accountdomain.ErrAccountNotFound)
}

// A rotation submitted while the account is healthy stores the new secret
// without touching issues or scheduling.
func TestSubmitProactiveRotation(t *testing.T) {
	f := newRepairFixture(t)
	account := healthyAccount()

	gomock.InOrder(
		f.accounts.EXPECT().GetByID(gomock.Any(), account.ID).Return(account, nil),
		f.issues.EXPECT().FindActive(gomock.Any(), repairAccountID, issuedomain.KindInvalidCredentials).Return(nil, nil),
		f.verifier.EXPECT().Verify(gomock.Any(), "meter-0441", "rotated-pw").Return(nil),
		f.creds.EXPECT().Store(gomock.Any(), repairAccountID, "rotated-pw").Return(nil),
	)

	result, err := f.svc.Submit(context.Background(), SubmitRequest{
		AccountID: account.ID,
		Password:  "rotated-pw",
	})
	require.NoError(t, err)
	assert.False(t, result.IssueCleared)
	assert.False(t, result.ResyncQueued)
	assert.Equal(t, account, result.Account)
	requireNoSync(t, f.syncs)
}

func TestStatusStates(t *testing.T) {
	t.Run("resolved when no issue is active", func(t *testing.T) {
		f := newRepairFixture(t)
		f.accounts.EXPECT().GetByID(gomock.Any(), repairAccountID.String()).Return(healthyAccount(), nil)
		f.issues.EXPECT().FindActive(gomock.Any(), repairAccountID, issuedomain.KindInvalidCredentials).Return(nil, nil)

		status, err := f.svc.Status(context.Background(), repairAccountID.String())
		require.NoError(t, err)
		assert.Equal(t, StateResolved, status.State)
		assert.Empty(t, status.IssueID)
	})

	t.Run("awaiting credentials while the issue is open", func(t *testing.T) {
		f := newRepairFixture(t)
		issue := activeCredentialIssue()
		f.accounts.EXPECT().GetByID(gomock.Any(), repairAccountID.String()).Return(suspendedAccount(), nil)
		f.issues.EXPECT().FindActive(gomock.Any(), repairAccountID, issuedomain.KindInvalidCredentials).Return(issue, nil)

		status, err := f.svc.Status(context.Background(), repairAccountID.String())
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingCredentials, status.State)
		assert.Equal(t, issue.ID, status.IssueID)
		assert.Equal(t, repairToken, status.RepairToken)
		assert.Equal(t, issue.Detail, status.Detail)
		require.NotNil(t, status.OpenedAt)
		assert.Equal(t, issue.OpenedAt, *status.OpenedAt)
	})

	t.Run("validating while the account is claimed", func(t *testing.T) {
		f := newRepairFixture(t)
		f.accounts.EXPECT().GetByID(gomock.Any(), repairAccountID.String()).Return(suspendedAccount(), nil)
		f.issues.EXPECT().FindActive(gomock.Any(), repairAccountID, issuedomain.KindInvalidCredentials).Return(activeCredentialIssue(), nil)

		require.True(t, f.guard.TryClaim(repairAccountID))
		defer f.guard.Release(repairAccountID)

		status, err := f.svc.Status(context.Background(), repairAccountID.String())
		require.NoError(t, err)
		assert.Equal(t, StateValidating, status.State)
	})
}
