package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tidemark/pkg/db/pagination"
)

var (
	ErrInvalidAccount   = errors.New("invalid_account")
	ErrInvalidTrigger   = errors.New("invalid_trigger")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrRunNotFound      = errors.New("sync_run_not_found")
)

// ResolutionOutcome summarises one series inside a run.
type ResolutionOutcome struct {
	Merged int64  `json:"merged"`
	Error  string `json:"error,omitempty"`
}

type FinishRequest struct {
	Status        string
	Error         string
	Resolutions   map[string]ResolutionOutcome
	RecordsMerged int64
}

type ListRunsRequest struct {
	pagination.Pagination
	AccountID   snowflake.ID
	Status      string
	TriggerKind string
	StartAt     *time.Time
	EndAt       *time.Time
}

type ListRunsResponse struct {
	pagination.PageInfo
	Runs []SyncRun `json:"runs"`
}

type Service interface {
	Begin(ctx context.Context, accountID snowflake.ID, trigger string) (*SyncRun, error)
	Finish(ctx context.Context, runID snowflake.ID, req FinishRequest) error
	Get(ctx context.Context, id string) (*SyncRun, error)
	List(ctx context.Context, req ListRunsRequest) (ListRunsResponse, error)
}
