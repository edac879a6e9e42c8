package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	synclogdomain "github.com/smallbiznis/tidemark/internal/synclog/domain"
)

type fakeRunService struct {
	runs     []synclogdomain.SyncRun
	run      *synclogdomain.SyncRun
	err      error
	lastList synclogdomain.ListRunsRequest
	lastGet  string
}

func (f *fakeRunService) Begin(ctx context.Context, accountID snowflake.ID, trigger string) (*synclogdomain.SyncRun, error) {
	panic("unimplemented")
}

func (f *fakeRunService) Finish(ctx context.Context, runID snowflake.ID, req synclogdomain.FinishRequest) error {
	panic("unimplemented")
}

func (f *fakeRunService) Get(ctx context.Context, id string) (*synclogdomain.SyncRun, error) {
	f.lastGet = id
	_ = ctx
	return f.run, f.err
}

func (f *fakeRunService) List(ctx context.Context, req synclogdomain.ListRunsRequest) (synclogdomain.ListRunsResponse, error) {
	f.lastList = req
	_ = ctx
	return synclogdomain.ListRunsResponse{Runs: f.runs}, f.err
}

func TestTriggerSyncWithoutEngine(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv := &Server{accountSvc: &fakeAccountService{account: handlerTestAccount()}}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/api/accounts/:id/sync", srv.TriggerSync)

	req := httptest.NewRequest(http.MethodPost, "/api/accounts/1845713666641235968/sync", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}

	var body errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error.Type != "service_unavailable" {
		t.Fatalf("unexpected error type: %q", body.Error.Type)
	}
}

func TestListSyncRunsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	started := time.Date(2025, time.May, 2, 3, 30, 0, 0, time.UTC)
	runSvc := &fakeRunService{runs: []synclogdomain.SyncRun{
		{ID: snowflake.ID(10), AccountID: snowflake.ID(1845713666641235968), TriggerKind: synclogdomain.TriggerScheduled, Status: "succeeded", StartedAt: started},
	}}
	srv := &Server{runSvc: runSvc}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.GET("/api/sync_runs", srv.ListSyncRuns)

	req := httptest.NewRequest(http.MethodGet, "/api/sync_runs?account_id=1845713666641235968&status=succeeded&trigger=scheduled&page_size=20&start_at=2025-05-01", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if runSvc.lastList.AccountID.String() != "1845713666641235968" {
		t.Fatalf("unexpected account filter: %s", runSvc.lastList.AccountID)
	}
	if runSvc.lastList.Status != "succeeded" || runSvc.lastList.TriggerKind != "scheduled" {
		t.Fatalf("unexpected filters: %+v", runSvc.lastList)
	}
	if runSvc.lastList.PageSize != 20 {
		t.Fatalf("unexpected page size: %d", runSvc.lastList.PageSize)
	}
	if runSvc.lastList.StartAt == nil || !runSvc.lastList.StartAt.Equal(time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start_at: %v", runSvc.lastList.StartAt)
	}

	var body struct {
		Data     []synclogdomain.SyncRun `json:"data"`
		PageInfo json.RawMessage         `json:"page_info"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Data) != 1 {
		t.Fatalf("expected 1 run, got %d", len(body.Data))
	}
	if len(body.PageInfo) == 0 {
		t.Fatal("expected page_info in response")
	}
}

func TestListSyncRunsRejectsBadAccountID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv := &Server{runSvc: &fakeRunService{}}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.GET("/api/sync_runs", srv.ListSyncRuns)

	req := httptest.NewRequest(http.MethodGet, "/api/sync_runs?account_id=not-a-snowflake", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}

	var body errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Error.Errors) != 1 || body.Error.Errors[0].Field != "account_id" {
		t.Fatalf("unexpected error payload: %+v", body.Error)
	}
}

func TestGetSyncRunByIDNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv := &Server{runSvc: &fakeRunService{err: synclogdomain.ErrRunNotFound}}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.GET("/api/sync_runs/:id", srv.GetSyncRunByID)

	req := httptest.NewRequest(http.MethodGet, "/api/sync_runs/42", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}
