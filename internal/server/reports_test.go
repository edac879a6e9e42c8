package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tidemark/internal/report"
)

type fakeReportService struct {
	doc     *report.Document
	err     error
	lastReq report.MonthlyUsageRequest
}

func (f *fakeReportService) MonthlyUsage(ctx context.Context, req report.MonthlyUsageRequest) (*report.Document, error) {
	f.lastReq = req
	_ = ctx
	return f.doc, f.err
}

func TestDownloadUsageReportHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	reportSvc := &fakeReportService{doc: &report.Document{
		Filename:    "usage-main-house-2025-01-2025-03.pdf",
		ContentType: "application/pdf",
		Data:        []byte("%PDF-1.7 fake"),
	}}
	srv := &Server{reportSvc: reportSvc}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.GET("/api/accounts/:id/reports/usage", srv.DownloadUsageReport)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/1845713666641235968/reports/usage?from=2025-01&to=2025-03", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if reportSvc.lastReq.AccountID != "1845713666641235968" {
		t.Fatalf("unexpected account id: %q", reportSvc.lastReq.AccountID)
	}
	if reportSvc.lastReq.From != "2025-01" || reportSvc.lastReq.To != "2025-03" {
		t.Fatalf("unexpected period: %+v", reportSvc.lastReq)
	}
	if got := resp.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("unexpected content type: %q", got)
	}
	if got := resp.Header().Get("Content-Disposition"); !strings.Contains(got, "usage-main-house-2025-01-2025-03.pdf") {
		t.Fatalf("unexpected content disposition: %q", got)
	}
	if !strings.HasPrefix(resp.Body.String(), "%PDF") {
		t.Fatalf("expected PDF payload, got %q", resp.Body.String())
	}
}

func TestDownloadUsageReportBadMonth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv := &Server{reportSvc: &fakeReportService{err: report.ErrInvalidMonth}}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.GET("/api/accounts/:id/reports/usage", srv.DownloadUsageReport)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/1845713666641235968/reports/usage?from=January&to=2025-03", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}

	var body errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Error.Errors) != 1 || body.Error.Errors[0].Code != "invalid_month" {
		t.Fatalf("unexpected error payload: %+v", body.Error)
	}
}
