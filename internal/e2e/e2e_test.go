// Package e2e boots the whole stack against a fake utility portal: real
// fx graph, real sqlite database, real HTTP server, real casbin
// enforcement. Only the portal on the far side of HTTPS is simulated.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tidemark/internal/account"
	"github.com/smallbiznis/tidemark/internal/apitoken"
	apitokendomain "github.com/smallbiznis/tidemark/internal/apitoken/domain"
	"github.com/smallbiznis/tidemark/internal/authorization"
	"github.com/smallbiznis/tidemark/internal/cache"
	"github.com/smallbiznis/tidemark/internal/clock"
	"github.com/smallbiznis/tidemark/internal/config"
	"github.com/smallbiznis/tidemark/internal/credentials"
	"github.com/smallbiznis/tidemark/internal/issue"
	"github.com/smallbiznis/tidemark/internal/migration"
	"github.com/smallbiznis/tidemark/internal/observability"
	"github.com/smallbiznis/tidemark/internal/portal"
	"github.com/smallbiznis/tidemark/internal/ratelimit"
	"github.com/smallbiznis/tidemark/internal/repair"
	"github.com/smallbiznis/tidemark/internal/report"
	"github.com/smallbiznis/tidemark/internal/server"
	"github.com/smallbiznis/tidemark/internal/statistics"
	enginesync "github.com/smallbiznis/tidemark/internal/sync"
	"github.com/smallbiznis/tidemark/internal/sync/guard"
	"github.com/smallbiznis/tidemark/internal/synclog"
	"github.com/smallbiznis/tidemark/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const (
	adminTokenPlain  = "tm_live_tok_E2EADMIN_0f1e2d3c4b5a69788796a5b4c3d2e1f0"
	readerTokenPlain = "tm_live_tok_E2EREADER_9a8b7c6d5e4f30211203f4e5d6c7b8a9"
)

const dailyExportTSV = "Date\tUsage (GALLONS)\r\n" +
	"03/01/2025\t120.5\r\n" +
	"03/02/2025\t98.25\r\n" +
	"03/03/2025\t110\r\n" +
	"03/04/2025\t--\r\n"

const monthlyExportTSV = "Month\tUsage (GALLONS)\r\n" +
	"01/2025\t2400\r\n" +
	"02/2025\t2150\r\n"

// headerOnlyTSV is what the portal hands back for a window with no rows.
const headerOnlyTSV = "Date\tUsage (GALLONS)\r\n"

// fakePortal mimics the WebForms site closely enough for the session
// client: hidden state fields on every page, cookie-backed sessions,
// postback-then-redirect export downloads, and bare login pages when the
// session is gone.
type fakePortal struct {
	profile config.PortalProfile
	srv     *httptest.Server

	mu        sync.Mutex
	passwords map[string]string
	exports   map[string]string
	sessions  map[string]bool
	seq       int
	logins    int
}

func newFakePortal() *fakePortal {
	p := &fakePortal{
		profile:   config.DefaultPortalProfile(),
		passwords: make(map[string]string),
		exports:   make(map[string]string),
		sessions:  make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleLogin)
	mux.HandleFunc(p.profile.HourlyPath, p.handleUsagePage)
	mux.HandleFunc(p.profile.DailyPath, p.handleUsagePage)
	mux.HandleFunc(p.profile.MonthlyPath, p.handleUsagePage)
	mux.HandleFunc("/TRANSACTIONS_EXCEL_DOWNLOAD.ASPX", p.handleDownload)

	p.srv = httptest.NewTLSServer(mux)
	return p
}

func (p *fakePortal) URL() string { return p.srv.URL }

func (p *fakePortal) close() { p.srv.Close() }

func (p *fakePortal) setAccount(username, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passwords[username] = password
}

func (p *fakePortal) setExport(pagePath, doc string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exports[pagePath] = doc
}

// expireSessions invalidates every cookie the portal has handed out while
// keeping accounts and exports in place, the way an idle timeout would.
func (p *fakePortal) expireSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = make(map[string]bool)
}

func (p *fakePortal) loginCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logins
}

func (p *fakePortal) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passwords = make(map[string]string)
	p.exports = make(map[string]string)
	p.sessions = make(map[string]bool)
	p.logins = 0
}

const statePageFragment = `<input type="hidden" name="__VIEWSTATE" value="dDwtNTIzMzQ1O3Q8cDxsPGk8MT47Pjs+Oz4=" />
<input type="hidden" name="__VIEWSTATEGENERATOR" value="90059987" />
<input type="hidden" name="__EVENTVALIDATION" value="/wEdAAXr2JwQq0pQ5QnYr8Fu2vhP" />`

func (p *fakePortal) writeLoginPage(w http.ResponseWriter) {
	fields := p.profile.Fields
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><body>
<form method="post" action="/" id="aspnetForm">
%s
<input type="text" name="%s" value="" />
<input type="password" name="%s" value="" />
<input type="checkbox" name="%s" />
<input type="submit" name="%s" value="Sign in" />
</form>
</body></html>`, statePageFragment, fields.Username, fields.Password, fields.RememberMe, fields.SignIn)
}

func (p *fakePortal) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		p.writeLoginPage(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	// The real site rejects postbacks that drop its state fields.
	if r.PostFormValue("__VIEWSTATE") == "" || r.PostFormValue("__EVENTVALIDATION") == "" {
		fmt.Fprint(w, "<html><body>Please try again.</body></html>")
		return
	}

	username := r.PostFormValue(p.profile.Fields.Username)
	password := r.PostFormValue(p.profile.Fields.Password)

	p.mu.Lock()
	stored, known := p.passwords[username]
	p.mu.Unlock()
	if !known || stored != password {
		fmt.Fprint(w, "<html><body>Login failed. Please check your user ID and password.</body></html>")
		return
	}

	p.mu.Lock()
	p.logins++
	p.seq++
	sid := fmt.Sprintf("sess-%d", p.seq)
	p.sessions[sid] = true
	p.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "PORTAL_SESSION", Value: sid, Path: "/"})
	fmt.Fprint(w, `<html><body>Welcome back. <a href="/logout.aspx">Logout</a></body></html>`)
}

func (p *fakePortal) sessionValid(r *http.Request) bool {
	cookie, err := r.Cookie("PORTAL_SESSION")
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[cookie.Value]
}

func (p *fakePortal) handleUsagePage(w http.ResponseWriter, r *http.Request) {
	if !p.sessionValid(r) {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	if r.Method != http.MethodPost {
		fields := p.profile.Fields
		fmt.Fprintf(w, `<!DOCTYPE html>
<html><body>
<form method="post" action="%s" id="aspnetForm">
%s
<input type="text" name="%s" value="" />
<input type="text" name="%s" value="" />
<input type="text" name="%s" value="" />
<input type="text" name="%s" value="GALLONS" />
</form>
</body></html>`, r.URL.Path, statePageFragment, fields.UsageKind, fields.StartDate, fields.EndDate, fields.UnitSelect)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "/TRANSACTIONS_EXCEL_DOWNLOAD.ASPX?export="+url.QueryEscape(r.URL.Path), http.StatusFound)
}

func (p *fakePortal) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !p.sessionValid(r) {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	page := r.URL.Query().Get("export")
	p.mu.Lock()
	doc, ok := p.exports[page]
	p.mu.Unlock()
	if !ok {
		doc = headerOnlyTSV
	}
	w.Header().Set("Content-Type", "text/tab-separated-values")
	_, _ = io.WriteString(w, doc)
}

type testEnv struct {
	app     *fx.App
	httpSrv *httptest.Server
	baseURL string
	db      *gorm.DB
	cfg     config.Config
	portal  *fakePortal
	dbFile  string
}

var env *testEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	fake := newFakePortal()
	setDefaultEnv(fake.URL())

	dbFile := os.Getenv("DATABASE_NAME") + ".db"
	_ = os.Remove(dbFile)

	var err error
	env, err = startEnv(fake, dbFile)
	if err != nil {
		fake.close()
		fmt.Fprintf(os.Stderr, "e2e environment failed to start: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func setDefaultEnv(portalURL string) {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("APP_MODE", "oss")
	setEnvIfEmpty("LOG_LEVEL", "error")
	setEnvIfEmpty("OTEL_ENABLED", "false")
	setEnvIfEmpty("DATABASE_TYPE", "sqlite")
	setEnvIfEmpty("DATABASE_NAME", filepath.Join(os.TempDir(), fmt.Sprintf("tidemark-e2e-%d", os.Getpid())))
	setEnvIfEmpty("DATABASE_MAX_OPEN_CONN", "1")
	setEnvIfEmpty("CREDENTIAL_SEAL_KEY", "e2e-credential-seal-passphrase")
	setEnvIfEmpty("PORTAL_BASE_URL", portalURL)
	setEnvIfEmpty("PORTAL_TLS_SKIP_VERIFY", "true")
	// Keep the scheduled loop out of the way; tests trigger syncs themselves.
	setEnvIfEmpty("SYNC_RUN_INTERVAL", "1h")
	setEnvIfEmpty("SYNC_LOOKBACK_WINDOW", "72h")
}

func setEnvIfEmpty(key, value string) {
	if os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// startEnv assembles the same graph the binary runs, minus the listener:
// the gin engine is served from httptest instead of cfg.HTTPAddr so the
// suite never binds a real port.
func startEnv(fake *fakePortal, dbFile string) (*testEnv, error) {
	var (
		srv    *server.Server
		dbConn *gorm.DB
		cfg    config.Config
	)

	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
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
		enginesync.Module,
		repair.Module,
		report.Module,
		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Populate(&srv, &dbConn, &cfg),
	)
	if err := app.Err(); err != nil {
		return nil, err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return nil, err
	}

	httpSrv := httptest.NewServer(srv.Engine())

	return &testEnv{
		app:     app,
		httpSrv: httpSrv,
		baseURL: httpSrv.URL,
		db:      dbConn,
		cfg:     cfg,
		portal:  fake,
		dbFile:  dbFile,
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = e.app.Stop(stopCtx)
		cancel()
	}
	// The portal outlives the app: repair drain may still talk to it
	// during Stop.
	if e.portal != nil {
		e.portal.close()
	}
	if e.dbFile != "" {
		_ = os.Remove(e.dbFile)
	}
}

// resetDatabase clears every domain table and reseeds the two operator
// tokens. casbin_rule stays: the enforcer loaded its policy set at boot
// and wiping the table would strand it until the next process start.
func resetDatabase(t *testing.T) {
	t.Helper()

	tables := []string{
		"unavailable_slots",
		"resolution_states",
		"usage_statistics",
		"sync_runs",
		"issues",
		"account_credentials",
		"accounts",
		"api_tokens",
	}
	for _, table := range tables {
		if err := env.db.Exec("DELETE FROM " + table).Error; err != nil {
			t.Fatalf("clear %s: %v", table, err)
		}
	}

	seedOperatorTokens(t)
	env.portal.reset()
}

func seedOperatorTokens(t *testing.T) {
	t.Helper()

	now := time.Now().UTC()
	rows := []struct {
		id      int64
		tokenID string
		name    string
		plain   string
		scopes  string
	}{
		{
			id:      1845713666641235968,
			tokenID: "tok_e2e_admin",
			name:    "e2e admin",
			plain:   adminTokenPlain,
			scopes:  "{accounts:read,accounts:write,usage:read,sync:write,reports:read,tokens:admin}",
		},
		{
			id:      1845713666641235969,
			tokenID: "tok_e2e_reader",
			name:    "e2e reader",
			plain:   readerTokenPlain,
			scopes:  "{accounts:read,usage:read}",
		},
	}
	for _, row := range rows {
		err := env.db.Exec(
			`INSERT INTO api_tokens (id, token_id, name, scopes, token_hash, is_active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			row.id, row.tokenID, row.name, row.scopes,
			apitokendomain.HashToken(row.plain), true, now, now,
		).Error
		if err != nil {
			t.Fatalf("seed token %s: %v", row.tokenID, err)
		}
	}
}

func newHTTPClient() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{Jar: jar, Timeout: 15 * time.Second}
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, rawURL string, payload any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, data
}

type accountPayload struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	DisplayName  string     `json:"display_name"`
	Slug         string     `json:"slug"`
	Status       string     `json:"status"`
	Suspended    bool       `json:"suspended"`
	FailureCount int        `json:"failure_count"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

type resolutionPayload struct {
	Resolution    string     `json:"resolution"`
	StatisticID   string     `json:"statistic_id"`
	HighWaterMark *time.Time `json:"high_water_mark"`
	BackfillDone  bool       `json:"backfill_done"`
}

type issuePayload struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

type statusPayload struct {
	Account      accountPayload      `json:"account"`
	Resolutions  []resolutionPayload `json:"resolutions"`
	ActiveIssues []issuePayload      `json:"active_issues"`
}

type usagePayload struct {
	BucketStart time.Time `json:"bucket_start"`
	Resolution  string    `json:"resolution"`
	Value       float64   `json:"value"`
	Unit        string    `json:"unit"`
}

type unavailablePayload struct {
	BucketStart time.Time `json:"bucket_start"`
	Resolution  string    `json:"resolution"`
}

type runOutcomePayload struct {
	Merged int64  `json:"merged"`
	Error  string `json:"error"`
}

type runPayload struct {
	ID            string                       `json:"id"`
	AccountID     string                       `json:"account_id"`
	TriggerKind   string                       `json:"trigger_kind"`
	Status        string                       `json:"status"`
	Error         string                       `json:"error"`
	Resolutions   map[string]runOutcomePayload `json:"resolutions"`
	RecordsMerged int64                        `json:"records_merged"`
}

type runListPayload struct {
	Data []runPayload `json:"data"`
}

type repairStatusPayload struct {
	AccountID   string `json:"account_id"`
	State       string `json:"state"`
	IssueID     string `json:"issue_id"`
	RepairToken string `json:"repair_token"`
}

type repairResultPayload struct {
	Account      accountPayload `json:"account"`
	IssueCleared bool           `json:"issue_cleared"`
	ResyncQueued bool           `json:"resync_queued"`
}

type tokenSecretPayload struct {
	TokenID string `json:"token_id"`
	Token   string `json:"token"`
}

type tokenPayload struct {
	TokenID            string   `json:"token_id"`
	Name               string   `json:"name"`
	Scopes             []string `json:"scopes"`
	IsActive           bool     `json:"is_active"`
	RotatedFromTokenID *string  `json:"rotated_from_token_id"`
}

type apiErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Errors  []struct {
			Field string `json:"field"`
			Code  string `json:"code"`
		} `json:"errors"`
	} `json:"error"`
}

func decodeAPIError(t *testing.T, body []byte) apiErrorPayload {
	t.Helper()
	var payload apiErrorPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode error payload %q: %v", string(body), err)
	}
	return payload
}

func createAccount(t *testing.T, client *http.Client, username, password string) accountPayload {
	t.Helper()

	resp, body := doJSON(t, client, http.MethodPost, env.baseURL+"/api/accounts", map[string]any{
		"username":     username,
		"password":     password,
		"display_name": username,
	}, authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create account: status %d: %s", resp.StatusCode, string(body))
	}

	var acct accountPayload
	if err := json.Unmarshal(body, &acct); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if acct.ID == "" {
		t.Fatalf("created account has no id: %s", string(body))
	}
	return acct
}

// waitForRun polls the run log until a finished run with the given trigger
// shows up for the account. Detached resyncs land here.
func waitForRun(t *testing.T, client *http.Client, accountID, trigger string) runPayload {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := doJSON(t, client, http.MethodGet,
			env.baseURL+"/api/sync_runs?account_id="+accountID+"&trigger="+trigger, nil,
			authHeaders(adminTokenPlain))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list sync runs: status %d: %s", resp.StatusCode, string(body))
		}
		var list runListPayload
		if err := json.Unmarshal(body, &list); err != nil {
			t.Fatalf("decode sync runs: %v", err)
		}
		for _, run := range list.Data {
			if run.Status != "running" {
				return run
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("no finished %s run for account %s", trigger, accountID)
	return runPayload{}
}

func TestE2E_HealthCheck(t *testing.T) {
	client := newHTTPClient()

	resp, body := doJSON(t, client, http.MethodGet, env.baseURL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d: %s", resp.StatusCode, string(body))
	}
	if !strings.Contains(string(body), "ok") {
		t.Fatalf("unexpected health body: %s", string(body))
	}
}

func TestE2E_AccountRegistrationAndManualSync(t *testing.T) {
	resetDatabase(t)
	client := newHTTPClient()

	env.portal.setAccount("meter-reader-7", "blue-hydrant-42")
	env.portal.setExport(env.portal.profile.DailyPath, dailyExportTSV)

	acct := createAccount(t, client, "meter-reader-7", "blue-hydrant-42")
	if acct.Status != "healthy" {
		t.Fatalf("new account status = %q, want healthy", acct.Status)
	}
	if acct.Slug != "meter-reader-7" {
		t.Fatalf("account slug = %q", acct.Slug)
	}

	resp, body := doJSON(t, client, http.MethodPost, env.baseURL+"/api/accounts/"+acct.ID+"/sync", map[string]any{
		"resolution": "daily",
		"from":       "2025-03-01",
		"to":         "2025-03-04",
	}, authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger sync: status %d: %s", resp.StatusCode, string(body))
	}
	var synced accountPayload
	if err := json.Unmarshal(body, &synced); err != nil {
		t.Fatalf("decode synced account: %v", err)
	}
	if synced.Status != "healthy" {
		t.Fatalf("post-sync status = %q, want healthy", synced.Status)
	}
	if synced.LastSyncedAt == nil {
		t.Fatalf("post-sync last_synced_at is nil")
	}

	resp, body = doJSON(t, client, http.MethodGet,
		env.baseURL+"/api/accounts/"+acct.ID+"/usage?resolution=daily&from=2025-03-01&to=2025-03-04", nil,
		authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list usage: status %d: %s", resp.StatusCode, string(body))
	}
	var usage []usagePayload
	if err := json.Unmarshal(body, &usage); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if len(usage) != 3 {
		t.Fatalf("usage records = %d, want 3: %s", len(usage), string(body))
	}
	wantFirst := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	if !usage[0].BucketStart.Equal(wantFirst) {
		t.Fatalf("first bucket = %v, want %v", usage[0].BucketStart, wantFirst)
	}
	if usage[0].Value != 120.5 {
		t.Fatalf("first value = %v, want 120.5", usage[0].Value)
	}
	if usage[0].Unit != "GALLONS" {
		t.Fatalf("first unit = %q", usage[0].Unit)
	}

	resp, body = doJSON(t, client, http.MethodGet,
		env.baseURL+"/api/accounts/"+acct.ID+"/usage/unavailable?resolution=daily&from=2025-03-01&to=2025-03-04", nil,
		authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list unavailable: status %d: %s", resp.StatusCode, string(body))
	}
	var gaps []unavailablePayload
	if err := json.Unmarshal(body, &gaps); err != nil {
		t.Fatalf("decode unavailable: %v", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("unavailable slots = %d, want 1: %s", len(gaps), string(body))
	}
	wantGap := time.Date(2025, time.March, 4, 0, 0, 0, 0, time.UTC)
	if !gaps[0].BucketStart.Equal(wantGap) {
		t.Fatalf("unavailable bucket = %v, want %v", gaps[0].BucketStart, wantGap)
	}

	resp, body = doJSON(t, client, http.MethodGet, env.baseURL+"/api/accounts/"+acct.ID+"/status", nil,
		authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("account status: status %d: %s", resp.StatusCode, string(body))
	}
	var status statusPayload
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status.ActiveIssues) != 0 {
		t.Fatalf("active issues = %d, want 0", len(status.ActiveIssues))
	}
	var daily *resolutionPayload
	for i := range status.Resolutions {
		if status.Resolutions[i].Resolution == "daily" {
			daily = &status.Resolutions[i]
		}
	}
	if daily == nil {
		t.Fatalf("no daily resolution state in %s", string(body))
	}
	wantMark := time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC)
	if daily.HighWaterMark == nil || !daily.HighWaterMark.Equal(wantMark) {
		t.Fatalf("daily high water mark = %v, want %v", daily.HighWaterMark, wantMark)
	}
	if daily.StatisticID != "tidemark:meter-reader-7_daily" {
		t.Fatalf("daily statistic id = %q", daily.StatisticID)
	}
	// An operator-chosen window must never mark backfill complete: the
	// engine still owes the account its full lookback.
	if daily.BackfillDone {
		t.Fatalf("window-scoped sync marked backfill done")
	}

	run := waitForRun(t, client, acct.ID, "manual")
	if run.Status != "success" {
		t.Fatalf("manual run status = %q: %+v", run.Status, run)
	}
	if run.RecordsMerged != 3 {
		t.Fatalf("records merged = %d, want 3", run.RecordsMerged)
	}
	outcome, ok := run.Resolutions["daily"]
	if !ok || outcome.Merged != 3 {
		t.Fatalf("run resolutions = %v, want daily with 3 merged", run.Resolutions)
	}
	if len(run.Resolutions) != 1 {
		t.Fatalf("run touched %d resolutions, want 1", len(run.Resolutions))
	}
}

func TestE2E_DuplicateUsernameConflict(t *testing.T) {
	resetDatabase(t)
	client := newHTTPClient()

	env.portal.setAccount("meter-reader-7", "blue-hydrant-42")
	createAccount(t, client, "meter-reader-7", "blue-hydrant-42")

	resp, body := doJSON(t, client, http.MethodPost, env.baseURL+"/api/accounts", map[string]any{
		"username":    "meter-reader-7",
		"password":    "blue-hydrant-42",
		"skip_verify": true,
	}, authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create: status %d, want 409: %s", resp.StatusCode, string(body))
	}
	apiErr := decodeAPIError(t, body)
	if apiErr.Error.Type != "conflict" {
		t.Fatalf("error type = %q, want conflict", apiErr.Error.Type)
	}
}

func TestE2E_PortalSessionReauth(t *testing.T) {
	resetDatabase(t)
	client := newHTTPClient()

	env.portal.setAccount("meter-reader-7", "blue-hydrant-42")
	env.portal.setExport(env.portal.profile.DailyPath, dailyExportTSV)

	acct := createAccount(t, client, "meter-reader-7", "blue-hydrant-42")

	resp, body := doJSON(t, client, http.MethodPost, env.baseURL+"/api/accounts/"+acct.ID+"/sync", map[string]any{
		"resolution": "daily",
		"from":       "2025-03-01",
		"to":         "2025-03-04",
	}, authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first sync: status %d: %s", resp.StatusCode, string(body))
	}

	// Kill the portal-side session. The engine still holds the cookie and
	// must notice the login page, re-authenticate once, and finish.
	env.portal.expireSessions()
	loginsBefore := env.portal.loginCount()

	resp, body = doJSON(t, client, http.MethodPost, env.baseURL+"/api/accounts/"+acct.ID+"/sync", map[string]any{
		"resolution": "daily",
		"from":       "2025-03-01",
		"to":         "2025-03-04",
	}, authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync after expiry: status %d: %s", resp.StatusCode, string(body))
	}
	var synced accountPayload
	if err := json.Unmarshal(body, &synced); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if synced.Status != "healthy" {
		t.Fatalf("status after reauth = %q, want healthy", synced.Status)
	}
	if got := env.portal.loginCount(); got != loginsBefore+1 {
		t.Fatalf("logins after expiry = %d, want %d", got, loginsBefore+1)
	}
}

func TestE2E_CredentialFailureAndRepair(t *testing.T) {
	resetDatabase(t)
	client := newHTTPClient()

	env.portal.setAccount("meter-reader-7", "blue-hydrant-42")
	acct := createAccount(t, client, "meter-reader-7", "blue-hydrant-42")

	// The customer rotates their password on the portal; our stored copy
	// is now stale.
	env.portal.setAccount("meter-reader-7", "green-hydrant-43")

	resp, body := doJSON(t, client, http.MethodPost, env.baseURL+"/api/accounts/"+acct.ID+"/sync", nil,
		authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("sync with stale credentials: status %d, want 400: %s", resp.StatusCode, string(body))
	}
	apiErr := decodeAPIError(t, body)
	if len(apiErr.Error.Errors) == 0 || apiErr.Error.Errors[0].Code != "credential_rejected" {
		t.Fatalf("error code = %+v, want credential_rejected", apiErr.Error)
	}

	resp, body = doJSON(t, client, http.MethodGet, env.baseURL+"/api/accounts/"+acct.ID, nil,
		authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get account: status %d", resp.StatusCode)
	}
	var broken accountPayload
	if err := json.Unmarshal(body, &broken); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if broken.Status != "needs-credentials" {
		t.Fatalf("account status = %q, want needs-credentials", broken.Status)
	}
	if !broken.Suspended {
		t.Fatalf("account not suspended after credential rejection")
	}

	resp, body = doJSON(t, client, http.MethodGet, env.baseURL+"/api/accounts/"+acct.ID+"/repair", nil,
		authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repair status: status %d: %s", resp.StatusCode, string(body))
	}
	var repairStatus repairStatusPayload
	if err := json.Unmarshal(body, &repairStatus); err != nil {
		t.Fatalf("decode repair status: %v", err)
	}
	if repairStatus.State != "awaiting_credentials" {
		t.Fatalf("repair state = %q, want awaiting_credentials", repairStatus.State)
	}
	if repairStatus.RepairToken == "" {
		t.Fatalf("repair status has no token")
	}

	resp, body = doJSON(t, client, http.MethodPost, env.baseURL+"/api/accounts/"+acct.ID+"/repair", map[string]any{
		"repair_token": "not-the-token",
		"password":     "green-hydrant-43",
	}, authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("repair with bad token: status %d, want 400: %s", resp.StatusCode, string(body))
	}
	apiErr = decodeAPIError(t, body)
	if len(apiErr.Error.Errors) == 0 || apiErr.Error.Errors[0].Code != "invalid_repair_token" {
		t.Fatalf("error code = %+v, want invalid_repair_token", apiErr.Error)
	}

	resp, body = doJSON(t, client, http.MethodPost, env.baseURL+"/api/accounts/"+acct.ID+"/repair", map[string]any{
		"repair_token": repairStatus.RepairToken,
		"password":     "still-wrong",
	}, authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("repair with wrong password: status %d, want 400: %s", resp.StatusCode, string(body))
	}
	apiErr = decodeAPIError(t, body)
	if len(apiErr.Error.Errors) == 0 || apiErr.Error.Errors[0].Code != "credential_rejected" {
		t.Fatalf("error code = %+v, want credential_rejected", apiErr.Error)
	}

	resp, body = doJSON(t, client, http.MethodPost, env.baseURL+"/api/accounts/"+acct.ID+"/repair", map[string]any{
		"repair_token": repairStatus.RepairToken,
		"username":     "meter-reader-7",
		"password":     "green-hydrant-43",
	}, authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repair submit: status %d: %s", resp.StatusCode, string(body))
	}
	var result repairResultPayload
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode repair result: %v", err)
	}
	if !result.IssueCleared {
		t.Fatalf("repair did not clear the issue: %s", string(body))
	}
	if !result.ResyncQueued {
		t.Fatalf("repair did not queue a resync: %s", string(body))
	}
	if result.Account.Suspended {
		t.Fatalf("account still suspended after repair")
	}

	resp, body = doJSON(t, client, http.MethodGet, env.baseURL+"/api/accounts/"+acct.ID+"/repair", nil,
		authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repair status after submit: status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &repairStatus); err != nil {
		t.Fatalf("decode repair status: %v", err)
	}
	if repairStatus.State != "resolved" {
		t.Fatalf("repair state after submit = %q, want resolved", repairStatus.State)
	}

	run := waitForRun(t, client, acct.ID, "repair")
	if run.Status != "success" {
		t.Fatalf("repair resync status = %q: %+v", run.Status, run)
	}

	resp, body = doJSON(t, client, http.MethodGet, env.baseURL+"/api/accounts/"+acct.ID, nil,
		authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get account after resync: status %d", resp.StatusCode)
	}
	var repaired accountPayload
	if err := json.Unmarshal(body, &repaired); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if repaired.Status != "healthy" {
		t.Fatalf("account status after resync = %q, want healthy", repaired.Status)
	}
	if repaired.FailureCount != 0 {
		t.Fatalf("failure count after resync = %d, want 0", repaired.FailureCount)
	}
}

func TestE2E_OperatorTokenLifecycle(t *testing.T) {
	resetDatabase(t)
	client := newHTTPClient()

	resp, body := doJSON(t, client, http.MethodGet, env.baseURL+"/api/accounts", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401: %s", resp.StatusCode, string(body))
	}

	resp, _ = doJSON(t, client, http.MethodGet, env.baseURL+"/api/accounts", nil,
		authHeaders("tm_live_tok_BOGUS_0000000000000000"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token: status %d, want 401", resp.StatusCode)
	}

	// Reader scope covers account reads but not writes.
	resp, _ = doJSON(t, client, http.MethodGet, env.baseURL+"/api/accounts", nil, authHeaders(readerTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reader list accounts: status %d, want 200", resp.StatusCode)
	}
	resp, body = doJSON(t, client, http.MethodPost, env.baseURL+"/api/accounts", map[string]any{
		"username":    "drive-by",
		"password":    "nope",
		"skip_verify": true,
	}, authHeaders(readerTokenPlain))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("reader create account: status %d, want 403: %s", resp.StatusCode, string(body))
	}
	apiErr := decodeAPIError(t, body)
	if apiErr.Error.Type != "forbidden" {
		t.Fatalf("error type = %q, want forbidden", apiErr.Error.Type)
	}

	resp, _ = doJSON(t, client, http.MethodPost, env.baseURL+"/api/tokens", map[string]any{
		"name":   "reader minted",
		"scopes": []string{"accounts:read"},
	}, authHeaders(readerTokenPlain))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("reader create token: status %d, want 403", resp.StatusCode)
	}

	resp, body = doJSON(t, client, http.MethodGet, env.baseURL+"/api/tokens/scopes", nil, authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list scopes: status %d", resp.StatusCode)
	}
	var scopes []string
	if err := json.Unmarshal(body, &scopes); err != nil {
		t.Fatalf("decode scopes: %v", err)
	}
	if len(scopes) < 6 {
		t.Fatalf("known scopes = %v", scopes)
	}

	resp, body = doJSON(t, client, http.MethodPost, env.baseURL+"/api/tokens", map[string]any{
		"name":   "ops console",
		"scopes": []string{"accounts:read"},
	}, authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create token: status %d: %s", resp.StatusCode, string(body))
	}
	var minted tokenSecretPayload
	if err := json.Unmarshal(body, &minted); err != nil {
		t.Fatalf("decode token secret: %v", err)
	}
	if minted.TokenID == "" || minted.Token == "" {
		t.Fatalf("minted token incomplete: %s", string(body))
	}

	resp, _ = doJSON(t, client, http.MethodGet, env.baseURL+"/api/accounts", nil, authHeaders(minted.Token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("minted token list accounts: status %d, want 200", resp.StatusCode)
	}

	resp, body = doJSON(t, client, http.MethodPost, env.baseURL+"/api/tokens/"+minted.TokenID+"/rotate", nil,
		authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate token: status %d: %s", resp.StatusCode, string(body))
	}
	var rotated tokenSecretPayload
	if err := json.Unmarshal(body, &rotated); err != nil {
		t.Fatalf("decode rotated secret: %v", err)
	}
	if rotated.TokenID == minted.TokenID {
		t.Fatalf("rotation reused token id %s", rotated.TokenID)
	}

	resp, _ = doJSON(t, client, http.MethodGet, env.baseURL+"/api/accounts", nil, authHeaders(rotated.Token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotated token list accounts: status %d, want 200", resp.StatusCode)
	}
	// The retired secret keeps working through its grace window so deployed
	// callers can cut over without an outage.
	resp, _ = doJSON(t, client, http.MethodGet, env.baseURL+"/api/accounts", nil, authHeaders(minted.Token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pre-rotation token inside grace window: status %d, want 200", resp.StatusCode)
	}

	resp, body = doJSON(t, client, http.MethodGet, env.baseURL+"/api/tokens", nil, authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list tokens: status %d", resp.StatusCode)
	}
	var tokens []tokenPayload
	if err := json.Unmarshal(body, &tokens); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	var replacement *tokenPayload
	for i := range tokens {
		if tokens[i].TokenID == rotated.TokenID {
			replacement = &tokens[i]
		}
	}
	if replacement == nil {
		t.Fatalf("rotated token missing from list: %s", string(body))
	}
	if replacement.RotatedFromTokenID == nil || *replacement.RotatedFromTokenID != minted.TokenID {
		t.Fatalf("rotated_from_token_id = %v, want %s", replacement.RotatedFromTokenID, minted.TokenID)
	}

	resp, _ = doJSON(t, client, http.MethodDelete, env.baseURL+"/api/tokens/"+rotated.TokenID, nil,
		authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke token: status %d, want 204", resp.StatusCode)
	}
	resp, _ = doJSON(t, client, http.MethodGet, env.baseURL+"/api/accounts", nil, authHeaders(rotated.Token))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token: status %d, want 401", resp.StatusCode)
	}
}

func TestE2E_MonthlyUsageReport(t *testing.T) {
	resetDatabase(t)
	client := newHTTPClient()

	env.portal.setAccount("meter-reader-7", "blue-hydrant-42")
	env.portal.setExport(env.portal.profile.MonthlyPath, monthlyExportTSV)

	acct := createAccount(t, client, "meter-reader-7", "blue-hydrant-42")

	resp, body := doJSON(t, client, http.MethodPost, env.baseURL+"/api/accounts/"+acct.ID+"/sync", map[string]any{
		"resolution": "monthly",
		"from":       "2025-01-01",
		"to":         "2025-02-28",
	}, authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("monthly sync: status %d: %s", resp.StatusCode, string(body))
	}

	resp, body = doJSON(t, client, http.MethodGet,
		env.baseURL+"/api/accounts/"+acct.ID+"/reports/usage?from=2025-01&to=2025-03", nil,
		authHeaders(adminTokenPlain))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage report: status %d: %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("report content type = %q, want application/pdf", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, ".pdf") {
		t.Fatalf("report content disposition = %q", cd)
	}
	if len(body) < 4 || string(body[:4]) != "%PDF" {
		t.Fatalf("report body does not look like a PDF (%d bytes)", len(body))
	}
}
