package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/tidemark/internal/config"
	statisticsdomain "github.com/smallbiznis/tidemark/internal/statistics/domain"
	"go.uber.org/zap"
)

const maxDocumentBytes = 8 << 20

// Session is one authenticated browser-like session against the portal,
// owned by exactly one sync cycle or verification at a time. The cookie
// jar carries the WebForms auth state; it is never shared across accounts.
type Session struct {
	httpClient *http.Client
	log        *zap.Logger
	baseURL    string
	userAgent  string
	profile    func() config.PortalProfile

	username string
	password string

	authenticated bool
}

// Login walks the WebForms sign-in: fetch the login page, echo its hidden
// state fields, post the credentials, and judge the landing page.
func (s *Session) Login(ctx context.Context) error {
	prof := s.profile()
	loginURL := s.baseURL + prof.LoginPath

	resp, err := s.do(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return err
	}
	inputs, err := formInputs(io.LimitReader(resp.Body, maxDocumentBytes))
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("%w: login page: %v", ErrPortalChanged, err)
	}

	if inputs[fieldViewState] == "" || inputs[fieldEventValidation] == "" {
		return fmt.Errorf("%w: login page lost its state fields", ErrPortalChanged)
	}

	form := url.Values{}
	form.Set(fieldEventTarget, "")
	form.Set(fieldEventArgument, "")
	form.Set(fieldViewState, inputs[fieldViewState])
	form.Set(fieldViewStateGenerator, inputs[fieldViewStateGenerator])
	form.Set(fieldScrollPositionX, "0")
	form.Set(fieldScrollPositionY, "0")
	form.Set(fieldEventValidation, inputs[fieldEventValidation])
	form.Set(prof.Fields.Username, s.username)
	form.Set(prof.Fields.Password, s.password)
	form.Set(prof.Fields.RememberMe, "on")
	form.Set(prof.Fields.SignIn, "Sign in")

	resp, err = s.do(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	resp.Body.Close()
	if err != nil {
		return classifyTransport(err)
	}

	landedAt := resp.Request.URL
	if !s.loginAccepted(prof, landedAt, string(body)) {
		s.log.Warn("portal rejected login",
			zap.String("landed_at", landedAt.Path),
		)
		return ErrInvalidCredentials
	}

	s.authenticated = true
	s.log.Debug("portal login ok", zap.String("landed_at", landedAt.Path))
	return nil
}

// loginAccepted mirrors how an operator would read the page: any success
// marker and no failure marker. The portal answers 200 either way, so the
// status code says nothing.
func (s *Session) loginAccepted(prof config.PortalProfile, landedAt *url.URL, body string) bool {
	lower := strings.ToLower(body)

	success := strings.Contains(landedAt.String(), prof.AccountMarker) ||
		strings.Contains(body, prof.WelcomeMarker) ||
		strings.Contains(body, "Logout")

	failure := (strings.Contains(body, "Invalid") && strings.Contains(lower, "password")) ||
		strings.Contains(body, "Login failed") ||
		strings.Contains(body, "Authentication failed") ||
		strings.Contains(body, "Please try again")

	return success && !failure
}

// FetchUsage downloads the tabular export for one resolution over
// [start, end). The span must fit the portal's per-resolution cap; longer
// windows are the caller's job to split. An expired session is re-logged-in
// exactly once before the failure is surfaced.
func (s *Session) FetchUsage(ctx context.Context, resolution statisticsdomain.Resolution, start, end time.Time) ([]byte, error) {
	prof := s.profile()

	path, label, capDays, err := exportTarget(prof, resolution)
	if err != nil {
		return nil, err
	}

	if !end.After(start) {
		return nil, errors.New("empty fetch window")
	}
	if end.Sub(start) > time.Duration(capDays)*24*time.Hour {
		return nil, fmt.Errorf("%w: %s span %s exceeds %dd cap",
			ErrRangeTooLarge, resolution, end.Sub(start), capDays)
	}

	if !s.authenticated {
		if err := s.Login(ctx); err != nil {
			return nil, err
		}
	}

	reauthed := false
	for {
		doc, sessionExpired, err := s.downloadExport(ctx, prof, path, label, start, end)
		if err == nil {
			return doc, nil
		}
		if sessionExpired {
			if reauthed {
				// Signing in worked but exports still bounce to the
				// login page. That is a flow change, not bad credentials.
				return nil, fmt.Errorf("%w: export bounced to login after fresh sign-in", ErrPortalChanged)
			}
			// The portal quietly dropped the session; sign in once more.
			s.authenticated = false
			reauthed = true
			if loginErr := s.Login(ctx); loginErr != nil {
				return nil, loginErr
			}
			continue
		}
		return nil, err
	}
}

func (s *Session) downloadExport(ctx context.Context, prof config.PortalProfile, path, label string, start, end time.Time) (doc []byte, sessionExpired bool, err error) {
	pageURL := s.baseURL + path

	resp, err := s.do(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, false, err
	}
	inputs, err := formInputs(io.LimitReader(resp.Body, maxDocumentBytes))
	resp.Body.Close()
	if err != nil {
		return nil, false, fmt.Errorf("%w: usage page: %v", ErrPortalChanged, err)
	}

	// Echo everything the page gave us, then lay the export request on top.
	form := url.Values{}
	for name, value := range inputs {
		form.Set(name, value)
	}
	form.Set(prof.Fields.ExcelButtonX, "8")
	form.Set(prof.Fields.ExcelButtonY, "13")
	form.Set(prof.Fields.UsageKind, label)
	form.Set(prof.Fields.StartDate, start.UTC().Format(prof.DateLayout))
	form.Set(prof.Fields.EndDate, end.UTC().Add(-time.Second).Format(prof.DateLayout))
	form.Set(prof.Fields.UnitSelect, prof.Unit)

	resp, err = s.do(ctx, http.MethodPost, pageURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, false, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	resp.Body.Close()
	if err != nil {
		return nil, false, classifyTransport(err)
	}

	landedAt := resp.Request.URL
	if containsFold(landedAt.String(), prof.DownloadMarker) {
		return body, false, nil
	}

	if s.looksLikeLoginPage(prof, landedAt, string(body)) {
		return nil, true, errors.New("session expired")
	}

	s.log.Warn("export landed on unexpected page",
		zap.String("resolution", path),
		zap.String("landed_at", landedAt.Path),
	)
	return nil, false, fmt.Errorf("%w: export did not reach the download page", ErrPortalChanged)
}

func (s *Session) looksLikeLoginPage(prof config.PortalProfile, landedAt *url.URL, body string) bool {
	if strings.EqualFold(landedAt.Path, prof.LoginPath) {
		return true
	}
	return strings.Contains(body, prof.Fields.Password)
}

func (s *Session) do(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s answered %d", ErrPortalUnreachable, resp.Request.URL.Path, resp.StatusCode)
	}
	return resp, nil
}

// MaxWindow reports the widest span the portal accepts in a single export
// request at the given resolution. Callers planning a backfill split their
// range by this before fetching.
func MaxWindow(prof config.PortalProfile, resolution statisticsdomain.Resolution) (time.Duration, error) {
	_, _, capDays, err := exportTarget(prof, resolution)
	if err != nil {
		return 0, err
	}
	return time.Duration(capDays) * 24 * time.Hour, nil
}

func exportTarget(prof config.PortalProfile, resolution statisticsdomain.Resolution) (path, label string, capDays int, err error) {
	switch resolution {
	case statisticsdomain.ResolutionHourly:
		return prof.HourlyPath, prof.HourlyLabel, prof.HourlyWindowDays, nil
	case statisticsdomain.ResolutionDaily:
		return prof.DailyPath, prof.DailyLabel, prof.DailyWindowDays, nil
	case statisticsdomain.ResolutionMonthly:
		return prof.MonthlyPath, prof.MonthlyLabel, prof.MonthlyWindowDays, nil
	}
	return "", "", 0, statisticsdomain.ErrInvalidResolution
}

func classifyTransport(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrFetchTimeout, err)
	case errors.Is(err, context.Canceled), errors.Is(err, ErrRateLimited):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrPortalUnreachable, err)
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
