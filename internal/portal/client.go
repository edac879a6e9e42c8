package portal

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/tidemark/internal/config"
	"github.com/smallbiznis/tidemark/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Verifier checks a credential pair against the live portal without
// touching any stored state. Account registration and the repair flow both
// go through this before accepting a password.
//
//go:generate mockgen -source=client.go -destination=./mocks/mock_client.go -package=mocks
type Verifier interface {
	Verify(ctx context.Context, username, password string) error
}

// Limiter throttles outbound portal traffic. The portal is a shared
// third-party site; hammering it gets everyone blocked.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type Params struct {
	fx.In

	Config  config.Config
	Profile *config.PortalProfileHolder
	Log     *zap.Logger
	Limiter Limiter `optional:"true"`
}

// Client builds per-account portal sessions. It owns the shared transport;
// cookie jars are per session so accounts never see each other's state.
type Client struct {
	cfg     config.Config
	profile *config.PortalProfileHolder
	log     *zap.Logger
	limiter Limiter
	base    *http.Client
}

func NewClient(p Params) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(p.Config.Portal.BaseURL), "/")
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("portal base url: %w", err)
	}
	// Credentials travel in the login form; plaintext transport is never
	// acceptable, not even for development.
	if parsed.Scheme != "https" {
		return nil, fmt.Errorf("portal base url must be https, got %q", p.Config.Portal.BaseURL)
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if p.Config.Portal.InsecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
		p.Log.Warn("portal certificate verification disabled")
	}
	base := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			TLSClientConfig:       tlsCfg,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
	base = tracing.WrapHTTPClient(base)

	return &Client{
		cfg:     p.Config,
		profile: p.Profile,
		log:     p.Log.Named("portal.client"),
		limiter: p.Limiter,
		base:    base,
	}, nil
}

// NewSession returns a fresh unauthenticated session for one account.
func (c *Client) NewSession(username, password string) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	transport := c.base.Transport
	if c.limiter != nil {
		transport = &throttledTransport{
			next:    transport,
			limiter: c.limiter,
			key:     username,
			log:     c.log,
		}
	}

	return &Session{
		httpClient: &http.Client{Transport: transport, Jar: jar},
		log:        c.log,
		baseURL:    strings.TrimRight(strings.TrimSpace(c.cfg.Portal.BaseURL), "/"),
		userAgent:  c.cfg.Portal.UserAgent,
		profile:    c.profile.Get,
		username:   username,
		password:   password,
	}, nil
}

// Verify implements Verifier by attempting a real login.
func (c *Client) Verify(ctx context.Context, username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return ErrInvalidCredentials
	}

	session, err := c.NewSession(username, password)
	if err != nil {
		return err
	}
	return session.Login(ctx)
}

// throttledTransport asks the limiter before every portal round trip. A
// broken limiter fails open; a denied call fails closed with ErrRateLimited.
type throttledTransport struct {
	next    http.RoundTripper
	limiter Limiter
	key     string
	log     *zap.Logger
}

func (t *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	allowed, err := t.limiter.Allow(req.Context(), t.key)
	if err != nil {
		t.log.Warn("portal limiter unavailable, allowing request", zap.Error(err))
	} else if !allowed {
		return nil, ErrRateLimited
	}
	return t.next.RoundTrip(req)
}
