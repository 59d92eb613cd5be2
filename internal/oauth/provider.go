package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prperemyshlev/mailbox-connections/internal/domain"
	"golang.org/x/oauth2"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyLength = 512
)

// Provider is the capability set every OAuth mailbox provider implements
type Provider interface {
	Name() domain.Provider
	AuthCodeURL(state, redirectURI string) (string, error)
	ExchangeCode(ctx context.Context, code, redirectURI string) (*domain.OAuthToken, error)
	// Refresh exchanges a refresh token for a new access token. The returned RefreshToken is empty
	// when the provider did not issue a new one.
	Refresh(ctx context.Context, refreshToken string) (*domain.OAuthToken, error)
	FetchUserEmail(ctx context.Context, accessToken string) (string, error)
}

// ClientCredentials are the OAuth client id and secret registered with a provider
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Endpoints are the provider URLs used by the authorization code flow
type Endpoints struct {
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// Option configures a provider variant
type Option func(*clientProvider)

// WithEndpoints overrides the provider URLs
func WithEndpoints(e Endpoints) Option {
	return func(p *clientProvider) {
		p.endpoints = e
	}
}

// WithHTTPClient sets the client used for token and user-info requests
func WithHTTPClient(c *http.Client) Option {
	return func(p *clientProvider) {
		p.httpClient = c
	}
}

// clientProvider is the shared authorization-code implementation; each variant supplies its
// endpoints, client auth style, scopes and user-info parser.
type clientProvider struct {
	name        domain.Provider
	creds       ClientCredentials
	endpoints   Endpoints
	authStyle   oauth2.AuthStyle
	scopes      []string
	authOptions []oauth2.AuthCodeOption
	parseEmail  func(body []byte) (string, error)
	httpClient  *http.Client
}

func newClientProvider(p *clientProvider, opts ...Option) *clientProvider {
	p.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *clientProvider) Name() domain.Provider {
	return p.name
}

func (p *clientProvider) config(redirectURI string) (*oauth2.Config, error) {
	if p.creds.ClientID == "" {
		return nil, fmt.Errorf("%s client id is not configured: %w", p.name, domain.ErrConfiguration)
	}

	return &oauth2.Config{
		ClientID:     p.creds.ClientID,
		ClientSecret: p.creds.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       p.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.endpoints.AuthURL,
			TokenURL:  p.endpoints.TokenURL,
			AuthStyle: p.authStyle,
		},
	}, nil
}

func (p *clientProvider) tokenConfig(redirectURI string) (*oauth2.Config, error) {
	cfg, err := p.config(redirectURI)
	if err != nil {
		return nil, err
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%s client secret is not configured: %w", p.name, domain.ErrConfiguration)
	}
	return cfg, nil
}

func (p *clientProvider) AuthCodeURL(state, redirectURI string) (string, error) {
	cfg, err := p.config(redirectURI)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, p.authOptions...), nil
}

func (p *clientProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*domain.OAuthToken, error) {
	cfg, err := p.tokenConfig(redirectURI)
	if err != nil {
		return nil, err
	}

	token, err := cfg.Exchange(p.withClient(ctx), code)
	if err != nil {
		return nil, p.providerError("code exchange", err)
	}

	return toDomainToken(token), nil
}

func (p *clientProvider) Refresh(ctx context.Context, refreshToken string) (*domain.OAuthToken, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("cannot refresh %s token: %w", p.name, domain.ErrRefreshTokenMissing)
	}

	cfg, err := p.tokenConfig("")
	if err != nil {
		return nil, err
	}

	token, err := cfg.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, p.providerError("token refresh", err)
	}

	refreshed := toDomainToken(token)
	// x/oauth2 copies the old refresh token into the result when none was issued
	if refreshed.RefreshToken == refreshToken {
		refreshed.RefreshToken = ""
	}
	return refreshed, nil
}

func (p *clientProvider) FetchUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoints.UserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", p.providerError("user info", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", p.providerError("user info", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &domain.ProviderError{
			Provider:   p.name,
			Op:         "user info",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body)),
		}
	}

	email, err := p.parseEmail(body)
	if err != nil {
		return "", p.providerError("user info", err)
	}
	if email == "" {
		return "", p.providerError("user info", errors.New("response contains no email address"))
	}

	return email, nil
}

func (p *clientProvider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *clientProvider) providerError(op string, err error) error {
	perr := &domain.ProviderError{Provider: p.name, Op: op, Err: err}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil {
			perr.StatusCode = retrieveErr.Response.StatusCode
		}
		perr.Body = truncate(string(retrieveErr.Body))
		perr.Err = nil
	}

	return perr
}

func toDomainToken(t *oauth2.Token) *domain.OAuthToken {
	out := &domain.OAuthToken{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	if !t.Expiry.IsZero() {
		expiry := t.Expiry
		out.ExpiresAt = &expiry
	}
	return out
}

func truncate(s string) string {
	if len(s) > maxErrorBodyLength {
		return s[:maxErrorBodyLength] + "..."
	}
	return s
}
