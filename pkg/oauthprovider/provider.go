// Package oauthprovider implements live.Provider over OAuth2. Interactive
// logins use the device code flow or the browser authorization code + PKCE
// flow; silent logins use the stored refresh token. Tokens are persisted
// through a TokenStore so they survive restarts.
package oauthprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/tonimelisma/liveconnect-go/pkg/live"
)

// DefaultTenant accepts both personal and work/school accounts.
const DefaultTenant = "common"

// DefaultScopes is requested when neither the caller nor the config names
// any scopes.
var DefaultScopes = []string{
	"offline_access",
	"Files.ReadWrite.All",
	"User.Read",
}

// Meta keys persisted next to the token.
const (
	MetaScopes  = "scopes"
	MetaIDToken = "id_token"
)

// Flow selects the interactive login flow.
type Flow int

const (
	FlowDevice Flow = iota
	FlowBrowser
)

// ParseFlow accepts "device" and "browser".
func ParseFlow(s string) (Flow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "device":
		return FlowDevice, nil
	case "browser":
		return FlowBrowser, nil
	default:
		return 0, fmt.Errorf("oauthprovider: unknown login flow %q (want device or browser)", s)
	}
}

// DeviceAuth holds the device code response fields the user must see.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

// TokenStore persists the OAuth2 token and its metadata. Load returns
// (nil, nil, nil) when nothing is stored.
type TokenStore interface {
	Load() (*oauth2.Token, map[string]string, error)
	Save(tok *oauth2.Token, meta map[string]string) error
	Remove() error
}

// Config configures a Provider.
type Config struct {
	ClientID string
	Tenant   string
	Scopes   []string
	Flow     Flow
	Store    TokenStore

	// Display shows the device code. Required for FlowDevice.
	Display func(DeviceAuth)
	// OpenURL launches the authorization URL. Required for FlowBrowser.
	OpenURL func(string) error

	// Endpoint overrides the tenant endpoint.
	Endpoint *oauth2.Endpoint
	// HTTPClient is used for token requests; nil uses http.DefaultClient.
	HTTPClient *http.Client
}

// Provider is a live.Provider backed by OAuth2.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	// mu serializes token-store access and interactive logins.
	mu sync.Mutex
}

var _ live.Provider = (*Provider)(nil)

// New validates cfg and creates a Provider.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ClientID == "" {
		return nil, errors.New("oauthprovider: client ID is required")
	}

	if cfg.Store == nil {
		return nil, errors.New("oauthprovider: token store is required")
	}

	if cfg.Tenant == "" {
		cfg.Tenant = DefaultTenant
	}

	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}

	return &Provider{cfg: cfg, logger: logger}, nil
}

// Scopes returns the configured default scopes.
func (p *Provider) Scopes() []string {
	return append([]string(nil), p.cfg.Scopes...)
}

// Authenticate implements live.Provider.
func (p *Provider) Authenticate(ctx context.Context, req live.AuthRequest) (*live.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg := p.oauthConfig(req)

	if p.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	}

	var (
		tok *oauth2.Token
		err error
	)

	switch {
	case req.Silent:
		tok, err = p.refresh(ctx, cfg)
	case p.cfg.Flow == FlowBrowser:
		tok, err = p.browserLogin(ctx, cfg)
	default:
		tok, err = p.deviceLogin(ctx, cfg)
	}

	if err != nil {
		return nil, p.translate(err)
	}

	return p.persist(tok, cfg.Scopes)
}

// CanSignOut implements live.Provider. Signing out forgets the stored token.
func (p *Provider) CanSignOut() bool { return true }

// SignOut implements live.Provider.
func (p *Provider) SignOut(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.cfg.Store.Remove(); err != nil {
		return fmt.Errorf("oauthprovider: removing stored token: %w", err)
	}

	p.logger.Info("stored token removed")

	return nil
}

// StoredSession rebuilds the last persisted session, or returns nil when no
// token is stored. The result may be expired; live.Engine renews it.
func (p *Provider) StoredSession() (*live.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, meta, err := p.cfg.Store.Load()
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, nil //nolint:nilnil // nothing stored
	}

	scopes := strings.Fields(meta[MetaScopes])
	if len(scopes) == 0 {
		scopes = p.cfg.Scopes
	}

	p.logger.Debug("loaded stored token",
		slog.Time("expiry", tok.Expiry),
		slog.Bool("has_refresh_token", tok.RefreshToken != ""),
	)

	return live.NewSession(tok.AccessToken, meta[MetaIDToken], tok.Expiry, scopes), nil
}

func (p *Provider) oauthConfig(req live.AuthRequest) *oauth2.Config {
	clientID := req.ClientID
	if clientID == "" {
		clientID = p.cfg.ClientID
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = p.cfg.Scopes
	}

	endpoint := microsoft.AzureADEndpoint(p.cfg.Tenant)
	if p.cfg.Endpoint != nil {
		endpoint = *p.cfg.Endpoint
	}

	return &oauth2.Config{
		ClientID: clientID,
		Scopes:   append([]string(nil), scopes...),
		Endpoint: endpoint,
	}
}

// refresh redeems the stored refresh token. It always hits the token
// endpoint: a silent call means the current access token is unusable.
func (p *Provider) refresh(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	stored, _, err := p.cfg.Store.Load()
	if err != nil {
		return nil, err
	}

	if stored == nil || stored.RefreshToken == "" {
		return nil, &live.ProviderError{
			Code:        live.CodeLoginRequired,
			Description: "no refresh token stored",
		}
	}

	p.logger.Info("refreshing token silently")

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken}).Token()
	if err != nil {
		return nil, err
	}

	return tok, nil
}

func (p *Provider) deviceLogin(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	if p.cfg.Display == nil {
		return nil, &live.ProviderError{Code: live.CodeInteractionRequired, Description: "no device code display configured"}
	}

	p.logger.Info("starting device code auth flow")

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device auth request failed: %w", err)
	}

	p.logger.Info("device code received, waiting for user authorization")

	p.cfg.Display(DeviceAuth{
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
	})

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("device code authorization failed: %w", err)
	}

	return tok, nil
}

// persist saves tok and converts it to live.Credentials.
func (p *Provider) persist(tok *oauth2.Token, requested []string) (*live.Credentials, error) {
	scopes := grantedScopes(tok, requested)
	idToken, _ := tok.Extra("id_token").(string) //nolint:errcheck // absent for some grants

	// A refresh may omit the id token; keep the one we already have.
	if idToken == "" {
		if _, meta, err := p.cfg.Store.Load(); err == nil {
			idToken = meta[MetaIDToken]
		}
	}

	meta := map[string]string{MetaScopes: strings.Join(scopes, " ")}
	if idToken != "" {
		meta[MetaIDToken] = idToken
	}

	if err := p.cfg.Store.Save(tok, meta); err != nil {
		// The token is still usable for this process.
		p.logger.Warn("failed to persist token", slog.String("error", err.Error()))
	}

	p.logger.Info("token obtained", slog.Time("expiry", tok.Expiry))

	return &live.Credentials{
		AccessToken:         tok.AccessToken,
		AuthenticationToken: idToken,
		Expiry:              tok.Expiry,
		Scopes:              scopes,
	}, nil
}

// grantedScopes prefers the server's "scope" response field.
func grantedScopes(tok *oauth2.Token, requested []string) []string {
	if s, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(s) != "" {
		return strings.Fields(s)
	}

	return append([]string(nil), requested...)
}

// translate maps OAuth2 failures onto provider error codes. Context errors
// pass through; live.Engine treats them as the user backing out.
func (p *Provider) translate(err error) error {
	var pe *live.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code := re.ErrorCode
		desc := re.ErrorDescription

		switch code {
		case "":
			code = live.CodeProviderServerError
			if desc == "" && re.Response != nil {
				desc = re.Response.Status
			}
		case "expired_token":
			// The device code lapsed before the user finished.
			code = live.CodeUserCanceled
		}

		p.logger.Warn("token endpoint returned an error",
			slog.String("code", code),
			slog.String("description", desc),
		)

		return &live.ProviderError{Code: code, Description: desc, Err: err}
	}

	return &live.ProviderError{Code: live.CodeProviderServerError, Err: err}
}

