// Package auth manages the single OAuth2 identity used for authenticated
// market calls: loading the cached token, refreshing it through the SSO
// token endpoint, and persisting the result atomically.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"mkts-backend/internal/errs"
)

// Token is the persisted token format in token.json. ExpiresAt is absolute
// unix seconds so a restarted process can judge freshness without the
// original expires_in window.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// Valid reports whether the access token is still usable at the given
// instant, with a small skew so a token never expires mid-request.
func (t *Token) Valid(now time.Time) bool {
	const skew = 30 * time.Second
	return t.AccessToken != "" && now.Add(skew).Unix() < t.ExpiresAt
}

// Config wires a Store.
type Config struct {
	ClientID     string
	SecretKey    string
	RefreshToken string // bootstrap refresh token from the environment
	TokenURL     string
	AuthorizeURL string
	CallbackURL  string
	TokenFile    string
}

// Store owns the token file process-wide. Any refresh mutates the file under
// the store's lock with a write-temp-then-rename replace, so a crashed run
// cannot leave a half-written credential.
type Store struct {
	cfg    Config
	client *oauth2.Config

	mu     sync.Mutex
	cached *Token
}

// NewStore builds a token store. ClientID and SecretKey must be present; the
// bootstrap refresh token is only required when no token file exists yet.
func NewStore(cfg Config) (*Store, error) {
	if cfg.ClientID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: client credentials not configured", errs.ErrConfig)
	}
	if cfg.TokenFile == "" {
		cfg.TokenFile = "token.json"
	}
	return &Store{
		cfg: cfg,
		client: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.SecretKey,
			RedirectURL:  cfg.CallbackURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizeURL,
				TokenURL: cfg.TokenURL,
			},
		},
	}, nil
}

// Get returns a usable access token for the requested scopes, refreshing and
// persisting it when the cached one has expired. It never returns a stale
// token; when both the refresh and bootstrap paths fail the error kind is
// ErrAuth.
func (s *Store) Get(ctx context.Context, scopes ...string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.cached == nil {
		if tok, err := s.load(); err == nil {
			s.cached = tok
		}
	}
	if s.cached != nil && s.cached.Valid(now) {
		return s.cached, nil
	}

	refresh := s.cfg.RefreshToken
	if s.cached != nil && s.cached.RefreshToken != "" {
		refresh = s.cached.RefreshToken
	}
	if refresh == "" {
		return nil, fmt.Errorf("%w: no cached token and no bootstrap refresh token", errs.ErrAuth)
	}

	log.Info().Strs("scopes", scopes).Msg("refreshing access token")
	tok, err := s.refresh(ctx, refresh, scopes)
	if err != nil {
		// A cached refresh token may have been revoked; fall back to the
		// environment-provided bootstrap token once.
		if s.cfg.RefreshToken != "" && refresh != s.cfg.RefreshToken {
			log.Warn().Err(err).Msg("cached refresh token rejected, trying bootstrap token")
			tok, err = s.refresh(ctx, s.cfg.RefreshToken, scopes)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: token refresh failed: %v", errs.ErrAuth, err)
		}
	}

	if err := s.save(tok); err != nil {
		return nil, err
	}
	s.cached = tok
	log.Info().Time("expires", time.Unix(tok.ExpiresAt, 0).UTC()).Msg("access token refreshed")
	return tok, nil
}

// Bootstrap completes the interactive first-run flow: the caller visits
// AuthorizeURL, logs in, and pastes the full redirect URL back. The
// authorization code inside it is exchanged and persisted.
func (s *Store) Bootstrap(ctx context.Context, redirectResponse string, scopes ...string) (*Token, error) {
	u, err := url.Parse(redirectResponse)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redirect URL: %v", errs.ErrAuth, err)
	}
	code := u.Query().Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: redirect URL carries no authorization code", errs.ErrAuth)
	}
	conf := s.scoped(scopes)
	otok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange failed: %v", errs.ErrAuth, err)
	}
	tok := fromOAuth2(otok)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(tok); err != nil {
		return nil, err
	}
	s.cached = tok
	return tok, nil
}

// AuthorizeURL returns the SSO login URL for the interactive bootstrap.
func (s *Store) AuthorizeURL(state string, scopes ...string) string {
	return s.scoped(scopes).AuthCodeURL(state)
}

func (s *Store) scoped(scopes []string) *oauth2.Config {
	conf := *s.client
	conf.Scopes = scopes
	return &conf
}

func (s *Store) refresh(ctx context.Context, refreshToken string, scopes []string) (*Token, error) {
	src := s.scoped(scopes).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	otok, err := src.Token()
	if err != nil {
		return nil, err
	}
	tok := fromOAuth2(otok)
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

func fromOAuth2(otok *oauth2.Token) *Token {
	tok := &Token{
		AccessToken:  otok.AccessToken,
		RefreshToken: otok.RefreshToken,
		TokenType:    otok.TokenType,
		ExpiresAt:    otok.Expiry.Unix(),
	}
	if v := otok.Extra("expires_in"); v != nil {
		if f, ok := v.(float64); ok {
			tok.ExpiresIn = int64(f)
		}
	}
	if tok.ExpiresIn == 0 && !otok.Expiry.IsZero() {
		tok.ExpiresIn = int64(time.Until(otok.Expiry).Seconds())
	}
	if v, ok := otok.Extra("scope").(string); ok {
		tok.Scope = v
	}
	return tok
}

func (s *Store) load() (*Token, error) {
	b, err := os.ReadFile(s.cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.cfg.TokenFile, err)
	}
	return &tok, nil
}

// save writes the token to a temp file in the same directory and renames it
// over the target.
func (s *Store) save(tok *Token) error {
	b, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding token: %v", errs.ErrAuth, err)
	}
	dir := filepath.Dir(s.cfg.TokenFile)
	tmp, err := os.CreateTemp(dir, ".token-*.json")
	if err != nil {
		return fmt.Errorf("%w: writing token file: %v", errs.ErrAuth, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing token file: %v", errs.ErrAuth, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: writing token file: %v", errs.ErrAuth, err)
	}
	if err := os.Rename(tmp.Name(), s.cfg.TokenFile); err != nil {
		return fmt.Errorf("%w: replacing token file: %v", errs.ErrAuth, err)
	}
	return nil
}
