package ls

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	apperrors "github.com/greatjins/si-trading-system-sub000/pkg/errors"
	pkghttp "github.com/greatjins/si-trading-system-sub000/pkg/http"

	"golang.org/x/sync/singleflight"
)

const (
	tokenFileName = "ls_token.json"
	// A token is treated as expired this long before its actual expiry.
	tokenSlack   = 5 * time.Minute
	tokenTimeout = 10 * time.Second
)

// persistedToken is the on-disk token record.
type persistedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (t *persistedToken) valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.ExpiresAt.Add(-tokenSlack))
}

// TokenStore issues, refreshes and persists the OAuth access token.
// Concurrent callers during a renewal coalesce onto one in-flight request.
type TokenStore struct {
	client    *pkghttp.Client
	appKey    string
	appSecret string
	path      string
	logger    core.ILogger

	mu  sync.RWMutex
	tok *persistedToken
	sf  singleflight.Group
}

// NewTokenStore loads any persisted token record from dataDir. A stale
// record is renewed lazily on the first Token call.
func NewTokenStore(client *pkghttp.Client, appKey, appSecret, dataDir string, logger core.ILogger) *TokenStore {
	s := &TokenStore{
		client:    client,
		appKey:    appKey,
		appSecret: appSecret,
		path:      filepath.Join(dataDir, tokenFileName),
		logger:    logger.WithField("component", "token_store"),
	}
	s.loadFromDisk()
	return s
}

func (s *TokenStore) loadFromDisk() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var tok persistedToken
	if err := json.Unmarshal(data, &tok); err != nil {
		s.logger.Warn("Discarding unreadable token record", "path", s.path, "error", err)
		return
	}
	s.tok = &tok
}

// Token returns a bearer token valid for at least the expiry slack.
// Callers arriving during a renewal all receive the post-renewal token.
func (s *TokenStore) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	tok := s.tok
	s.mu.RUnlock()
	if tok.valid(time.Now()) {
		return tok.AccessToken, nil
	}

	v, err, _ := s.sf.Do("token", func() (interface{}, error) {
		s.mu.RLock()
		cur := s.tok
		s.mu.RUnlock()
		if cur.valid(time.Now()) {
			return cur.AccessToken, nil
		}

		fresh, err := s.renew(ctx, cur)
		if err != nil {
			return "", err
		}

		s.mu.Lock()
		s.tok = fresh
		s.mu.Unlock()
		s.persist(fresh)
		return fresh.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Prime forces an eager issuance so bad credentials fail at startup
// instead of on the first trading call.
func (s *TokenStore) Prime(ctx context.Context) error {
	_, err := s.Token(ctx)
	return err
}

// renew refreshes when a refresh token exists and falls back to a fresh
// issuance when the refresh is rejected.
func (s *TokenStore) renew(ctx context.Context, cur *persistedToken) (*persistedToken, error) {
	if cur != nil && cur.RefreshToken != "" {
		tok, err := s.refresh(ctx, cur.RefreshToken)
		if err == nil {
			return tok, nil
		}
		s.logger.Warn("Token refresh failed, issuing a new token", "error", err)
	}
	return s.issue(ctx)
}

func (s *TokenStore) issue(ctx context.Context) (*persistedToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("appkey", s.appKey)
	form.Set("appsecretkey", s.appSecret)
	form.Set("scope", "oob")
	return s.requestToken(ctx, form)
}

func (s *TokenStore) refresh(ctx context.Context, refreshToken string) (*persistedToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("appkey", s.appKey)
	form.Set("appsecretkey", s.appSecret)
	form.Set("refresh_token", refreshToken)
	return s.requestToken(ctx, form)
}

func (s *TokenStore) requestToken(ctx context.Context, form url.Values) (*persistedToken, error) {
	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	body, err := s.client.PostForm(ctx, "/oauth2/token", form)
	if err != nil {
		return nil, fmt.Errorf("%w: token request: %v", apperrors.ErrAuthenticationFailed, err)
	}

	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: token response: %v", apperrors.ErrAuthenticationFailed, err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", apperrors.ErrAuthenticationFailed)
	}

	return &persistedToken{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

func (s *TokenStore) persist(tok *persistedToken) {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Warn("Failed to create token directory", "path", s.path, "error", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		s.logger.Warn("Failed to persist token", "path", s.path, "error", err)
	}
}

// Invalidate drops the cached token so the next caller re-authenticates.
func (s *TokenStore) Invalidate() {
	s.mu.Lock()
	if s.tok != nil {
		s.tok.ExpiresAt = time.Time{}
	}
	s.mu.Unlock()
}

// Close revokes the current token at the venue.
func (s *TokenStore) Close(ctx context.Context) error {
	s.mu.RLock()
	tok := s.tok
	s.mu.RUnlock()
	if tok == nil || tok.AccessToken == "" {
		return nil
	}

	form := url.Values{}
	form.Set("appkey", s.appKey)
	form.Set("appsecretkey", s.appSecret)
	form.Set("token_type_hint", "access_token")
	form.Set("token", tok.AccessToken)
	if _, err := s.client.PostForm(ctx, "/oauth2/revoke", form); err != nil {
		return fmt.Errorf("token revoke: %w", err)
	}
	return nil
}
