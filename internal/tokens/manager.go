// Package tokens manages credential lifecycle for connections: deciding
// when an OAuth access token needs refreshing, performing the refresh
// grant, and persisting the rotated ciphertexts.
package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/reviewrelay/reviewrelay/internal/database"
	"github.com/reviewrelay/reviewrelay/internal/models"
	"github.com/reviewrelay/reviewrelay/internal/secrets"
)

const defaultRefreshBuffer = 120 * time.Second

type Manager struct {
	db     database.DB
	cipher *secrets.Cipher
	logger *slog.Logger
	buffer time.Duration

	httpClient *http.Client
	now        func() time.Time
}

type ManagerOptions struct {
	RefreshBuffer time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewManager(db database.DB, cipher *secrets.Cipher, opts ManagerOptions) *Manager {
	buffer := opts.RefreshBuffer
	if buffer <= 0 {
		buffer = defaultRefreshBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Manager{
		db:         db,
		cipher:     cipher,
		logger:     logger,
		buffer:     buffer,
		httpClient: httpClient,
		now:        now,
	}
}

// NeedsRefresh reports whether the expiry falls inside the buffer window.
// A nil expiry never needs refreshing (PATs and non-expiring tokens).
func (m *Manager) NeedsRefresh(expiry *time.Time) bool {
	if expiry == nil {
		return false
	}
	return expiry.Sub(m.now()) < m.buffer
}

// AccessToken decrypts the connection's current access token.
func (m *Manager) AccessToken(conn *models.Connection) (string, error) {
	return m.cipher.Decrypt(conn.TokenCiphertext)
}

// MaybeRefresh returns a usable access token for the connection,
// proactively refreshing first when the expiry is close. A failed refresh
// is logged and the prior (possibly stale) token is returned so callers
// degrade to a failed API call and a breaker signal instead of blocking.
func (m *Manager) MaybeRefresh(ctx context.Context, conn *models.Connection) (string, error) {
	current, err := m.AccessToken(conn)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}
	if conn.AuthType != models.AuthTypeOAuth || !m.NeedsRefresh(conn.TokenExpiresAt) {
		return current, nil
	}
	refreshed, err := m.RefreshOAuth(ctx, conn)
	if err != nil {
		m.logger.Warn("proactive token refresh failed, using prior token",
			"connection_id", conn.ID, "host", conn.Host, "error", err)
		return current, nil
	}
	return refreshed, nil
}

// RefreshOAuth performs a refresh-token grant against the host's token
// endpoint and persists the rotated token material. Also invoked
// reactively by the gateway on a 401.
func (m *Manager) RefreshOAuth(ctx context.Context, conn *models.Connection) (string, error) {
	if conn.AuthType != models.AuthTypeOAuth {
		return "", fmt.Errorf("connection %d is not oauth", conn.ID)
	}
	if strings.TrimSpace(conn.RefreshTokenCiphertext) == "" {
		return "", fmt.Errorf("connection %d has no refresh token", conn.ID)
	}
	refreshToken, err := m.cipher.Decrypt(conn.RefreshTokenCiphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	clientSecret := ""
	if conn.OAuthClientSecret != "" {
		if clientSecret, err = m.cipher.Decrypt(conn.OAuthClientSecret); err != nil {
			return "", fmt.Errorf("decrypt client secret: %w", err)
		}
	}

	cfg := &oauth2.Config{
		ClientID:     conn.OAuthClientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: strings.TrimRight(conn.Host, "/") + "/oauth/token",
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	// Expiry in the past forces the TokenSource down the refresh grant.
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: m.now().Add(-time.Hour)}
	tok, err := cfg.TokenSource(ctx, stale).Token()
	if err != nil {
		return "", fmt.Errorf("refresh grant: %w", err)
	}

	tokenCT, err := m.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	refreshCT, err := m.cipher.Encrypt(newRefresh)
	if err != nil {
		return "", fmt.Errorf("encrypt refresh token: %w", err)
	}

	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expiresAt = &e
	}
	// Last writer wins if two processes race to refresh the same row.
	if err := m.db.UpdateConnectionTokens(ctx, conn.ID, tokenCT, refreshCT, expiresAt); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}

	conn.TokenCiphertext = tokenCT
	conn.RefreshTokenCiphertext = refreshCT
	conn.TokenExpiresAt = expiresAt
	m.logger.Info("refreshed oauth token", "connection_id", conn.ID, "host", conn.Host)
	return tok.AccessToken, nil
}

// RefresherFor adapts RefreshOAuth to the gateway's reactive refresh
// hook for one connection. Returns nil for PAT connections.
func (m *Manager) RefresherFor(conn *models.Connection) func(ctx context.Context) (string, error) {
	if conn.AuthType != models.AuthTypeOAuth {
		return nil
	}
	return func(ctx context.Context) (string, error) {
		return m.RefreshOAuth(ctx, conn)
	}
}
