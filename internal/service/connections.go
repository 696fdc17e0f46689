package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/reviewrelay/reviewrelay/internal/database"
	"github.com/reviewrelay/reviewrelay/internal/models"
	"github.com/reviewrelay/reviewrelay/internal/remote"
	"github.com/reviewrelay/reviewrelay/internal/secrets"
	"github.com/reviewrelay/reviewrelay/internal/tokens"
)

// ConnectionService manages host connections and their credentials.
// Token material is encrypted before it reaches the store and is never
// logged.
type ConnectionService struct {
	db           database.DB
	cipher       *secrets.Cipher
	gateway      *remote.Gateway
	tokens       *tokens.Manager
	globalSecret string
	logger       *slog.Logger
}

func NewConnectionService(db database.DB, cipher *secrets.Cipher, gateway *remote.Gateway, tokens *tokens.Manager, globalSecret string, logger *slog.Logger) *ConnectionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionService{
		db:           db,
		cipher:       cipher,
		gateway:      gateway,
		tokens:       tokens,
		globalSecret: globalSecret,
		logger:       logger,
	}
}

type CreateConnectionInput struct {
	UserID            int64      `json:"user_id"`
	Host              string     `json:"host"`
	AuthType          string     `json:"auth_type"`
	Token             string     `json:"token"`
	RefreshToken      string     `json:"refresh_token"`
	OAuthClientID     string     `json:"oauth_client_id"`
	OAuthClientSecret string     `json:"oauth_client_secret"`
	TokenExpiresAt    *time.Time `json:"token_expires_at"`
}

func (c *ConnectionService) CreateConnection(ctx context.Context, input CreateConnectionInput) (*models.Connection, error) {
	host := strings.TrimRight(strings.TrimSpace(input.Host), "/")
	u, err := url.Parse(host)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("host must be a valid HTTP or HTTPS URL")
	}
	if strings.TrimSpace(input.Token) == "" {
		return nil, fmt.Errorf("token is required")
	}

	authType := input.AuthType
	if authType == "" {
		if strings.HasPrefix(input.Token, "glpat-") {
			authType = models.AuthTypePAT
		} else {
			authType = models.AuthTypeOAuth
		}
	}
	if authType != models.AuthTypePAT && authType != models.AuthTypeOAuth {
		return nil, fmt.Errorf("auth_type must be %q or %q", models.AuthTypePAT, models.AuthTypeOAuth)
	}

	conn := &models.Connection{
		UserID:         input.UserID,
		Host:           host,
		AuthType:       authType,
		OAuthClientID:  input.OAuthClientID,
		TokenExpiresAt: input.TokenExpiresAt,
		Active:         true,
	}
	if conn.TokenCiphertext, err = c.cipher.Encrypt(input.Token); err != nil {
		return nil, fmt.Errorf("encrypt token: %w", err)
	}
	if input.RefreshToken != "" {
		if conn.RefreshTokenCiphertext, err = c.cipher.Encrypt(input.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	if input.OAuthClientSecret != "" {
		if conn.OAuthClientSecret, err = c.cipher.Encrypt(input.OAuthClientSecret); err != nil {
			return nil, fmt.Errorf("encrypt client secret: %w", err)
		}
	}
	if err := c.db.CreateConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	c.logger.Info("connection created", "connection_id", conn.ID, "host", conn.Host, "auth_type", conn.AuthType)
	return conn, nil
}

func (c *ConnectionService) GetConnection(ctx context.Context, id int64) (*models.Connection, error) {
	return c.db.GetConnectionByID(ctx, id)
}

func (c *ConnectionService) ListConnections(ctx context.Context, userID int64) ([]models.Connection, error) {
	return c.db.ListConnections(ctx, userID)
}

func (c *ConnectionService) DeleteConnection(ctx context.Context, id int64) error {
	return c.db.DeleteConnection(ctx, id)
}

// TestConnection performs a current-user round trip with the
// connection's credential and records the outcome on the row.
func (c *ConnectionService) TestConnection(ctx context.Context, id int64) (*remote.RemoteUser, error) {
	conn, err := c.db.GetConnectionByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load connection %d: %w", id, err)
	}
	token, err := c.tokens.MaybeRefresh(ctx, conn)
	if err != nil {
		return nil, err
	}
	client := c.gateway.Client(remote.ClientConfig{
		Host:     conn.Host,
		AuthType: conn.AuthType,
		Token:    token,
		Refresh:  c.tokens.RefresherFor(conn),
	})

	user, err := client.CurrentUser(ctx)
	if err != nil {
		if statusErr := c.db.SetConnectionStatus(ctx, conn.ID, conn.Active, err.Error()); statusErr != nil {
			c.logger.Error("record connection test failure", "connection_id", conn.ID, "error", statusErr)
		}
		return nil, err
	}
	if err := c.db.SetConnectionStatus(ctx, conn.ID, true, ""); err != nil {
		return nil, fmt.Errorf("record connection status: %w", err)
	}
	if err := c.db.TouchConnectionUsage(ctx, conn.ID); err != nil {
		return nil, fmt.Errorf("record connection usage: %w", err)
	}
	return user, nil
}

// ComplianceReport checks a connection's configuration posture without
// touching the remote host.
func (c *ConnectionService) ComplianceReport(ctx context.Context, id int64) (*models.ComplianceReport, error) {
	conn, err := c.db.GetConnectionByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load connection %d: %w", id, err)
	}

	report := &models.ComplianceReport{
		ConnectionID: conn.ID,
		HostHTTPS:    strings.HasPrefix(conn.Host, "https://"),
		TokenPresent: conn.TokenCiphertext != "",
	}
	if !report.HostHTTPS {
		report.Notes = append(report.Notes, "host does not use https")
	}
	if !report.TokenPresent {
		report.Notes = append(report.Notes, "no access token stored")
	}

	oauthOK := true
	if conn.AuthType == models.AuthTypeOAuth {
		report.OAuthExpirySet = conn.TokenExpiresAt != nil
		report.OAuthClientBound = conn.OAuthClientID != "" && conn.OAuthClientSecret != ""
		if !report.OAuthExpirySet {
			report.Notes = append(report.Notes, "oauth token has no recorded expiry")
		}
		if !report.OAuthClientBound {
			report.Notes = append(report.Notes, "oauth client credentials are not configured")
		}
		oauthOK = report.OAuthExpirySet && report.OAuthClientBound
	}

	report.WebhookSecretFound = c.globalSecret != ""
	if !report.WebhookSecretFound {
		projects, err := c.db.ListProjectsByConnection(ctx, conn.ID)
		if err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
		for _, p := range projects {
			if p.WebhookSecret != "" {
				report.WebhookSecretFound = true
				break
			}
		}
	}
	if !report.WebhookSecretFound {
		report.Notes = append(report.Notes, "no webhook secret configured in scope")
	}

	report.Compliant = report.HostHTTPS && report.TokenPresent && oauthOK && report.WebhookSecretFound
	return report, nil
}
