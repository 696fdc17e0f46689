package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reviewrelay/reviewrelay/internal/database"
	"github.com/reviewrelay/reviewrelay/internal/models"
	"github.com/reviewrelay/reviewrelay/internal/remote"
	"github.com/reviewrelay/reviewrelay/internal/secrets"
	"github.com/reviewrelay/reviewrelay/internal/tokens"
)

const testCipherKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func setupTestDB(t *testing.T) database.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "service.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testCipher(t *testing.T) *secrets.Cipher {
	t.Helper()
	c, err := secrets.NewCipher(testCipherKey)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return c
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func testGateway(t *testing.T) *remote.Gateway {
	t.Helper()
	return remote.NewGateway(remote.GatewayOptions{
		RequestTimeout: 5 * time.Second,
		MaxAttempts:    1,
		BackoffBase:    time.Millisecond,
		HostRPS:        10000,
		Registerer:     prometheus.NewRegistry(),
		Logger:         testLogger(),
	})
}

func seedPATConnection(t *testing.T, db database.DB, cipher *secrets.Cipher, host, token string) *models.Connection {
	t.Helper()
	ct, err := cipher.Encrypt(token)
	if err != nil {
		t.Fatalf("encrypt token: %v", err)
	}
	conn := &models.Connection{
		UserID:          1,
		Host:            host,
		AuthType:        models.AuthTypePAT,
		TokenCiphertext: ct,
		Active:          true,
	}
	if err := db.CreateConnection(context.Background(), conn); err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return conn
}

func seedTrackedProject(t *testing.T, db database.DB, connectionID int64, remoteID, secret string) *models.Project {
	t.Helper()
	project := &models.Project{
		ConnectionID:  connectionID,
		RemoteID:      remoteID,
		Name:          "acme/widgets",
		WebURL:        "https://gitlab.example.com/acme/widgets",
		DefaultBranch: "main",
		Active:        true,
	}
	if err := db.UpsertProject(context.Background(), project); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	if secret != "" {
		if err := db.SetProjectWebhook(context.Background(), project.ID, nil, secret); err != nil {
			t.Fatalf("set project webhook secret: %v", err)
		}
		project.WebhookSecret = secret
	}
	return project
}

func newTokenManager(t *testing.T, db database.DB, cipher *secrets.Cipher) *tokens.Manager {
	t.Helper()
	return tokens.NewManager(db, cipher, tokens.ManagerOptions{Logger: testLogger()})
}
