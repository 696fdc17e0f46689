package main

import (
	"path/filepath"
	"testing"

	"github.com/reviewrelay/reviewrelay/internal/config"
)

func TestOpenDBRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "oracle"

	if _, err := openDB(cfg); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenDBSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "open_test.db")

	db, err := openDB(cfg)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Close()
}

func TestEnvBool(t *testing.T) {
	cases := map[string]bool{
		"1":     true,
		"true":  true,
		"YES":   true,
		"on":    true,
		"false": false,
		"":      false,
		"nope":  false,
	}
	for value, want := range cases {
		t.Setenv("REVIEWRELAY_TEST_BOOL", value)
		if got := envBool("REVIEWRELAY_TEST_BOOL"); got != want {
			t.Fatalf("envBool(%q) = %v, want %v", value, got, want)
		}
	}
}
