package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/chatsync/internal/db"
	"github.com/4xmen/chatsync/internal/remote"
	"github.com/4xmen/chatsync/pkg/config"
)

func createUserDocumentsDB(t *testing.T) string {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "chatsync.db")
	database, err := db.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	defer database.Close()

	docs := database.Documents()
	for _, doc := range []remote.Document{
		{Collection: "users", Key: "u1", Data: []byte(`{"userId":"u1","firstName":"Ann","lastName":"Lee"}`)},
		{Collection: "users", Key: "u2", Data: []byte(`{"userId":"u2","firstName":"Bob","lastName":"Stone","firstLast":"bob stone"}`)},
		{Collection: "users", Key: "u3", Data: []byte(`{"userId":"u3","firstName":"Cat","lastName":"Park","firstLast":"cathy park"}`)},
		{Collection: "chats", Key: "c1", Data: []byte(`{"users":["u1","u2"]}`)},
	} {
		if err := docs.SaveDocument(context.Background(), doc); err != nil {
			t.Fatalf("failed to seed document: %v", err)
		}
	}

	return dbPath
}

func readFirstLast(t *testing.T, dbPath, key string) string {
	t.Helper()

	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer dbConn.Close()

	var raw string
	if err := dbConn.QueryRow(`SELECT data FROM documents WHERE collection = 'users' AND doc_key = ?`, key).Scan(&raw); err != nil {
		t.Fatalf("failed to read user %s: %v", key, err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		t.Fatalf("invalid user document: %v", err)
	}
	value, _ := data["firstLast"].(string)
	return value
}

func TestFirstLastMigrationSuccess(t *testing.T) {
	dbPath := createUserDocumentsDB(t)

	var out bytes.Buffer
	if err := runFirstLastMigration(context.Background(), &out, firstLastMigrationOptions{DatabasePath: dbPath}); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	if !strings.Contains(out.String(), "Backfilled firstLast on 2 of 3 users") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	if got := readFirstLast(t, dbPath, "u1"); got != "ann lee" {
		t.Fatalf("u1 firstLast = %q, want %q", got, "ann lee")
	}
	if got := readFirstLast(t, dbPath, "u3"); got != "cat park" {
		t.Fatalf("u3 firstLast = %q, want %q", got, "cat park")
	}
}

func TestFirstLastMigrationIdempotent(t *testing.T) {
	dbPath := createUserDocumentsDB(t)

	if err := runFirstLastMigration(context.Background(), &bytes.Buffer{}, firstLastMigrationOptions{DatabasePath: dbPath}); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}

	var out bytes.Buffer
	if err := runFirstLastMigration(context.Background(), &out, firstLastMigrationOptions{DatabasePath: dbPath}); err != nil {
		t.Fatalf("second migration should be idempotent, got error: %v", err)
	}
	if !strings.Contains(out.String(), "already migrated") {
		t.Fatalf("expected already migrated output, got: %s", out.String())
	}

	pending, err := pendingFirstLastBackfill(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("pendingFirstLastBackfill failed: %v", err)
	}
	if pending != 0 {
		t.Fatalf("pending = %d, want 0", pending)
	}
}

func TestFirstLastMigrationDryRun(t *testing.T) {
	dbPath := createUserDocumentsDB(t)

	var out bytes.Buffer
	err := runFirstLastMigration(context.Background(), &out, firstLastMigrationOptions{DatabasePath: dbPath, DryRun: true})
	if err != nil {
		t.Fatalf("dry-run failed: %v", err)
	}
	if !strings.Contains(out.String(), "Dry-run successful") {
		t.Fatalf("expected dry-run output, got: %s", out.String())
	}

	if got := readFirstLast(t, dbPath, "u1"); got != "" {
		t.Fatalf("dry-run should not modify documents, u1 firstLast = %q", got)
	}

	pending, err := pendingFirstLastBackfill(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("pendingFirstLastBackfill failed: %v", err)
	}
	if pending != 2 {
		t.Fatalf("pending = %d, want 2", pending)
	}
}

func TestFirstLastMigrationInvalidDocument(t *testing.T) {
	dbPath := createUserDocumentsDB(t)

	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	_, err = dbConn.Exec(`UPDATE documents SET data = 'not json' WHERE collection = 'users' AND doc_key = 'u2'`)
	dbConn.Close()
	if err != nil {
		t.Fatalf("failed to seed invalid data: %v", err)
	}

	err = runFirstLastMigration(context.Background(), &bytes.Buffer{}, firstLastMigrationOptions{DatabasePath: dbPath})
	if err == nil || !strings.Contains(err.Error(), "invalid user documents: [u2]") {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := readFirstLast(t, dbPath, "u1"); got != "" {
		t.Fatalf("failed migration should leave documents intact, u1 firstLast = %q", got)
	}
}

func TestPendingFirstLastBackfillMissingDatabase(t *testing.T) {
	pending, err := pendingFirstLastBackfill(context.Background(), filepath.Join(t.TempDir(), "none.db"))
	if err != nil || pending != 0 {
		t.Fatalf("pendingFirstLastBackfill = (%d, %v), want (0, nil)", pending, err)
	}
}

func TestParseFirstLastMigrationArgs(t *testing.T) {
	cfg := &config.Config{DatabasePath: "/tmp/default.db"}

	opts, err := parseFirstLastMigrationArgs(cfg, []string{"--dry-run", "--database", "/tmp/override.db"})
	if err != nil {
		t.Fatalf("parse args failed: %v", err)
	}
	if !opts.DryRun || opts.DatabasePath != "/tmp/override.db" {
		t.Fatalf("unexpected options: %+v", opts)
	}

	opts, err = parseFirstLastMigrationArgs(cfg, nil)
	if err != nil || opts.DatabasePath != "/tmp/default.db" {
		t.Fatalf("default options = (%+v, %v)", opts, err)
	}

	if _, err := parseFirstLastMigrationArgs(cfg, []string{"--database"}); err == nil {
		t.Fatal("expected error for --database without a path")
	}
	if _, err := parseFirstLastMigrationArgs(cfg, []string{"--force"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if err := runMigrate(cfg, &bytes.Buffer{}, []string{"everything"}); err == nil {
		t.Fatal("expected error for unknown migration target")
	}
}
