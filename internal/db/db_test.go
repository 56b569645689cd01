package db

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/4xmen/chatsync/internal/models"
	"github.com/4xmen/chatsync/internal/remote"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmas(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	var journalMode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	// in-memory databases report "memory"
	if journalMode != "memory" && journalMode != "wal" {
		t.Errorf("Expected journal_mode to be 'memory' or 'wal', got: %s", journalMode)
	}

	var busyTimeout int
	if err := db.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout to be 5000, got: %d", busyTimeout)
	}

	var cacheSize int
	if err := db.conn.QueryRow("PRAGMA cache_size").Scan(&cacheSize); err != nil {
		t.Fatalf("Failed to query cache_size: %v", err)
	}
	if cacheSize != -64000 {
		t.Errorf("Expected cache_size to be -64000, got: %d", cacheSize)
	}
}

func TestWALModeWithFile(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode to be 'wal' for file database, got: %s", journalMode)
	}
}

func TestSchema(t *testing.T) {
	db := newTestDB(t)

	for _, table := range []string{"documents", "accounts", "revoked_tokens", "session_record", "uploads"} {
		var n int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		if err != nil {
			t.Fatalf("Failed to inspect schema: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected table %s to exist", table)
		}
	}

	// running the migration again must be harmless
	if err := db.migrate(); err != nil {
		t.Fatalf("Second migration failed: %v", err)
	}
}

func TestDocumentsRoundTrip(t *testing.T) {
	db := newTestDB(t)
	docs := db.Documents()
	ctx := context.Background()

	if err := docs.SaveDocument(ctx, remote.Document{Collection: "users", Key: "u1", Data: []byte(`{"firstName":"Ada"}`)}); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}
	if err := docs.SaveDocument(ctx, remote.Document{Collection: "users", Key: "u1", Data: []byte(`{"firstName":"Grace"}`)}); err != nil {
		t.Fatalf("SaveDocument overwrite failed: %v", err)
	}
	if err := docs.SaveDocument(ctx, remote.Document{Collection: "chats", Key: "c1", Data: []byte(`{}`)}); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	all, err := docs.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 documents, got %d", len(all))
	}
	if all[1].Collection != "users" || string(all[1].Data) != `{"firstName":"Grace"}` {
		t.Errorf("Unexpected document: %+v", all[1])
	}

	counts, err := docs.CountByCollection(ctx)
	if err != nil {
		t.Fatalf("CountByCollection failed: %v", err)
	}
	if counts["users"] != 1 || counts["chats"] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}

	if err := docs.DeleteDocument(ctx, "chats", "c1"); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}
	all, _ = docs.LoadAll(ctx)
	if len(all) != 1 {
		t.Errorf("Expected 1 document after delete, got %d", len(all))
	}
}

func TestLocalStoreOverSQLite(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := remote.OpenLocalStore(ctx, db.Documents(), zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenLocalStore failed: %v", err)
	}
	key, err := s.Push(ctx, remote.MessagesPath("c1"), map[string]any{"text": "hi", "sentBy": "u1"})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	s.Close()

	reopened, err := remote.OpenLocalStore(ctx, db.Documents(), zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenLocalStore failed: %v", err)
	}
	v, err := reopened.ReadOnce(ctx, remote.MessagePath("c1", key))
	if err != nil {
		t.Fatalf("ReadOnce failed: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["text"] != "hi" {
		t.Errorf("Unexpected value after reload: %#v", v)
	}
}

func TestSessionStore(t *testing.T) {
	db := newTestDB(t)
	sessions := db.Sessions()
	ctx := context.Background()

	if _, ok, err := sessions.Load(ctx); err != nil || ok {
		t.Fatalf("Expected no record, got ok=%v err=%v", ok, err)
	}

	rec := models.SessionRecord{Token: "tok", UserID: "u1", ExpiryDate: "2030-01-01T00:00:00Z"}
	if err := sessions.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	rec.Token = "tok2"
	if err := sessions.Save(ctx, rec); err != nil {
		t.Fatalf("Save overwrite failed: %v", err)
	}

	got, ok, err := sessions.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Load failed: ok=%v err=%v", ok, err)
	}
	if got != rec {
		t.Errorf("Expected %+v, got %+v", rec, got)
	}

	if err := sessions.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, ok, _ := sessions.Load(ctx); ok {
		t.Error("Expected record to be cleared")
	}
}

// newTestRedis connects to CHATSYNC_TEST_REDIS_URL when set and to an
// in-process server otherwise.
func newTestRedis(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	var mr *miniredis.Miniredis
	url := os.Getenv("CHATSYNC_TEST_REDIS_URL")
	if url == "" {
		mr = miniredis.RunT(t)
		url = "redis://" + mr.Addr()
	}

	backend, err := NewRedisBackend(context.Background(), url)
	if err != nil {
		t.Fatalf("NewRedisBackend failed: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend, mr
}

func TestRedisBackend(t *testing.T) {
	backend, _ := newTestRedis(t)
	ctx := context.Background()

	if err := backend.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	doc := remote.Document{Collection: "users", Key: "redis-test", Data: []byte(`{"firstName":"Ada"}`)}
	if err := backend.SaveDocument(ctx, doc); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}
	defer backend.DeleteDocument(ctx, "users", "redis-test")

	docs, err := backend.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	found := false
	for _, d := range docs {
		if d.Collection == "users" && d.Key == "redis-test" {
			found = string(d.Data) == string(doc.Data)
		}
	}
	if !found {
		t.Error("Saved document not returned by LoadAll")
	}

	if err := backend.DeleteDocument(ctx, "users", "redis-test"); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}
	docs, err = backend.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll after delete failed: %v", err)
	}
	for _, d := range docs {
		if d.Collection == "users" && d.Key == "redis-test" {
			t.Error("Deleted document still returned by LoadAll")
		}
	}
}

func TestRedisBackendSkipsIndexedButMissing(t *testing.T) {
	backend, mr := newTestRedis(t)
	if mr == nil {
		t.Skip("needs the in-process server to edit keys directly")
	}
	ctx := context.Background()

	if err := backend.SaveDocument(ctx, remote.Document{Collection: "chats", Key: "c1", Data: []byte(`{"users":["u1"]}`)}); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}
	mr.Del(documentKey("chats", "c1"))

	docs, err := backend.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("Expected no documents, got %+v", docs)
	}
}

func TestLocalStoreOverRedis(t *testing.T) {
	backend, _ := newTestRedis(t)
	ctx := context.Background()

	s, err := remote.OpenLocalStore(ctx, backend, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenLocalStore failed: %v", err)
	}
	key, err := s.Push(ctx, remote.MessagesPath("redis-chat"), map[string]any{"text": "hi", "sentBy": "u1"})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	s.Close()

	reopened, err := remote.OpenLocalStore(ctx, backend, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenLocalStore failed: %v", err)
	}
	defer reopened.Close()
	v, err := reopened.ReadOnce(ctx, remote.MessagePath("redis-chat", key))
	if err != nil {
		t.Fatalf("ReadOnce failed: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["text"] != "hi" {
		t.Errorf("Unexpected value after reload: %#v", v)
	}
}

func TestNewRedisBackendUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := NewRedisBackend(context.Background(), "redis://"+addr); err == nil {
		t.Fatal("Expected ping failure against a closed server")
	}
	if _, err := NewRedisBackend(context.Background(), "not a url"); err == nil {
		t.Fatal("Expected parse failure")
	}
}
