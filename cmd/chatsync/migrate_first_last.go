package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/chatsync/internal/models"
	"github.com/4xmen/chatsync/pkg/config"
)

type firstLastMigrationOptions struct {
	DatabasePath string
	DryRun       bool
}

type firstLastRecord struct {
	Key  string
	Data map[string]any
}

func runMigrate(cfg *config.Config, out io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing migration target (supported: first-last)")
	}

	switch args[0] {
	case "first-last":
		opts, err := parseFirstLastMigrationArgs(cfg, args[1:])
		if err != nil {
			return err
		}
		return runFirstLastMigration(context.Background(), out, opts)
	default:
		return fmt.Errorf("unknown migration target: %s", args[0])
	}
}

func parseFirstLastMigrationArgs(cfg *config.Config, args []string) (firstLastMigrationOptions, error) {
	opts := firstLastMigrationOptions{DatabasePath: cfg.DatabasePath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			opts.DryRun = true
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		default:
			return opts, fmt.Errorf("unknown migration flag: %s", args[i])
		}
	}

	if strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

// runFirstLastMigration rewrites every stored user document whose firstLast
// field is missing or stale.
func runFirstLastMigration(ctx context.Context, out io.Writer, opts firstLastMigrationOptions) error {
	if _, err := os.Stat(opts.DatabasePath); err != nil {
		return fmt.Errorf("failed to access database path: %w", err)
	}

	dbConn, err := sql.Open("sqlite3", opts.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer dbConn.Close()

	// BEGIN/COMMIT must run on one connection
	conn, err := dbConn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to start migration transaction: %w", err)
	}
	inTx := true
	defer func() {
		if inTx {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	records, total, invalid, err := loadStaleUserDocuments(ctx, conn)
	if err != nil {
		return err
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid user documents: %v", invalid)
	}

	if len(records) == 0 {
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return fmt.Errorf("failed to finish migration transaction: %w", err)
		}
		inTx = false
		fmt.Fprintf(out, "firstLast migration: already migrated (%d users checked).\n", total)
		return nil
	}

	if opts.DryRun {
		fmt.Fprintf(out, "Dry-run successful. Database: %s\n", opts.DatabasePath)
		fmt.Fprintf(out, "Would backfill firstLast on %d of %d users.\n", len(records), total)
		if _, err := conn.ExecContext(ctx, "ROLLBACK"); err != nil {
			return fmt.Errorf("failed to finish dry-run rollback: %w", err)
		}
		inTx = false
		return nil
	}

	if err := backfillFirstLast(ctx, conn, records); err != nil {
		return err
	}

	remaining, _, _, err := loadStaleUserDocuments(ctx, conn)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return fmt.Errorf("%d user documents still stale after migration", len(remaining))
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	inTx = false

	fmt.Fprintf(out, "Migration completed. Database: %s\n", opts.DatabasePath)
	fmt.Fprintf(out, "Backfilled firstLast on %d of %d users.\n", len(records), total)
	return nil
}

// pendingFirstLastBackfill counts user documents the migration would rewrite.
// A missing database counts as nothing pending.
func pendingFirstLastBackfill(ctx context.Context, databasePath string) (int, error) {
	if _, err := os.Stat(databasePath); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to access database path: %w", err)
	}

	dbConn, err := sql.Open("sqlite3", databasePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open database: %w", err)
	}
	defer dbConn.Close()

	conn, err := dbConn.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	records, _, _, err := loadStaleUserDocuments(ctx, conn)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func loadStaleUserDocuments(ctx context.Context, conn *sql.Conn) ([]firstLastRecord, int, []string, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT doc_key, data
		FROM documents
		WHERE collection = 'users'
		ORDER BY doc_key
	`)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to read user documents: %w", err)
	}
	defer rows.Close()

	var records []firstLastRecord
	var invalid []string
	total := 0

	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, 0, nil, fmt.Errorf("failed to scan user document: %w", err)
		}
		total++

		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil || data == nil {
			invalid = append(invalid, key)
			continue
		}

		first, _ := data["firstName"].(string)
		last, _ := data["lastName"].(string)
		want := models.SearchKey(first, last)
		if current, _ := data["firstLast"].(string); current == want {
			continue
		}
		data["firstLast"] = want
		records = append(records, firstLastRecord{Key: key, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, nil, fmt.Errorf("failed while reading user documents: %w", err)
	}

	return records, total, invalid, nil
}

func backfillFirstLast(ctx context.Context, conn *sql.Conn, records []firstLastRecord) error {
	stmt, err := conn.PrepareContext(ctx, `
		UPDATE documents
		SET data = ?, updated_at = CURRENT_TIMESTAMP
		WHERE collection = 'users' AND doc_key = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare backfill statement: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		data, err := json.Marshal(record.Data)
		if err != nil {
			return fmt.Errorf("failed to encode user %s: %w", record.Key, err)
		}
		if _, err := stmt.ExecContext(ctx, string(data), record.Key); err != nil {
			return fmt.Errorf("failed to update user %s: %w", record.Key, err)
		}
	}

	return nil
}
