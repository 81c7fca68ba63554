package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	chstore "tickermux/internal/storage/clickhouse"
)

// RunClickhouseMigrations applies all embedded SQL files in lexical order.
// Each file holds a single statement; migrations are expected to be
// idempotent (CREATE TABLE IF NOT EXISTS and friends).
func RunClickhouseMigrations(ctx context.Context, conn *chstore.Conn) error {
	entries, err := fs.ReadDir(ClickhouseFS, "clickhouse")
	if err != nil {
		return fmt.Errorf("read embedded clickhouse migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(ClickhouseFS, "clickhouse/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		stmt := strings.TrimSpace(stripSQLComments(string(data)))
		if stmt == "" {
			continue
		}
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}

	return nil
}

// stripSQLComments removes line comments; ClickHouse rejects some leading
// comment forms in Exec.
func stripSQLComments(sql string) string {
	var out []string
	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
