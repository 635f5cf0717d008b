// Command migrate applies the SQL files under migrations/ in lexical
// order, each in its own transaction. A failing file is reported and the
// remaining files still run, so a partially applied schema is visible in
// one pass. With --list it prints the engine's tables instead.
package main

import (
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/essencia/newsletter-engine/internal/pkg/logger"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	if listOnly {
		if err := listTables(db); err != nil {
			logger.Error("list tables failed", "error", err)
			os.Exit(1)
		}
		return
	}

	files, err := sqlFiles(dir)
	if err != nil {
		logger.Error("read migrations dir failed", "dir", dir, "error", err)
		os.Exit(1)
	}

	applied, failed := applyMigrations(db, dir, files)
	logger.Info("migrations finished", "applied", applied, "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// sqlFiles returns the names of the .sql files directly under dir, in
// lexical order. Lexical order is the migration order, so files keep the
// NNN_ prefix convention.
func sqlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// applyMigrations runs each file in its own transaction and reports the
// outcome per file. Blank files are skipped.
func applyMigrations(db *sql.DB, dir string, files []string) (applied, failed int) {
	for _, f := range files {
		path := filepath.Join(dir, f)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error("migration unreadable", "file", f, "error", err)
			failed++
			continue
		}
		content := string(data)
		if strings.TrimSpace(content) == "" {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			logger.Error("migration begin failed", "file", f, "error", err)
			failed++
			continue
		}
		if _, err := tx.Exec(content); err != nil {
			tx.Rollback()
			logger.Error("migration failed", "file", f, "error", err)
			failed++
			continue
		}
		if err := tx.Commit(); err != nil {
			logger.Error("migration commit failed", "file", f, "error", err)
			failed++
			continue
		}
		logger.Info("migration applied", "file", f)
		applied++
	}
	return applied, failed
}

// listTables prints the engine's tables, a quick check that the schema
// landed.
func listTables(db *sql.DB) error {
	rows, err := db.Query(`
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND (tablename LIKE 'dispatch_%' OR tablename LIKE 'newsletter%')
		ORDER BY tablename
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		logger.Info("table present", "name", name)
		n++
	}
	logger.Info("schema check complete", "tables", n)
	return rows.Err()
}
