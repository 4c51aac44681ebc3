package store

import (
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/therings/todo-backend/migrations"
)

var migrationName = regexp.MustCompile(`^(\d{5})_[a-z0-9_]+\.sql$`)

func migrationFiles(t *testing.T) []string {
	t.Helper()
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}

func TestMigrationFileNaming(t *testing.T) {
	names := migrationFiles(t)
	if len(names) == 0 {
		t.Fatal("no migrations embedded")
	}

	seen := map[string]bool{}
	for _, name := range names {
		match := migrationName.FindStringSubmatch(name)
		if match == nil {
			t.Errorf("migration %q does not follow NNNNN_name.sql", name)
			continue
		}
		if seen[match[1]] {
			t.Errorf("duplicate migration version %s", match[1])
		}
		seen[match[1]] = true
	}
}

func TestMigrationsHaveUpAndDownSections(t *testing.T) {
	for _, name := range migrationFiles(t) {
		raw, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		content := string(raw)
		if !strings.Contains(content, "-- +goose Up") {
			t.Errorf("%s is missing the up section", name)
		}
		if !strings.Contains(content, "-- +goose Down") {
			t.Errorf("%s is missing the down section", name)
		}
	}
}

func TestInitialMigrationCreatesCoreTables(t *testing.T) {
	raw, err := fs.ReadFile(migrations.FS, "00001_init.sql")
	if err != nil {
		t.Fatalf("read initial migration: %v", err)
	}
	content := string(raw)
	for _, table := range []string{"users", "todos", "todo_assignees", "deleted_todos", "comments", "refresh_sessions"} {
		if !strings.Contains(content, "CREATE TABLE "+table+" (") {
			t.Errorf("initial migration does not create %s", table)
		}
	}
}
