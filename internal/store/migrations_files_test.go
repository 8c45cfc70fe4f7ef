package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestConfigurationsMigrationBackfills(t *testing.T) {
	contents, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0003_configurations.up.sql"))
	if err != nil {
		t.Fatalf("read configurations migration: %v", err)
	}
	schema := strings.ToLower(string(contents))
	if !strings.Contains(schema, "create table questionnaire_configurations") {
		t.Fatal("migration must create questionnaire_configurations")
	}
	// Existing rows get their own configuration as the original membership.
	if !strings.Contains(schema, "select id, config_code, true from questionnaires") {
		t.Fatal("migration must backfill memberships from config_code")
	}
}

func TestInitMigrationCreatesCoreTables(t *testing.T) {
	contents, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0001_init.up.sql"))
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	schema := strings.ToLower(string(contents))
	for _, table := range []string{
		"users",
		"user_roles",
		"configuration_editions",
		"questionnaires",
		"questionnaire_members",
		"questionnaire_locks",
		"questionnaire_links",
		"notification_logs",
		"notification_receivers",
		"notification_reads",
		"mail_preferences",
		"files",
	} {
		if !strings.Contains(schema, "create table "+table) &&
			!strings.Contains(schema, "create table if not exists "+table) {
			t.Fatalf("init migration missing table %s", table)
		}
	}
}
