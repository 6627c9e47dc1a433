package database

import (
	"strings"
	"testing"
)

func TestMigrationFilesOrdered(t *testing.T) {
	files, err := MigrationFiles()
	if err != nil {
		t.Fatalf("MigrationFiles failed: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("Expected at least 2 migrations, got %d", len(files))
	}
	for i := 1; i < len(files); i++ {
		if files[i-1] >= files[i] {
			t.Errorf("Migrations out of order: %s before %s", files[i-1], files[i])
		}
	}
	if !strings.HasPrefix(files[0], "001_") {
		t.Errorf("Expected first migration 001_*, got %s", files[0])
	}
}
