package services

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPGDumper_EmptyURIFails(t *testing.T) {
	dumper := NewPGDumper("")
	if err := dumper.Dump("/tmp/never-written.dump"); err == nil {
		t.Error("Dump() should fail without a database URI")
	}
}

func TestPGDumper_MissingBinaryFails(t *testing.T) {
	// Empty PATH: pg_dump cannot be found
	t.Setenv("PATH", "")

	dumper := NewPGDumper("postgres://lb@localhost/listenbrainz")
	if err := dumper.Dump("/tmp/never-written.dump"); err == nil {
		t.Error("Dump() should fail when pg_dump is not in PATH")
	}
}

func TestValidateDumpFile(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pgdump-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	tests := []struct {
		name      string
		setup     func() string
		wantError bool
	}{
		{
			name: "valid dump file",
			setup: func() string {
				path := filepath.Join(tempDir, "valid.dump")
				os.WriteFile(path, []byte("PGDMP..."), 0600)
				return path
			},
			wantError: false,
		},
		{
			name: "empty dump file",
			setup: func() string {
				path := filepath.Join(tempDir, "empty.dump")
				os.WriteFile(path, []byte{}, 0600)
				return path
			},
			wantError: true,
		},
		{
			name: "missing dump file",
			setup: func() string {
				return filepath.Join(tempDir, "missing.dump")
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDumpFile(tt.setup())
			if (err != nil) != tt.wantError {
				t.Errorf("validateDumpFile() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}
