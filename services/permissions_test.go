package services

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/huhridge/listenbrainz-server/config"
)

func makePermTree(t *testing.T) string {
	t.Helper()
	root, err := os.MkdirTemp("", "perms_test")
	if err != nil {
		t.Fatalf("Fehler beim Erstellen des Testverzeichnisses: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })

	if err := os.MkdirAll(filepath.Join(root, "2024-05"), 0755); err != nil {
		t.Fatalf("Fehler beim Erstellen des Unterverzeichnisses: %v", err)
	}
	for _, name := range []string{"user.tsv", "2024-05/listens.jsonl"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x\n"), 0644); err != nil {
			t.Fatalf("Fehler beim Erstellen der Testdatei: %v", err)
		}
	}
	return root
}

func TestPermissionApplier_ApplyTreeModes(t *testing.T) {
	root := makePermTree(t)

	pa, err := NewPermissionApplier(config.PermissionSet{
		DirMode:  0700,
		FileMode: 0600,
	}, false)
	if err != nil {
		t.Fatalf("NewPermissionApplier() error = %v", err)
	}

	if err := pa.ApplyTree(root); err != nil {
		t.Fatalf("ApplyTree() error = %v", err)
	}

	checks := []struct {
		path string
		want os.FileMode
	}{
		{root, 0700},
		{filepath.Join(root, "2024-05"), 0700},
		{filepath.Join(root, "user.tsv"), 0600},
		{filepath.Join(root, "2024-05", "listens.jsonl"), 0600},
	}
	for _, c := range checks {
		info, err := os.Stat(c.path)
		if err != nil {
			t.Fatalf("Stat(%s) error = %v", c.path, err)
		}
		if got := info.Mode().Perm(); got != c.want {
			t.Errorf("Mode(%s) = %o, erwartet %o", c.path, got, c.want)
		}
	}
}

func TestPermissionApplier_ApplyFile(t *testing.T) {
	root := makePermTree(t)
	target := filepath.Join(root, "user.tsv")

	pa, err := NewPermissionApplier(config.PermissionSet{
		DirMode:  0755,
		FileMode: 0644,
	}, false)
	if err != nil {
		t.Fatalf("NewPermissionApplier() error = %v", err)
	}

	if err := pa.ApplyFile(target); err != nil {
		t.Fatalf("ApplyFile() error = %v", err)
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if got := info.Mode().Perm(); got != 0644 {
		t.Errorf("Mode = %o, erwartet %o", got, os.FileMode(0644))
	}

	if err := pa.ApplyFile(filepath.Join(root, "fehlt.tsv")); err == nil {
		t.Error("ApplyFile() sollte für fehlende Dateien fehlschlagen")
	}
}

func TestPermissionApplier_ResolvesCurrentUser(t *testing.T) {
	current, err := user.Current()
	if err != nil {
		t.Skipf("aktueller Benutzer nicht ermittelbar: %v", err)
	}

	pa, err := NewPermissionApplier(config.PermissionSet{
		User:     current.Username,
		DirMode:  0755,
		FileMode: 0644,
	}, true)
	if err != nil {
		t.Fatalf("NewPermissionApplier() error = %v", err)
	}
	if pa.uid == -1 {
		t.Error("uid wurde nicht aufgelöst")
	}

	// chown auf den eigenen Benutzer braucht keine Privilegien
	root := makePermTree(t)
	if err := pa.ApplyTree(root); err != nil {
		t.Fatalf("ApplyTree() error = %v", err)
	}
}

func TestPermissionApplier_UnknownUserStrict(t *testing.T) {
	_, err := NewPermissionApplier(config.PermissionSet{
		User:     "kein-solcher-benutzer-xyz",
		DirMode:  0700,
		FileMode: 0600,
	}, true)
	if err == nil {
		t.Error("strict-Modus sollte bei unbekanntem Benutzer fehlschlagen")
	}
}

func TestPermissionApplier_UnknownUserTolerated(t *testing.T) {
	pa, err := NewPermissionApplier(config.PermissionSet{
		User:     "kein-solcher-benutzer-xyz",
		Group:    "keine-solche-gruppe-xyz",
		DirMode:  0700,
		FileMode: 0600,
	}, false)
	if err != nil {
		t.Fatalf("NewPermissionApplier() error = %v", err)
	}
	if pa.uid != -1 || pa.gid != -1 {
		t.Error("unbekannter Eigentümer sollte chown deaktivieren")
	}

	root := makePermTree(t)
	if err := pa.ApplyTree(root); err != nil {
		t.Fatalf("ApplyTree() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(root, "user.tsv"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if got := info.Mode().Perm(); got != 0600 {
		t.Errorf("Mode = %o, erwartet %o", got, os.FileMode(0600))
	}
}
