package services

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/huhridge/listenbrainz-server/config"
)

// PermissionApplier wendet Eigentümer und Modus-Bits auf Artefakt-Bäume an.
// Backup-Bäume sind privat (0700/0600), FTP-Staging ist weltlesbar
// (0755/0644). Eigentümer werden bei der Konstruktion einmalig zu uid/gid
// aufgelöst.
type PermissionApplier struct {
	perms  config.PermissionSet
	uid    int
	gid    int
	strict bool
}

// NewPermissionApplier resolves the configured owner. An unresolvable user
// or group disables chown with a warning; in strict mode it is an error.
func NewPermissionApplier(perms config.PermissionSet, strict bool) (*PermissionApplier, error) {
	pa := &PermissionApplier{perms: perms, uid: -1, gid: -1, strict: strict}

	if perms.User != "" {
		u, err := user.Lookup(perms.User)
		if err != nil {
			if strict {
				return nil, fmt.Errorf("benutzer %s nicht auflösbar: %w", perms.User, err)
			}
			slog.Warn("Eigentümer nicht auflösbar - chown wird übersprungen", "benutzer", perms.User, "fehler", err)
		} else {
			uid, err := strconv.Atoi(u.Uid)
			if err != nil {
				return nil, fmt.Errorf("uid von %s nicht numerisch: %w", perms.User, err)
			}
			pa.uid = uid
		}
	}

	if perms.Group != "" {
		g, err := user.LookupGroup(perms.Group)
		if err != nil {
			if strict {
				return nil, fmt.Errorf("gruppe %s nicht auflösbar: %w", perms.Group, err)
			}
			slog.Warn("Gruppe nicht auflösbar - chgrp wird übersprungen", "gruppe", perms.Group, "fehler", err)
		} else {
			gid, err := strconv.Atoi(g.Gid)
			if err != nil {
				return nil, fmt.Errorf("gid von %s nicht numerisch: %w", perms.Group, err)
			}
			pa.gid = gid
		}
	}

	return pa, nil
}

// ApplyTree wendet Modus-Bits und Eigentümer auf root und alles darunter an.
// Ein chmod-Fehler bricht ab; chown-Fehler ohne Privilegien werden geloggt
// und toleriert, außer im strict-Modus.
func (pa *PermissionApplier) ApplyTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return pa.apply(path, info.IsDir())
	})
}

// ApplyFile wendet Datei-Modus und Eigentümer auf eine einzelne Datei an.
func (pa *PermissionApplier) ApplyFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("datei nicht lesbar: %w", err)
	}
	return pa.apply(path, info.IsDir())
}

func (pa *PermissionApplier) apply(path string, isDir bool) error {
	mode := pa.perms.FileMode
	if isDir {
		mode = pa.perms.DirMode
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s fehlgeschlagen: %w", path, err)
	}

	if pa.uid == -1 && pa.gid == -1 {
		return nil
	}
	if err := os.Chown(path, pa.uid, pa.gid); err != nil {
		if pa.strict {
			return fmt.Errorf("chown %s fehlgeschlagen: %w", path, err)
		}
		slog.Warn("Konnte Eigentümer nicht setzen", "pfad", path, "fehler", err)
	}
	return nil
}
