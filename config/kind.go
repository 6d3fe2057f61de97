package config

import "fmt"

// DumpKind unterscheidet Voll- und Inkremental-Exporte. Die Art bestimmt
// Dateinamen, Rsync-Zielverzeichnis und den verwendeten SSH-Schlüssel.
type DumpKind string

const (
	KindFull        DumpKind = "full"
	KindIncremental DumpKind = "incremental"
)

// ParseKind parses a dump kind from its wire/CLI form.
func ParseKind(s string) (DumpKind, error) {
	switch s {
	case "full":
		return KindFull, nil
	case "incremental":
		return KindIncremental, nil
	default:
		return "", fmt.Errorf("unbekannte Dump-Art: %s (erlaubt: full, incremental)", s)
	}
}

func (k DumpKind) String() string {
	return string(k)
}
