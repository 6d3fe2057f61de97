package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/huhridge/listenbrainz-server/config"
	"github.com/huhridge/listenbrainz-server/services"
)

var (
	noBackup    bool
	skipPublish bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Create a new dump of the source database",
}

var dumpFullCmd = &cobra.Command{
	Use:   "full",
	Short: "Create a full dump: all public and private tables plus the complete listen history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDump(config.KindFull)
	},
}

var dumpIncrementalCmd = &cobra.Command{
	Use:   "incremental",
	Short: "Create an incremental dump: listens since the previous dump",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDump(config.KindIncremental)
	},
}

func init() {
	dumpCmd.PersistentFlags().BoolVar(&noBackup, "no-backup", false, "Skip the pg_dump database backup (full dumps only)")
	dumpCmd.PersistentFlags().BoolVar(&skipPublish, "skip-publish", false, "Leave the dump in the base directory instead of publishing it")
	dumpCmd.AddCommand(dumpFullCmd, dumpIncrementalCmd)
	rootCmd.AddCommand(dumpCmd)
}

func runDump(kind config.DumpKind) error {
	daemon := services.NewDaemon(cfg)
	if daemon.Dumper == nil {
		return fmt.Errorf("keine Quell-Datenbank konfiguriert (DB_URI)")
	}

	opts := services.DumpOptions{SkipBackup: noBackup}
	var entry *services.DumpEntry
	var err error
	if kind == config.KindIncremental {
		entry, err = daemon.Dumper.CreateIncremental(opts)
	} else {
		entry, err = daemon.Dumper.CreateFull(opts)
	}
	if err != nil {
		return err
	}

	if skipPublish {
		slog.Info("Dump erzeugt - Veröffentlichung übersprungen", "dump", entry.Name())
		return nil
	}
	return daemon.Processor.Process(filepath.Join(cfg.Dump.BaseDir, entry.Name()))
}
