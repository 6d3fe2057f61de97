package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/huhridge/listenbrainz-server/services"
)

var transferBackend string

var transferCmd = &cobra.Command{
	Use:   "transfer <dump-dir>",
	Short: "Transfer a published dump to the export host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Rsync.Enabled() {
			return fmt.Errorf("kein Export-Host konfiguriert (RSYNC_FULLEXPORT_HOST)")
		}

		dumpDir := resolveDumpDir(args[0])
		name := filepath.Base(dumpDir)
		_, kind, err := services.ParseDumpName(name)
		if err != nil {
			return err
		}

		// Bevorzugt wird die Staging-Kopie: sie trägt bereits die FTP-Rechte
		src := filepath.Join(cfg.FTP.Dir, services.StageSubdir(kind), name)
		if _, err := os.Stat(src); err != nil {
			src = dumpDir
		}
		return services.NewTransferrer(cfg.Rsync).Transfer(src, name, kind, transferBackend)
	},
}

func init() {
	transferCmd.Flags().StringVar(&transferBackend, "backend", "", "Transfer backend (rsync, sftp); overrides rsync.backend")
	rootCmd.AddCommand(transferCmd)
}
