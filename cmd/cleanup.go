package cmd

import (
	"github.com/spf13/cobra"

	"github.com/huhridge/listenbrainz-server/services"
)

var cleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune dumps and backups beyond the retention limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := services.OpenRegistry(cfg.Dump.RegistryFile)
		if err != nil {
			return err
		}
		defer registry.Close()

		cleaner := services.NewCleaner(registry, cfg.Dump, cfg.Backup, cfg.FTP, cfg.Retention)
		return cleaner.Run(cleanupDryRun)
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Only report what would be removed")
	rootCmd.AddCommand(cleanupCmd)
}
