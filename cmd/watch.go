package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/huhridge/listenbrainz-server/services"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the dump daemon: publish completed dumps, keep the schedule and serve health checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		daemon := services.NewDaemon(cfg)

		// Graceful Shutdown Handler
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigChan
			slog.Info("Shutdown-Signal empfangen...")
			daemon.Stop()
		}()

		// Daemon starten (blockiert bis Stop aufgerufen wird)
		daemon.Start()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
