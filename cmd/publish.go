package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/huhridge/listenbrainz-server/services"
)

var publishCmd = &cobra.Command{
	Use:   "publish <dump-dir>",
	Short: "Stage a completed dump in the FTP tree, mirror it and transfer it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		daemon := services.NewDaemon(cfg)
		return daemon.Processor.Process(resolveDumpDir(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
}

// resolveDumpDir erlaubt sowohl Pfade als auch bloße Dump-Namen, die dann
// unterhalb von dump.base-dir gesucht werden.
func resolveDumpDir(arg string) string {
	if strings.ContainsRune(arg, os.PathSeparator) {
		return arg
	}
	return filepath.Join(cfg.Dump.BaseDir, arg)
}
