package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/huhridge/listenbrainz-server/services"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the dumps recorded in the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := services.OpenRegistry(cfg.Dump.RegistryFile)
		if err != nil {
			return err
		}
		defer registry.Close()

		entries, err := registry.List(listLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Registry ist leer - noch keine Dumps erzeugt")
			return nil
		}

		fmt.Printf("%-6s %-52s %-12s %-11s %s\n", "ID", "NAME", "ART", "STATUS", "ERZEUGT")
		for _, entry := range entries {
			fmt.Printf("%-6d %-52s %-12s %-11s %s\n",
				entry.ID, entry.Name(), entry.Kind, entry.State,
				entry.Created.UTC().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Show only the newest N dumps (0 shows all)")
	rootCmd.AddCommand(listCmd)
}
