package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"shellcache/internal/registry"
)

var storesCmd = &cobra.Command{
	Use:   "stores",
	Short: "Inspect the store registry",
}

var storesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stores in creation order",
	Long: `Opens the configured store registry directly and prints its store ids.
The proxy must not be running against the same badger directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := registry.New(cmd.Context(), cfg.RegistryOptions())
		if err != nil {
			return fmt.Errorf("open store registry: %w", err)
		}
		defer reg.Close()

		ids, err := reg.Keys(cmd.Context())
		if err != nil {
			return err
		}
		allow := cfg.Names().AllowSet()
		for _, id := range ids {
			marker := " "
			if _, ok := allow[id]; ok {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, id)
		}
		return nil
	},
}

func init() {
	storesCmd.AddCommand(storesListCmd)
}
