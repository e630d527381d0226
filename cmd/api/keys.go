package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/keystore"
	pkgconfig "github.com/imamfahrudin/ai-api-middleware/pkg/config"

	"github.com/spf13/cobra"
)

var keysFlags struct {
	out string
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage stored API keys offline",
	Long: `Export and import the stored API keys without starting the server.

The export format is the same list the dashboard produces:
  [{"name": "...", "key_value": "...", "note": "..."}]

Examples:
  # Export to stdout
  api keys export

  # Export to a file
  api keys export --out keys.json

  # Import, skipping keys that are already stored
  api keys import keys.json`,
}

var keysExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export every stored key as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(store *keystore.Store) error {
			out := cmd.OutOrStdout()
			if keysFlags.out != "" {
				f, err := os.OpenFile(keysFlags.out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", keysFlags.out, err)
				}
				defer f.Close()
				out = f
			}
			return exportKeys(cmd.Context(), store, out)
		})
	},
}

var keysImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import keys from an exported JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()

		return withStore(cmd.Context(), func(store *keystore.Store) error {
			imported, skipped, err := importKeys(cmd.Context(), store, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Import complete. Imported %d, skipped %d.\n", imported, skipped)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysExportCmd, keysImportCmd)

	keysExportCmd.Flags().StringVarP(&keysFlags.out, "out", "o", "", "output file (stdout if empty)")
}

func withStore(ctx context.Context, fn func(*keystore.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	proxy := pkgconfig.NewProxy(cfg)
	defer proxy.Close()

	store, err := proxy.OpenStore(ctx)
	if err != nil {
		return err
	}
	return fn(store)
}

func exportKeys(ctx context.Context, store *keystore.Store, w io.Writer) error {
	keys, err := store.ExportAll(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(keys); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

func importKeys(ctx context.Context, store *keystore.Store, r io.Reader) (int, int, error) {
	var entries []models.ExportedCredential
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return 0, 0, fmt.Errorf("invalid data format: expected a list of keys: %w", err)
	}
	return store.ImportMany(ctx, entries)
}
