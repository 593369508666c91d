package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/mcpforge/internal/config"
	"github.com/jkaninda/mcpforge/internal/storage"
)

var savedJSON bool

var savedCmd = &cobra.Command{
	Use:   "saved",
	Short: "Manage saved server definitions",
}

var savedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved server definitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store storage.SavedServerStore) error {
			saved, err := store.List(ctx)
			if err != nil {
				return err
			}
			if savedJSON {
				return writeJSON(cmd.OutOrStdout(), saved)
			}
			return printSaved(cmd.OutOrStdout(), saved)
		})
	},
}

var savedShowCmd = &cobra.Command{
	Use:   "show <saved-id>",
	Short: "Print the source code of a saved server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store storage.SavedServerStore) error {
			saved, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if savedJSON {
				return writeJSON(cmd.OutOrStdout(), saved)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), saved.Code)
			return err
		})
	},
}

var savedDeleteCmd = &cobra.Command{
	Use:   "delete <saved-id>",
	Short: "Delete a saved server definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store storage.SavedServerStore) error {
			if err := store.Delete(ctx, args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Saved server %s deleted\n", args[0])
			return err
		})
	},
}

func init() {
	savedCmd.PersistentFlags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	savedCmd.PersistentFlags().BoolVar(&savedJSON, "json", false, "print JSON instead of text")
	savedCmd.AddCommand(savedListCmd, savedShowCmd, savedDeleteCmd)
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, fn func(context.Context, storage.SavedServerStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Log.Level != "debug" {
		cfg.Log.Level = "warn"
	}

	store, err := initStore(cfg, newLogger(cfg.Log))
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, store)
}

func printSaved(w io.Writer, saved []storage.SavedServer) error {
	if len(saved) == 0 {
		_, err := fmt.Fprintln(w, "No saved servers found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLANGUAGE\tSAVED")
	for _, s := range saved {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Language, s.SavedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
