package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-bench/internal/output"
)

var historyPath string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the sessions stored in the SQLite history database",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := historyPath
		if path == "" {
			path = cfg.Output.HistoryDB
		}
		if path == "" {
			return fmt.Errorf("no history database: set output.history_db or --db")
		}

		store, err := output.OpenSQLiteStore(path)
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, err := store.Sessions(cmd.Context())
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded yet.")
			return nil
		}
		for _, s := range sessions {
			fmt.Fprintln(cmd.OutOrStdout(), s)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyPath, "db", "", "History database path (default output.history_db)")
}
