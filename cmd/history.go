package cmd

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/qingminglong/frontend-develop-tools/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:   "history [root]",
	Short: "List recent build runs",
	Long: `Lists recorded pipeline runs for a workspace, newest first. With --all, runs
from every workspace are listed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "maximum number of runs")
	historyCmd.Flags().Bool("all", false, "include every workspace")
	historyCmd.Flags().Bool("json", false, "print runs as JSON on stdout")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	all, _ := cmd.Flags().GetBool("all")

	var root string
	if !all {
		var err error
		if root, err = rootArg(args); err != nil {
			return err
		}
	}

	env, err := loadEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()
	if env.History == nil {
		return errors.New("build history is disabled (set history_db)")
	}

	runs, err := env.History.Recent(cmd.Context(), root, limit)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	ui.New().History(runs)
	return nil
}
