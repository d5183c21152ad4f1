package cmd

import (
	"github.com/spf13/cobra"

	"github.com/qingminglong/frontend-develop-tools/internal/pipeline"
	"github.com/qingminglong/frontend-develop-tools/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:   "watch [root]",
	Short: "Rebuild affected packages whenever package sources change",
	Long: `Watches every package's source directory. Each change rebuilds the changed
packages and their dependents; a newer change aborts the build in progress.
Stop with ctrl-c.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	root, err := rootArg(args)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	env, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	s, err := env.NewSession(root)
	if err != nil {
		return err
	}
	loop, err := pipeline.NewWatchLoop(s, env.Runner, env.WatchOptions())
	if err != nil {
		return err
	}

	p := ui.New()
	loop.OnResult = func(res pipeline.RunResult) {
		p.Run(res)
	}
	p.WatchStarted(root, len(loop.Status().Dirs))
	return loop.Run(ctx)
}
