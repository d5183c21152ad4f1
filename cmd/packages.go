package cmd

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/qingminglong/frontend-develop-tools/internal/changes"
	"github.com/qingminglong/frontend-develop-tools/internal/dag"
	"github.com/qingminglong/frontend-develop-tools/internal/history"
	"github.com/qingminglong/frontend-develop-tools/internal/pipeline"
	"github.com/qingminglong/frontend-develop-tools/internal/ui"
)

var packagesCmd = &cobra.Command{
	Use:   "packages [root]",
	Short: "List workspace packages and their build dependencies",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPackages,
}

var detectCmd = &cobra.Command{
	Use:   "detect [root]",
	Short: "Show changed packages and the ordered build targets",
	Long: `Maps changed files to workspace packages and adds every package that depends
on them, in build order. Without --files, uncommitted git changes are used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDetect,
}

var buildCmd = &cobra.Command{
	Use:   "build [root]",
	Short: "Build changed packages and their dependents, then sync consumers",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBuild,
}

func init() {
	packagesCmd.Flags().Bool("json", false, "print packages as JSON on stdout")
	detectCmd.Flags().StringSlice("files", nil, "changed files instead of git changes")
	detectCmd.Flags().Bool("json", false, "print the detection as JSON on stdout")
	buildCmd.Flags().StringSlice("files", nil, "changed files instead of git changes")

	rootCmd.AddCommand(packagesCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(buildCmd)
}

func changeSource(cmd *cobra.Command) changes.Source {
	if files, _ := cmd.Flags().GetStringSlice("files"); len(files) > 0 {
		return changes.StaticSource(files)
	}
	return changes.GitSource{}
}

func runPackages(cmd *cobra.Command, args []string) error {
	root, err := rootArg(args)
	if err != nil {
		return err
	}
	env, err := loadEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	pkgs := env.Layout.Discover(root)
	graph := dag.FromPackages(pkgs, env.Config.BuildScript)

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(graph.Records())
	}
	ui.New().Packages(root, pkgs, graph, env.Config.BuildScript)
	return nil
}

func runDetect(cmd *cobra.Command, args []string) error {
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
	det, err := s.Detect(ctx, changeSource(cmd))
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(det)
	}
	ui.New().Detection(det)
	return nil
}

// errBuildFailed makes the process exit non-zero after a failed build.
var errBuildFailed = errors.New("build failed")

func runBuild(cmd *cobra.Command, args []string) error {
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

	p := ui.New()
	s.SetReadyHook(func(_ string, targets []dag.BuildTarget) {
		p.Targets(targets)
	})
	res, err := env.Runner.Run(ctx, s, changeSource(cmd), history.TriggerManual)
	if errors.Is(err, pipeline.ErrAborted) {
		p.Run(res)
		return err
	}
	if err != nil {
		return err
	}
	p.Run(res)
	if !res.Success() {
		return errBuildFailed
	}
	return nil
}
