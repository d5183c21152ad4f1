package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qingminglong/frontend-develop-tools/internal/config"
	"github.com/qingminglong/frontend-develop-tools/internal/logging"
	"github.com/qingminglong/frontend-develop-tools/internal/pipeline"
	"github.com/qingminglong/frontend-develop-tools/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "fdt",
	Short: "Frontend monorepo build helper",
	Long: `fdt finds the packages of a pnpm workspace, works out which ones changed and
which depend on them, builds them in dependency order and copies the output
into consumer projects. Run "fdt serve" to expose it as an MCP server.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		ui.New().Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default .fdt.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("package-manager", "", "package manager used to run build scripts (default pnpm)")
	rootCmd.PersistentFlags().String("build-script", "", "package script that builds a package (default build)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("package_manager", rootCmd.PersistentFlags().Lookup("package-manager"))
	_ = viper.BindPFlag("build_script", rootCmd.PersistentFlags().Lookup("build-script"))
}

func initConfig() {
	if cfgFile, _ := rootCmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".fdt")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
	}

	viper.SetEnvPrefix("FDT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// It's fine if no config file is found; we use defaults.
	_ = viper.ReadInConfig()
}

// loadEnv loads and validates configuration, configures logging and builds
// the pipeline environment. The caller must Close the returned Env.
func loadEnv(ctx context.Context) (*pipeline.Env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Configure(cfg.LogLevel, cfg.LogFormat)
	return pipeline.NewEnv(ctx, cfg), nil
}

// rootArg returns the absolute workspace root from the optional positional
// argument, defaulting to the working directory.
func rootArg(args []string) (string, error) {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace root %s is not a directory", abs)
	}
	return abs, nil
}
