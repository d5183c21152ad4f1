package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/qingminglong/frontend-develop-tools/internal/logging"
	"github.com/qingminglong/frontend-develop-tools/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve [root]",
	Short: "Run the MCP server on stdio",
	Long: `Serves the build tools over MCP on stdin/stdout. Tools default to the given
root, or the working directory. Logs go to stderr.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	root, err := rootArg(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := loadEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	s, mgr, err := server.New(env, root, env.Config.SessionCacheSize)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer mgr.Close()

	log := logging.NewLogger("cmd")
	log.Infof("fdt %s serving %s on stdio", server.Version, root)

	errCh := make(chan error, 1)
	go func() {
		errCh <- mcpserver.ServeStdio(s)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	}
}

// commandContext returns a context cancelled on interrupt.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
