package researchd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/6chenhua/research-agent-backend/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the researchd HTTP server",
	Long: `Start the HTTP server and the background ingestion workers.

The server provides endpoints for:
- Searching the knowledge graph
- Ingesting documents synchronously or as jobs
- Inspecting nodes, neighbors, paths and communities
- Health checks

Communities of every namespace are recomputed every --community-interval.

Configuration can be provided through config files, environment variables, or command-line flags.`,
	RunE: runServe,
}

var (
	serverHost string
	serverPort int
	serverMode string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "Server host")
	serveCmd.Flags().IntVar(&serverPort, "port", 8080, "Server port")
	serveCmd.Flags().StringVar(&serverMode, "mode", "release", "Server mode (debug, release, test)")
	serveCmd.Flags().String("graph-driver", "memory", "Graph store (memory, neo4j)")
	serveCmd.Flags().String("neo4j-uri", "", "Neo4j bolt URI")
	serveCmd.Flags().Duration("community-interval", 24*time.Hour, "Community recomputation interval (0 disables)")

	_ = viper.BindPFlag("graph.driver", serveCmd.Flags().Lookup("graph-driver"))
	_ = viper.BindPFlag("graph.neo4j.uri", serveCmd.Flags().Lookup("neo4j-uri"))
	_ = viper.BindPFlag("community.interval", serveCmd.Flags().Lookup("community-interval"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	overrideServeFlags(cmd, a)
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := a.core.Start(ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	go a.core.RunCommunityRefresh(ctx, a.cfg.Community.Interval)

	srv := server.New(a.cfg, a.core, a.logger)
	srv.Setup()

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	a.logger.Info("server stopped gracefully")
	return nil
}

// overrideServeFlags applies the listener flags. The graph flags are bound
// to viper and already applied by config.Load.
func overrideServeFlags(cmd *cobra.Command, a *app) {
	if cmd.Flags().Changed("host") {
		a.cfg.Server.Host = serverHost
	}
	if cmd.Flags().Changed("port") {
		a.cfg.Server.Port = serverPort
	}
	if cmd.Flags().Changed("mode") {
		a.cfg.Server.Mode = serverMode
	}
}
