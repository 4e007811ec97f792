package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/panel/internal/api"
	"github.com/kalambet/panel/internal/jobs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local cache as a remote cache server (foreground)",
	Long: `Serve the local cache backend over HTTP so other machines can sync with it.

Clients authenticate with the bearer token from PANEL_SERVER_TOKEN.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		return runServer(cmd.Context(), host)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve panel tools over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("host", "127.0.0.1", "interface to listen on")
}

func runServer(parent context.Context, host string) error {
	fmt.Fprintf(os.Stderr, "panel version %s\n", version)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if e.cfg.Server.Token == "" {
		return errors.New("server.token is not set: export PANEL_SERVER_TOKEN before serving")
	}

	handler := api.NewCacheHandler(api.CacheDeps{
		Store:  e.cache,
		Token:  e.cfg.Server.Token,
		Logger: e.logger,
	})

	addr := net.JoinHostPort(host, strconv.Itoa(e.cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("remote cache listening", "addr", addr, "backend", e.cfg.Cache.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// mcpDeps shares one response cache between job runs and cache_stats.
func mcpDeps(e *env) api.MCPDeps {
	return api.MCPDeps{
		Cache: e.responses,
		Runs:  e.store,
		RunJob: func(ctx context.Context, path string) (*jobs.Results, error) {
			return runJobFile(ctx, e, path, runOverrides{})
		},
	}
}

func runMCP(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	mcpSrv := api.NewMCPServer(mcpDeps(e))
	e.logger.Info("MCP server started (stdio transport)")

	err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
