package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TangGee/go-mcp-client"
	"github.com/TangGee/go-mcp-client/mcptest"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "tracker",
		Short:        "Serve a demo issue tracker project over MCP",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runTracker,
	}
	cmd.Flags().String("addr", "localhost:8080", "Address to listen on")
	cmd.Flags().String("base-url", "http://localhost:3000", "Base URL of the links to issues and wiki pages")
	cmd.Flags().Bool("stdio", false, "Serve one session over stdin and stdout instead of HTTP")
	cmd.Flags().Duration("ping-interval", 0, "Interval of server pings, zero disables them")
	return cmd
}

func runTracker(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	baseURL, _ := cmd.Flags().GetString("base-url")
	stdio, _ := cmd.Flags().GetBool("stdio")
	pingInterval, _ := cmd.Flags().GetDuration("ping-interval")

	// stdout carries messages in stdio mode, so logs always go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	p := newProject(baseURL)
	srv := mcptest.NewServer(mcp.Info{Name: "tracker", Version: "0.1.0"}, p.tools(),
		mcptest.WithInstructions("Issues and wiki pages of the demo project."),
		mcptest.WithPingInterval(pingInterval),
		mcptest.WithLogger(logger))

	ctx := cmd.Context()
	if stdio {
		err := srv.ServeStdIO(ctx, os.Stdin, os.Stdout)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sCtx); err != nil {
			logger.Error("failed to shutdown server", slog.String("err", err.Error()))
		}
	}()

	logger.Info("serving", slog.String("addr", addr))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
