package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcpgateway/mcp-gateway/internal/config"
	"github.com/mcpgateway/mcp-gateway/internal/gateway"
	"github.com/mcpgateway/mcp-gateway/internal/logging"
	"github.com/mcpgateway/mcp-gateway/internal/policy"
	"github.com/mcpgateway/mcp-gateway/internal/session"
	"github.com/mcpgateway/mcp-gateway/internal/store"
)

func runServe(cmd *cobra.Command) error {
	f := flags.resolve()

	level, err := logging.ParseLevel(f.logLevel)
	if err != nil {
		return exitWith(ExitConfigError, err)
	}
	logger, closer := logging.Setup(level, store.CacheDir())
	if closer != nil {
		defer closer.Close()
	}

	db, err := store.Open(store.DefaultPath())
	if err != nil {
		logger.Warn("cache store unavailable", "error", err)
		db = nil
	}

	g, err := gateway.New(gateway.Options{
		Config:       f.configOptions(),
		PolicyPath:   f.policy,
		ManifestPath: f.manifest,
		Store:        db,
		Logger:       logger,
	})
	if err != nil {
		return exitWith(ExitConfigError, err)
	}
	defer g.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startErr := g.Initialize(ctx)
	if startErr != nil {
		if errors.Is(startErr, config.ErrInvalid) || errors.Is(startErr, policy.ErrInvalid) {
			return exitWith(ExitConfigError, startErr)
		}
		// Individual session failures are tolerated, but a startup where
		// nothing came up is fatal in non-interactive mode.
		if noneReady(g) {
			logger.Error("no downstream server started", "error", startErr)
			return exitWith(ExitStartError, startErr)
		}
		logger.Warn("some servers failed to start", "error", startErr)
	}

	if f.listen != "" {
		logger.Info("serving Streamable HTTP", "addr", f.listen)
		err = serveHTTP(ctx, f.listen, g)
	} else {
		logger.Info("serving MCP on stdio")
		err = g.Run(ctx)
	}

	if ctx.Err() != nil {
		logger.Info("interrupted, shutting down")
		return exitWith(ExitInterrupt, nil)
	}
	if err != nil {
		return err
	}
	return nil
}

func noneReady(g *gateway.Gateway) bool {
	statuses := g.Manager().Statuses()
	if len(statuses) == 0 {
		return false
	}
	for _, s := range statuses {
		if s.State == session.StateReady || s.State == session.StateDegraded {
			return false
		}
	}
	return true
}

func serveHTTP(ctx context.Context, addr string, g *gateway.Gateway) error {
	srv := &http.Server{Addr: addr, Handler: g.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
