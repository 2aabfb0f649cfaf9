package cli

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/TangGee/go-mcp-client"
	"github.com/TangGee/go-mcp-client/internal/config"
	"github.com/spf13/cobra"
)

const keepAliveThreshold = 3

// loadConfig loads the configuration named by the --config flag, with the
// --transport and --url flags taking precedence.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	transport, _ := cmd.Flags().GetString("transport")
	url, _ := cmd.Flags().GetString("url")

	cfg, err := config.Load(path, func(c *config.Config) {
		if transport != "" {
			c.Transport = transport
		}
		if url != "" {
			c.URL = url
		}
	})
	if err != nil {
		return config.Config{}, exitError(exitConfig, "invalid configuration: %s", err)
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg config.Config) *slog.Logger {
	level, _ := cfg.SlogLevel()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func newTransport(cfg config.Config, logger *slog.Logger) (mcp.ClientTransport, error) {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Token
	}

	switch cfg.Transport {
	case config.TransportSSE:
		opts := []mcp.SSEClientOption{mcp.WithSSEClientLogger(logger)}
		for k, v := range headers {
			opts = append(opts, mcp.WithSSEClientHeader(k, v))
		}
		return mcp.NewSSEClient(cfg.URL, http.DefaultClient, opts...), nil
	case config.TransportStreamable:
		opts := []mcp.StreamableClientOption{mcp.WithStreamableClientLogger(logger)}
		for k, v := range headers {
			opts = append(opts, mcp.WithStreamableClientHeader(k, v))
		}
		return mcp.NewStreamableClient(cfg.URL, http.DefaultClient, opts...), nil
	case config.TransportWebSocket:
		opts := []mcp.WebSocketClientOption{mcp.WithWebSocketClientLogger(logger)}
		for k, v := range headers {
			opts = append(opts, mcp.WithWebSocketClientHeader(k, v))
		}
		return mcp.NewWebSocketClient(cfg.URL, opts...), nil
	case config.TransportStdIO:
		return mcp.NewCommandTransport(cfg.Command, cfg.Args,
			mcp.WithCommandEnv(cfg.Env...),
			mcp.WithCommandLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// connect opens a ready session to the configured server. The caller must close it.
func connect(cmd *cobra.Command) (*mcp.Session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg)

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return nil, exitError(exitConfig, "%s", err)
	}

	opts := []mcp.SessionOption{
		mcp.WithLogger(logger),
		mcp.WithHandshakeTimeout(cfg.HandshakeTimeout),
		mcp.WithRequestTimeout(cfg.RequestTimeout),
	}
	if cfg.KeepAlive > 0 {
		opts = append(opts, mcp.WithKeepAlive(cfg.KeepAlive, keepAliveThreshold))
	}
	sess := mcp.NewSession(mcp.Info{Name: cfg.ClientName, Version: cfg.ClientVersion}, transport, opts...)

	if err := sess.Connect(commandContext(cmd)); err != nil {
		return nil, exitError(exitConnect, "failed to connect to %s: %s", cfg.URL+cfg.Command, err)
	}

	logger.Debug("connected",
		slog.String("server", sess.ServerInfo().Name),
		slog.String("protocolVersion", sess.ProtocolVersion()))
	return sess, nil
}
