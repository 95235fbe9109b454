// Command mcp-server hosts the registered agents behind the MCP envelope
// protocol, over HTTP (with SSE streaming) or JSON-RPC on stdio.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mcprelay/mcprelay/agents/deepseek"
	"github.com/mcprelay/mcprelay/agents/echo"
	"github.com/mcprelay/mcprelay/agents/openai"
	"github.com/mcprelay/mcprelay/internal/auth"
	"github.com/mcprelay/mcprelay/internal/config"
	"github.com/mcprelay/mcprelay/internal/conversation"
	"github.com/mcprelay/mcprelay/internal/host"
	"github.com/mcprelay/mcprelay/internal/llm"
	"github.com/mcprelay/mcprelay/internal/logging"
	"github.com/mcprelay/mcprelay/internal/server"
	"github.com/mcprelay/mcprelay/internal/store"
	"github.com/mcprelay/mcprelay/internal/transport/stdio"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("mcp-server", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.StringP("config", "c", os.Getenv("MCP_CONFIG"), "path to a YAML or TOML config file")
	transport := flags.String("transport", "", "transport mode: http or stdio")
	addr := flags.String("addr", "", "HTTP listen address")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn or error")
	logFormat := flags.String("log-format", "", "log format: text or json")
	showVersion := flags.Bool("version", false, "print version and exit")
	help := flags.BoolP("help", "h", false, "show help")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *help {
		fmt.Fprintln(stderr, "Usage: mcp-server [flags]")
		flags.PrintDefaults()
		return nil
	}
	if *showVersion {
		fmt.Fprintf(stdout, "mcp-server %s (commit %s, built %s)\n", version, commit, buildTime)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flags.Changed("transport") {
		cfg.Server.Transport = *transport
	}
	if flags.Changed("addr") {
		cfg.Server.Addr = *addr
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = *logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	// stdout carries the protocol in stdio mode, so logs always go to stderr.
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, stderr)
	slog.SetDefault(logger)

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	var archive *store.SQLite
	if !cfg.Conversations.Disabled && cfg.Conversations.ArchivePath != "" {
		archive, err = store.NewSQLite(cfg.Conversations.ArchivePath)
		if err != nil {
			return fmt.Errorf("opening transcript archive: %w", err)
		}
		defer archive.Close()
	}

	opts := []host.Option{host.WithLogger(logger)}
	if a := buildAuthenticator(cfg.Auth); a != nil {
		opts = append(opts, host.WithAuthenticator(a))
	}
	var convs *conversation.Store
	if !cfg.Conversations.Disabled {
		storeOpts := []conversation.Option{conversation.WithLogger(logger)}
		if archive != nil {
			storeOpts = append(storeOpts, conversation.WithArchive(archive))
		}
		convs = conversation.New(cfg.Conversations.Retention, storeOpts...)
		opts = append(opts, host.WithConversations(convs))
	}
	dispatcher := host.NewDispatcher(registry, opts...)

	logger.Info("starting mcp-server",
		"version", version,
		"commit", commit,
		"environment", cfg.Environment,
		"transport", cfg.Server.Transport,
		"agents", registry.Len(),
		"auth", cfg.Auth.Enabled(),
		"conversations", convs != nil,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if convs != nil {
		g.Go(func() error { return convs.Run(gctx, cfg.Conversations.PurgeInterval) })
	}
	if archive != nil && cfg.Conversations.ArchiveRetention > 0 {
		g.Go(func() error {
			return pruneArchive(gctx, archive, cfg.Conversations.ArchiveRetention, cfg.Conversations.PurgeInterval, logger)
		})
	}

	g.Go(func() error {
		// The background loops only stop once the transport is done.
		defer cancel()
		if cfg.Server.Transport == config.TransportStdio {
			adapter := stdio.NewAdapter(dispatcher, stdin, stdout, stdio.WithLogger(logger), stdio.WithVersion(version))
			return serveStdio(gctx, adapter)
		}
		srvOpts := []server.Option{server.WithLogger(logger)}
		if archive != nil {
			srvOpts = append(srvOpts, server.WithTranscripts(archive))
		}
		return server.New(cfg, dispatcher, srvOpts...).Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

// buildRegistry registers every enabled agent.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*host.Registry, error) {
	registry := host.NewRegistry()

	if !cfg.Agents.Echo.Disabled {
		if err := registry.Register(echo.New()); err != nil {
			return nil, err
		}
	}
	if c := cfg.Agents.OpenAI; c.Active() {
		agent := openai.New(newLLMClient(c, logger), openai.WithSystemPrompt(c.SystemPrompt))
		if err := registry.Register(agent); err != nil {
			return nil, err
		}
	}
	if c := cfg.Agents.DeepSeek; c.Active() {
		if err := registry.Register(deepseek.New(newLLMClient(c, logger))); err != nil {
			return nil, err
		}
	}

	if registry.Len() == 0 {
		return nil, errors.New("no agents enabled")
	}
	return registry, nil
}

func newLLMClient(c config.LLMConfig, logger *slog.Logger) *llm.Client {
	return llm.NewClient(llm.Config{
		Endpoint:   c.Endpoint,
		APIKey:     c.APIKey,
		Model:      c.Model,
		MaxTokens:  c.MaxTokens,
		Timeout:    c.Timeout,
		MaxRetries: c.MaxRetries,
	}, llm.WithLogger(logger))
}

// buildAuthenticator returns nil when no credentials are configured.
func buildAuthenticator(c config.AuthConfig) auth.Authenticator {
	var chain auth.Chain
	if len(c.Tokens) > 0 {
		chain = append(chain, auth.NewTokenSet(c.Tokens...))
	}
	if c.JWTSecret != "" {
		chain = append(chain, auth.NewJWTVerifier([]byte(c.JWTSecret)))
	}
	switch len(chain) {
	case 0:
		return nil
	case 1:
		return chain[0]
	default:
		return chain
	}
}

// serveStdio runs the adapter until stdin closes or ctx is cancelled. A read
// blocked on stdin cannot be interrupted, so cancellation does not wait for it.
func serveStdio(ctx context.Context, adapter *stdio.Adapter) error {
	done := make(chan error, 1)
	go func() { done <- adapter.Run(ctx) }()

	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

// pruneArchive deletes archived transcripts older than retention every
// interval until ctx is cancelled.
func pruneArchive(ctx context.Context, archive *store.SQLite, retention, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := archive.DeleteBefore(ctx, time.Now().Add(-retention)); err != nil && ctx.Err() == nil {
				logger.Warn("pruning transcript archive failed", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
