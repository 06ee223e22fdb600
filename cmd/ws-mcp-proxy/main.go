// Package main is the entry point for the WebSocket MCP relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ws-mcp-proxy/internal/config"
	"ws-mcp-proxy/internal/lockfile"
	"ws-mcp-proxy/internal/manager"
)

type options struct {
	configPath     string
	logLevel       string
	lockDir        string
	generateConfig bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "ws-mcp-proxy <target-port>",
		Short: "Relays WebSocket MCP sessions to an IDE extension.",
		Long: "Listens on a random local port, advertises itself next to the target " +
			"through a lock file and relays every WebSocket session to " +
			"ws://127.0.0.1:<target-port>, logging each message.",
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.generateConfig {
				return cobra.NoArgs(cmd, args)
			}
			if len(args) != 1 {
				return errors.New("exactly one argument, the target port, is required")
			}
			_, err := parseTargetPort(args[0])
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if opts.generateConfig {
				return printDefaultConfig(cmd)
			}
			port, _ := parseTargetPort(args[0])
			return run(cmd.Context(), opts, port)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file.")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error. Overrides the config file.")
	flags.StringVar(&opts.lockDir, "lock-dir", "", "Directory holding the IDE lock files (default ~/.claude/ide).")
	flags.BoolVar(&opts.generateConfig, "generate-config", false, "Print the default configuration as YAML and exit.")
	return cmd
}

// parseTargetPort accepts a base-10 TCP port.
func parseTargetPort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("target port '%s' is not a number", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("target port %d is out of range", port)
	}
	return port, nil
}

func printDefaultConfig(cmd *cobra.Command) error {
	data, err := config.Marshal(config.Default())
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.logLevel != "" {
		cfg.LogLevel = config.LogLevel(opts.logLevel)
	}
	if opts.lockDir != "" {
		cfg.LockDir = opts.lockDir
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging expects a level already accepted by config validation. An
// empty level means info.
func setupLogging(level config.LogLevel) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	logLevel := zerolog.InfoLevel
	if level != "" {
		if parsed, err := zerolog.ParseLevel(string(level)); err == nil {
			logLevel = parsed
		}
	}
	zerolog.SetGlobalLevel(logLevel)
}

func run(ctx context.Context, opts *options, targetPort int) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	lockDir := cfg.LockDir
	if lockDir == "" {
		if lockDir, err = lockfile.DefaultDir(); err != nil {
			return err
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// Keeps later signals from killing the process while sessions drain.
	held := make(chan os.Signal, 1)
	signal.Notify(held, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(held)

	controller := manager.New(manager.Options{
		Config:     cfg,
		Store:      lockfile.NewStore(lockDir),
		TargetPort: targetPort,
	})
	if err := controller.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start proxy")
		return err
	}

	stopped := make(chan error, 1)
	go func() { stopped <- controller.Wait() }()

	select {
	case <-ctx.Done():
		log.Warn().Msg("Shutdown signal received, closing sessions...")
		_ = controller.Shutdown()
		log.Info().Msg("Proxy has shut down gracefully.")
		return nil
	case err := <-stopped:
		_ = controller.Shutdown()
		return err
	}
}
