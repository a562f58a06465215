package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medviewer/launcher/config"
	"github.com/medviewer/launcher/httpd"
	"github.com/medviewer/launcher/journal"
	"github.com/medviewer/launcher/ports"
	"github.com/medviewer/launcher/processes"
	"github.com/medviewer/launcher/sessions"
)

var (
	configPath     string
	signingKeyPath string
	verbose        bool
)

func main() {
	root := &cobra.Command{
		Use:           "launcher",
		Short:         "Session launcher for per-user application backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "launcher.json", "path to the launcher descriptor")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the launcher service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	serveCmd.Flags().StringVar(&signingKeyPath, "signing-key", "", "path to the session signing key (generated if absent)")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the launcher descriptor and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d app(s), %d resource range(s), timeout %s\n",
				configPath, len(cfg.Apps), len(cfg.Resources), cfg.Configuration.TimeoutDuration())
			return nil
		},
	}

	root.AddCommand(serveCmd, checkCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serve() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("Starting session launcher", "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ranges := make([]ports.Range, len(cfg.Resources))
	for i, res := range cfg.Resources {
		ranges[i] = ports.Range{Host: res.Host, Min: res.PortRange[0], Max: res.PortRange[1]}
	}
	pool, err := ports.NewPool(ranges)
	if err != nil {
		return fmt.Errorf("building port pool: %w", err)
	}

	logDir := cfg.Configuration.LogDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	jrnl, err := journal.Open(filepath.Join(logDir, "journal.db"))
	if err != nil {
		return fmt.Errorf("opening session journal: %w", err)
	}
	defer jrnl.Close()

	keyPath := signingKeyPath
	if keyPath == "" {
		keyPath = filepath.Join(logDir, "signing.key")
	}
	signingKey, err := sessions.LoadSigningKey(keyPath)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	var mapper sessions.Mapper
	if cfg.Configuration.ProxyFile != "" {
		pm, err := httpd.NewProxyMap(cfg.Configuration.ProxyFile)
		if err != nil {
			return err
		}
		mapper = pm
		logger.Info("Proxy mapping enabled", "file", cfg.Configuration.ProxyFile)
	}

	reg, err := sessions.NewRegistry(sessions.RegistryOptions{
		Config: cfg,
		Pool:   pool,
		Supervisor: processes.NewSupervisor(processes.Options{
			Logger: logger,
		}),
		Journal:    jrnl,
		Mapper:     mapper,
		SigningKey: signingKey,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("creating session registry: %w", err)
	}
	reg.Start()

	server := httpd.NewServer(cfg, reg, jrnl, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-errChan:
		logger.Error("HTTP server failed", "error", err)
		reg.Shutdown()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}
	reg.Shutdown()
	logger.Info("Launcher shut down cleanly")
	return nil
}
