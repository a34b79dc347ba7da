// Command gateway is the entry point for C7 plus process wiring: parse the
// CLI surface of spec.md §6 (`-c PATH` required), load and validate config,
// build the dependency graph (gatewayapp.App), and run until a shutdown
// signal arrives. Grounded on the teacher's cmd/cli main (cobra root +
// subcommands, logger-first bootstrap), narrowed from "AI coding agent CLI"
// to "start/stop one gateway process".
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/application/gatewayapp"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/config"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/logger"
)

const (
	appName    = "gateway"
	appVersion = "0.1.0"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           appName,
		Short:         "OpenAI-compatible gateway fronting local inference engines",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the gateway config file (required)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print the gateway version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%s v%s\n", appName, appVersion)
			return nil
		},
	}

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "validate config and check that every variant's binary and connect URL look launchable, without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(configPath)
		},
	}

	root.AddCommand(versionCmd, doctorCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runGateway(configPath string) error {
	if configPath == "" {
		return fmt.Errorf("-c/--config is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPath: "stdout"})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	log.Info("Starting gateway", zap.String("version", appVersion))

	watcher, err := config.WatchForChanges(configPath, log)
	if err != nil {
		log.Warn("Could not watch config file for changes", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	app, err := gatewayapp.New(cfg, log)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	app.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}

	log.Info("Gateway stopped successfully")
	return nil
}

func runDoctor(configPath string) error {
	if configPath == "" {
		return fmt.Errorf("-c/--config is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	problems := gatewayapp.Doctor(cfg)
	if len(problems) == 0 {
		fmt.Println("ok: config is valid and every variant's binary/connect URL looks launchable")
		return nil
	}

	fmt.Println("problems found:")
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return fmt.Errorf("%d problem(s) found", len(problems))
}
