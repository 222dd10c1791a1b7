package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/spacemeshos/nameserver/logging"
	"github.com/spacemeshos/nameserver/migrations"
	"github.com/spacemeshos/nameserver/server"
)

// Nameserver binary version.
// It should be passed during the build with '-ldflags "-X main.version="'.
var version = "unknown"

// nameserverMain is the true entry point for the nameserver. This function is
// required since defers created in the top-level scope of a main method aren't
// executed if os.Exit() is called.
func nameserverMain() error {
	var err error
	// Start with a default Config with sane settings
	cfg := server.DefaultConfig()
	// Pre-parse the command line to check for an alternative Config file
	cfg, err = server.ParseFlags(cfg)
	if err != nil {
		return err
	}
	// Load configuration file overwriting defaults with any specified options
	cfg, err = server.ReadConfigFile(cfg)
	if err != nil {
		return err
	}
	// Finally, parse the command line options again to ensure they take
	// precedence.
	cfg, err = server.ParseFlags(cfg)
	if err != nil {
		return err
	}
	cfg, err = server.SetupConfig(cfg)
	if err != nil {
		return err
	}

	// Initialize logging
	logLevel := zap.InfoLevel
	if cfg.DebugLog {
		logLevel = zap.DebugLevel
	}
	logger := logging.New(
		logLevel,
		filepath.Join(cfg.LogDir, "nameserver.log"),
		cfg.JSONLog,
		logging.Rotation{MaxSizeMB: cfg.MaxLogFileSize, MaxBackups: cfg.MaxLogFiles},
	)
	ctx := logging.NewContext(context.Background(), logger)

	defer func() {
		logger.Info("shutdown complete")
	}()

	logger.Sugar().Infof("version: %s, dir: %v, registry: %v", version, cfg.NameserverDir, cfg.ConnectString)

	if err := migrations.Migrate(ctx, cfg); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	srv, err := server.New(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failure in server: %w", err)
	}

	return nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := nameserverMain(); err != nil {
		// If it's the flag utility error don't print it,
		// because it was already printed.
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
