package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sitebrain/sitebrain/internal/api"
	"github.com/sitebrain/sitebrain/internal/app"
	"github.com/sitebrain/sitebrain/internal/config"
)

var flagListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and the background ingest scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagListenAddr, "addr", "", "listen address (overrides configuration)")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	// Serving needs more than a valid file: a provider key to answer with
	// and the guest IP salt, without which guest identities degrade to
	// unsalted hashes.
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, newLogger())
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	srvCfg := api.ServerConfig{
		Logger:      a.Logger,
		Engine:      a.Engine,
		Store:       a.Store,
		Pool:        a.Pool,
		CORSOrigins: a.Config.CORSOrigins,
		TrustProxy:  a.Config.TrustProxy,
		RateBurst:   a.Config.Limits.HTTPRateBurst,
	}
	// Migration endpoints appear only when a second backend exists to
	// migrate into.
	if a.AltVectors != nil {
		srvCfg.Migrator = a.Migrator
		srvCfg.MigrationSource = a.Vectors
		srvCfg.MigrationTarget = a.AltVectors
	}

	server, err := api.NewServer(srvCfg)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// The scheduler drains the ingest queue and sweeps stale state; it
	// stops with the same signal context as the server.
	go a.Engine.RunScheduler(ctx)

	addr := flagListenAddr
	if addr == "" {
		addr = a.Config.ListenAddr
	}
	return server.Run(ctx, addr)
}
