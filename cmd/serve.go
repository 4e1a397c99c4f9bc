package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"combo-gateway/internal/account"
	"combo-gateway/internal/config"
	"combo-gateway/internal/fallback"
	"combo-gateway/internal/logging"
	providerfactory "combo-gateway/internal/provider/factory"
	"combo-gateway/internal/router"
	"combo-gateway/internal/server"
	"combo-gateway/internal/usage"
)

type serveOptions struct {
	configPath   string
	overridePort int
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML configuration file")
	cmd.Flags().IntVar(&opts.overridePort, "port", 0, "override server port from configuration")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func serve(ctx context.Context, opts serveOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log, nil)
	slog.SetDefault(logger)

	store, err := newStore(cfg)
	if err != nil {
		return err
	}

	providers, err := providerfactory.BuildRegistry(cfg, store, logger)
	if err != nil {
		return err
	}

	recorders := []usage.Recorder{usage.MetricsRecorder{}}
	if cfg.Usage.Log {
		recorders = append(recorders, usage.LogRecorder{Logger: logging.WithComponent(logger, "usage")})
	}
	sink := usage.NewAsyncSink(cfg.Usage.Buffer, cfg.Usage.Workers, logger, recorders...)

	rt := router.New(router.Config{
		Providers: providers,
		Policy:    fallback.NewPolicy(policyConfig(cfg), store, logger),
		Sink:      sink,
		Logger:    logger,
	})

	srv, err := server.New(cfg.Server, rt, store, logger)
	if err != nil {
		return err
	}

	runErr := srv.Run(ctx)

	grace := cfg.Server.ShutdownTimeout
	if grace <= 0 {
		grace = 10 * time.Second
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := sink.Close(flushCtx); err != nil {
		logger.Warn("flush usage events", "error", err)
	}
	return runErr
}

func loadConfig(opts serveOptions) (config.Config, error) {
	if opts.configPath == "" {
		return config.Config{}, errors.New("serve command requires --config <path>")
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.overridePort != 0 {
		if opts.overridePort < 0 || opts.overridePort > 65535 {
			return config.Config{}, fmt.Errorf("port override %d must be a valid TCP port", opts.overridePort)
		}
		cfg.Server.Port = opts.overridePort
	}
	return cfg, nil
}

func policyConfig(cfg config.Config) fallback.Config {
	cooldowns := make(map[string]time.Duration)
	for name, p := range cfg.Providers {
		if p.Cooldown > 0 {
			cooldowns[name] = p.Cooldown
		}
	}
	return fallback.Config{
		TransientRetries: cfg.Engine.TransientRetries,
		DefaultCooldown:  cfg.Engine.DefaultCooldown,
		Cooldowns:        cooldowns,
	}
}

// newStore seeds the in-memory account store from configuration.
func newStore(cfg config.Config) (*account.MemoryStore, error) {
	accounts := make([]*account.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts = append(accounts, account.New(a.ID, a.Provider, account.Credentials{
			APIKey:       a.APIKey,
			AccessToken:  a.AccessToken,
			RefreshToken: a.RefreshToken,
			ExpiresAt:    a.ExpiresAt,
			Extra:        a.Extra,
		}))
	}

	specs := make([]account.ComboSpec, 0, len(cfg.Combos))
	for _, c := range cfg.Combos {
		spec := account.ComboSpec{Name: c.Name, Entries: make([]account.EntrySpec, 0, len(c.Entries))}
		for _, e := range c.Entries {
			spec.Entries = append(spec.Entries, account.EntrySpec{Account: e.Account, Model: e.Model})
		}
		specs = append(specs, spec)
	}

	store, err := account.NewMemoryStore(accounts, specs)
	if err != nil {
		return nil, fmt.Errorf("build account store: %w", err)
	}
	return store, nil
}
