package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/R3E-Network/raffle_layer/internal/config"
	"github.com/R3E-Network/raffle_layer/internal/database"
	"github.com/R3E-Network/raffle_layer/internal/database/migrations"
	"github.com/R3E-Network/raffle_layer/internal/httpapi"
	"github.com/R3E-Network/raffle_layer/internal/httputil"
	"github.com/R3E-Network/raffle_layer/internal/middleware"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
	"github.com/R3E-Network/raffle_layer/services/automation"
	"github.com/R3E-Network/raffle_layer/services/payout"
	"github.com/R3E-Network/raffle_layer/services/raffle"
	"github.com/R3E-Network/raffle_layer/services/raffle/postgres"
	raffleredis "github.com/R3E-Network/raffle_layer/services/raffle/redis"
	"github.com/R3E-Network/raffle_layer/services/vrf"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	*rootOptions
	addr      string
	migrate   bool
	noKeeper  bool
	payoutTTL time.Duration
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the raffle service.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "HTTP listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.migrate, "migrate", false, "Apply schema migrations before starting")
	cmd.Flags().BoolVar(&opts.noKeeper, "no-keeper", false, "Do not run the in-process upkeep keeper")
	cmd.Flags().DurationVar(&opts.payoutTTL, "payout-token-ttl", 5*time.Minute, "Lifetime of bearer tokens sent to the payout service")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	log := logger.New(cfg.Logging).Named("raffled")

	raffleCfg, err := cfg.RaffleConfig()
	if err != nil {
		return err
	}

	var journal raffle.Journal
	if cfg.Database.Enabled() {
		if opts.migrate {
			if err := migrations.Up(cfg.Database.DSN); err != nil {
				return err
			}
			log.Info("schema migrations applied")
		}
		db, err := database.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		journal = postgres.New(db, cfg.Raffle.Name)
	} else {
		log.Warn("database not configured; raffle journal is kept in memory")
	}

	seed, err := cfg.VRFSeed()
	if err != nil {
		return err
	}
	coord, err := vrf.New(vrf.Config{
		Seed:         seed,
		AutoFulfill:  cfg.VRF.AutoFulfill,
		FulfillDelay: cfg.VRF.FulfillDelay,
	}, log.Named("vrf"))
	if err != nil {
		return err
	}

	svc, err := raffle.New(raffleCfg, coord, journal, log.Named("raffle"))
	if err != nil {
		return err
	}
	funds, err := newFunds(cfg, opts.payoutTTL, log)
	if err != nil {
		return err
	}
	if funds != nil {
		svc.WithPayer(funds)
		svc.WithCollector(funds)
	}
	if err := svc.Load(ctx); err != nil {
		return err
	}
	snap := svc.Snapshot()
	log.WithField("raffle", cfg.Raffle.Name).
		WithField("state", snap.State.String()).
		WithField("round", snap.Round).
		WithField("players", len(snap.Players)).
		WithField("last_seq", snap.LastSeq).
		Info("raffle loaded")

	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	if !opts.noKeeper {
		keeper, err := automation.New(svc, cfg.Keeper, log.Named("keeper"))
		if err != nil {
			return err
		}
		if err := keeper.Start(ctx); err != nil {
			return err
		}
		defer keeper.Stop()
	}

	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable; publisher will keep retrying per event")
		}
		pub := raffleredis.New(client, cfg.Redis.Channel, log.Named("redis"))
		go func() {
			if err := pub.Run(ctx, svc, snap.LastSeq); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("event publisher stopped")
			}
		}()
	}

	api := httpapi.New(svc, httpapi.Options{
		OracleSecret:   []byte(cfg.Server.OracleSecret),
		EntrantSecret:  []byte(cfg.Server.EntrantSecret),
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        version,
	}, log.Named("http"))
	cleanupStop := make(chan struct{})
	defer close(cleanupStop)
	api.StartCleanup(time.Minute, cleanupStop)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("raffle API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	api.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	return nil
}

// fundsMover collects entrance fees and pays winnings through one backend.
type fundsMover interface {
	raffle.Payer
	raffle.Collector
}

// newFunds builds the backend selected by payout.mode. With none, entries
// and withdrawals are refused until a backend is configured.
func newFunds(cfg config.Config, tokenTTL time.Duration, log *logger.Logger) (fundsMover, error) {
	switch cfg.Payout.Mode {
	case "", config.PayoutNone:
		log.Warn("payout mode is none; entries and withdrawals are disabled")
		return nil, nil
	case config.PayoutBank:
		wallets, err := cfg.PayoutWallets()
		if err != nil {
			return nil, err
		}
		bank := payout.NewBank(cfg.PayoutTreasury())
		for who, amount := range wallets {
			bank.Fund(who, amount)
		}
		log.WithField("wallets", len(wallets)).Warn("payout mode is bank; funds live in process memory")
		return bank, nil
	case config.PayoutHTTP:
		secret := []byte(cfg.Payout.Secret)
		client := httputil.NewServiceClient(httputil.ServiceClientConfig{
			BaseURL: cfg.Payout.URL,
			Timeout: cfg.Payout.Timeout,
			Token: func() (string, error) {
				return middleware.IssueToken(secret, "raffled", "payer", tokenTTL)
			},
		})
		return payout.NewHTTPPayer(client, log.Named("payout")), nil
	default:
		return nil, fmt.Errorf("unknown payout mode %q", cfg.Payout.Mode)
	}
}
