package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/congo-pay/settlement/internal/config"
	"github.com/congo-pay/settlement/internal/infra"
	"github.com/congo-pay/settlement/internal/metrics"
	"github.com/congo-pay/settlement/internal/mover"
	"github.com/congo-pay/settlement/internal/mover/bitcoin"
	"github.com/congo-pay/settlement/internal/mover/exchange"
	"github.com/congo-pay/settlement/internal/mover/wire"
	"github.com/congo-pay/settlement/internal/notification"
	"github.com/congo-pay/settlement/internal/oracle"
	"github.com/congo-pay/settlement/internal/registry"
	"github.com/congo-pay/settlement/internal/routes"
	"github.com/congo-pay/settlement/internal/settlement"
	"github.com/congo-pay/settlement/internal/store"
	"github.com/congo-pay/settlement/internal/wallet"
)

// application holds everything main runs and has to release.
type application struct {
	deps    routes.Deps
	sweeper *settlement.Sweeper
	closers []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build connects the configured backends and assembles the coordinator. Postgres, Redis and NATS
// are optional in dev, where in-memory and log-only stand-ins are used.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	app := &application{deps: routes.Deps{Cfg: cfg, Logger: logger}}
	fail := func(err error) (*application, error) {
		app.close()
		return nil, err
	}

	var (
		st         settlement.Store
		walletRepo wallet.Repository
	)
	if cfg.DatabaseURL != "" {
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("connect postgres: %w", err))
		}
		app.closers = append(app.closers, db.Close)
		if err := store.Migrate(ctx, db); err != nil {
			return fail(fmt.Errorf("migrate: %w", err))
		}
		app.deps.DB = db
		st = store.NewPostgres(db)
		walletRepo = wallet.NewPostgresRepository(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
		walletRepo = wallet.NewMemoryRepository()
	}

	var reg settlement.Registry
	if cfg.RedisURL != "" {
		cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}
		app.closers = append(app.closers, func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		})
		app.deps.Cache = cache
		reg = registry.NewRedis(cache, cfg.IdempotencyTTL)
	}

	notifiers := notification.Fanout{notification.NewLoggerNotifier(logger)}
	if cfg.NATSURL != "" {
		nc, js, err := infra.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, nc.Close)
		if err := notification.EnsureStream(ctx, js); err != nil {
			return fail(fmt.Errorf("ensure stream: %w", err))
		}
		app.deps.NATS = nc
		notifiers = append(notifiers, notification.NewJetStreamNotifier(js))
	}

	var prices oracle.Oracle = oracle.NewCoinGecko(cfg.OracleURL, nil)
	if app.deps.Cache != nil {
		prices = oracle.NewCached(prices, app.deps.Cache, cfg.OracleCacheTTL, logger)
	}

	movers := map[settlement.Kind]mover.Mover{
		settlement.KindWireCredit: wire.New(cfg.WireExpiry),
	}

	if cfg.Bitcoin.Host != "" {
		params, err := bitcoin.Params(cfg.Bitcoin.Network)
		if err != nil {
			return fail(err)
		}
		node := bitcoin.NodeConfig{Host: cfg.Bitcoin.Host, User: cfg.Bitcoin.User, Pass: cfg.Bitcoin.Password}
		hot, err := bitcoin.Dial(node, cfg.Bitcoin.HotWallet)
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, hot.Shutdown)
		btc := bitcoin.New(hot, bitcoin.NewDialer(node), bitcoin.Options{
			HotWallet: cfg.Bitcoin.HotWallet,
			Params:    params,
			Oracle:    prices,
			Logger:    logger,
		})
		movers[settlement.KindOnChainBuy] = btc
		movers[settlement.KindOnChainWithdraw] = btc
		app.deps.Wallets = wallet.NewService(walletRepo, btc, st, params.Name, logger)
	} else {
		logger.Warn("BITCOIN_RPC_HOST not set, on-chain kinds disabled")
	}

	if cfg.Exchange.URL != "" {
		client, err := exchange.NewClient(cfg.Exchange.URL, cfg.Exchange.Key, cfg.Exchange.Secret, nil)
		if err != nil {
			return fail(err)
		}
		ex := exchange.New(client, prices, logger)
		movers[settlement.KindExchangeBuy] = ex
		movers[settlement.KindExchangeWithdraw] = ex
	} else {
		logger.Warn("EXCHANGE_API_URL not set, exchange kinds disabled")
	}

	app.deps.Metrics = metrics.New()

	var custody settlement.Custody
	if app.deps.Wallets != nil {
		custody = app.deps.Wallets
	}
	coord := settlement.New(settlement.Deps{
		Store:    st,
		Movers:   movers,
		Custody:  custody,
		Registry: reg,
		Notifier: notifiers,
		Metrics:  app.deps.Metrics,
		Logger:   logger,
	}, settlement.Config{
		MoverTimeout:         cfg.MoverTimeout,
		QuoteMaxAge:          cfg.QuoteMaxAge,
		MaxReconcileAttempts: cfg.MaxReconcileAttempts,
	})
	app.deps.Coordinator = coord
	app.sweeper = settlement.NewSweeper(coord, settlement.SweeperConfig{
		Interval:    cfg.SweepInterval,
		Grace:       cfg.SweepGrace,
		Batch:       cfg.SweepBatch,
		Concurrency: cfg.SweepConcurrency,
	})

	return app, nil
}
