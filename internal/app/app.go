package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/config"
	"github.com/mwork/credit-ledger/internal/domain/admin"
	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/domain/distribution"
	"github.com/mwork/credit-ledger/internal/domain/payment"
	"github.com/mwork/credit-ledger/internal/pkg/database"
	"github.com/mwork/credit-ledger/internal/pkg/jwt"
	"github.com/mwork/credit-ledger/internal/pkg/lock"
	"github.com/mwork/credit-ledger/internal/pkg/momo"
)

// App holds every long-lived component of the service.
type App struct {
	Config *config.Config

	DB    *sqlx.DB
	Redis *redis.Client

	Ledger       *credit.Service
	Query        *admin.Query
	Payments     *payment.Service
	Reconciler   *payment.Reconciler
	Distribution *distribution.Scheduler
	JWT          *jwt.Service
}

// New connects storage and builds the services. Workers are not started.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, JWT: jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)}

	distDefaults := distribution.Config{IntervalSeconds: cfg.DistributionInterval, Amount: cfg.DistributionAmount}
	var (
		store   credit.Store
		configs distribution.ConfigStore
	)
	if cfg.UseMemoryStore() {
		log.Warn().Msg("STORE_DRIVER=memory, ledger state is not persisted")
		store = credit.NewMemoryStore()
		configs = distribution.NewMemoryConfigStore(distDefaults)
	} else {
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.PoolConfig{})
		if err != nil {
			return nil, err
		}
		a.DB = db
		if cfg.AutoMigrate {
			if err := database.MigrateUp(db); err != nil {
				a.Close()
				return nil, err
			}
		}
		store = credit.NewPostgresStore(db)
		configs = distribution.NewPostgresConfigStore(db, distDefaults)
	}

	rdb, err := database.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Redis = rdb
	var locker lock.Locker = lock.NewLocalLock()
	if rdb != nil {
		locker = lock.NewRedisLock(rdb)
	}

	a.Ledger = credit.NewService(store)
	a.Query = admin.NewQuery(store)

	if !cfg.MomoConfigured() {
		log.Warn().Msg("MoMo credentials missing, purchases will fail with GATEWAY_UNAVAILABLE")
	}
	client := momo.NewClient(momo.Config{
		Endpoint:    cfg.MomoEndpoint,
		PartnerCode: cfg.MomoPartnerCode,
		AccessKey:   cfg.MomoAccessKey,
		SecretKey:   cfg.MomoSecretKey,
		RedirectURL: cfg.MomoRedirectURL,
		IPNURL:      cfg.MomoIPNURL,
		Timeout:     cfg.MomoTimeout,
	})
	gateway := payment.NewMomoGateway(client, cfg.MomoSecretKey, payment.NewPricing(cfg.CreditPriceVND))

	a.Reconciler = payment.NewReconciler(a.Ledger, gateway, payment.ReconcilerConfig{
		PollInterval: cfg.ReconcilePollInterval,
		BaseBackoff:  cfg.ReconcileBaseBackoff,
		MaxBackoff:   cfg.ReconcileMaxBackoff,
		MaxAge:       cfg.ReconcileMaxAge,
		BatchSize:    cfg.ReconcileBatchSize,
	})
	a.Payments = payment.NewService(a.Ledger, gateway, a.Reconciler, payment.Config{
		MinCredits:     cfg.PurchaseMinCredits,
		MaxCredits:     cfg.PurchaseMaxCredits,
		StatusThrottle: cfg.StatusPollThrottle,
	})
	a.Distribution = distribution.NewScheduler(a.Ledger, configs, locker, distribution.SchedulerConfig{
		Schedule:    cfg.DistributionSchedule,
		Concurrency: cfg.DistributionConcurrency,
	})

	return a, nil
}

// StartWorkers launches the reconciliation loop and the distribution cron.
func (a *App) StartWorkers() error {
	if err := a.Distribution.Start(); err != nil {
		return fmt.Errorf("start distribution: %w", err)
	}
	a.Reconciler.Start()
	return nil
}

// StopWorkers stops the cron first, then lets the reconciler finish its
// in-flight units.
func (a *App) StopWorkers() {
	a.Distribution.Stop()
	a.Reconciler.Stop()
}

// Close releases storage connections.
func (a *App) Close() {
	database.CloseRedis(a.Redis)
	database.ClosePostgres(a.DB)
}
