// billingd serves the billing API: attach/upgrade/cancel, usage reporting,
// the billing portal and the processor webhook ingress.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/billingkit/billingkit/pkg/billing"
	"github.com/billingkit/billingkit/pkg/config"
	"github.com/billingkit/billingkit/pkg/dedup"
	"github.com/billingkit/billingkit/pkg/httpserver"
	"github.com/billingkit/billingkit/pkg/logger"
	"github.com/billingkit/billingkit/pkg/pgstore"
	"github.com/billingkit/billingkit/pkg/redis"
	"github.com/billingkit/billingkit/pkg/stripegw"
	"github.com/billingkit/billingkit/svc/billingapi"
)

type appConfig struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	StripeAPIKey        string `env:"STRIPE_API_KEY,required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
	CatalogPath         string `env:"BILLING_CATALOG_PATH" envDefault:"catalog.yaml"`
	OrgID      uuid.UUID `env:"BILLING_ORG_ID,required"`
	OrgName    string    `env:"BILLING_ORG_NAME" envDefault:"default"`
	Currency   string    `env:"BILLING_DEFAULT_CURRENCY" envDefault:"usd"`
	SuccessURL string    `env:"BILLING_SUCCESS_URL,required"`
}

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("billingd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}

	log := logger.New(
		logger.WithLevel(logLevel(cfg.LogLevel)),
		logger.WithFormat(logger.Format(cfg.LogFormat)),
		logger.WithAttr(slog.String("service", "billingd")),
	)
	slog.SetDefault(log)

	var dbCfg pgstore.Config
	if err := config.Load(&dbCfg); err != nil {
		return err
	}
	pool, err := pgstore.Connect(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pgstore.Migrate(ctx, pool); err != nil {
		return err
	}

	catalog, err := billing.LoadCatalogFile(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog %s: %w", cfg.CatalogPath, err)
	}

	gateway := stripegw.New(cfg.StripeAPIKey)
	engineOpts := []billing.EngineOption{
		billing.WithLogger(log),
		billing.WithCheckoutFallback(stripegw.NewCheckout()),
	}

	var readyChecks []func(context.Context) error
	var redisCfg redis.Config
	if err := config.Load(&redisCfg); err != nil {
		return err
	}
	if redisCfg.ConnectionURL != "" {
		client, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer client.Close() //nolint:errcheck
		engineOpts = append(engineOpts, billing.WithDeduper(dedup.New(client)))
		readyChecks = append(readyChecks, redis.Healthcheck(client))
	}

	store := pgstore.New(pool)
	svc := billingapi.New(billingapi.Config{
		Engine:  billing.NewEngine(store, gateway, engineOpts...),
		Store:   store,
		Gateway: gateway,
		Catalog: catalog,
		Org: billing.Organization{
			ID:                 cfg.OrgID,
			Name:               cfg.OrgName,
			DefaultCurrency:    cfg.Currency,
			ProcessorConnected: true,
			SuccessURL:         cfg.SuccessURL,
		},
		Customers:     pgstore.NewCustomers(pool),
		WebhookParser: stripegw.NewWebhookParser(cfg.StripeWebhookSecret),
		Logger:        log,
	})

	readyChecks = append(readyChecks, pool.Ping)
	r := chi.NewRouter()
	r.Get("/healthz", httpserver.Healthcheck(log))
	r.Get("/readyz", httpserver.Healthcheck(log, readyChecks...))
	r.Mount("/", svc.Router())

	var srvCfg httpserver.Config
	if err := config.Load(&srvCfg); err != nil {
		return err
	}
	return httpserver.New(srvCfg, log).Run(ctx, r)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
