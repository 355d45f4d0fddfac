package main

import (
	"context"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/tabletap/tabletap-client/internal/backend"
	"github.com/tabletap/tabletap-client/internal/cart"
	"github.com/tabletap/tabletap-client/internal/checkout"
	"github.com/tabletap/tabletap-client/internal/gateway"
	"github.com/tabletap/tabletap-client/internal/payment"
	"github.com/tabletap/tabletap-client/internal/session"
	"github.com/tabletap/tabletap-client/pkg/config"
	"github.com/tabletap/tabletap-client/pkg/localdb"
	"github.com/tabletap/tabletap-client/pkg/logger"
	"github.com/tabletap/tabletap-client/pkg/metrics"
	"github.com/tabletap/tabletap-client/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "tabletap"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "tabletap",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(context.Background(), "tabletap client stopped", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	db, dbErr := localdb.New(ctx, cfg.Storage, logg)
	if dbErr != nil {
		return dbErr
	}
	defer func() {
		err = multierr.Append(err, db.Close())
	}()

	var redisClient *redis.Client
	if cfg.Redis.Configured() {
		redisClient, err = redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, redisClient.Close())
		}()
	}

	m := metrics.NewClientMetrics(prometheus.DefaultRegisterer)

	store, err := session.NewStore(ctx, session.NewRepository(db.DB()), logg)
	if err != nil {
		return err
	}
	if user := store.Get().User; user != nil {
		logg.Info(logg.WithUserID(ctx, user.ID), "session restored")
	} else {
		logg.Info(ctx, "no stored session; sign-in required")
	}

	gw, err := gateway.New(cfg.API, store, logg, m)
	if err != nil {
		return err
	}
	api, err := backend.NewClient(gw, logg)
	if err != nil {
		return err
	}

	var cartCache cart.Cache
	if cfg.Cart.UseRedisCache() {
		if redisClient == nil {
			logg.Warn(ctx, "redis cart cache selected but redis is not configured; using sqlite")
			cartCache = cart.NewSQLiteCache(db.DB())
		} else {
			cartCache = cart.NewRedisCache(redisClient, cfg.Cart.CacheTTL)
		}
	} else {
		cartCache = cart.NewSQLiteCache(db.DB())
	}

	reconciler, err := cart.NewReconciler(api, cartCache, logg, m)
	if err != nil {
		return err
	}

	launch := paymentPageLauncher(cfg.Payment.PageBaseURL)
	widget, err := payment.NewCallbackBridge(cfg.Payment.CallbackAddr, launch, logg, cfg.Payment.PresentTimeout)
	if err != nil {
		return err
	}

	taxRate, err := cfg.Checkout.TaxRate()
	if err != nil {
		return err
	}
	attempts := checkout.NewAttemptRepo(db.DB())
	orchestrator, err := checkout.New(checkout.Options{
		Backend:         api,
		Carts:           reconciler,
		Widget:          widget,
		Repo:            attempts,
		Logger:          logg,
		Metrics:         m,
		TaxRate:         taxRate,
		Currency:        cfg.Checkout.Currency,
		FinalizeBackoff: cfg.Checkout.FinalizeBackoff,
	})
	if err != nil {
		return err
	}

	// A payment that was captured but whose order never confirmed must be
	// surfaced the moment the app comes back, not discovered at the till.
	unresolved, err := attempts.UnresolvedAttempts(ctx)
	if err != nil {
		return err
	}
	for _, attempt := range unresolved {
		actx := logg.WithFields(ctx, map[string]any{
			"attempt_id":         attempt.ID,
			"state":              string(attempt.State),
			"intent_id":          attempt.IntentID,
			"gateway_payment_id": attempt.GatewayPaymentID,
		})
		if attempt.State == checkout.StateUnreconciled {
			logg.Warn(actx, "previous payment needs manual reconciliation; contact support")
		} else {
			logg.Warn(actx, "previous checkout attempt did not finish")
		}
	}

	go func() {
		updates := orchestrator.Subscribe()
		changed := reconciler.Subscribe()
		for {
			select {
			case update := <-updates:
				logg.Info(logg.WithFields(ctx, map[string]any{
					"attempt_id": update.AttemptID,
					"state":      string(update.State),
				}), "checkout update")
			case key := <-changed:
				cctx := logg.WithTableID(logg.WithFoodCourtID(ctx, key.FoodCourtID), key.TableID)
				logg.Debug(cctx, "cart changed")
			case <-ctx.Done():
				return
			}
		}
	}()

	logg.Info(ctx, "tabletap client ready")

	if fc, table := os.Getenv("TABLETAP_DEMO_FOOD_COURT"), os.Getenv("TABLETAP_DEMO_TABLE"); fc != "" && table != "" {
		if err := demoRoundTrip(ctx, logg, reconciler, orchestrator, cart.Key{FoodCourtID: fc, TableID: table}); err != nil {
			logg.Error(ctx, "demo round-trip failed", err)
		}
	}

	<-ctx.Done()
	logg.Info(context.Background(), "shutting down")
	return nil
}

// demoRoundTrip loads the table's cart, adds one item and runs a checkout.
// Useful for poking a staging backend from a shell.
func demoRoundTrip(ctx context.Context, logg *logger.Logger, rec *cart.Reconciler, orch *checkout.Orchestrator, key cart.Key) error {
	if _, err := rec.Load(ctx, key); err != nil {
		return err
	}
	if err := rec.AddItem(ctx, key, cart.Line{
		ItemID:    "demo-masala-dosa",
		Name:      "Masala Dosa",
		UnitPrice: decimal.NewFromInt(120),
		Quantity:  1,
		OutletID:  "demo-outlet",
	}); err != nil {
		return err
	}
	out, err := orch.Run(ctx, key)
	if err != nil {
		return err
	}
	logg.Info(logg.WithFields(ctx, map[string]any{
		"order_id":     out.OrderID,
		"amount_minor": out.Totals.AmountMinor,
		"currency":     out.Totals.Currency,
	}), "demo checkout finished")
	return nil
}

// paymentPageLauncher hands the hosted payment page to the system browser.
// The page reads the callback URL from the fragment and posts its outcome
// there.
func paymentPageLauncher(baseURL string) payment.PageLauncher {
	return func(ctx context.Context, order payment.Order, callbackURL string) error {
		pageURL := baseURL + "/" + order.GatewayOrderID + "#cb=" + url.QueryEscape(callbackURL)
		cmd := exec.CommandContext(ctx, "xdg-open", pageURL)
		return cmd.Start()
	}
}
