package main

import (
	"context"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/menulab/billing/account"
	"github.com/menulab/billing/auth"
	"github.com/menulab/billing/broker"
	"github.com/menulab/billing/checkoutlink"
	"github.com/menulab/billing/crm"
	"github.com/menulab/billing/crmsync"
	"github.com/menulab/billing/db"
	"github.com/menulab/billing/external"
	"github.com/menulab/billing/payment"
	"github.com/menulab/billing/plan"
	"github.com/menulab/billing/subscription"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	production := "production" == env
	if production {
		dotFile = ".env.production"
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))
	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: env,
		Debug:       !production,
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Fatal("Cannot initialize zapsentry",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	dbConn, err := db.New(logger, os.Getenv("POSTGRES_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	amqpBroker, err := broker.NewAMQPBroker(os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	stripeClient := external.NewStripeClient(os.Getenv("STRIPE_KEY"))

	authManager, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	accountManager, err := account.NewManager(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize account.Manager",
			zap.Error(err),
		)
	}

	planCatalog, err := plan.NewCatalog(plan.CatalogOptions{
		DB:             dbConn,
		Logger:         logger,
		PathToPlanJSON: os.Getenv("PLANS_JSON_PATH"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize plan.Catalog",
			zap.Error(err),
		)
	}

	subscriptionManager, err := subscription.NewManager(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize subscription.Manager",
			zap.Error(err),
		)
	}

	linkRegistry, err := checkoutlink.NewRegistry(checkoutlink.RegistryOptions{
		DB:     dbConn,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize checkoutlink.Registry",
			zap.Error(err),
		)
	}

	paymentGateway, err := payment.NewGateway(payment.GatewayOptions{
		StripeClient: stripeClient,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize payment.Gateway",
			zap.Error(err),
		)
	}

	reconciler, err := subscription.NewReconciler(subscription.ReconcilerOptions{
		Users:         accountManager,
		Subscriptions: subscriptionManager,
		Links:         linkRegistry,
		Gateway:       paymentGateway,
		Plans:         planCatalog,
		Producer:      amqpBroker,
		Logger:        logger,
		BaseURL:       os.Getenv("PUBLIC_BASE_URL"),
		SiteURL:       os.Getenv("SITE_URL"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize subscription.Reconciler",
			zap.Error(err),
		)
	}
	linkRegistry.SetRegenerator(reconciler)

	deduper, err := subscription.NewDeduper(logger, rdb)
	if err != nil {
		logger.Fatal("Cannot initialize subscription.Deduper",
			zap.Error(err),
		)
	}

	subscriptionRouter, err := subscription.NewService(subscription.ServiceOptions{
		Reconciler:    reconciler,
		Deduper:       deduper,
		Logger:        logger,
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize Subscription Service Router",
			zap.Error(err),
		)
	}

	linkRouter, err := checkoutlink.NewService(checkoutlink.ServiceOptions{
		Registry: linkRegistry,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CheckoutLink Service Router",
			zap.Error(err),
		)
	}

	crmClient, err := crm.NewClient(os.Getenv("PIPEDRIVE_BASE_URL"), os.Getenv("PIPEDRIVE_API_TOKEN"))
	if err != nil {
		logger.Fatal("Cannot initialize CRM client",
			zap.Error(err),
		)
	}
	crmGateway, err := crm.NewGateway(crm.GatewayOptions{
		API:    crmClient,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CRM gateway",
			zap.Error(err),
		)
	}

	syncEngine, err := crmsync.NewEngine(crmsync.EngineOptions{
		CRM:               crmGateway,
		Checkout:          reconciler,
		Plans:             planCatalog,
		Logger:            logger,
		FallbackSalesReps: parseFallbackReps(os.Getenv("FALLBACK_SALES_REPS")),
	})
	if err != nil {
		logger.Fatal("Cannot initialize crmsync.Engine",
			zap.Error(err),
		)
	}
	syncRouter, err := crmsync.NewService(crmsync.ServiceOptions{
		Engine: syncEngine,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CRM Sync Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{os.Getenv("SITE_URL")},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	rootRouter.Mount("/hooks/stripe", subscriptionRouter.Router())
	rootRouter.Mount("/hooks/crm", syncRouter.Router())
	rootRouter.Mount("/subscription", linkRouter.Router())

	adminRouter := chi.NewRouter()
	adminRouter.Use(authManager.Middleware())
	adminRouter.Use(authManager.AdminOnly())
	adminRouter.Mount("/", subscriptionRouter.AdminRouter())
	rootRouter.Mount("/admin", adminRouter)

	rootRouter.HandleFunc("/pprof/*", pprof.Index)
	rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
	rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
	rootRouter.HandleFunc("/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    ":42069",
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Cannot start API server",
				zap.Error(err),
			)
		}
	}()
	logger.Info("API server started",
		zap.String("Addr", srv.Addr),
	)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*15)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Cannot shutdown API server gracefully",
			zap.Error(err),
		)
	}
}

// parseFallbackReps decodes "owner@example.com=U123ABC456,+15551234567=U789DEF012"
func parseFallbackReps(raw string) map[string]string {
	reps := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) == 0 {
			continue
		}
		reps[strings.ToLower(parts[0])] = parts[1]
	}
	return reps
}
