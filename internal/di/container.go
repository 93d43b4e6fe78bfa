package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/storefront-labs/orders-api/internal/handlers"
	"github.com/storefront-labs/orders-api/internal/payments"
	"github.com/storefront-labs/orders-api/internal/platform/auth"
	"github.com/storefront-labs/orders-api/internal/platform/config"
	pfirestore "github.com/storefront-labs/orders-api/internal/platform/firestore"
	"github.com/storefront-labs/orders-api/internal/platform/idempotency"
	"github.com/storefront-labs/orders-api/internal/platform/jobs"
	"github.com/storefront-labs/orders-api/internal/platform/observability"
	"github.com/storefront-labs/orders-api/internal/repositories"
	firestoreRepo "github.com/storefront-labs/orders-api/internal/repositories/firestore"
	"github.com/storefront-labs/orders-api/internal/repositories/memory"
	"github.com/storefront-labs/orders-api/internal/repositories/postgres"
	"github.com/storefront-labs/orders-api/internal/services"
)

const meterName = "github.com/storefront-labs/orders-api"

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Ledger   services.InventoryLedger
	Orders   services.OrderService
	Checkout services.CheckoutService
	System   services.SystemService
}

// Options carries process-level collaborators that are created before configuration is loaded.
type Options struct {
	Logger *zap.Logger
	Build  services.BuildInfo
	// Registry replaces the configured store driver; tests pass an in-memory store.
	Registry repositories.Registry
	// Payments replaces the Stripe provider.
	Payments payments.Provider
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Router       http.Handler

	logger      *zap.Logger
	idempotency idempotency.Store
	closers     []func(context.Context) error

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewContainer constructs the runtime dependencies for the configured store driver.
func NewContainer(ctx context.Context, cfg config.Config, opts Options) (c *Container, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c = &Container{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	var fsClient *firestore.Client
	reg := opts.Registry
	if reg == nil {
		reg, fsClient, err = c.openRegistry(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	c.Repositories = reg

	orderEvents, failures, err := c.openPublishers(ctx, cfg)
	if err != nil {
		return nil, err
	}

	provider := opts.Payments
	if provider == nil {
		provider, err = payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.PSP.StripeAPIKey,
			WebhookSecret: cfg.PSP.StripeWebhookSecret,
			Currency:      cfg.PSP.Currency,
			Logger:        payments.StripeLogger(observability.EventLogger(logger.Named("stripe"))),
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe provider: %w", err)
		}
	}

	svc, err := buildServices(reg, cfg, provider, orderEvents, failures, logger)
	if err != nil {
		return nil, err
	}
	svc.System, err = buildSystemService(reg, fsClient, orderEvents != nil, opts.Build)
	if err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}
	c.Services = svc

	if fsClient != nil {
		c.idempotency = idempotency.NewFirestoreStore(fsClient)
	} else {
		c.idempotency = idempotency.NewMemoryStore()
	}

	router, err := c.buildRouter(ctx, cfg, opts.Build)
	if err != nil {
		return nil, err
	}
	c.Router = router
	return c, nil
}

func (c *Container) openRegistry(ctx context.Context, cfg config.Config) (repositories.Registry, *firestore.Client, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		c.closers = append(c.closers, provider.Close)
		client, err := provider.Client(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("initialise firestore client: %w", err)
		}
		reg, err := firestoreRepo.NewRegistry(provider)
		if err != nil {
			return nil, nil, fmt.Errorf("build firestore registry: %w", err)
		}
		return reg, client, nil
	case config.StoreDriverPostgres:
		store, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case config.StoreDriverMemory, "":
		store := memory.NewStore()
		if path := strings.TrimSpace(cfg.Memory.SeedFile); path != "" {
			if err := store.LoadSeedFile(ctx, path); err != nil {
				return nil, nil, fmt.Errorf("load memory seed: %w", err)
			}
		}
		c.logger.Warn("using in-memory store; data is lost on restart")
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// openPublishers returns nil publishers when no Pub/Sub project is configured; order events are then dropped
// and failed fulfillments are only logged.
func (c *Container) openPublishers(ctx context.Context, cfg config.Config) (services.OrderEventPublisher, services.FulfillmentFailurePublisher, error) {
	projectID := strings.TrimSpace(cfg.PubSub.ProjectID)
	if projectID == "" {
		c.logger.Warn("pubsub project not configured; order events and fulfillment retries are disabled")
		return nil, nil, nil
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("initialise pubsub client: %w", err)
	}

	eventsTopic := client.Topic(cfg.PubSub.OrderEventsTopic)
	eventsTopic.EnableMessageOrdering = true
	failuresTopic := client.Topic(cfg.PubSub.FulfillmentFailuresTopic)
	c.closers = append(c.closers, func(context.Context) error {
		eventsTopic.Stop()
		failuresTopic.Stop()
		return client.Close()
	})

	events, err := jobs.NewPubSubOrderEventPublisher(eventsTopic)
	if err != nil {
		return nil, nil, err
	}
	failures, err := jobs.NewPubSubFulfillmentFailurePublisher(failuresTopic)
	if err != nil {
		return nil, nil, err
	}
	return events, failures, nil
}

func buildServices(reg repositories.Registry, cfg config.Config, provider payments.Provider, events services.OrderEventPublisher, failures services.FulfillmentFailurePublisher, logger *zap.Logger) (Services, error) {
	var svc Services
	if reg == nil {
		return svc, errors.New("repositories registry is required")
	}

	pricing := services.NewPricingCalculator(services.PricingPolicy{
		TaxRate:      cfg.Pricing.TaxRate,
		FlatShipping: cfg.Pricing.FlatShipping,
	})

	ledger, err := services.NewInventoryLedger(services.InventoryLedgerDeps{
		Products: reg.Products(),
		Logger:   observability.EventLogger(logger.Named("inventory")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory ledger: %w", err)
	}
	svc.Ledger = ledger

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Products:     reg.Products(),
		Users:        reg.Users(),
		Orders:       reg.Orders(),
		Ledger:       ledger,
		Pricing:      pricing,
		UnitOfWork:   reg,
		Clock:        time.Now,
		NumberPrefix: cfg.Orders.NumberPrefix,
		Events:       events,
		Logger:       observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	builder, err := services.NewOrderBuilder(services.OrderBuilderDeps{
		Products: reg.Products(),
		Ledger:   ledger,
		Pricing:  pricing,
		Clock:    time.Now,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order builder: %w", err)
	}

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Builder:       builder,
		Orders:        orders,
		UnitOfWork:    reg,
		Payments:      provider,
		Failures:      failures,
		Currency:      cfg.PSP.Currency,
		SuccessURL:    cfg.Checkout.SuccessURL,
		CancelURL:     cfg.Checkout.CancelURL,
		DefaultLocale: cfg.Checkout.DefaultLocale,
		Clock:         time.Now,
		Logger:        observability.EventLogger(logger.Named("checkout")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkout
	return svc, nil
}

func buildSystemService(reg repositories.Registry, client *firestore.Client, pubsubEnabled bool, build services.BuildInfo) (services.SystemService, error) {
	checks := []repositories.Probe{{
		Name:    "store",
		Timeout: 1500 * time.Millisecond,
		Run:     reg.Ping,
	}}
	if client != nil {
		checks = append(checks, repositories.Probe{
			Name:     "idempotency",
			Timeout:  time.Second,
			Optional: true,
			Run: func(ctx context.Context) error {
				_, err := client.Collection(idempotency.FirestoreCollection).Limit(1).Documents(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if !pubsubEnabled {
		checks = append(checks, repositories.Probe{
			Name:     "pubsub",
			Optional: true,
			Run: func(context.Context) error {
				return errors.New("not configured")
			},
		})
	}
	repo, err := repositories.NewProbeRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
	})
}

func (c *Container) buildRouter(ctx context.Context, cfg config.Config, build services.BuildInfo) (http.Handler, error) {
	verifier, err := buildTokenVerifier(ctx, cfg)
	if err != nil {
		return nil, err
	}
	authn := auth.NewAuthenticator(verifier, auth.WithUserIDClaim(cfg.Auth.UserIDClaim))

	idem := idempotency.Middleware(c.idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.EventLogger(c.logger.Named("idempotency"))),
	)

	orderHandlers := handlers.NewOrderHandlers(authn, c.Services.Orders, c.Services.Checkout, handlers.WithOrderIdempotency(idem))
	checkoutHandlers := handlers.NewCheckoutHandlers(authn, c.Services.Checkout, handlers.WithCheckoutIdempotency(idem))
	internalHandlers := handlers.NewInternalHandlers(c.Services.Checkout)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthSystemService(c.Services.System),
	)

	httpLogger := c.logger.Named("http")
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	oidc, err := c.buildOIDCMiddleware(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, handlers.WithInternalMiddlewares(oidc))

	return handlers.NewRouter(opts...), nil
}

func buildTokenVerifier(ctx context.Context, cfg config.Config) (auth.TokenVerifier, error) {
	switch cfg.Auth.Provider {
	case config.AuthProviderJWT:
		verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret,
			auth.WithJWTIssuer(cfg.Auth.JWTIssuer),
			auth.WithJWTAudience(cfg.Auth.JWTAudience),
		)
		if err != nil {
			return nil, fmt.Errorf("build jwt verifier: %w", err)
		}
		return verifier, nil
	case config.AuthProviderFirebase:
		verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			return nil, fmt.Errorf("build firebase verifier: %w", err)
		}
		return verifier, nil
	default:
		return nil, fmt.Errorf("unsupported auth provider %q", cfg.Auth.Provider)
	}
}

// buildOIDCMiddleware guards /internal with Google-signed push tokens. Without an audience every request is
// rejected, which keeps the retry endpoint closed in misconfigured deployments.
func (c *Container) buildOIDCMiddleware(cfg config.Config) (func(http.Handler) http.Handler, error) {
	logger := c.logger.Named("oidc")
	events := observability.EventLogger(logger)

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(events))

	recorder, err := oidcMetrics(otel.Meter(meterName))
	if err != nil {
		return nil, err
	}
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(events), auth.WithOIDCMetrics(recorder))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("OIDC audience not configured; internal routes will reject requests")
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		logger.Warn("OIDC issuers not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers), nil
}

func oidcMetrics(meter metric.Meter) (auth.MetricsRecorder, error) {
	latency, err := meter.Float64Histogram("auth.oidc.verification.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of OIDC token verification"),
	)
	if err != nil {
		return nil, fmt.Errorf("register oidc latency histogram: %w", err)
	}
	return auth.MetricsRecorderFunc(func(ctx context.Context, kind string, success bool, reason string, d time.Duration) {
		latency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("success", success),
			attribute.String("reason", reason),
		))
	}), nil
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firestore.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firebase.ProjectID)
}

// StartBackground launches the idempotency cleanup loop. Close stops it.
func (c *Container) StartBackground(ctx context.Context) {
	if c == nil || c.idempotency == nil || c.bgCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.bgCancel = cancel
	c.bgWG.Add(1)
	go func() {
		defer c.bgWG.Done()
		idempotency.RunCleanup(ctx, c.idempotency, c.Config.Idempotency.CleanupInterval, c.Config.Idempotency.CleanupBatchSize,
			observability.EventLogger(c.logger.Named("idempotency")))
	}()
}

// Close stops background work and releases clients in reverse order of creation.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.bgCancel != nil {
		c.bgCancel()
		c.bgWG.Wait()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
