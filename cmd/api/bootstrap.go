package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/storefront-labs/orders-api/internal/platform/config"
	"github.com/storefront-labs/orders-api/internal/platform/secrets"
	"github.com/storefront-labs/orders-api/internal/services"
)

// bootstrap holds the settings needed before config.Load can run: how to reach Secret Manager and
// which secrets the selected drivers depend on.
type bootstrap struct {
	Environment     string            `env:"API_SECURITY_ENVIRONMENT" envDefault:"local"`
	SecretProject   string            `env:"API_SECRET_DEFAULT_PROJECT_ID"`
	FirebaseProject string            `env:"API_FIREBASE_PROJECT_ID"`
	SecretProjects  map[string]string `env:"API_SECRET_PROJECT_IDS" envKeyValSeparator:"="`
	VersionPins     map[string]string `env:"API_SECRET_VERSION_PINS" envKeyValSeparator:"="`
	FallbackFile    string            `env:"API_SECRET_FALLBACK_FILE" envDefault:".secrets.local"`
	CacheTTL        time.Duration     `env:"API_SECRET_CACHE_TTL"`
	CredentialsFile string            `env:"API_FIREBASE_CREDENTIALS_FILE"`
	StoreDriver     string            `env:"API_STORE_DRIVER"`
	AuthProvider    string            `env:"API_AUTH_PROVIDER"`
	Version         string            `env:"API_BUILD_VERSION" envDefault:"dev"`
	CommitSHA       string            `env:"API_BUILD_COMMIT_SHA" envDefault:"unknown"`
}

func readBootstrap(values map[string]string) (bootstrap, error) {
	var b bootstrap
	if err := env.ParseWithOptions(&b, env.Options{Environment: values}); err != nil {
		return bootstrap{}, fmt.Errorf("bootstrap env: %w", err)
	}
	b.Environment = strings.ToLower(strings.TrimSpace(b.Environment))
	if b.SecretProject == "" {
		b.SecretProject = b.FirebaseProject
	}
	projects := make(map[string]string, len(b.SecretProjects))
	for label, project := range b.SecretProjects {
		projects[strings.ToLower(strings.TrimSpace(label))] = strings.TrimSpace(project)
	}
	b.SecretProjects = projects
	return b, nil
}

func (b bootstrap) secretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(b.FallbackFile),
		secrets.WithDefaultProject(b.SecretProject),
		secrets.WithEnvironmentProjects(b.Environment, b.SecretProjects),
		secrets.WithVersionPins(b.VersionPins),
		secrets.WithCacheTTL(b.CacheTTL),
		secrets.WithMeter(otel.Meter("github.com/storefront-labs/orders-api/secrets")),
	}
	if b.CredentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(b.CredentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecrets names the config fields that must resolve before serving. Stripe credentials are always
// needed; the others follow the selected store and token verifier.
func (b bootstrap) requiredSecrets() []string {
	names := []string{"PSP.StripeAPIKey", "PSP.StripeWebhookSecret"}
	if strings.EqualFold(strings.TrimSpace(b.StoreDriver), config.StoreDriverPostgres) {
		names = append(names, "Postgres.DSN")
	}
	if strings.EqualFold(strings.TrimSpace(b.AuthProvider), config.AuthProviderJWT) {
		names = append(names, "Auth.JWTSecret")
	}
	slices.Sort(names)
	return names
}

func (b bootstrap) buildInfo(cfg config.Config, startedAt time.Time) services.BuildInfo {
	environment := cfg.Security.Environment
	if environment == "" {
		environment = b.Environment
	}
	return services.BuildInfo{
		Version:     b.Version,
		CommitSHA:   b.CommitSHA,
		Environment: environment,
		StartedAt:   startedAt,
	}
}
