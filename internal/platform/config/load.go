package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Option customises Load and EnvironmentValues.
type Option func(*loader)

type loader struct {
	envFile         string
	overrides       map[string]string
	systemEnv       bool
	resolver        SecretResolver
	requiredSecrets []string
	panicOnMissing  bool
}

func newLoader(opts []Option) *loader {
	l := &loader{envFile: defaultEnvFile, systemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// WithEnvFile reads dotenv values from path. An empty path disables the file; a missing file is ignored.
func WithEnvFile(path string) Option {
	return func(l *loader) { l.envFile = path }
}

// WithEnvMap sets values that win over both the process environment and the dotenv file.
func WithEnvMap(values map[string]string) Option {
	return func(l *loader) { l.overrides = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(l *loader) { l.systemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(l *loader) { l.resolver = resolver }
}

// WithRequiredSecrets names secret fields ("PSP.StripeAPIKey", "Postgres.DSN") that must end up non-empty.
func WithRequiredSecrets(names ...string) Option {
	return func(l *loader) { l.requiredSecrets = append(l.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic with *MissingSecretsError instead of returning it.
func WithPanicOnMissingSecrets() Option {
	return func(l *loader) { l.panicOnMissing = true }
}

// EnvironmentValues returns the merged environment Load would see: dotenv values, overridden by the process
// environment, overridden by WithEnvMap. main uses it to configure the secret fetcher before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	return newLoader(opts).environment()
}

func (l *loader) environment() (map[string]string, error) {
	values := make(map[string]string)
	if l.envFile != "" {
		dotenv, err := godotenv.Read(l.envFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", l.envFile, err)
		default:
			for k, v := range dotenv {
				values[k] = v
			}
		}
	}
	if l.systemEnv {
		for k, v := range env.ToMap(os.Environ()) {
			values[k] = v
		}
	}
	for k, v := range l.overrides {
		values[k] = v
	}
	return values, nil
}

// Load builds the configuration, resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	l := newLoader(opts)
	values, err := l.environment()
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		Environment: values,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(decimal.Decimal{}): func(raw string) (any, error) {
				return decimal.NewFromString(strings.TrimSpace(raw))
			},
		},
	}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	normalise(&cfg)

	resolved, err := l.resolveSecrets(ctx, &cfg)
	if err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	if missing := missingSecrets(l.requiredSecrets, resolved); missing != nil {
		if l.panicOnMissing {
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

// normalise lower-cases enum-like values and applies the fallbacks that depend on other fields.
func normalise(cfg *Config) {
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Auth.Provider = strings.ToLower(strings.TrimSpace(cfg.Auth.Provider))
	cfg.PSP.Currency = strings.ToLower(strings.TrimSpace(cfg.PSP.Currency))
	cfg.Security.Environment = strings.ToLower(strings.TrimSpace(cfg.Security.Environment))

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	oidc := &cfg.Security.OIDC
	issuers := oidc.Issuers[:0]
	for _, issuer := range oidc.Issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			issuers = append(issuers, issuer)
		}
	}
	oidc.Issuers = issuers
	if len(oidc.Issuers) == 0 {
		oidc.Issuers = []string{googleIssuer, iapIssuer}
	}

	audiences := make(map[string]string, len(oidc.Audiences))
	for label, audience := range oidc.Audiences {
		if label, audience = strings.ToLower(strings.TrimSpace(label)), strings.TrimSpace(audience); label != "" && audience != "" {
			audiences[label] = audience
		}
	}
	oidc.Audiences = audiences
	if oidc.Audience == "" {
		oidc.Audience = audiences[cfg.Security.Environment]
	}
}
