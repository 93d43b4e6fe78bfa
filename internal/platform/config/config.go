// Package config loads the service configuration from the environment, a dotenv file and Secret Manager.
package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// Store drivers.
const (
	StoreDriverFirestore = "firestore"
	StoreDriverPostgres  = "postgres"
	StoreDriverMemory    = "memory"
)

// End-user token verifiers.
const (
	AuthProviderFirebase = "firebase"
	AuthProviderJWT      = "jwt"
)

const (
	defaultEnvFile     = ".env"
	defaultOIDCJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	googleIssuer       = "https://accounts.google.com"
	iapIssuer          = "https://cloud.google.com/iap"
	defaultIdemHeader  = "Idempotency-Key"
	defaultIdemTTL     = 24 * time.Hour
	defaultIdemBatch   = 200
)

// Config is the full runtime configuration. Every field is read from the API_* variable named in its env
// tag; secret-bearing fields may hold a secret:// (or legacy sm://) reference instead of a value.
type Config struct {
	Server      ServerConfig
	Store       StoreConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Postgres    PostgresConfig
	Memory      MemoryConfig
	Auth        AuthConfig
	PSP         PSPConfig
	Checkout    CheckoutConfig
	Pricing     PricingConfig
	Orders      OrderConfig
	PubSub      PubSubConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string        `env:"API_SERVER_PORT" envDefault:"8080" validate:"required,numeric"`
	ReadTimeout  time.Duration `env:"API_SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"API_SERVER_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"API_SERVER_IDLE_TIMEOUT" envDefault:"2m"`
}

type StoreConfig struct {
	Driver string `env:"API_STORE_DRIVER" envDefault:"firestore" validate:"oneof=firestore postgres memory"`
}

type FirebaseConfig struct {
	ProjectID       string `env:"API_FIREBASE_PROJECT_ID"`
	CredentialsFile string `env:"API_FIREBASE_CREDENTIALS_FILE"`
}

// FirestoreConfig falls back to the Firebase project when ProjectID is unset.
type FirestoreConfig struct {
	ProjectID    string `env:"API_FIRESTORE_PROJECT_ID"`
	EmulatorHost string `env:"API_FIRESTORE_EMULATOR_HOST"`
}

type PostgresConfig struct {
	DSN         string `env:"API_POSTGRES_DSN"`
	MaxConns    int    `env:"API_POSTGRES_MAX_CONNS" envDefault:"10" validate:"gt=0"`
	AutoMigrate bool   `env:"API_POSTGRES_AUTO_MIGRATE"`
}

// MemoryConfig points the in-process store at an optional YAML seed.
type MemoryConfig struct {
	SeedFile string `env:"API_MEMORY_SEED_FILE"`
}

// AuthConfig selects how customer bearer tokens are verified. UserIDClaim names the claim carrying the
// numeric account id that owns orders.
type AuthConfig struct {
	Provider    string `env:"API_AUTH_PROVIDER" envDefault:"firebase" validate:"oneof=firebase jwt"`
	JWTSecret   string `env:"API_AUTH_JWT_SECRET"`
	JWTIssuer   string `env:"API_AUTH_JWT_ISSUER"`
	JWTAudience string `env:"API_AUTH_JWT_AUDIENCE"`
	UserIDClaim string `env:"API_AUTH_USER_ID_CLAIM" envDefault:"user_id" validate:"required"`
}

type PSPConfig struct {
	StripeAPIKey        string `env:"API_PSP_STRIPE_API_KEY"`
	StripeWebhookSecret string `env:"API_PSP_STRIPE_WEBHOOK_SECRET"`
	Currency            string `env:"API_PSP_CURRENCY" envDefault:"usd" validate:"len=3,alpha"`
}

type CheckoutConfig struct {
	SuccessURL    string `env:"API_CHECKOUT_SUCCESS_URL" validate:"omitempty,url"`
	CancelURL     string `env:"API_CHECKOUT_CANCEL_URL" validate:"omitempty,url"`
	DefaultLocale string `env:"API_CHECKOUT_DEFAULT_LOCALE" envDefault:"en"`
}

// PricingConfig is the tax and shipping policy applied to every order.
type PricingConfig struct {
	TaxRate      decimal.Decimal `env:"API_PRICING_TAX_RATE" envDefault:"0.10"`
	FlatShipping decimal.Decimal `env:"API_PRICING_FLAT_SHIPPING" envDefault:"10.00"`
}

type OrderConfig struct {
	NumberPrefix string `env:"API_ORDER_NUMBER_PREFIX" envDefault:"ORD" validate:"required,alphanum"`
}

// PubSubConfig names the topics for order events and failed fulfillments. An empty ProjectID (after the
// Firebase fallback) disables publishing.
type PubSubConfig struct {
	ProjectID                string `env:"API_PUBSUB_PROJECT_ID"`
	OrderEventsTopic         string `env:"API_PUBSUB_ORDER_EVENTS_TOPIC" envDefault:"order-events" validate:"required"`
	FulfillmentFailuresTopic string `env:"API_PUBSUB_FULFILLMENT_FAILURES_TOPIC" envDefault:"checkout-fulfillment-failures" validate:"required"`
}

type SecurityConfig struct {
	Environment string `env:"API_SECURITY_ENVIRONMENT" envDefault:"local"`
	OIDC        OIDCConfig
}

// OIDCConfig guards the internal routes. Audience wins over the per-environment Audiences map.
type OIDCConfig struct {
	JWKSURL   string            `env:"API_SECURITY_OIDC_JWKS_URL" envDefault:"https://www.googleapis.com/oauth2/v3/certs" validate:"url"`
	Audience  string            `env:"API_SECURITY_OIDC_AUDIENCE"`
	Audiences map[string]string `env:"API_SECURITY_OIDC_AUDIENCES" envKeyValSeparator:"="`
	Issuers   []string          `env:"API_SECURITY_OIDC_ISSUERS"`
}

type IdempotencyConfig struct {
	Header           string        `env:"API_IDEMPOTENCY_HEADER" envDefault:"Idempotency-Key" validate:"required"`
	TTL              time.Duration `env:"API_IDEMPOTENCY_TTL" envDefault:"24h" validate:"gt=0s"`
	CleanupInterval  time.Duration `env:"API_IDEMPOTENCY_CLEANUP_INTERVAL" envDefault:"1h" validate:"gt=0s"`
	CleanupBatchSize int           `env:"API_IDEMPOTENCY_CLEANUP_BATCH" envDefault:"200" validate:"gt=0"`
}
