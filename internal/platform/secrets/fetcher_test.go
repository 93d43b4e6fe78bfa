package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func writeFallback(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

func TestResolveCachesUntilTTL(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/shop-prod/secrets/stripe-api-key/versions/latest"
	client.values[resource] = "sk_live_1"

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	fetcher, err := NewFetcher(ctx,
		withClient(client),
		withClock(func() time.Time { return now }),
		WithDefaultProject("shop-prod"),
		WithCacheTTL(time.Minute),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := fetcher.Resolve(ctx, "secret://stripe-api-key")
		if err != nil || got != "sk_live_1" {
			t.Fatalf("Resolve = %q, %v", got, err)
		}
	}
	if calls := client.callCount(resource); calls != 1 {
		t.Fatalf("expected a single remote fetch, got %d", calls)
	}

	now = now.Add(2 * time.Minute)
	client.values[resource] = "sk_live_2"
	if got, _ := fetcher.Resolve(ctx, "sm://stripe-api-key"); got != "sk_live_2" {
		t.Fatalf("expected refreshed value after TTL, got %q", got)
	}
}

func TestResolveHonoursProjectsAndVersions(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values["projects/shop-staging/secrets/stripe-webhook-secret/versions/7"] = "whsec_pinned"
	client.values["projects/payments/secrets/jwt-secret/versions/2"] = "override"

	fetcher, err := NewFetcher(ctx,
		withClient(client),
		WithDefaultProject("shop-local"),
		WithEnvironmentProjects("staging", map[string]string{"staging": "shop-staging"}),
		WithVersionPins(map[string]string{"stripe-webhook-secret": "7"}),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	if got, err := fetcher.Resolve(ctx, "secret://stripe-webhook-secret"); err != nil || got != "whsec_pinned" {
		t.Fatalf("pinned version: %q, %v", got, err)
	}
	if got, err := fetcher.Resolve(ctx, "secret://jwt-secret?version=2&project=payments"); err != nil || got != "override" {
		t.Fatalf("explicit version: %q, %v", got, err)
	}
}

func TestResolveFallsBackWhenSecretManagerUnavailable(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errors["projects/shop-prod/secrets/postgres-dsn/versions/latest"] = status.Error(codes.Unavailable, "down")

	fetcher, err := NewFetcher(ctx,
		withClient(client),
		WithDefaultProject("shop-prod"),
		WithFallbackFile(writeFallback(t, "# local\nsecret://postgres-dsn=postgres://localhost/orders\n")),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "secret://postgres-dsn")
	if err != nil || got != "postgres://localhost/orders" {
		t.Fatalf("expected fallback value, got %q, %v", got, err)
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()
	fetcher, err := NewFetcher(ctx,
		withClient(newFakeSecretClient()),
		WithDefaultProject("shop-prod"),
		WithFallbackFile(writeFallback(t, "postgres-dsn=local\n")),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	_, err = fetcher.Resolve(ctx, "secret://postgres-dsn")
	if status.Code(errors.Unwrap(err)) != codes.NotFound {
		t.Fatalf("expected NotFound to surface, got %v", err)
	}
}

func TestNewFetcherWithoutCredentialsUsesFallback(t *testing.T) {
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (secretManagerClient, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	ctx := context.Background()
	fetcher, err := NewFetcher(ctx,
		WithDefaultProject("shop-prod"),
		WithFallbackFile(writeFallback(t, "sm://auth-jwt-secret=dev-secret\n")),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	if got, err := fetcher.ResolveSecret(ctx, "secret://auth-jwt-secret"); err != nil || got != "dev-secret" {
		t.Fatalf("expected fallback value, got %q, %v", got, err)
	}
	if _, err := fetcher.Resolve(ctx, "secret://missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/shop-prod/secrets/stripe-api-key/versions/latest"
	client.values[resource] = "v1"

	fetcher, err := NewFetcher(ctx, withClient(client), WithDefaultProject("shop-prod"))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if _, err := fetcher.Resolve(ctx, "secret://stripe-api-key"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	client.values[resource] = "v2"
	fetcher.Invalidate("secret://stripe-api-key")

	if got, _ := fetcher.Resolve(ctx, "secret://stripe-api-key"); got != "v2" {
		t.Fatalf("expected rotated value, got %q", got)
	}
}

func TestParseReference(t *testing.T) {
	for _, raw := range []string{"", "https://example.com/x", "secret://", "secret:///"} {
		if _, err := parseReference(raw); err == nil {
			t.Errorf("expected %q to be rejected", raw)
		}
	}
	ref, err := parseReference("sm://stripe-api-key?version=4")
	if err != nil || ref.name != "stripe-api-key" || ref.version != "4" {
		t.Fatalf("unexpected reference %+v, %v", ref, err)
	}
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++
	if err := f.errors[name]; err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
