package config

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError lists the config fields that are missing or invalid, e.g. "Store.Driver".
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: missing or invalid fields [" + strings.Join(e.fields, ", ") + "]"
}

// Fields returns the offending field paths.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

var (
	validatorOnce sync.Once
	configRules   *validator.Validate
)

func rules() *validator.Validate {
	validatorOnce.Do(func() {
		configRules = validator.New(validator.WithRequiredStructEnabled())
		configRules.RegisterStructValidation(crossFieldRules, Config{})
	})
	return configRules
}

// crossFieldRules covers requirements that depend on the selected driver or provider.
func crossFieldRules(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	require := func(value any, ok bool, field string) {
		if !ok {
			sl.ReportError(value, field, field, "required", "")
		}
	}

	switch cfg.Store.Driver {
	case StoreDriverFirestore:
		require(cfg.Firestore.ProjectID, cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case StoreDriverPostgres:
		require(cfg.Postgres.DSN, cfg.Postgres.DSN != "", "Postgres.DSN")
	}
	switch cfg.Auth.Provider {
	case AuthProviderFirebase:
		require(cfg.Firebase.ProjectID, cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	case AuthProviderJWT:
		require(cfg.Auth.JWTSecret, cfg.Auth.JWTSecret != "", "Auth.JWTSecret")
	}
	if cfg.Pricing.TaxRate.IsNegative() {
		sl.ReportError(cfg.Pricing.TaxRate, "Pricing.TaxRate", "Pricing.TaxRate", "gte", "0")
	}
	if cfg.Pricing.FlatShipping.IsNegative() {
		sl.ReportError(cfg.Pricing.FlatShipping, "Pricing.FlatShipping", "Pricing.FlatShipping", "gte", "0")
	}
}

func validate(cfg Config) error {
	err := rules().Struct(cfg)
	if err == nil {
		return nil
	}
	var failures validator.ValidationErrors
	if !errors.As(err, &failures) {
		return err
	}
	fields := make([]string, 0, len(failures))
	for _, failure := range failures {
		fields = append(fields, strings.TrimPrefix(failure.StructNamespace(), "Config."))
	}
	return &ValidationError{fields: fields}
}
