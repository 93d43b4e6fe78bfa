package memory

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	domain "github.com/storefront-labs/orders-api/internal/domain"
)

// Seed is the YAML fixture format accepted by LoadSeed.
type Seed struct {
	Users    []SeedUser    `yaml:"users"`
	Products []SeedProduct `yaml:"products"`
}

// SeedUser describes a customer fixture.
type SeedUser struct {
	ID        int64  `yaml:"id"`
	Email     string `yaml:"email"`
	FirstName string `yaml:"firstName"`
	LastName  string `yaml:"lastName"`
	Phone     string `yaml:"phone"`
}

// SeedProduct describes a catalog fixture. Prices are decimal strings.
type SeedProduct struct {
	ID             int64         `yaml:"id"`
	Name           string        `yaml:"name"`
	Slug           string        `yaml:"slug"`
	SKU            string        `yaml:"sku"`
	Price          string        `yaml:"price"`
	ComparePrice   string        `yaml:"comparePrice"`
	Quantity       int           `yaml:"quantity"`
	TrackQuantity  *bool         `yaml:"trackQuantity"`
	AllowBackorder bool          `yaml:"allowBackorder"`
	Active         *bool         `yaml:"active"`
	CategoryID     *int64        `yaml:"categoryId"`
	Variants       []SeedVariant `yaml:"variants"`
}

// SeedVariant describes a product variant fixture.
type SeedVariant struct {
	ID           int64             `yaml:"id"`
	Name         string            `yaml:"name"`
	SKU          string            `yaml:"sku"`
	Price        string            `yaml:"price"`
	ComparePrice string            `yaml:"comparePrice"`
	Quantity     int               `yaml:"quantity"`
	Options      map[string]string `yaml:"options"`
}

// LoadSeedFile reads a YAML fixture from disk into the store.
func (s *Store) LoadSeedFile(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("memory: open seed: %w", err)
	}
	defer file.Close()
	return s.LoadSeed(ctx, file)
}

// LoadSeed decodes a YAML fixture and upserts its users and products in one transaction.
func (s *Store) LoadSeed(ctx context.Context, r io.Reader) error {
	var seed Seed
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&seed); err != nil && err != io.EOF {
		return fmt.Errorf("memory: decode seed: %w", err)
	}

	products := make([]domain.Product, 0, len(seed.Products))
	for _, entry := range seed.Products {
		product, err := entry.toDomain()
		if err != nil {
			return err
		}
		products = append(products, product)
	}

	return s.RunInTx(ctx, func(ctx context.Context) error {
		for _, user := range seed.Users {
			if err := s.Users().Upsert(ctx, domain.User{
				ID:        user.ID,
				Email:     strings.TrimSpace(user.Email),
				FirstName: user.FirstName,
				LastName:  user.LastName,
				Phone:     user.Phone,
			}); err != nil {
				return err
			}
		}
		for _, product := range products {
			if err := s.Products().Upsert(ctx, product); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p SeedProduct) toDomain() (domain.Product, error) {
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("memory: product %d price: %w", p.ID, err)
	}
	compare, err := optionalDecimal(p.ComparePrice)
	if err != nil {
		return domain.Product{}, fmt.Errorf("memory: product %d compare price: %w", p.ID, err)
	}

	product := domain.Product{
		ID:             p.ID,
		Name:           p.Name,
		Slug:           p.Slug,
		SKU:            p.SKU,
		Price:          price,
		ComparePrice:   compare,
		Quantity:       p.Quantity,
		TrackQuantity:  p.TrackQuantity == nil || *p.TrackQuantity,
		AllowBackorder: p.AllowBackorder,
		Active:         p.Active == nil || *p.Active,
		CategoryID:     p.CategoryID,
	}
	for _, v := range p.Variants {
		variantPrice, err := optionalDecimal(v.Price)
		if err != nil {
			return domain.Product{}, fmt.Errorf("memory: variant %d price: %w", v.ID, err)
		}
		variantCompare, err := optionalDecimal(v.ComparePrice)
		if err != nil {
			return domain.Product{}, fmt.Errorf("memory: variant %d compare price: %w", v.ID, err)
		}
		product.Variants = append(product.Variants, domain.ProductVariant{
			ID:           v.ID,
			ProductID:    p.ID,
			Name:         v.Name,
			SKU:          v.SKU,
			Price:        variantPrice,
			ComparePrice: variantCompare,
			Quantity:     v.Quantity,
			Options:      v.Options,
		})
	}
	return product, nil
}

func optionalDecimal(raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	return &value, nil
}
