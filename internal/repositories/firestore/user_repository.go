package firestore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	pfirestore "github.com/storefront-labs/orders-api/internal/platform/firestore"
)

const userCollection = "users"

// UserRepository reads customer summaries from the shared users collection.
type UserRepository struct {
	base *pfirestore.Collection[userDocument]
}

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	base := pfirestore.NewCollection[userDocument](provider, userCollection)
	return &UserRepository{base: base}, nil
}

// FindByID loads the user summary by numeric id.
func (r *UserRepository) FindByID(ctx context.Context, userID int64) (domain.User, error) {
	if r == nil || r.base == nil {
		return domain.User{}, errors.New("user repository not initialised")
	}
	doc, err := r.base.Get(ctx, docID(userID))
	if err != nil {
		return domain.User{}, err
	}
	user := doc.Data.toDomain()
	user.ID = userID
	if user.CreatedAt.IsZero() {
		user.CreatedAt = doc.CreateTime
	}
	return user, nil
}

// Upsert writes the user summary; used by seeding and account sync tooling.
func (r *UserRepository) Upsert(ctx context.Context, user domain.User) error {
	if r == nil || r.base == nil {
		return errors.New("user repository not initialised")
	}
	if user.ID <= 0 {
		return errors.New("user id is required")
	}
	return r.base.Set(ctx, docID(user.ID), fromDomainUser(user, time.Now().UTC()))
}

type userDocument struct {
	ID        int64     `firestore:"id"`
	Email     string    `firestore:"email"`
	FirstName string    `firestore:"firstName"`
	LastName  string    `firestore:"lastName"`
	Phone     string    `firestore:"phone"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d userDocument) toDomain() domain.User {
	return domain.User{
		ID:        d.ID,
		Email:     strings.TrimSpace(d.Email),
		FirstName: strings.TrimSpace(d.FirstName),
		LastName:  strings.TrimSpace(d.LastName),
		Phone:     strings.TrimSpace(d.Phone),
		CreatedAt: d.CreatedAt,
	}
}

func fromDomainUser(user domain.User, now time.Time) userDocument {
	doc := userDocument{
		ID:        user.ID,
		Email:     strings.ToLower(strings.TrimSpace(user.Email)),
		FirstName: strings.TrimSpace(user.FirstName),
		LastName:  strings.TrimSpace(user.LastName),
		Phone:     strings.TrimSpace(user.Phone),
		CreatedAt: user.CreatedAt,
		UpdatedAt: now,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	return doc
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}
