package postgres

import (
	"context"

	domain "github.com/storefront-labs/orders-api/internal/domain"
)

type userRepository struct{ store *Store }

func (r userRepository) FindByID(ctx context.Context, userID int64) (domain.User, error) {
	var user domain.User
	err := r.store.q(ctx).QueryRow(ctx,
		`SELECT id, email, first_name, last_name, phone, created_at FROM users WHERE id = $1`, userID).
		Scan(&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.Phone, &user.CreatedAt)
	if err != nil {
		return domain.User{}, wrapError("users.findByID", err)
	}
	return user, nil
}

func (r userRepository) Upsert(ctx context.Context, user domain.User) error {
	_, err := r.store.q(ctx).Exec(ctx, `
		INSERT INTO users (id, email, first_name, last_name, phone)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET email=$2, first_name=$3, last_name=$4, phone=$5`,
		user.ID, user.Email, user.FirstName, user.LastName, user.Phone)
	return wrapError("users.upsert", err)
}
