package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	domain "github.com/storefront-labs/orders-api/internal/domain"
)

const orderColumns = `id, order_number, user_id, email, phone, status, payment_status,
	subtotal::text, tax::text, shipping::text, discount::text, total::text,
	shipping_address, billing_address, payment_method, payment_transaction_id, checkout_session_id,
	shipping_method, tracking_number, notes, created_at, updated_at, paid_at, shipped_at, delivered_at, cancelled_at`

const itemColumns = `id, order_id, product_id, variant_id, product_name, variant_name, sku,
	unit_price::text, compare_price::text, quantity, line_total::text, created_at`

type orderRepository struct{ store *Store }

// addressJSON is the JSONB shape of order addresses.
type addressJSON struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Company    string `json:"company,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"zip"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.store.atomic(ctx, func(q querier) error {
		var billing *addressJSON
		if order.BillingAddress != nil {
			b := addressJSON(*order.BillingAddress)
			billing = &b
		}
		_, err := q.Exec(ctx, `
			INSERT INTO orders (id, order_number, user_id, email, phone, status, payment_status,
				subtotal, tax, shipping, discount, total, shipping_address, billing_address,
				payment_method, payment_transaction_id, checkout_session_id, shipping_method, tracking_number, notes,
				created_at, updated_at, paid_at, shipped_at, delivered_at, cancelled_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
			order.ID, order.OrderNumber, order.UserID, order.Email, order.Phone, string(order.Status),
			string(order.PaymentStatus), domain.FormatMoney(order.Totals.Subtotal), domain.FormatMoney(order.Totals.Tax),
			domain.FormatMoney(order.Totals.Shipping), domain.FormatMoney(order.Totals.Discount),
			domain.FormatMoney(order.Totals.Total), addressJSON(order.ShippingAddress), billing,
			order.PaymentMethod, order.PaymentTransactionID, order.CheckoutSessionID, order.ShippingMethod,
			order.TrackingNumber, order.Notes, order.CreatedAt, order.UpdatedAt, order.PaidAt, order.ShippedAt,
			order.DeliveredAt, order.CancelledAt)
		if err != nil {
			return wrapError("orders.insert", err)
		}

		if order.CheckoutSessionID != "" {
			if _, err := q.Exec(ctx, `INSERT INTO checkout_sessions (session_id, order_id, claimed_at) VALUES ($1,$2,$3)`,
				order.CheckoutSessionID, order.ID, order.CreatedAt); err != nil {
				return wrapError("orders.insert", err)
			}
		}

		for _, item := range order.Items {
			item.OrderID = order.ID
			if err := insertItem(ctx, q, item); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertItem(ctx context.Context, q querier, item domain.OrderItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO order_items (id, order_id, product_id, variant_id, product_name, variant_name, sku,
			unit_price, compare_price, quantity, line_total, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		item.ID, item.OrderID, item.ProductID, item.VariantID, item.ProductName, item.VariantName, item.SKU,
		domain.FormatMoney(item.UnitPrice), optionalMoney(item.ComparePrice), item.Quantity,
		domain.FormatMoney(item.LineTotal), item.CreatedAt)
	return wrapError("orders.insertItem", err)
}

// FindByID locks the header row when called inside RunInTx, so read-modify-write sequences on one order
// (cancel then release stock, duplicate-line checks) serialise under READ COMMITTED.
func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if txFrom(ctx) != nil {
		sql += ` FOR UPDATE`
	}
	orders, err := r.query(ctx, sql, orderID)
	if err != nil {
		return domain.Order{}, wrapError("orders.findByID", err)
	}
	if len(orders) == 0 {
		return domain.Order{}, notFound("orders.findByID", "order "+orderID)
	}
	return orders[0], nil
}

func (r orderRepository) List(ctx context.Context) ([]domain.Order, error) {
	orders, err := r.query(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at, id`)
	return orders, wrapError("orders.list", err)
}

func (r orderRepository) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	orders, err := r.query(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at, id`, userID)
	return orders, wrapError("orders.listByUser", err)
}

// query loads matching headers, then their items in a single round trip.
func (r orderRepository) query(ctx context.Context, sql string, args ...any) ([]domain.Order, error) {
	q := r.store.q(ctx)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0)
	index := make(map[string]int)
	ids := make([]string, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[order.ID] = len(orders)
		ids = append(ids, order.ID)
		orders = append(orders, order)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return orders, nil
	}

	itemRows, err := q.Query(ctx, `SELECT `+itemColumns+` FROM order_items WHERE order_id = ANY($1) ORDER BY created_at, id`, ids)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()
	for itemRows.Next() {
		item, err := scanItem(itemRows)
		if err != nil {
			return nil, err
		}
		i := index[item.OrderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	return orders, itemRows.Err()
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) error {
	var billing *addressJSON
	if order.BillingAddress != nil {
		b := addressJSON(*order.BillingAddress)
		billing = &b
	}
	tag, err := r.store.q(ctx).Exec(ctx, `
		UPDATE orders SET email=$2, phone=$3, status=$4, payment_status=$5, subtotal=$6, tax=$7, shipping=$8,
			discount=$9, total=$10, shipping_address=$11, billing_address=$12, payment_method=$13,
			payment_transaction_id=$14, shipping_method=$15, tracking_number=$16, notes=$17, updated_at=$18,
			paid_at=$19, shipped_at=$20, delivered_at=$21, cancelled_at=$22
		WHERE id = $1`,
		order.ID, order.Email, order.Phone, string(order.Status), string(order.PaymentStatus),
		domain.FormatMoney(order.Totals.Subtotal), domain.FormatMoney(order.Totals.Tax),
		domain.FormatMoney(order.Totals.Shipping), domain.FormatMoney(order.Totals.Discount),
		domain.FormatMoney(order.Totals.Total), addressJSON(order.ShippingAddress), billing, order.PaymentMethod,
		order.PaymentTransactionID, order.ShippingMethod, order.TrackingNumber, order.Notes, order.UpdatedAt,
		order.PaidAt, order.ShippedAt, order.DeliveredAt, order.CancelledAt)
	if err != nil {
		return wrapError("orders.update", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("orders.update", "order "+order.ID)
	}
	return nil
}

// Delete removes the order; items go with it through ON DELETE CASCADE.
func (r orderRepository) Delete(ctx context.Context, orderID string) error {
	tag, err := r.store.q(ctx).Exec(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return wrapError("orders.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("orders.delete", "order "+orderID)
	}
	return nil
}

func (r orderRepository) InsertItem(ctx context.Context, item domain.OrderItem) error {
	return r.store.atomic(ctx, func(q querier) error {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, item.OrderID).Scan(&exists); err != nil {
			return wrapError("orders.insertItem", err)
		}
		if !exists {
			return notFound("orders.insertItem", "order "+item.OrderID)
		}
		return insertItem(ctx, q, item)
	})
}

func (r orderRepository) DeleteItem(ctx context.Context, orderID string, itemID string) error {
	tag, err := r.store.q(ctx).Exec(ctx, `DELETE FROM order_items WHERE id = $1 AND order_id = $2`, itemID, orderID)
	if err != nil {
		return wrapError("orders.deleteItem", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("orders.deleteItem", fmt.Sprintf("item %s of order %s", itemID, orderID))
	}
	return nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order                                    domain.Order
		status, paymentStatus                    string
		subtotal, tax, shipping, discount, total string
		shippingAddress                          addressJSON
		billingAddress                           *addressJSON
	)
	err := row.Scan(&order.ID, &order.OrderNumber, &order.UserID, &order.Email, &order.Phone, &status, &paymentStatus,
		&subtotal, &tax, &shipping, &discount, &total, &shippingAddress, &billingAddress, &order.PaymentMethod,
		&order.PaymentTransactionID, &order.CheckoutSessionID, &order.ShippingMethod, &order.TrackingNumber,
		&order.Notes, &order.CreatedAt, &order.UpdatedAt, &order.PaidAt, &order.ShippedAt, &order.DeliveredAt,
		&order.CancelledAt)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	order.ShippingAddress = domain.Address(shippingAddress)
	if billingAddress != nil {
		billing := domain.Address(*billingAddress)
		order.BillingAddress = &billing
	}

	amounts := []struct {
		raw    string
		target *decimal.Decimal
	}{
		{subtotal, &order.Totals.Subtotal},
		{tax, &order.Totals.Tax},
		{shipping, &order.Totals.Shipping},
		{discount, &order.Totals.Discount},
		{total, &order.Totals.Total},
	}
	for _, amount := range amounts {
		value, err := decimal.NewFromString(amount.raw)
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s totals: %w", order.ID, err)
		}
		*amount.target = value
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func scanItem(row pgx.Row) (domain.OrderItem, error) {
	var (
		item                 domain.OrderItem
		unitPrice, lineTotal string
		compare              *string
	)
	if err := row.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.VariantID, &item.ProductName, &item.VariantName,
		&item.SKU, &unitPrice, &compare, &item.Quantity, &lineTotal, &item.CreatedAt); err != nil {
		return domain.OrderItem{}, err
	}
	var err error
	if item.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return domain.OrderItem{}, err
	}
	if item.LineTotal, err = decimal.NewFromString(lineTotal); err != nil {
		return domain.OrderItem{}, err
	}
	if item.ComparePrice, err = parseOptionalMoney(compare); err != nil {
		return domain.OrderItem{}, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return item, nil
}
