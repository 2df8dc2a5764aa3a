package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/internal/order/domain"
	"github.com/smallbiznis/billable/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, order *domain.Order) error {
	items := order.Items
	order.Items = nil
	defer func() { order.Items = items }()

	if err := conn.WithContext(ctx).Create(order).Error; err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return conn.WithContext(ctx).Create(&items).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	var orders []domain.Order
	err := conn.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	if err := r.loadItems(ctx, conn, &orders[0]); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (r *repo) Lock(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	var orders []domain.Order
	err := db.ForUpdate(conn.WithContext(ctx).Where("id = ?", id)).
		Limit(1).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	if err := r.loadItems(ctx, conn, &orders[0]); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (r *repo) loadItems(ctx context.Context, conn *gorm.DB, order *domain.Order) error {
	var items []domain.OrderItem
	err := conn.WithContext(ctx).
		Where("order_id = ?", order.ID).
		Order("position ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return err
	}
	order.Items = items
	return nil
}

func (r *repo) FindByPaymentID(ctx context.Context, conn *gorm.DB, paymentID string) (*domain.Order, error) {
	var orders []domain.Order
	err := conn.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Limit(1).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, accountID snowflake.ID, filter domain.ListOrdersFilter) ([]domain.Order, error) {
	stmt := conn.WithContext(ctx).Where("account_id = ?", accountID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var orders []domain.Order
	if err := stmt.Order("created_at DESC, id DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]snowflake.ID, 0, len(orders))
	byID := make(map[snowflake.ID]int, len(orders))
	for i, order := range orders {
		ids = append(ids, order.ID)
		byID[order.ID] = i
	}
	var items []domain.OrderItem
	err := conn.WithContext(ctx).
		Where("order_id IN ?", ids).
		Order("position ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		idx := byID[item.OrderID]
		orders[idx].Items = append(orders[idx].Items, item)
	}
	return orders, nil
}

func (r *repo) MarkPaid(ctx context.Context, conn *gorm.DB, id snowflake.ID, paymentID, paymentMethod string, at time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, payment_id = ?, payment_method = ?, paid_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.OrderStatusPaid,
		paymentID,
		paymentMethod,
		at,
		at,
		id,
		domain.OrderStatusPending,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Transition(ctx context.Context, conn *gorm.DB, id snowflake.ID, from, to domain.OrderStatus, metadata datatypes.JSONMap, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"metadata":   metadata,
		"updated_at": at,
	}
	switch to {
	case domain.OrderStatusCancelled:
		updates["cancelled_at"] = at
	case domain.OrderStatusRefunded:
		updates["refunded_at"] = at
	}

	result := conn.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
