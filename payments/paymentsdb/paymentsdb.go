// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

// Package paymentsdb implements the payments database interfaces on a MySQL
// database through gorm.
package paymentsdb

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"storj.io/common/uuid"

	"github.com/greenroomhq/greenroom/payments"
)

// Error is the paymentsdb error class.
var Error = errs.Class("paymentsdb")

var _ payments.DB = (*DB)(nil)

// DB is a gorm-backed payments database.
//
// architecture: Database
type DB struct {
	db *gorm.DB
}

// Open connects to the database and migrates the payments tables.
func Open(dsn string) (*DB, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := gdb.AutoMigrate(&orderRow{}, &subscriptionRow{}, &refundRow{}, &syncReportRow{}); err != nil {
		return nil, Error.Wrap(err)
	}
	return &DB{db: gdb}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(sqlDB.Close())
}

// Orders is a getter for the orders db.
func (db *DB) Orders() payments.OrdersDB { return ordersDB{db.db} }

// Subscriptions is a getter for the subscriptions db.
func (db *DB) Subscriptions() payments.SubscriptionsDB { return subscriptionsDB{db.db} }

// Refunds is a getter for the refund evidence db.
func (db *DB) Refunds() payments.RefundsDB { return refundsDB{db.db} }

// SyncReports is a getter for the sync report db.
func (db *DB) SyncReports() payments.SyncReportsDB { return syncReportsDB{db.db} }

type orderRow struct {
	ID              string `gorm:"primaryKey;size:36"`
	PayerID         string `gorm:"index;size:36"`
	CreatorID       string `gorm:"index;size:36"`
	ChargeRef       string `gorm:"uniqueIndex;size:191"`
	Amount          int64
	PlatformFee     int64
	CreatorEarnings int64
	Currency        string `gorm:"size:8"`
	Status          string `gorm:"index;size:20"`
	Events          []byte `gorm:"type:json"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (orderRow) TableName() string { return "orders" }

type subscriptionRow struct {
	ID                 string `gorm:"primaryKey;size:36"`
	PayerID            string `gorm:"index;size:36"`
	CreatorID          string `gorm:"index;size:36"`
	ProviderRef        string `gorm:"uniqueIndex;size:191"`
	Amount             int64
	PlatformFee        int64
	CreatorEarnings    int64
	Currency           string `gorm:"size:8"`
	Status             string `gorm:"index;size:20"`
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	Events             []byte `gorm:"type:json"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (subscriptionRow) TableName() string { return "subscriptions" }

type refundRow struct {
	ID                     string `gorm:"primaryKey;size:36"`
	OrderID                string `gorm:"index;size:36"`
	ChargeRef              string `gorm:"index;size:191"`
	MainRefundID           string `gorm:"size:191"`
	ApplicationFeeRefundID string `gorm:"size:191"`
	TotalRefunded          int64
	CreatorRefunded        int64
	PlatformRefunded       int64
	Reason                 string `gorm:"size:255"`
	CreatedAt              time.Time
}

func (refundRow) TableName() string { return "refunds" }

type syncReportRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	Checked    int
	Synced     int
	Errors     int
	Mismatches []byte `gorm:"type:json"`
	FinishedAt time.Time
	CreatedAt  time.Time
}

func (syncReportRow) TableName() string { return "sync_reports" }

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// mysql driver surfaces 1062 before gorm's translation in some paths.
	return err != nil && strings.Contains(err.Error(), "Error 1062")
}

type ordersDB struct{ db *gorm.DB }

func (o ordersDB) Insert(ctx context.Context, order payments.Order) (payments.Order, error) {
	row, err := orderToRow(order)
	if err != nil {
		return payments.Order{}, err
	}
	if err := o.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return payments.Order{}, payments.ErrDuplicate.New("order for charge %s", order.ChargeRef)
		}
		return payments.Order{}, Error.Wrap(err)
	}
	return order, nil
}

func (o ordersDB) Get(ctx context.Context, id uuid.UUID) (payments.Order, error) {
	var row orderRow
	err := o.db.WithContext(ctx).First(&row, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.Order{}, payments.ErrNotFound.New("order %s", id)
	}
	if err != nil {
		return payments.Order{}, Error.Wrap(err)
	}
	return orderFromRow(row)
}

func (o ordersDB) GetByChargeRef(ctx context.Context, chargeRef string) (payments.Order, error) {
	var row orderRow
	err := o.db.WithContext(ctx).First(&row, "charge_ref = ?", chargeRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.Order{}, payments.ErrNotFound.New("order for charge %s", chargeRef)
	}
	if err != nil {
		return payments.Order{}, Error.Wrap(err)
	}
	return orderFromRow(row)
}

func (o ordersDB) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next payments.Status) error {
	result := o.db.WithContext(ctx).Model(&orderRow{}).
		Where("id = ? AND status = ?", id.String(), string(expected)).
		Update("status", string(next))
	if result.Error != nil {
		return Error.Wrap(result.Error)
	}
	if result.RowsAffected == 0 {
		return payments.ErrStaleStatus.New("order %s did not carry status %s", id, expected)
	}
	return nil
}

func (o ordersDB) AppendEvent(ctx context.Context, id uuid.UUID, event payments.Event) error {
	return appendEvent(ctx, o.db, &orderRow{}, id, event)
}

type subscriptionsDB struct{ db *gorm.DB }

func (s subscriptionsDB) Insert(ctx context.Context, subscription payments.Subscription) (payments.Subscription, error) {
	row, err := subscriptionToRow(subscription)
	if err != nil {
		return payments.Subscription{}, err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return payments.Subscription{}, payments.ErrDuplicate.New("subscription for %s", subscription.ProviderRef)
		}
		return payments.Subscription{}, Error.Wrap(err)
	}
	return subscription, nil
}

func (s subscriptionsDB) Get(ctx context.Context, id uuid.UUID) (payments.Subscription, error) {
	var row subscriptionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.Subscription{}, payments.ErrNotFound.New("subscription %s", id)
	}
	if err != nil {
		return payments.Subscription{}, Error.Wrap(err)
	}
	return subscriptionFromRow(row)
}

func (s subscriptionsDB) GetByProviderRef(ctx context.Context, providerRef string) (payments.Subscription, error) {
	var row subscriptionRow
	err := s.db.WithContext(ctx).First(&row, "provider_ref = ?", providerRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.Subscription{}, payments.ErrNotFound.New("subscription for %s", providerRef)
	}
	if err != nil {
		return payments.Subscription{}, Error.Wrap(err)
	}
	return subscriptionFromRow(row)
}

func (s subscriptionsDB) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next payments.Status) error {
	result := s.db.WithContext(ctx).Model(&subscriptionRow{}).
		Where("id = ? AND status = ?", id.String(), string(expected)).
		Update("status", string(next))
	if result.Error != nil {
		return Error.Wrap(result.Error)
	}
	if result.RowsAffected == 0 {
		return payments.ErrStaleStatus.New("subscription %s did not carry status %s", id, expected)
	}
	return nil
}

func (s subscriptionsDB) SetPeriod(ctx context.Context, id uuid.UUID, start, end time.Time) error {
	result := s.db.WithContext(ctx).Model(&subscriptionRow{}).
		Where("id = ?", id.String()).
		Updates(map[string]interface{}{
			"current_period_start": start,
			"current_period_end":   end,
		})
	if result.Error != nil {
		return Error.Wrap(result.Error)
	}
	if result.RowsAffected == 0 {
		return payments.ErrNotFound.New("subscription %s", id)
	}
	return nil
}

func (s subscriptionsDB) ListByStatus(ctx context.Context, statuses ...payments.Status) ([]payments.Subscription, error) {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}

	var rows []subscriptionRow
	if err := s.db.WithContext(ctx).Where("status IN ?", values).Find(&rows).Error; err != nil {
		return nil, Error.Wrap(err)
	}

	subscriptions := make([]payments.Subscription, 0, len(rows))
	for _, row := range rows {
		subscription, err := subscriptionFromRow(row)
		if err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions, nil
}

func (s subscriptionsDB) AppendEvent(ctx context.Context, id uuid.UUID, event payments.Event) error {
	return appendEvent(ctx, s.db, &subscriptionRow{}, id, event)
}

// appendEvent rewrites the events column inside a transaction with the row
// locked, so concurrent appends cannot lose entries.
func appendEvent(ctx context.Context, db *gorm.DB, model interface{}, id uuid.UUID, event payments.Event) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var encoded []byte
		locked := tx.Clauses(clause.Locking{Strength: "UPDATE"})

		switch row := model.(type) {
		case *orderRow:
			if err := locked.First(row, "id = ?", id.String()).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return payments.ErrNotFound.New("order %s", id)
				}
				return Error.Wrap(err)
			}
			encoded = row.Events
		case *subscriptionRow:
			if err := locked.First(row, "id = ?", id.String()).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return payments.ErrNotFound.New("subscription %s", id)
				}
				return Error.Wrap(err)
			}
			encoded = row.Events
		default:
			return Error.New("unsupported model %T", model)
		}

		events, err := payments.DecodeEvents(encoded)
		if err != nil {
			return err
		}
		events = append(events, event)
		encoded, err = payments.EncodeEvents(events)
		if err != nil {
			return err
		}

		return Error.Wrap(tx.Model(model).Where("id = ?", id.String()).Update("events", encoded).Error)
	})
}

type refundsDB struct{ db *gorm.DB }

func (r refundsDB) Insert(ctx context.Context, refund payments.Refund) (payments.Refund, error) {
	row := refundRow{
		ID:                     refund.ID.String(),
		OrderID:                refund.OrderID.String(),
		ChargeRef:              refund.ChargeRef,
		MainRefundID:           refund.MainRefundID,
		ApplicationFeeRefundID: refund.ApplicationFeeRefundID,
		TotalRefunded:          refund.TotalRefunded,
		CreatorRefunded:        refund.CreatorRefunded,
		PlatformRefunded:       refund.PlatformRefunded,
		Reason:                 refund.Reason,
		CreatedAt:              refund.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return payments.Refund{}, payments.ErrDuplicate.New("refund %s", refund.ID)
		}
		return payments.Refund{}, Error.Wrap(err)
	}
	return refund, nil
}

type syncReportsDB struct{ db *gorm.DB }

func (s syncReportsDB) Insert(ctx context.Context, report payments.SyncReport) (payments.SyncReport, error) {
	mismatches, err := json.Marshal(report.Mismatches)
	if err != nil {
		return payments.SyncReport{}, Error.Wrap(err)
	}
	row := syncReportRow{
		ID:         report.ID.String(),
		Checked:    report.Checked,
		Synced:     report.Synced,
		Errors:     report.Errors,
		Mismatches: mismatches,
		FinishedAt: report.FinishedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return payments.SyncReport{}, Error.Wrap(err)
	}
	return report, nil
}

func orderToRow(order payments.Order) (orderRow, error) {
	events, err := payments.EncodeEvents(order.Events)
	if err != nil {
		return orderRow{}, err
	}
	return orderRow{
		ID:              order.ID.String(),
		PayerID:         order.PayerID.String(),
		CreatorID:       order.CreatorID.String(),
		ChargeRef:       order.ChargeRef,
		Amount:          order.Amount,
		PlatformFee:     order.PlatformFee,
		CreatorEarnings: order.CreatorEarnings,
		Currency:        order.Currency,
		Status:          string(order.Status),
		Events:          events,
		CreatedAt:       order.CreatedAt,
	}, nil
}

func orderFromRow(row orderRow) (payments.Order, error) {
	id, err := uuid.FromString(row.ID)
	if err != nil {
		return payments.Order{}, Error.Wrap(err)
	}
	payerID, err := uuid.FromString(row.PayerID)
	if err != nil {
		return payments.Order{}, Error.Wrap(err)
	}
	creatorID, err := uuid.FromString(row.CreatorID)
	if err != nil {
		return payments.Order{}, Error.Wrap(err)
	}
	events, err := payments.DecodeEvents(row.Events)
	if err != nil {
		return payments.Order{}, err
	}
	return payments.Order{
		ID:              id,
		PayerID:         payerID,
		CreatorID:       creatorID,
		ChargeRef:       row.ChargeRef,
		Amount:          row.Amount,
		PlatformFee:     row.PlatformFee,
		CreatorEarnings: row.CreatorEarnings,
		Currency:        row.Currency,
		Status:          payments.Status(row.Status),
		Events:          events,
		CreatedAt:       row.CreatedAt,
	}, nil
}

func subscriptionToRow(subscription payments.Subscription) (subscriptionRow, error) {
	events, err := payments.EncodeEvents(subscription.Events)
	if err != nil {
		return subscriptionRow{}, err
	}
	return subscriptionRow{
		ID:                 subscription.ID.String(),
		PayerID:            subscription.PayerID.String(),
		CreatorID:          subscription.CreatorID.String(),
		ProviderRef:        subscription.ProviderRef,
		Amount:             subscription.Amount,
		PlatformFee:        subscription.PlatformFee,
		CreatorEarnings:    subscription.CreatorEarnings,
		Currency:           subscription.Currency,
		Status:             string(subscription.Status),
		CurrentPeriodStart: subscription.CurrentPeriodStart,
		CurrentPeriodEnd:   subscription.CurrentPeriodEnd,
		Events:             events,
		CreatedAt:          subscription.CreatedAt,
	}, nil
}

func subscriptionFromRow(row subscriptionRow) (payments.Subscription, error) {
	id, err := uuid.FromString(row.ID)
	if err != nil {
		return payments.Subscription{}, Error.Wrap(err)
	}
	payerID, err := uuid.FromString(row.PayerID)
	if err != nil {
		return payments.Subscription{}, Error.Wrap(err)
	}
	creatorID, err := uuid.FromString(row.CreatorID)
	if err != nil {
		return payments.Subscription{}, Error.Wrap(err)
	}
	events, err := payments.DecodeEvents(row.Events)
	if err != nil {
		return payments.Subscription{}, err
	}
	return payments.Subscription{
		ID:                 id,
		PayerID:            payerID,
		CreatorID:          creatorID,
		ProviderRef:        row.ProviderRef,
		Amount:             row.Amount,
		PlatformFee:        row.PlatformFee,
		CreatorEarnings:    row.CreatorEarnings,
		Currency:           row.Currency,
		Status:             payments.Status(row.Status),
		CurrentPeriodStart: row.CurrentPeriodStart,
		CurrentPeriodEnd:   row.CurrentPeriodEnd,
		Events:             events,
		CreatedAt:          row.CreatedAt,
	}, nil
}
