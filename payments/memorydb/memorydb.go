// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

// Package memorydb provides an in-memory implementation of the payments
// database interfaces, for tests and local runs.
package memorydb

import (
	"context"
	"sync"
	"time"

	"storj.io/common/uuid"

	"github.com/greenroomhq/greenroom/payments"
)

var _ payments.DB = (*DB)(nil)

// DB is an in-memory payments database.
//
// architecture: Database
type DB struct {
	mu sync.Mutex

	orders      map[uuid.UUID]payments.Order
	ordersByRef map[string]uuid.UUID
	subs        map[uuid.UUID]payments.Subscription
	subsByRef   map[string]uuid.UUID
	refunds     []payments.Refund
	reports     []payments.SyncReport
}

// New creates an empty in-memory payments database.
func New() *DB {
	return &DB{
		orders:      make(map[uuid.UUID]payments.Order),
		ordersByRef: make(map[string]uuid.UUID),
		subs:        make(map[uuid.UUID]payments.Subscription),
		subsByRef:   make(map[string]uuid.UUID),
	}
}

// Orders is a getter for the orders db.
func (db *DB) Orders() payments.OrdersDB { return ordersDB{db} }

// Subscriptions is a getter for the subscriptions db.
func (db *DB) Subscriptions() payments.SubscriptionsDB { return subscriptionsDB{db} }

// Refunds is a getter for the refund evidence db.
func (db *DB) Refunds() payments.RefundsDB { return refundsDB{db} }

// SyncReports is a getter for the sync report db.
func (db *DB) SyncReports() payments.SyncReportsDB { return syncReportsDB{db} }

// RefundRecords returns a copy of the stored refund evidence, for tests.
func (db *DB) RefundRecords() []payments.Refund {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]payments.Refund(nil), db.refunds...)
}

// SyncReportRecords returns a copy of the stored sync reports, for tests.
func (db *DB) SyncReportRecords() []payments.SyncReport {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]payments.SyncReport(nil), db.reports...)
}

type ordersDB struct{ db *DB }

func (o ordersDB) Insert(ctx context.Context, order payments.Order) (payments.Order, error) {
	o.db.mu.Lock()
	defer o.db.mu.Unlock()

	if _, ok := o.db.ordersByRef[order.ChargeRef]; ok {
		return payments.Order{}, payments.ErrDuplicate.New("order for charge %s", order.ChargeRef)
	}
	if _, ok := o.db.orders[order.ID]; ok {
		return payments.Order{}, payments.ErrDuplicate.New("order %s", order.ID)
	}
	o.db.orders[order.ID] = order
	o.db.ordersByRef[order.ChargeRef] = order.ID
	return order, nil
}

func (o ordersDB) Get(ctx context.Context, id uuid.UUID) (payments.Order, error) {
	o.db.mu.Lock()
	defer o.db.mu.Unlock()

	order, ok := o.db.orders[id]
	if !ok {
		return payments.Order{}, payments.ErrNotFound.New("order %s", id)
	}
	return order, nil
}

func (o ordersDB) GetByChargeRef(ctx context.Context, chargeRef string) (payments.Order, error) {
	o.db.mu.Lock()
	defer o.db.mu.Unlock()

	id, ok := o.db.ordersByRef[chargeRef]
	if !ok {
		return payments.Order{}, payments.ErrNotFound.New("order for charge %s", chargeRef)
	}
	return o.db.orders[id], nil
}

func (o ordersDB) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next payments.Status) error {
	o.db.mu.Lock()
	defer o.db.mu.Unlock()

	order, ok := o.db.orders[id]
	if !ok {
		return payments.ErrNotFound.New("order %s", id)
	}
	if order.Status != expected {
		return payments.ErrStaleStatus.New("order %s is %s, expected %s", id, order.Status, expected)
	}
	order.Status = next
	o.db.orders[id] = order
	return nil
}

func (o ordersDB) AppendEvent(ctx context.Context, id uuid.UUID, event payments.Event) error {
	o.db.mu.Lock()
	defer o.db.mu.Unlock()

	order, ok := o.db.orders[id]
	if !ok {
		return payments.ErrNotFound.New("order %s", id)
	}
	order.Events = append(order.Events, event)
	o.db.orders[id] = order
	return nil
}

type subscriptionsDB struct{ db *DB }

func (s subscriptionsDB) Insert(ctx context.Context, subscription payments.Subscription) (payments.Subscription, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.subsByRef[subscription.ProviderRef]; ok {
		return payments.Subscription{}, payments.ErrDuplicate.New("subscription for %s", subscription.ProviderRef)
	}
	if _, ok := s.db.subs[subscription.ID]; ok {
		return payments.Subscription{}, payments.ErrDuplicate.New("subscription %s", subscription.ID)
	}
	s.db.subs[subscription.ID] = subscription
	s.db.subsByRef[subscription.ProviderRef] = subscription.ID
	return subscription, nil
}

func (s subscriptionsDB) Get(ctx context.Context, id uuid.UUID) (payments.Subscription, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	subscription, ok := s.db.subs[id]
	if !ok {
		return payments.Subscription{}, payments.ErrNotFound.New("subscription %s", id)
	}
	return subscription, nil
}

func (s subscriptionsDB) GetByProviderRef(ctx context.Context, providerRef string) (payments.Subscription, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	id, ok := s.db.subsByRef[providerRef]
	if !ok {
		return payments.Subscription{}, payments.ErrNotFound.New("subscription for %s", providerRef)
	}
	return s.db.subs[id], nil
}

func (s subscriptionsDB) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next payments.Status) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	subscription, ok := s.db.subs[id]
	if !ok {
		return payments.ErrNotFound.New("subscription %s", id)
	}
	if subscription.Status != expected {
		return payments.ErrStaleStatus.New("subscription %s is %s, expected %s", id, subscription.Status, expected)
	}
	subscription.Status = next
	s.db.subs[id] = subscription
	return nil
}

func (s subscriptionsDB) SetPeriod(ctx context.Context, id uuid.UUID, start, end time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	subscription, ok := s.db.subs[id]
	if !ok {
		return payments.ErrNotFound.New("subscription %s", id)
	}
	subscription.CurrentPeriodStart = start
	subscription.CurrentPeriodEnd = end
	s.db.subs[id] = subscription
	return nil
}

func (s subscriptionsDB) ListByStatus(ctx context.Context, statuses ...payments.Status) ([]payments.Subscription, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var matched []payments.Subscription
	for _, subscription := range s.db.subs {
		for _, status := range statuses {
			if subscription.Status == status {
				matched = append(matched, subscription)
				break
			}
		}
	}
	return matched, nil
}

func (s subscriptionsDB) AppendEvent(ctx context.Context, id uuid.UUID, event payments.Event) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	subscription, ok := s.db.subs[id]
	if !ok {
		return payments.ErrNotFound.New("subscription %s", id)
	}
	subscription.Events = append(subscription.Events, event)
	s.db.subs[id] = subscription
	return nil
}

type refundsDB struct{ db *DB }

func (r refundsDB) Insert(ctx context.Context, refund payments.Refund) (payments.Refund, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	r.db.refunds = append(r.db.refunds, refund)
	return refund, nil
}

type syncReportsDB struct{ db *DB }

func (s syncReportsDB) Insert(ctx context.Context, report payments.SyncReport) (payments.SyncReport, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	s.db.reports = append(s.db.reports, report)
	return report, nil
}
