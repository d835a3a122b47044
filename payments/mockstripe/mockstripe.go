// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

// Package mockstripe provides an in-memory payment provider client with
// failure injection, for tests and local runs.
package mockstripe

import (
	"fmt"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/zeebo/errs"

	"github.com/greenroomhq/greenroom/payments/stripeconnect"
)

// Error defines the mock provider error class.
var Error = errs.Class("mockstripe")

var _ stripeconnect.Client = (*Client)(nil)

// Client is an in-memory implementation of stripeconnect.Client.
//
// The FailNext* fields make exactly one following call of the matching kind
// fail with the given error, then reset. Mutating calls honor idempotency
// keys the way the provider does: a replayed key returns the original result.
type Client struct {
	mu      sync.Mutex
	counter int

	charges      map[string]*stripe.Charge
	chargeIdem   map[string]string
	refunds      map[string]*stripe.Refund
	refundCharge map[string]string
	feeRefunded  map[string]int64
	subs         map[string]*stripe.Subscription
	subOrder     []string
	subIdem      map[string]string

	FailNextCharge       error
	FailNextRefund       error
	FailNextRefundCancel error
	FailNextFeeRefund    error
	FailNextSubscription error
	FailNextList         error
}

// NewClient creates an empty mock provider.
func NewClient() *Client {
	return &Client{
		charges:      make(map[string]*stripe.Charge),
		chargeIdem:   make(map[string]string),
		refunds:      make(map[string]*stripe.Refund),
		refundCharge: make(map[string]string),
		feeRefunded:  make(map[string]int64),
		subs:         make(map[string]*stripe.Subscription),
		subIdem:      make(map[string]string),
	}
}

func (c *Client) nextID(prefix string) string {
	c.counter++
	return fmt.Sprintf("%s_%08d", prefix, c.counter)
}

// Charges returns the mock charges client.
func (c *Client) Charges() stripeconnect.Charges { return mockCharges{c} }

// Refunds returns the mock refunds client.
func (c *Client) Refunds() stripeconnect.Refunds { return mockRefunds{c} }

// ApplicationFeeRefunds returns the mock application fee refunds client.
func (c *Client) ApplicationFeeRefunds() stripeconnect.ApplicationFeeRefunds {
	return mockFeeRefunds{c}
}

// Subscriptions returns the mock subscriptions client.
func (c *Client) Subscriptions() stripeconnect.Subscriptions { return mockSubscriptions{c} }

// Charge returns the stored charge, for inspection in tests.
func (c *Client) Charge(id string) *stripe.Charge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.charges[id]
}

// FeeRefunded returns how much of the application fee has been refunded.
func (c *Client) FeeRefunded(feeID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feeRefunded[feeID]
}

// Subscription returns the stored subscription, for inspection in tests.
func (c *Client) Subscription(id string) *stripe.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

// AddSubscription seeds a provider-side subscription.
func (c *Client) AddSubscription(sub *stripe.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub.ID == "" {
		sub.ID = c.nextID("sub")
	}
	if _, ok := c.subs[sub.ID]; !ok {
		c.subOrder = append(c.subOrder, sub.ID)
	}
	c.subs[sub.ID] = sub
}

// RemoveSubscription deletes a provider-side subscription, simulating records
// the provider no longer knows about.
func (c *Client) RemoveSubscription(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
	for i, subID := range c.subOrder {
		if subID == id {
			c.subOrder = append(c.subOrder[:i], c.subOrder[i+1:]...)
			break
		}
	}
}

// SetSubscriptionStatus overrides a provider-side subscription status.
func (c *Client) SetSubscriptionStatus(id string, status stripe.SubscriptionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[id]; ok {
		sub.Status = status
	}
}

type mockCharges struct{ c *Client }

func (m mockCharges) New(params *stripe.ChargeParams) (*stripe.Charge, error) {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.FailNextCharge; err != nil {
		c.FailNextCharge = nil
		return nil, err
	}

	if params.IdempotencyKey != nil {
		if existing, ok := c.chargeIdem[*params.IdempotencyKey]; ok {
			return c.charges[existing], nil
		}
	}

	charge := &stripe.Charge{
		ID:       c.nextID("ch"),
		Amount:   stripe.Int64Value(params.Amount),
		Currency: stripe.Currency(stripe.StringValue(params.Currency)),
		Status:   "succeeded",
	}
	if fee := stripe.Int64Value(params.ApplicationFeeAmount); fee > 0 {
		charge.ApplicationFee = &stripe.ApplicationFee{
			ID:     c.nextID("fee"),
			Amount: fee,
		}
	}
	c.charges[charge.ID] = charge
	if params.IdempotencyKey != nil {
		c.chargeIdem[*params.IdempotencyKey] = charge.ID
	}
	return charge, nil
}

func (m mockCharges) Get(id string, params *stripe.ChargeParams) (*stripe.Charge, error) {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()

	charge, ok := c.charges[id]
	if !ok {
		return nil, Error.New("no such charge: %s", id)
	}
	return charge, nil
}

type mockRefunds struct{ c *Client }

func (m mockRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.FailNextRefund; err != nil {
		c.FailNextRefund = nil
		return nil, err
	}

	charge, ok := c.charges[stripe.StringValue(params.Charge)]
	if !ok {
		return nil, Error.New("no such charge: %s", stripe.StringValue(params.Charge))
	}
	amount := stripe.Int64Value(params.Amount)
	if amount <= 0 || amount > charge.Amount-charge.AmountRefunded {
		return nil, Error.New("refund %d exceeds refundable remainder of %s", amount, charge.ID)
	}

	refund := &stripe.Refund{
		ID:     c.nextID("re"),
		Amount: amount,
		Status: "succeeded",
	}
	charge.AmountRefunded += amount
	c.refunds[refund.ID] = refund
	c.refundCharge[refund.ID] = charge.ID
	return refund, nil
}

func (m mockRefunds) Cancel(id string, params *stripe.RefundParams) (*stripe.Refund, error) {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.FailNextRefundCancel; err != nil {
		c.FailNextRefundCancel = nil
		return nil, err
	}

	refund, ok := c.refunds[id]
	if !ok {
		return nil, Error.New("no such refund: %s", id)
	}
	if refund.Status == "canceled" {
		return refund, nil
	}
	refund.Status = "canceled"
	if charge, ok := c.charges[c.refundCharge[id]]; ok {
		charge.AmountRefunded -= refund.Amount
	}
	return refund, nil
}

type mockFeeRefunds struct{ c *Client }

func (m mockFeeRefunds) New(params *stripe.FeeRefundParams) (*stripe.FeeRefund, error) {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.FailNextFeeRefund; err != nil {
		c.FailNextFeeRefund = nil
		return nil, err
	}

	feeID := stripe.StringValue(params.ApplicationFee)
	amount := stripe.Int64Value(params.Amount)
	c.feeRefunded[feeID] += amount

	return &stripe.FeeRefund{
		ID:     c.nextID("fr"),
		Amount: amount,
	}, nil
}

type mockSubscriptions struct{ c *Client }

func (m mockSubscriptions) New(params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.FailNextSubscription; err != nil {
		c.FailNextSubscription = nil
		return nil, err
	}

	if params.IdempotencyKey != nil {
		if existing, ok := c.subIdem[*params.IdempotencyKey]; ok {
			return c.subs[existing], nil
		}
	}

	now := time.Now()
	sub := &stripe.Subscription{
		ID:                 c.nextID("sub"),
		Status:             stripe.SubscriptionStatusActive,
		CurrentPeriodStart: now.Unix(),
		CurrentPeriodEnd:   now.AddDate(0, 1, 0).Unix(),
	}
	c.subs[sub.ID] = sub
	c.subOrder = append(c.subOrder, sub.ID)
	if params.IdempotencyKey != nil {
		c.subIdem[*params.IdempotencyKey] = sub.ID
	}
	return sub, nil
}

func (m mockSubscriptions) Update(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subs[id]
	if !ok {
		return nil, Error.New("no such subscription: %s", id)
	}
	if params.PauseCollection != nil {
		sub.PauseCollection = stripe.SubscriptionPauseCollection{
			Behavior: stripe.SubscriptionPauseCollectionBehavior(stripe.StringValue(params.PauseCollection.Behavior)),
		}
	} else {
		sub.PauseCollection = stripe.SubscriptionPauseCollection{}
	}
	return sub, nil
}

func (m mockSubscriptions) Cancel(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subs[id]
	if !ok {
		return nil, Error.New("no such subscription: %s", id)
	}
	sub.Status = stripe.SubscriptionStatusCanceled
	return sub, nil
}

func (m mockSubscriptions) List(params *stripe.SubscriptionListParams) ([]*stripe.Subscription, error) {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.FailNextList; err != nil {
		c.FailNextList = nil
		return nil, err
	}

	subscriptions := make([]*stripe.Subscription, 0, len(c.subOrder))
	for _, id := range c.subOrder {
		if sub, ok := c.subs[id]; ok {
			subscriptions = append(subscriptions, sub)
		}
	}
	return subscriptions, nil
}
