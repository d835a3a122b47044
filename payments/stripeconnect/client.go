// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

package stripeconnect

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/form"
	"go.uber.org/zap"
)

// Client is the payment provider client interface.
type Client interface {
	Charges() Charges
	Refunds() Refunds
	ApplicationFeeRefunds() ApplicationFeeRefunds
	Subscriptions() Subscriptions
}

// Charges is the provider charges interface.
type Charges interface {
	New(params *stripe.ChargeParams) (*stripe.Charge, error)
	Get(id string, params *stripe.ChargeParams) (*stripe.Charge, error)
}

// Refunds is the provider refunds interface.
type Refunds interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
	Cancel(id string, params *stripe.RefundParams) (*stripe.Refund, error)
}

// ApplicationFeeRefunds is the provider application fee refunds interface.
type ApplicationFeeRefunds interface {
	New(params *stripe.FeeRefundParams) (*stripe.FeeRefund, error)
}

// Subscriptions is the provider subscriptions interface.
//
// List returns a fully drained page set instead of a stripe iterator: the
// iterator types cannot be constructed outside the stripe package, which would
// make this interface impossible to fake.
type Subscriptions interface {
	New(params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	Update(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	Cancel(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
	List(params *stripe.SubscriptionListParams) ([]*stripe.Subscription, error)
}

type stripeClient struct {
	client  *client.API
	backend stripe.Backend
	key     string
}

func (c *stripeClient) Charges() Charges { return c.client.Charges }

func (c *stripeClient) Refunds() Refunds {
	return &stripeRefunds{client: c.client, backend: c.backend, key: c.key}
}

func (c *stripeClient) ApplicationFeeRefunds() ApplicationFeeRefunds {
	return c.client.FeeRefunds
}

func (c *stripeClient) Subscriptions() Subscriptions {
	return &stripeSubscriptions{client: c.client}
}

type stripeRefunds struct {
	client  *client.API
	backend stripe.Backend
	key     string
}

func (r *stripeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	return r.client.Refunds.New(params)
}

// Cancel reverses a refund. stripe-go v72 does not expose the cancel endpoint,
// so the call goes through the backend directly, the same way the generated
// clients do.
func (r *stripeRefunds) Cancel(id string, params *stripe.RefundParams) (*stripe.Refund, error) {
	path := stripe.FormatURLPath("/v1/refunds/%s/cancel", id)
	refund := &stripe.Refund{}
	err := r.backend.Call(http.MethodPost, path, r.key, params, refund)
	return refund, err
}

type stripeSubscriptions struct {
	client *client.API
}

func (s *stripeSubscriptions) New(params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return s.client.Subscriptions.New(params)
}

func (s *stripeSubscriptions) Update(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return s.client.Subscriptions.Update(id, params)
}

func (s *stripeSubscriptions) Cancel(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	return s.client.Subscriptions.Cancel(id, params)
}

func (s *stripeSubscriptions) List(params *stripe.SubscriptionListParams) (subscriptions []*stripe.Subscription, err error) {
	iter := s.client.Subscriptions.List(params)
	for iter.Next() {
		subscriptions = append(subscriptions, iter.Subscription())
	}
	return subscriptions, iter.Err()
}

// NewClient creates a provider client from configuration.
func NewClient(log *zap.Logger, config Config) Client {
	backend := NewBackendWrapper(log, stripe.APIBackend, config.Retries)

	sClient := client.New(config.SecretKey,
		&stripe.Backends{
			API:     backend,
			Connect: NewBackendWrapper(log, stripe.ConnectBackend, config.Retries),
			Uploads: NewBackendWrapper(log, stripe.UploadsBackend, config.Retries),
		},
	)

	return &stripeClient{client: sClient, backend: backend, key: config.SecretKey}
}

// RetryConfig contains the configuration for an exponential backoff strategy
// when retrying provider API calls.
type RetryConfig struct {
	InitialBackoff time.Duration `help:"the duration of the first retry interval" default:"20ms"`
	MaxBackoff     time.Duration `help:"the maximum duration of any retry interval" default:"5s"`
	Multiplier     float64       `help:"the factor by which the retry interval will be multiplied on each iteration" default:"2"`
	MaxRetries     int64         `help:"the maximum number of times to retry a request" default:"10"`
}

// BackendWrapper is a stripe.Backend that retries API calls with exponential
// backoff. Only classified stripe API responses are retried; network timeouts
// are not, because a mutating call with an unknown outcome must be confirmed
// before resubmission.
type BackendWrapper struct {
	backend  stripe.Backend
	retryCfg RetryConfig
	sleep    func(ctx context.Context, d time.Duration) bool
}

// NewBackendWrapper creates a new wrapper for a stripe backend.
func NewBackendWrapper(log *zap.Logger, backendType stripe.SupportedBackend, retryCfg RetryConfig) *BackendWrapper {
	backendConfig := &stripe.BackendConfig{
		LeveledLogger: log.Sugar(),
		// Disable internal retries since we have our own retry+backoff strategy.
		MaxNetworkRetries: stripe.Int64(0),
	}

	return &BackendWrapper{
		retryCfg: retryCfg,
		backend:  stripe.GetBackendWithConfig(backendType, backendConfig),
		sleep:    sleep,
	}
}

// TestSwapBackend replaces the wrapped backend with the one specified for use in testing.
func (w *BackendWrapper) TestSwapBackend(backend stripe.Backend) {
	w.backend = backend
}

// Call implements the stripe.Backend interface.
func (w *BackendWrapper) Call(method, path, key string, params stripe.ParamsContainer, v stripe.LastResponseSetter) error {
	return w.withRetries(params, func() error {
		return w.backend.Call(method, path, key, params, v)
	})
}

// CallStreaming implements the stripe.Backend interface.
func (w *BackendWrapper) CallStreaming(method, path, key string, params stripe.ParamsContainer, v stripe.StreamingLastResponseSetter) error {
	return w.withRetries(params, func() error {
		return w.backend.CallStreaming(method, path, key, params, v)
	})
}

// CallRaw implements the stripe.Backend interface.
func (w *BackendWrapper) CallRaw(method, path, key string, body *form.Values, params *stripe.Params, v stripe.LastResponseSetter) error {
	return w.withRetries(params, func() error {
		return w.backend.CallRaw(method, path, key, body, params, v)
	})
}

// CallMultipart implements the stripe.Backend interface.
func (w *BackendWrapper) CallMultipart(method, path, key, boundary string, body *bytes.Buffer, params *stripe.Params, v stripe.LastResponseSetter) error {
	return w.withRetries(params, func() error {
		return w.backend.CallMultipart(method, path, key, boundary, body, params, v)
	})
}

// SetMaxNetworkRetries sets the maximum number of times to retry failed requests.
func (w *BackendWrapper) SetMaxNetworkRetries(max int64) {
	w.retryCfg.MaxRetries = max
}

// withRetries executes the provided API call using an exponential backoff
// strategy for retrying in the case of failure.
func (w *BackendWrapper) withRetries(params stripe.ParamsContainer, call func() error) error {
	ctx := context.Background()
	if params != nil {
		innerParams := params.GetParams()
		if innerParams != nil && innerParams.Context != nil {
			ctx = innerParams.Context
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	backoff := float64(w.retryCfg.InitialBackoff)
	for retry := int64(0); ; retry++ {
		err := call()
		if err == nil {
			return nil
		}

		if !w.shouldRetry(retry, err) {
			return err
		}

		if !w.sleep(ctx, time.Duration(backoff)) {
			return ctx.Err()
		}

		backoff = math.Min(backoff*w.retryCfg.Multiplier, float64(w.retryCfg.MaxBackoff))
	}
}

// shouldRetry returns whether a provider API call should be retried.
// Retrying is safe because every mutating call carries an idempotency key.
func (w *BackendWrapper) shouldRetry(retry int64, err error) bool {
	if retry >= w.retryCfg.MaxRetries {
		return false
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}

	resp := stripeErr.LastResponse
	if resp == nil {
		return false
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return resp.Header.Get("Stripe-Should-Retry") == "true"
}

// sleep waits for the given duration or until the context is done. It reports
// false when the context ended the wait.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
