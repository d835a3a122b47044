// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

// Package stripeconnect implements the split-payment core on top of the
// provider's destination charges: every charge collects the gross amount from
// the payer, transfers the creator share to the creator's connected account
// and retains the platform share as an application fee.
package stripeconnect

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/stripe/stripe-go/v72"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/greenroomhq/greenroom/payments"
)

var (
	// Error defines the stripeconnect service error class.
	Error = errs.Class("stripeconnect service")

	mon = monkit.Package()
)

// Config stores needed information for split payment service initialization.
type Config struct {
	SecretKey           string        `help:"stripe API secret key" default:""`
	CreatorSharePercent int64         `help:"percent of every charge paid out to the creator" default:"70"`
	ProviderTimeout     time.Duration `help:"bound on individual provider calls" default:"30s"`
	ListingLimit        int           `help:"sets the maximum amount of items before we start paging on requests" default:"100" hidden:"true"`
	Retries             RetryConfig
}

// Service implements split payments, refund reconciliation and subscription
// synchronization against the payment provider.
//
// architecture: Service
type Service struct {
	log *zap.Logger

	db     payments.DB
	client Client

	creatorRatio    payments.Ratio
	providerTimeout time.Duration
	listingLimit    int

	nowFn func() time.Time
}

// NewService creates a Service instance.
func NewService(log *zap.Logger, client Client, config Config, db payments.DB) (*Service, error) {
	ratio := payments.Ratio{Numerator: config.CreatorSharePercent, Denominator: 100}
	if !ratio.Valid() {
		return nil, Error.New("creator share percent %d out of range", config.CreatorSharePercent)
	}

	timeout := config.ProviderTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := config.ListingLimit
	if limit <= 0 {
		limit = 100
	}

	return &Service{
		log:             log,
		db:              db,
		client:          client,
		creatorRatio:    ratio,
		providerTimeout: timeout,
		listingLimit:    limit,
		nowFn:           time.Now,
	}, nil
}

// TestSetNow allows tests to have the service act as if the current time is
// whatever they want.
func (service *Service) TestSetNow(nowFn func() time.Time) {
	service.nowFn = nowFn
}

// CreatorRatio returns the share of every charge paid out to creators.
func (service *Service) CreatorRatio() payments.Ratio {
	return service.creatorRatio
}

func (service *Service) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, service.providerTimeout)
}

// providerError classifies a failed provider call. Timeouts and cancellations
// on mutating calls mean the outcome is unknown; the provider-side state must
// be confirmed before the call may be repeated.
func providerError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return payments.ErrProviderUnknown.New("%s: %v", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return payments.ErrProviderUnknown.New("%s: %v", op, err)
	}
	return payments.ErrProvider.New("%s: %v", op, err)
}

// CreatePaymentParams describes a one-off split payment checkout.
type CreatePaymentParams struct {
	PayerID            uuid.UUID
	CreatorID          uuid.UUID
	GrossAmount        int64
	Currency           string
	CustomerRef        string
	SourceToken        string
	DestinationAccount string
	// IdempotencyKey is supplied by the caller and passed through to the
	// provider, so a resubmitted checkout cannot double-charge.
	IdempotencyKey string
}

// CreateSplitPayment computes the split for the gross amount, creates a single
// destination charge with an application fee at the provider and persists
// exactly one order row keyed by the provider charge reference.
//
// A provider failure leaves no local state behind. A repeated call with the
// same idempotency key returns the already persisted order instead of
// creating a duplicate.
func (service *Service) CreateSplitPayment(ctx context.Context, params CreatePaymentParams) (_ payments.Order, err error) {
	defer mon.Task()(&ctx)(&err)

	if params.IdempotencyKey == "" {
		return payments.Order{}, Error.New("idempotency key is required")
	}
	if params.DestinationAccount == "" {
		return payments.Order{}, Error.New("destination account is required")
	}

	split, err := payments.ComputeSplit(params.GrossAmount, service.creatorRatio)
	if err != nil {
		return payments.Order{}, err
	}

	cctx, cancel := service.providerCtx(ctx)
	defer cancel()

	chargeParams := &stripe.ChargeParams{
		Params:               stripe.Params{Context: cctx, IdempotencyKey: stripe.String(params.IdempotencyKey)},
		Amount:               stripe.Int64(split.GrossAmount),
		Currency:             stripe.String(params.Currency),
		ApplicationFeeAmount: stripe.Int64(split.PlatformShare),
		Destination:          &stripe.DestinationParams{Account: stripe.String(params.DestinationAccount)},
	}
	if params.CustomerRef != "" {
		chargeParams.Customer = stripe.String(params.CustomerRef)
	}
	if params.SourceToken != "" {
		if err = chargeParams.SetSource(params.SourceToken); err != nil {
			return payments.Order{}, Error.Wrap(err)
		}
	}

	charge, err := service.client.Charges().New(chargeParams)
	if err != nil {
		return payments.Order{}, providerError("create charge", err)
	}

	id, err := uuid.New()
	if err != nil {
		return payments.Order{}, Error.Wrap(err)
	}

	order := payments.Order{
		ID:              id,
		PayerID:         params.PayerID,
		CreatorID:       params.CreatorID,
		ChargeRef:       charge.ID,
		Amount:          split.GrossAmount,
		PlatformFee:     split.PlatformShare,
		CreatorEarnings: split.CreatorShare,
		Currency:        params.Currency,
		Status:          payments.StatusPending,
		CreatedAt:       service.nowFn(),
	}

	inserted, err := service.db.Orders().Insert(ctx, order)
	if err != nil {
		if payments.ErrDuplicate.Has(err) {
			// The provider replayed an idempotent charge we already recorded.
			return service.db.Orders().GetByChargeRef(ctx, charge.ID)
		}
		service.log.Error("charge created but order insert failed; local state is behind the provider",
			zap.String("chargeRef", charge.ID),
			zap.Stringer("payerID", params.PayerID),
			zap.Error(err),
		)
		return payments.Order{}, payments.ErrPersistence.New("order insert after charge %s: %v", charge.ID, err)
	}

	return inserted, nil
}

// CreateSubscriptionParams describes a recurring split payment checkout.
type CreateSubscriptionParams struct {
	PayerID            uuid.UUID
	CreatorID          uuid.UUID
	GrossAmount        int64
	Currency           string
	CustomerRef        string
	PriceRef           string
	DestinationAccount string
	IdempotencyKey     string
}

// CreateSplitSubscription creates the provider subscription on the creator's
// connected account with an application fee percent derived from the split
// ratio, and persists exactly one subscription row keyed by the provider
// subscription reference. Same idempotency and failure contract as
// CreateSplitPayment.
func (service *Service) CreateSplitSubscription(ctx context.Context, params CreateSubscriptionParams) (_ payments.Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	if params.IdempotencyKey == "" {
		return payments.Subscription{}, Error.New("idempotency key is required")
	}
	if params.DestinationAccount == "" {
		return payments.Subscription{}, Error.New("destination account is required")
	}

	split, err := payments.ComputeSplit(params.GrossAmount, service.creatorRatio)
	if err != nil {
		return payments.Subscription{}, err
	}

	platformPercent := decimal.NewFromInt(100).Sub(
		service.creatorRatio.Decimal().Mul(decimal.NewFromInt(100)))
	feePercent, _ := platformPercent.Float64()

	cctx, cancel := service.providerCtx(ctx)
	defer cancel()

	subParams := &stripe.SubscriptionParams{
		Params:   stripe.Params{Context: cctx, IdempotencyKey: stripe.String(params.IdempotencyKey)},
		Customer: stripe.String(params.CustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(params.PriceRef)},
		},
		ApplicationFeePercent: stripe.Float64(feePercent),
		TransferData: &stripe.SubscriptionTransferDataParams{
			Destination: stripe.String(params.DestinationAccount),
		},
	}

	providerSub, err := service.client.Subscriptions().New(subParams)
	if err != nil {
		return payments.Subscription{}, providerError("create subscription", err)
	}

	id, err := uuid.New()
	if err != nil {
		return payments.Subscription{}, Error.Wrap(err)
	}

	subscription := payments.Subscription{
		ID:                 id,
		PayerID:            params.PayerID,
		CreatorID:          params.CreatorID,
		ProviderRef:        providerSub.ID,
		Amount:             split.GrossAmount,
		PlatformFee:        split.PlatformShare,
		CreatorEarnings:    split.CreatorShare,
		Currency:           params.Currency,
		Status:             statusFromProvider(providerSub),
		CurrentPeriodStart: time.Unix(providerSub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(providerSub.CurrentPeriodEnd, 0).UTC(),
		CreatedAt:          service.nowFn(),
	}

	inserted, err := service.db.Subscriptions().Insert(ctx, subscription)
	if err != nil {
		if payments.ErrDuplicate.Has(err) {
			return service.db.Subscriptions().GetByProviderRef(ctx, providerSub.ID)
		}
		service.log.Error("subscription created but insert failed; local state is behind the provider",
			zap.String("providerRef", providerSub.ID),
			zap.Stringer("payerID", params.PayerID),
			zap.Error(err),
		)
		return payments.Subscription{}, payments.ErrPersistence.New("subscription insert after %s: %v", providerSub.ID, err)
	}

	return inserted, nil
}

// ValidateRefund checks that a refund request does not exceed the refundable
// remainder of the charge. Read-only; it is always called before
// ProcessSplitRefund.
func (service *Service) ValidateRefund(ctx context.Context, chargeRef string, requestedAmount int64) (_ payments.RefundValidation, err error) {
	defer mon.Task()(&ctx)(&err)

	cctx, cancel := service.providerCtx(ctx)
	defer cancel()

	charge, err := service.client.Charges().Get(chargeRef, &stripe.ChargeParams{
		Params: stripe.Params{Context: cctx},
	})
	if err != nil {
		return payments.RefundValidation{}, providerError("retrieve charge", err)
	}

	validation := payments.RefundValidation{
		MaxRefundable: charge.Amount - charge.AmountRefunded,
	}

	switch {
	case requestedAmount <= 0:
		validation.Reason = "refund amount must be positive"
	case charge.Status != "succeeded":
		validation.Reason = "charge is not in a refundable state"
	case requestedAmount > validation.MaxRefundable:
		validation.Reason = "refund amount exceeds refundable remainder"
	default:
		validation.Valid = true
	}

	return validation, nil
}

// ProcessRefundParams describes a split refund against an already-split charge.
type ProcessRefundParams struct {
	ChargeRef       string
	RefundAmount    int64
	OriginalGross   int64
	CreatorEarnings int64
	PlatformFee     int64
	Reason          string
	IdempotencyKey  string
	Metadata        map[string]string
}

// ProcessSplitRefund reverses a split charge proportionally across the two
// provider ledgers: a refund of the creator leg against the main charge first,
// then a refund of the platform leg against the application fee. If the second
// operation fails after the first succeeded, the creator-side refund is
// cancelled again so the creator is not over-penalized; whether that
// compensation succeeded is reported through PartialRefundError.
//
// The two legs are rounded independently because they hit separate ledgers.
// The creator leg rounds half-up and the platform leg rounds down, so the
// platform absorbs the remainder and the total never exceeds the requested
// amount by rounding.
func (service *Service) ProcessSplitRefund(ctx context.Context, params ProcessRefundParams) (_ payments.RefundResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if params.OriginalGross <= 0 {
		return payments.RefundResult{}, payments.ErrInvalidAmount.New("original gross amount %d", params.OriginalGross)
	}
	if params.RefundAmount <= 0 || params.RefundAmount > params.OriginalGross {
		return payments.RefundResult{}, payments.ErrInvalidRefundAmount.New("refund %d of gross %d", params.RefundAmount, params.OriginalGross)
	}
	if params.IdempotencyKey == "" {
		return payments.RefundResult{}, Error.New("idempotency key is required")
	}

	refund := decimal.NewFromInt(params.RefundAmount)
	gross := decimal.NewFromInt(params.OriginalGross)

	// DivRound computes the exactly rounded quotient, which for non-negative
	// amounts is round-half-up; QuoRem truncates, which is the round-down leg.
	creatorLeg := decimal.NewFromInt(params.CreatorEarnings).Mul(refund).DivRound(gross, 0).IntPart()
	platformQuo, _ := decimal.NewFromInt(params.PlatformFee).Mul(refund).QuoRem(gross, 0)
	platformLeg := platformQuo.IntPart()

	cctx, cancel := service.providerCtx(ctx)
	defer cancel()

	charge, err := service.client.Charges().Get(params.ChargeRef, &stripe.ChargeParams{
		Params: stripe.Params{Context: cctx},
	})
	if err != nil {
		return payments.RefundResult{}, providerError("retrieve charge", err)
	}

	result := payments.RefundResult{}

	var mainRefund *stripe.Refund
	if creatorLeg > 0 {
		refundParams := &stripe.RefundParams{
			Params: stripe.Params{Context: cctx, IdempotencyKey: stripe.String(params.IdempotencyKey)},
			Charge: stripe.String(params.ChargeRef),
			Amount: stripe.Int64(creatorLeg),
		}
		if params.Reason != "" {
			refundParams.AddMetadata("reason", params.Reason)
		}
		for key, value := range params.Metadata {
			refundParams.AddMetadata(key, value)
		}

		// The irrevocable first step: this debits the creator's connected
		// account, since the original transfer funded it.
		mainRefund, err = service.client.Refunds().New(refundParams)
		if err != nil {
			return payments.RefundResult{}, providerError("creator refund", err)
		}
		result.MainRefundID = mainRefund.ID
		result.CreatorRefunded = creatorLeg
	}

	if platformLeg > 0 && charge.ApplicationFee != nil {
		feeParams := &stripe.FeeRefundParams{
			Params:         stripe.Params{Context: cctx, IdempotencyKey: stripe.String(params.IdempotencyKey + "-fee")},
			ApplicationFee: stripe.String(charge.ApplicationFee.ID),
			Amount:         stripe.Int64(platformLeg),
		}
		for key, value := range params.Metadata {
			feeParams.AddMetadata(key, value)
		}

		feeRefund, feeErr := service.client.ApplicationFeeRefunds().New(feeParams)
		if feeErr != nil {
			if mainRefund == nil {
				return payments.RefundResult{}, providerError("application fee refund", feeErr)
			}

			cancelParams := &stripe.RefundParams{
				Params: stripe.Params{Context: cctx, IdempotencyKey: stripe.String(params.IdempotencyKey + "-cancel")},
			}
			_, cancelErr := service.client.Refunds().Cancel(mainRefund.ID, cancelParams)

			partial := &payments.PartialRefundError{
				MainRefundID:    mainRefund.ID,
				Compensated:     cancelErr == nil,
				Cause:           feeErr,
				CompensationErr: cancelErr,
			}
			if !partial.Compensated {
				service.log.Error("application fee refund failed and creator refund could not be cancelled; charge requires manual reconciliation",
					zap.String("chargeRef", params.ChargeRef),
					zap.String("mainRefundID", mainRefund.ID),
					zap.NamedError("feeRefund", feeErr),
					zap.NamedError("cancel", cancelErr),
				)
			} else {
				service.log.Warn("application fee refund failed; creator refund cancelled",
					zap.String("chargeRef", params.ChargeRef),
					zap.String("mainRefundID", mainRefund.ID),
					zap.NamedError("feeRefund", feeErr),
				)
			}

			result.Failure = partial.Error()
			return result, partial
		}

		result.ApplicationFeeRefundID = feeRefund.ID
		result.PlatformRefunded = platformLeg
	}

	result.TotalRefunded = result.CreatorRefunded + result.PlatformRefunded
	result.Success = true
	return result, nil
}

// RejectOrder transitions an order to rejected. If money has already moved
// (the order is active or completed), the transition is claimed through a
// conditional status update so only one writer can reconcile the refund, the
// refund outcome is recorded as an event, and only then does the terminal
// status commit. The terminal status commits whether or not the refund
// succeeded; a failed refund is surfaced through the returned error.
func (service *Service) RejectOrder(ctx context.Context, orderID uuid.UUID, reason string) (_ payments.RefundResult, err error) {
	defer mon.Task()(&ctx)(&err)

	order, err := service.db.Orders().Get(ctx, orderID)
	if err != nil {
		return payments.RefundResult{}, err
	}
	if order.Status.IsTerminal() {
		return payments.RefundResult{}, payments.ErrStaleStatus.New("order %s is already %s", orderID, order.Status)
	}

	moneyMoved := order.Status == payments.StatusActive || order.Status == payments.StatusCompleted
	if !moneyMoved {
		if err := service.db.Orders().UpdateStatus(ctx, orderID, order.Status, payments.StatusRejected); err != nil {
			return payments.RefundResult{}, err
		}
		err = service.db.Orders().AppendEvent(ctx, orderID, payments.RejectionRecorded{
			Reason:     reason,
			OccurredAt: service.nowFn(),
		})
		return payments.RefundResult{}, payments.ErrPersistence.Wrap(err)
	}

	// Claim the transition: the conditional update makes this the single
	// writer for the refund reconciliation.
	if err := service.db.Orders().UpdateStatus(ctx, orderID, order.Status, payments.StatusProcessing); err != nil {
		return payments.RefundResult{}, err
	}

	result, refundErr := service.refundOrder(ctx, order, reason)

	event := payments.RefundRecorded{
		MainRefundID:           result.MainRefundID,
		ApplicationFeeRefundID: result.ApplicationFeeRefundID,
		TotalRefunded:          result.TotalRefunded,
		CreatorRefunded:        result.CreatorRefunded,
		PlatformRefunded:       result.PlatformRefunded,
		Succeeded:              refundErr == nil,
		OccurredAt:             service.nowFn(),
	}
	if refundErr != nil {
		event.Failure = refundErr.Error()
	}

	var persistErr error
	if err := service.db.Orders().AppendEvent(ctx, orderID, event); err != nil {
		persistErr = errs.Combine(persistErr, payments.ErrPersistence.Wrap(err))
	}
	if err := service.db.Orders().AppendEvent(ctx, orderID, payments.RejectionRecorded{
		Reason:     reason,
		OccurredAt: service.nowFn(),
	}); err != nil {
		persistErr = errs.Combine(persistErr, payments.ErrPersistence.Wrap(err))
	}

	if refundErr == nil && result.Success {
		if evidenceErr := service.recordRefundEvidence(ctx, order, result, reason); evidenceErr != nil {
			persistErr = errs.Combine(persistErr, evidenceErr)
		}
	}

	if err := service.db.Orders().UpdateStatus(ctx, orderID, payments.StatusProcessing, payments.StatusRejected); err != nil {
		persistErr = errs.Combine(persistErr, err)
	}

	return result, errs.Combine(refundErr, persistErr)
}

// refundOrder runs the validation guard and the refund reconciler for the
// order's full remaining amount.
func (service *Service) refundOrder(ctx context.Context, order payments.Order, reason string) (payments.RefundResult, error) {
	validation, err := service.ValidateRefund(ctx, order.ChargeRef, order.Amount)
	if err != nil {
		return payments.RefundResult{}, err
	}

	refundAmount := order.Amount
	if !validation.Valid {
		if validation.MaxRefundable <= 0 {
			return payments.RefundResult{}, payments.ErrInvalidRefundAmount.New("charge %s: %s", order.ChargeRef, validation.Reason)
		}
		refundAmount = validation.MaxRefundable
	}

	return service.ProcessSplitRefund(ctx, ProcessRefundParams{
		ChargeRef:       order.ChargeRef,
		RefundAmount:    refundAmount,
		OriginalGross:   order.Amount,
		CreatorEarnings: order.CreatorEarnings,
		PlatformFee:     order.PlatformFee,
		Reason:          reason,
		IdempotencyKey:  "reject-" + order.ID.String(),
		Metadata:        map[string]string{"order_id": order.ID.String()},
	})
}

func (service *Service) recordRefundEvidence(ctx context.Context, order payments.Order, result payments.RefundResult, reason string) error {
	id, err := uuid.New()
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = service.db.Refunds().Insert(ctx, payments.Refund{
		ID:                     id,
		OrderID:                order.ID,
		ChargeRef:              order.ChargeRef,
		MainRefundID:           result.MainRefundID,
		ApplicationFeeRefundID: result.ApplicationFeeRefundID,
		TotalRefunded:          result.TotalRefunded,
		CreatorRefunded:        result.CreatorRefunded,
		PlatformRefunded:       result.PlatformRefunded,
		Reason:                 reason,
		CreatedAt:              service.nowFn(),
	})
	if err != nil {
		service.log.Error("refund succeeded but evidence insert failed",
			zap.String("chargeRef", order.ChargeRef),
			zap.String("mainRefundID", result.MainRefundID),
			zap.Error(err),
		)
		return payments.ErrPersistence.Wrap(err)
	}
	return nil
}

// CancelSubscription cancels the provider subscription and transitions the
// local record to cancelled. When a charge reference for the current period is
// supplied and money has moved, the period charge is reconciled through the
// refund engine first, with the same event ordering as RejectOrder.
func (service *Service) CancelSubscription(ctx context.Context, subscriptionID uuid.UUID, periodChargeRef, reason string) (_ payments.RefundResult, err error) {
	defer mon.Task()(&ctx)(&err)

	subscription, err := service.db.Subscriptions().Get(ctx, subscriptionID)
	if err != nil {
		return payments.RefundResult{}, err
	}
	if subscription.Status.IsTerminal() {
		return payments.RefundResult{}, payments.ErrStaleStatus.New("subscription %s is already %s", subscriptionID, subscription.Status)
	}

	if err := service.db.Subscriptions().UpdateStatus(ctx, subscriptionID, subscription.Status, payments.StatusProcessing); err != nil {
		return payments.RefundResult{}, err
	}

	cctx, cancel := service.providerCtx(ctx)
	defer cancel()

	_, cancelErr := service.client.Subscriptions().Cancel(subscription.ProviderRef, &stripe.SubscriptionCancelParams{
		Params: stripe.Params{Context: cctx, IdempotencyKey: stripe.String("cancel-" + subscription.ID.String())},
	})
	if cancelErr != nil {
		// Roll the claim back so the cancellation can be retried.
		if restoreErr := service.db.Subscriptions().UpdateStatus(ctx, subscriptionID, payments.StatusProcessing, subscription.Status); restoreErr != nil {
			return payments.RefundResult{}, errs.Combine(providerError("cancel subscription", cancelErr), restoreErr)
		}
		return payments.RefundResult{}, providerError("cancel subscription", cancelErr)
	}

	var result payments.RefundResult
	var refundErr error
	moneyMoved := subscription.Status == payments.StatusActive || subscription.Status == payments.StatusPaused
	if moneyMoved && periodChargeRef != "" {
		result, refundErr = service.refundSubscriptionPeriod(ctx, subscription, periodChargeRef, reason)

		event := payments.RefundRecorded{
			MainRefundID:           result.MainRefundID,
			ApplicationFeeRefundID: result.ApplicationFeeRefundID,
			TotalRefunded:          result.TotalRefunded,
			CreatorRefunded:        result.CreatorRefunded,
			PlatformRefunded:       result.PlatformRefunded,
			Succeeded:              refundErr == nil,
			OccurredAt:             service.nowFn(),
		}
		if refundErr != nil {
			event.Failure = refundErr.Error()
		}
		if appendErr := service.db.Subscriptions().AppendEvent(ctx, subscriptionID, event); appendErr != nil {
			refundErr = errs.Combine(refundErr, payments.ErrPersistence.Wrap(appendErr))
		}
	}

	var persistErr error
	if err := service.db.Subscriptions().AppendEvent(ctx, subscriptionID, payments.RejectionRecorded{
		Reason:     reason,
		OccurredAt: service.nowFn(),
	}); err != nil {
		persistErr = errs.Combine(persistErr, payments.ErrPersistence.Wrap(err))
	}
	if err := service.db.Subscriptions().UpdateStatus(ctx, subscriptionID, payments.StatusProcessing, payments.StatusCancelled); err != nil {
		persistErr = errs.Combine(persistErr, err)
	}

	return result, errs.Combine(refundErr, persistErr)
}

func (service *Service) refundSubscriptionPeriod(ctx context.Context, subscription payments.Subscription, chargeRef, reason string) (payments.RefundResult, error) {
	validation, err := service.ValidateRefund(ctx, chargeRef, subscription.Amount)
	if err != nil {
		return payments.RefundResult{}, err
	}
	refundAmount := subscription.Amount
	if !validation.Valid {
		if validation.MaxRefundable <= 0 {
			return payments.RefundResult{}, payments.ErrInvalidRefundAmount.New("charge %s: %s", chargeRef, validation.Reason)
		}
		refundAmount = validation.MaxRefundable
	}

	return service.ProcessSplitRefund(ctx, ProcessRefundParams{
		ChargeRef:       chargeRef,
		RefundAmount:    refundAmount,
		OriginalGross:   subscription.Amount,
		CreatorEarnings: subscription.CreatorEarnings,
		PlatformFee:     subscription.PlatformFee,
		Reason:          reason,
		IdempotencyKey:  "cancel-" + subscription.ID.String() + "-refund",
		Metadata:        map[string]string{"subscription_id": subscription.ID.String()},
	})
}

// PauseSubscription pauses collection at the provider and transitions the
// local record from active to paused.
func (service *Service) PauseSubscription(ctx context.Context, subscriptionID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	subscription, err := service.db.Subscriptions().Get(ctx, subscriptionID)
	if err != nil {
		return err
	}

	cctx, cancel := service.providerCtx(ctx)
	defer cancel()

	updateParams := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: cctx, IdempotencyKey: stripe.String("pause-" + subscription.ID.String())},
		PauseCollection: &stripe.SubscriptionPauseCollectionParams{
			Behavior: stripe.String("void"),
		},
	}
	if _, err := service.client.Subscriptions().Update(subscription.ProviderRef, updateParams); err != nil {
		return providerError("pause subscription", err)
	}

	return service.db.Subscriptions().UpdateStatus(ctx, subscriptionID, payments.StatusActive, payments.StatusPaused)
}

// ResumeSubscription resumes collection at the provider and transitions the
// local record from paused back to active.
func (service *Service) ResumeSubscription(ctx context.Context, subscriptionID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	subscription, err := service.db.Subscriptions().Get(ctx, subscriptionID)
	if err != nil {
		return err
	}

	cctx, cancel := service.providerCtx(ctx)
	defer cancel()

	updateParams := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: cctx, IdempotencyKey: stripe.String("resume-" + subscription.ID.String())},
	}
	// Clearing pause_collection resumes collection; the typed params cannot
	// express the empty value.
	updateParams.AddExtra("pause_collection", "")
	if _, err := service.client.Subscriptions().Update(subscription.ProviderRef, updateParams); err != nil {
		return providerError("resume subscription", err)
	}

	return service.db.Subscriptions().UpdateStatus(ctx, subscriptionID, payments.StatusPaused, payments.StatusActive)
}
