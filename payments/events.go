// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

package payments

import (
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
)

// ErrEvent is the error class for event encoding issues.
var ErrEvent = errs.Class("event")

// Event is a typed record attached to an Order or Subscription. Using a closed
// set of event types instead of a free-form metadata map gives readers a
// guaranteed shape for refund and drift history.
type Event interface {
	eventType() string
}

// RefundRecorded captures the outcome of a refund reconciliation, successful
// or not. It is appended before the terminal status change commits, so a
// failed refund is never silently dropped.
type RefundRecorded struct {
	MainRefundID           string    `json:"main_refund_id"`
	ApplicationFeeRefundID string    `json:"application_fee_refund_id"`
	TotalRefunded          int64     `json:"total_refunded"`
	CreatorRefunded        int64     `json:"creator_refunded"`
	PlatformRefunded       int64     `json:"platform_refunded"`
	Succeeded              bool      `json:"succeeded"`
	Failure                string    `json:"failure,omitempty"`
	OccurredAt             time.Time `json:"occurred_at"`
}

func (RefundRecorded) eventType() string { return "refund_recorded" }

// RejectionRecorded captures why an order or subscription was rejected or cancelled.
type RejectionRecorded struct {
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (RejectionRecorded) eventType() string { return "rejection_recorded" }

// SyncDrift captures a field the synchronizer repaired from the provider copy.
type SyncDrift struct {
	Field      string    `json:"field"`
	Local      string    `json:"local"`
	Provider   string    `json:"provider"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (SyncDrift) eventType() string { return "sync_drift" }

type eventEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvents serializes events for storage as a JSON column.
func EncodeEvents(events []Event) ([]byte, error) {
	envelopes := make([]eventEnvelope, 0, len(events))
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return nil, ErrEvent.Wrap(err)
		}
		envelopes = append(envelopes, eventEnvelope{Type: event.eventType(), Payload: payload})
	}
	return json.Marshal(envelopes)
}

// DecodeEvents deserializes events stored by EncodeEvents. Unknown event types
// are an error: the set of types is closed.
func DecodeEvents(data []byte) ([]Event, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var envelopes []eventEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, ErrEvent.Wrap(err)
	}
	events := make([]Event, 0, len(envelopes))
	for _, envelope := range envelopes {
		var event Event
		switch envelope.Type {
		case RefundRecorded{}.eventType():
			event = &RefundRecorded{}
		case RejectionRecorded{}.eventType():
			event = &RejectionRecorded{}
		case SyncDrift{}.eventType():
			event = &SyncDrift{}
		default:
			return nil, ErrEvent.New("unknown event type %q", envelope.Type)
		}
		if err := json.Unmarshal(envelope.Payload, event); err != nil {
			return nil, ErrEvent.Wrap(err)
		}
		switch typed := event.(type) {
		case *RefundRecorded:
			events = append(events, *typed)
		case *RejectionRecorded:
			events = append(events, *typed)
		case *SyncDrift:
			events = append(events, *typed)
		}
	}
	return events, nil
}
