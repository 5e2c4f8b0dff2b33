// Package delivery tracks the per-recipient outcome of sent messages.
//
// Every recipient of an outgoing message starts unsent. A send attempt
// resolves it to delivered or failed, and both are terminal.
package delivery

import (
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
)

// State is the delivery state of one recipient.
type State string

const (
	Unsent    State = "unsent"
	Delivered State = "delivered"
	Failed    State = "failed"
)

// Reason explains a failed delivery.
type Reason string

const (
	ReasonUnknown     Reason = "unknown"
	ReasonDoesntExist Reason = "doesnt_exist"
	ReasonTooLarge    Reason = "too_large"
	ReasonCanceled    Reason = "canceled"
)

// ParseReason maps a stored reason, treating anything unrecognised as
// unknown.
func ParseReason(s string) Reason {
	switch r := Reason(s); r {
	case ReasonDoesntExist, ReasonTooLarge, ReasonCanceled:
		return r
	}

	return ReasonUnknown
}

// Delivery is the outcome for one recipient of one message. Reason is set
// only when failed; Date once resolved. LockHolder and LockExpires let
// several clients of one account coordinate who sends.
type Delivery struct {
	MessageID   int64
	Recipient   string
	State       State
	Reason      Reason
	Date        time.Time
	LockHolder  string
	LockExpires time.Time
}

// New returns an unsent delivery, the only state a delivery is created in.
func New(messageID int64, recipient string) Delivery {
	return Delivery{MessageID: messageID, Recipient: recipient, State: Unsent}
}

// Deliver resolves an unsent delivery as delivered at the given time.
func (d Delivery) Deliver(at time.Time) (Delivery, error) {
	if d.State != Unsent {
		return d, fmt.Errorf("%w: %s to %s for %s", apperrors.ErrInvalidDeliveryTransition, d.State, Delivered, d.Recipient)
	}

	d.State = Delivered
	d.Date = at
	d.Reason = ""
	d.LockHolder = ""
	d.LockExpires = time.Time{}

	return d, nil
}

// Fail resolves an unsent delivery as failed.
func (d Delivery) Fail(reason Reason, at time.Time) (Delivery, error) {
	if d.State != Unsent {
		return d, fmt.Errorf("%w: %s to %s for %s", apperrors.ErrInvalidDeliveryTransition, d.State, Failed, d.Recipient)
	}

	d.State = Failed
	d.Reason = reason
	d.Date = at
	d.LockHolder = ""
	d.LockExpires = time.Time{}

	return d, nil
}

// Pending identifies one recipient still waiting for a send attempt.
type Pending struct {
	MessageID int64  `db:"message_id"`
	Recipient string `db:"recipient"`
}
