package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
)

// Normalize translates a raw provider payload plus its pre-classified
// transaction-type tag into a canonical event. Unknown tags return
// ErrUnhandledType so the consumer can ack and move on.
func Normalize(processor enums.Processor, transactionType string, payload json.RawMessage, meta Meta) (*Event, error) {
	var (
		event *Event
		err   error
	)
	switch processor {
	case enums.ProcessorStripe:
		event, err = normalizeStripe(transactionType, payload)
	case enums.ProcessorPayPal:
		event, err = normalizePayPal(transactionType, payload)
	case enums.ProcessorPaddle:
		event, err = normalizePaddle(transactionType, payload)
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown processor %q", processor))
	}
	if err != nil {
		return nil, err
	}

	event.Processor = processor
	event.RawHash = PayloadHash(payload)
	event.ProductID = meta.ProductID
	event.PricingID = meta.PricingID
	event.TrackID = meta.TrackID
	event.CouponCode = meta.CouponCode
	if meta.Sandbox {
		event.Sandbox = true
	}
	if event.SubscriptionID == "" {
		// one-time purchases correlate by their charge id
		event.SubscriptionID = event.ChargeID
	}
	return event, nil
}

// ErrUnhandledType marks transaction-type tags this pipeline does not
// process. The consumer acks these without side effects.
type unhandledTypeError struct {
	transactionType string
}

func (e *unhandledTypeError) Error() string {
	return fmt.Sprintf("unhandled transaction type %q", e.transactionType)
}

// IsUnhandledType reports whether the error marks a transaction type the
// pipeline deliberately skips.
func IsUnhandledType(err error) bool {
	_, ok := err.(*unhandledTypeError)
	return ok
}

func unhandled(transactionType string) error {
	return &unhandledTypeError{transactionType: transactionType}
}
