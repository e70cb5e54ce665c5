package enums

import "fmt"

// Processor identifies the payment gateway an IPN originated from.
type Processor string

const (
	ProcessorStripe Processor = "stripe"
	ProcessorPayPal Processor = "paypal"
	ProcessorPaddle Processor = "paddle"
)

var validProcessors = []Processor{
	ProcessorStripe,
	ProcessorPayPal,
	ProcessorPaddle,
}

// String implements fmt.Stringer.
func (p Processor) String() string {
	return string(p)
}

// IsValid reports whether the value is a known gateway.
func (p Processor) IsValid() bool {
	for _, candidate := range validProcessors {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParseProcessor converts raw input into a Processor.
func ParseProcessor(value string) (Processor, error) {
	for _, candidate := range validProcessors {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid processor %q", value)
}
