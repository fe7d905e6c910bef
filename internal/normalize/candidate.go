package normalize

import "fmt"

// Candidate is the normalizer's best-effort structured reading of a
// receipt, not yet user-confirmed. Monetary fields are integer cents;
// nil means the value could not be recovered.
type Candidate struct {
	Merchant      string     `json:"merchant"`
	Amount        *int64     `json:"amount"`
	Date          *string    `json:"date"` // YYYY-MM-DD
	Tax           *int64     `json:"tax,omitempty"`
	TaxType       string     `json:"tax_type,omitempty"`
	Subtotal      *int64     `json:"subtotal,omitempty"`
	Tip           *int64     `json:"tip,omitempty"`
	Category      string     `json:"category,omitempty"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	Items         []LineItem `json:"items,omitempty"`
	Confidence    float64    `json:"confidence"`
	// FutureDate flags a date implausibly far past the capture time.
	// The date is kept for user review, never rejected.
	FutureDate bool `json:"future_date,omitempty"`
}

// LineItem is one purchased item read off the receipt.
type LineItem struct {
	Description string `json:"description"`
	Amount      *int64 `json:"amount"`
}

// ErrorKind classifies a normalization failure. All kinds are
// non-retryable: the provider answered, and resubmitting the same
// image will not change a structurally bad output.
type ErrorKind string

const (
	// KindMalformedResponse means the provider envelope itself could
	// not be unwrapped to a text payload.
	KindMalformedResponse ErrorKind = "malformed_response"
	// KindNoStructuredData means the text contained nothing resembling
	// a structured data block.
	KindNoStructuredData ErrorKind = "no_structured_data"
	// KindInvalidSyntax means a block was found but did not parse.
	KindInvalidSyntax ErrorKind = "invalid_syntax"
)

// Error is a terminal normalization failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize: %s: %s", e.Kind, e.Message)
}

// UserMessage returns a human-readable description suitable for the
// verification UI.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindNoStructuredData:
		return "No expense data could be extracted from the receipt."
	default:
		return "The AI service returned unreadable data."
	}
}
