package extraction

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/snapexpense/snapexpense/internal/provider"
)

// Image is a prepared receipt image ready for submission.
type Image struct {
	Data        []byte
	ContentType string
}

// Client submits a receipt image to one provider and returns the
// provider's raw wire-JSON response envelope. Unwrapping the envelope
// is the normalizer's job.
type Client interface {
	Extract(ctx context.Context, img Image) ([]byte, error)
}

// ErrorKind classifies an extraction failure for the queue's retry
// policy.
type ErrorKind string

const (
	// KindAuth is an invalid or rejected credential. Not retryable
	// without user action.
	KindAuth ErrorKind = "auth"
	// KindRateLimited means the provider asked us to back off. Retryable.
	KindRateLimited ErrorKind = "rate_limited"
	// KindNetwork is a transport failure or timeout. Retryable.
	KindNetwork ErrorKind = "network"
	// KindProvider is a provider-side 5xx. Retryable.
	KindProvider ErrorKind = "provider"
	// KindMalformed means a response arrived but was not parseable as
	// the provider's envelope. Not retryable.
	KindMalformed ErrorKind = "malformed_response"
)

// Error is a classified extraction failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the queue may re-dispatch after this error.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindNetwork, KindProvider:
		return true
	}
	return false
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= 500:
		return KindProvider
	default:
		// Unexpected 4xx means we built a request the provider
		// rejected; retrying the same request will not help.
		return KindMalformed
	}
}

// NewClient returns the extraction client for a provider descriptor.
func NewClient(d provider.Descriptor, apiKey string) (Client, error) {
	switch d.Envelope {
	case provider.EnvelopeChatCompletions:
		return NewOpenAI(apiKey, ""), nil
	case provider.EnvelopeMessages:
		return NewAnthropic(apiKey, ""), nil
	case provider.EnvelopeGenerateContent:
		return NewGemini(apiKey, ""), nil
	default:
		return nil, fmt.Errorf("no extraction client for envelope %q", d.Envelope)
	}
}

// httpTimeout bounds a single provider request. The queue applies its
// own wall-clock timeout on top via the context.
const httpTimeout = 120 * time.Second
