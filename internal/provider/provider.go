package provider

import (
	"fmt"
	"strings"
)

// Envelope identifies the wire shape of a provider's response, which
// selects both the extraction client variant and the normalizer adapter.
type Envelope string

const (
	// EnvelopeChatCompletions is the OpenAI chat completions shape
	// (answer under choices[].message.content).
	EnvelopeChatCompletions Envelope = "chat_completions"
	// EnvelopeMessages is the Anthropic messages shape (answer under
	// content[].text blocks).
	EnvelopeMessages Envelope = "messages"
	// EnvelopeGenerateContent is the Gemini generateContent shape
	// (answer under candidates[].content.parts[].text).
	EnvelopeGenerateContent Envelope = "generate_content"
)

// Provider ids. These are the only values accepted by the queue.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Gemini    = "gemini"
)

// Descriptor describes one supported AI provider. Descriptors are
// immutable and process-wide.
type Descriptor struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	DocsURL  string   `json:"docs_url"`
	Envelope Envelope `json:"-"`

	keyValid func(key string) bool
}

// ErrNotFound is returned for an unknown provider id.
var ErrNotFound = fmt.Errorf("provider not found")

var catalog = []Descriptor{
	{
		ID:       OpenAI,
		Name:     "OpenAI GPT-4o",
		DocsURL:  "https://platform.openai.com/docs/guides/vision",
		Envelope: EnvelopeChatCompletions,
		keyValid: openAIKeyValid,
	},
	{
		ID:       Anthropic,
		Name:     "Anthropic Claude",
		DocsURL:  "https://docs.anthropic.com/en/docs/build-with-claude/vision",
		Envelope: EnvelopeMessages,
		keyValid: anthropicKeyValid,
	},
	{
		ID:       Gemini,
		Name:     "Google Gemini",
		DocsURL:  "https://ai.google.dev/gemini-api/docs/vision",
		Envelope: EnvelopeGenerateContent,
		keyValid: geminiKeyValid,
	},
}

// List returns all supported providers in a stable order.
func List() []Descriptor {
	out := make([]Descriptor, len(catalog))
	copy(out, catalog)
	return out
}

// Get returns the descriptor for the given provider id.
func Get(id string) (Descriptor, error) {
	for _, d := range catalog {
		if d.ID == id {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Known reports whether id names a supported provider.
func Known(id string) bool {
	_, err := Get(id)
	return err == nil
}

// ValidateKeyFormat checks an API key against the provider's format
// rule. It is a pure string predicate and makes no network call.
func ValidateKeyFormat(id, key string) bool {
	d, err := Get(id)
	if err != nil {
		return false
	}
	return d.keyValid(key)
}

// OpenAI keys start with "sk-" and use a restricted character set.
func openAIKeyValid(key string) bool {
	if !strings.HasPrefix(key, "sk-") || len(key) < 20 {
		return false
	}
	for _, r := range key[len("sk-"):] {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// Anthropic keys carry a longer fixed prefix.
func anthropicKeyValid(key string) bool {
	return strings.HasPrefix(key, "sk-ant-") && len(key) >= 40
}

// Google API keys are exactly 39 characters with an "AIza" prefix.
func geminiKeyValid(key string) bool {
	return strings.HasPrefix(key, "AIza") && len(key) == 39
}
