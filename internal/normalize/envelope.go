package normalize

import (
	"encoding/json"
	"strings"

	"github.com/snapexpense/snapexpense/internal/provider"
)

// extractText unwraps a provider's wire envelope to its text payload.
// Each provider nests the answer differently; everything downstream of
// this function is provider-agnostic.
func extractText(env provider.Envelope, raw []byte) (string, *Error) {
	switch env {
	case provider.EnvelopeChatCompletions:
		return extractChatCompletions(raw)
	case provider.EnvelopeMessages:
		return extractMessages(raw)
	case provider.EnvelopeGenerateContent:
		return extractGenerateContent(raw)
	default:
		return "", &Error{Kind: KindMalformedResponse, Message: "unknown envelope " + string(env)}
	}
}

// OpenAI: choices[].message.content
func extractChatCompletions(raw []byte) (string, *Error) {
	var envelope struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", &Error{Kind: KindMalformedResponse, Message: "decoding chat completions envelope: " + err.Error()}
	}
	if len(envelope.Choices) == 0 {
		return "", &Error{Kind: KindMalformedResponse, Message: "no choices in response"}
	}
	text := strings.TrimSpace(envelope.Choices[0].Message.Content)
	if text == "" {
		return "", &Error{Kind: KindMalformedResponse, Message: "empty message content"}
	}
	return text, nil
}

// Anthropic: content[].text blocks, concatenated.
func extractMessages(raw []byte) (string, *Error) {
	var envelope struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", &Error{Kind: KindMalformedResponse, Message: "decoding messages envelope: " + err.Error()}
	}
	var b strings.Builder
	for _, block := range envelope.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", &Error{Kind: KindMalformedResponse, Message: "no text content blocks in response"}
	}
	return text, nil
}

// Gemini: candidates[].content.parts[].text, first candidate.
func extractGenerateContent(raw []byte) (string, *Error) {
	var envelope struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", &Error{Kind: KindMalformedResponse, Message: "decoding generate content envelope: " + err.Error()}
	}
	if len(envelope.Candidates) == 0 {
		return "", &Error{Kind: KindMalformedResponse, Message: "no candidates in response"}
	}
	var b strings.Builder
	for _, part := range envelope.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", &Error{Kind: KindMalformedResponse, Message: "no text parts in response"}
	}
	return text, nil
}
