package extraction

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/snapexpense/snapexpense/internal/provider"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicClient submits receipts to the Anthropic messages API via
// the official SDK. The SDK's raw response body (content[].text
// blocks) is handed to the normalizer untouched.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates an Anthropic extraction client.
func NewAnthropic(apiKey, model string) *AnthropicClient {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Extract sends the receipt image and returns the raw wire envelope.
func (a *AnthropicClient) Extract(ctx context.Context, img Image) ([]byte, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(img.ContentType, base64.StdEncoding.EncodeToString(img.Data)),
				anthropic.NewTextBlock(extractionPrompt),
			),
		},
	})
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) {
			return nil, &Error{
				Kind:     classifyStatus(apierr.StatusCode),
				Provider: provider.Anthropic,
				Message:  "Anthropic API error",
				Err:      err,
			}
		}
		return nil, &Error{Kind: KindNetwork, Provider: provider.Anthropic, Message: "calling Anthropic API", Err: err}
	}

	raw := message.RawJSON()
	if raw == "" {
		return nil, &Error{Kind: KindMalformed, Provider: provider.Anthropic, Message: "empty response body"}
	}
	return []byte(raw), nil
}
