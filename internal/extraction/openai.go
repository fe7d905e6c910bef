package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/snapexpense/snapexpense/internal/provider"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAI submits receipts to the OpenAI chat completions API. The raw
// response envelope (choices[].message.content) is returned untouched
// for the normalizer.
type OpenAI struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// NewOpenAI creates an OpenAI extraction client.
func NewOpenAI(apiKey, model string) *OpenAI {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		baseURL: "https://api.openai.com/v1",
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

// WithBaseURL overrides the API endpoint; used in tests.
func (o *OpenAI) WithBaseURL(url string) *OpenAI {
	o.baseURL = url
	return o
}

type openAIRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content []openAIContent `json:"content"`
}

type openAIContent struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

// Extract sends the receipt image and returns the raw wire envelope.
func (o *OpenAI) Extract(ctx context.Context, img Image) ([]byte, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s",
		img.ContentType, base64.StdEncoding.EncodeToString(img.Data))

	reqBody := openAIRequest{
		Model:     o.model,
		MaxTokens: 1024,
		Messages: []openAIMessage{
			{
				Role: "user",
				Content: []openAIContent{
					{Type: "text", Text: extractionPrompt},
					{Type: "image_url", ImageURL: &openAIImageURL{URL: dataURL}},
				},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Provider: provider.OpenAI, Message: "encoding request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Provider: provider.OpenAI, Message: "building request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Provider: provider.OpenAI, Message: "calling OpenAI API", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Provider: provider.OpenAI, Message: "reading response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Kind:     classifyStatus(resp.StatusCode),
			Provider: provider.OpenAI,
			Message:  fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(body, 256)),
		}
	}

	if !json.Valid(body) {
		return nil, &Error{Kind: KindMalformed, Provider: provider.OpenAI, Message: "response is not valid JSON"}
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
