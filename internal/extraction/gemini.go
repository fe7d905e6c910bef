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

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient submits receipts to the Gemini generateContent REST API.
// The raw response envelope (candidates[].content.parts[].text) is
// returned untouched for the normalizer.
type GeminiClient struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// NewGemini creates a Gemini extraction client.
func NewGemini(apiKey, model string) *GeminiClient {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

// WithBaseURL overrides the API endpoint; used in tests.
func (g *GeminiClient) WithBaseURL(url string) *GeminiClient {
	g.baseURL = url
	return g
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Extract sends the receipt image and returns the raw wire envelope.
func (g *GeminiClient) Extract(ctx context.Context, img Image) ([]byte, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{
			{
				Parts: []geminiPart{
					{InlineData: &geminiInlineData{
						MimeType: img.ContentType,
						Data:     base64.StdEncoding.EncodeToString(img.Data),
					}},
					{Text: extractionPrompt},
				},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Provider: provider.Gemini, Message: "encoding request", Err: err}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Provider: provider.Gemini, Message: "building request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Provider: provider.Gemini, Message: "calling Gemini API", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Provider: provider.Gemini, Message: "reading response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Kind:     classifyStatus(resp.StatusCode),
			Provider: provider.Gemini,
			Message:  fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(body, 256)),
		}
	}

	if !json.Valid(body) {
		return nil, &Error{Kind: KindMalformed, Provider: provider.Gemini, Message: "response is not valid JSON"}
	}
	return body, nil
}
