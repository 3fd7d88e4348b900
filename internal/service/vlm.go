package service

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/nutrify/internal/domain"
)

const providerOpenAI = "openai"

// VLMService calls an OpenAI-compatible chat completions endpoint with
// an image attached.
type VLMService struct {
	client    *resty.Client
	model     string
	apiKey    string
	endpoint  string
	maxTokens int
	now       func() time.Time
}

// VLMConfig holds configuration for VLM service.
type VLMConfig struct {
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// NewVLMService creates a new VLM service. The resty client is built
// without retries; deadlines come from the context passed to Invoke.
// Parameters:
//   - cfg: model, credential and endpoint.
//
// Returns:
//   - *VLMService: initialized VLM client wrapper.
func NewVLMService(cfg *VLMConfig) *VLMService {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetRetryCount(0)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1200
	}

	return &VLMService{
		client:    client,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		endpoint:  baseURL + "/chat/completions",
		maxTokens: maxTokens,
		now:       time.Now,
	}
}

// Name returns the provider name.
func (s *VLMService) Name() string {
	return providerOpenAI
}

// OpenAI-compatible Chat Completion API request/response structures
type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type openAIMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string for system, []interface{} for user with images
}

type openAITextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type openAIImageContent struct {
	Type     string         `json:"type"`
	ImageURL openAIImageURL `json:"image_url"`
}

type openAIImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Invoke sends one analysis request.
// Parameters:
//   - ctx: caller context; cancellation is reported as canceled.
//   - req: prompt and image from the prompt builder.
//   - timeout: per-call deadline; exceeding it is reported as ai.timeout.
//
// Returns:
//   - *RawModelOutput: the model's message content, unparsed.
//   - error: *domain.Error classifying the failure.
func (s *VLMService) Invoke(ctx context.Context, req *PromptRequest, timeout time.Duration) (*RawModelOutput, error) {
	if s.apiKey == "" {
		return nil, domain.Errorf(domain.KindAuth, "no API key configured for %s", providerOpenAI)
	}

	callCtx, cancel := withCallTimeout(ctx, timeout)
	defer cancel()

	body := openAIRequest{
		Model: s.model,
		Messages: []openAIMessage{
			{Role: "system", Content: req.SystemPrompt},
			{
				Role: "user",
				Content: []interface{}{
					openAITextContent{Type: "text", Text: req.UserPrompt},
					openAIImageContent{
						Type:     "image_url",
						ImageURL: openAIImageURL{URL: req.DataURL(), Detail: "high"},
					},
				},
			},
		},
		MaxTokens: s.maxTokens,
	}

	var resp openAIResponse
	httpResp, err := s.client.R().
		SetContext(callCtx).
		SetBody(body).
		SetResult(&resp).
		SetError(&resp).
		Post(s.endpoint)

	if err != nil && (httpResp == nil || httpResp.StatusCode() == 0) {
		if ce := contextError(ctx, callCtx, err); ce != nil {
			return nil, ce
		}
		return nil, domain.NewError(domain.KindTransport, "failed to reach model endpoint", err)
	}

	status := httpResp.StatusCode()
	if status < 200 || status >= 300 {
		detail := ""
		if resp.Error != nil {
			detail = resp.Error.Message
		} else {
			detail = truncate(string(httpResp.Body()), 200)
		}
		return nil, classifyHTTPStatus(status, httpResp.Header().Get("Retry-After"), detail, s.now())
	}
	if err != nil {
		return nil, domain.NewError(domain.KindProvider, "unreadable response body", err)
	}

	if resp.Error != nil {
		return nil, domain.Errorf(domain.KindProvider, "%s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.Errorf(domain.KindProvider, "no choices in response")
	}

	choice := resp.Choices[0]
	switch {
	case choice.Message.Refusal != "":
		return nil, domain.Errorf(domain.KindProvider, "model refused: %s", choice.Message.Refusal)
	case choice.FinishReason == "content_filter":
		return nil, domain.Errorf(domain.KindProvider, "response blocked by content filter")
	case choice.Message.Content == "":
		return nil, domain.Errorf(domain.KindProvider, "empty completion (finish_reason=%s)", choice.FinishReason)
	}

	return &RawModelOutput{
		Text:         choice.Message.Content,
		Provider:     providerOpenAI,
		Model:        s.model,
		FinishReason: choice.FinishReason,
	}, nil
}
