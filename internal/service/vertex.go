package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/timmy/nutrify/internal/domain"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const providerVertex = "vertex"

// VertexConfig holds configuration for Gemini on Vertex AI.
type VertexConfig struct {
	ProjectID       string
	Location        string
	Model           string
	CredentialsFile string
	MaxTokens       int
}

// VertexService calls Gemini through the Vertex AI SDK.
type VertexService struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

// NewVertexService dials Vertex AI. Credentials come from the file when
// set, otherwise from application default credentials.
func NewVertexService(ctx context.Context, cfg *VertexConfig) (*VertexService, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Location, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}

	model := cfg.Model
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = "gemini-2.5-flash"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1200
	}

	return &VertexService{client: client, model: model, maxTokens: int32(maxTokens)}, nil
}

// Name returns the provider name.
func (s *VertexService) Name() string {
	return providerVertex
}

// Close releases the underlying gRPC connection.
func (s *VertexService) Close() error {
	return s.client.Close()
}

// Invoke sends one analysis request to Gemini.
func (s *VertexService) Invoke(ctx context.Context, req *PromptRequest, timeout time.Duration) (*RawModelOutput, error) {
	callCtx, cancel := withCallTimeout(ctx, timeout)
	defer cancel()

	m := s.client.GenerativeModel(s.model)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemPrompt)}}
	m.SetMaxOutputTokens(s.maxTokens)
	m.SetTemperature(0)
	m.ResponseMIMEType = "application/json"

	resp, err := m.GenerateContent(callCtx,
		genai.Blob{MIMEType: req.ImageMIME, Data: req.ImageData},
		genai.Text(req.UserPrompt),
	)
	if err != nil {
		return nil, classifyVertexError(ctx, callCtx, err)
	}

	text, finish, err := vertexText(resp)
	if err != nil {
		return nil, err
	}
	return &RawModelOutput{Text: text, Provider: providerVertex, Model: s.model, FinishReason: finish}, nil
}

// classifyVertexError maps SDK errors onto the ai taxonomy. Vertex reports
// failures as gRPC statuses; blocked prompts come back as *genai.BlockedError.
func classifyVertexError(parent, call context.Context, err error) error {
	if ce := contextError(parent, call, err); ce != nil {
		return ce
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return domain.NewError(domain.KindProvider, "request blocked by safety filters", err)
	}

	switch status.Code(err) {
	case codes.ResourceExhausted:
		return domain.NewError(domain.KindRateLimited, "vertex quota exhausted", err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return domain.NewError(domain.KindAuth, "vertex rejected credentials", err)
	case codes.DeadlineExceeded:
		return domain.NewError(domain.KindTimeout, "vertex deadline exceeded", err)
	case codes.Unavailable, codes.Internal, codes.Aborted, codes.Unknown:
		return domain.NewError(domain.KindTransport, "vertex unavailable", err)
	default:
		return domain.NewError(domain.KindProvider, "vertex request failed", err)
	}
}

// vertexText concatenates the text parts of the first candidate.
func vertexText(resp *genai.GenerateContentResponse) (string, string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", "", domain.Errorf(domain.KindProvider, "no candidates in response")
	}
	cand := resp.Candidates[0]
	finish := strings.ToLower(strings.TrimPrefix(cand.FinishReason.String(), "FinishReason"))
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", finish, domain.Errorf(domain.KindProvider, "response blocked by safety filters")
	}
	if cand.Content == nil {
		return "", finish, domain.Errorf(domain.KindProvider, "empty candidate")
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	if sb.Len() == 0 {
		return "", finish, domain.Errorf(domain.KindProvider, "candidate has no text")
	}
	return sb.String(), finish, nil
}
