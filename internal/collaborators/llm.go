// Package collaborators holds the concrete planner, coder, deployer, tester
// and publisher used by the coordinator loop.
package collaborators

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"

	"github.com/nvdpsingh/DevPilot/internal/config"
	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
)

var (
	// ErrNoAPIKey is returned when the LLM endpoint has no credentials.
	ErrNoAPIKey = errors.New("llm api key not configured")

	// ErrMalformedResponse is returned when the model reply is not the
	// expected JSON document.
	ErrMalformedResponse = errors.New("malformed model response")
)

const (
	defaultMaxTokens   = 4096
	defaultTemperature = 0.2
)

// LLM wraps a langchaingo chat model with a client-side rate limit.
type LLM struct {
	model     llms.Model
	limiter   *rate.Limiter
	maxTokens int
}

// NewLLM builds an OpenAI-compatible client for the configured endpoint.
func NewLLM(cfg config.PlannerConfig) (*LLM, error) {
	if !cfg.APIKey.IsSet() {
		return nil, ErrNoAPIKey
	}
	model, err := openai.New(
		openai.WithToken(cfg.APIKey.Value()),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return NewLLMWithModel(model, newLimiter(cfg.RateLimit, cfg.Burst)), nil
}

// NewLLMWithModel wraps an existing model. A nil limiter disables limiting.
func NewLLMWithModel(model llms.Model, limiter *rate.Limiter) *LLM {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &LLM{model: model, limiter: limiter, maxTokens: defaultMaxTokens}
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Complete sends a system and user prompt and returns the reply text.
// Rate limiting and server errors are marked retryable.
func (l *LLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	msgs := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, prompt),
	}
	resp, err := l.model.GenerateContent(ctx, msgs,
		llms.WithTemperature(defaultTemperature),
		llms.WithMaxTokens(l.maxTokens),
	)
	if err != nil {
		return "", classifyLLMError(ctx, err)
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", fmt.Errorf("%w: empty reply", ErrMalformedResponse)
	}
	return resp.Choices[0].Content, nil
}

var statusCodePattern = regexp.MustCompile(`status code:? (\d{3})`)

// classifyLLMError marks transient endpoint failures retryable.
func classifyLLMError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("llm request: %w", err)
	}
	if m := statusCodePattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		if code == 429 || code >= 500 {
			return orchestrator.Retryable(fmt.Errorf("llm request: %w", err))
		}
		return fmt.Errorf("llm request: %w", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return orchestrator.Retryable(fmt.Errorf("llm request: %w", err))
	}
	return fmt.Errorf("llm request: %w", err)
}

// extractJSON returns the outermost JSON object in a model reply, which
// may be wrapped in prose or a fenced code block.
func extractJSON(reply string) (string, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no JSON object in reply", ErrMalformedResponse)
	}
	return reply[start : end+1], nil
}
