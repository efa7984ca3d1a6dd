package classifier

import (
	"context"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/walterra/eddoapp-sub009/internal/capability"
	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/internal/validation"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Config selects and tunes the backing model.
type Config struct {
	Provider    string  `json:"provider" mapstructure:"provider"`
	Model       string  `json:"model" mapstructure:"model"`
	BaseURL     string  `json:"base_url" mapstructure:"base_url"`
	Token       string  `json:"token" mapstructure:"token"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// NewModel builds a langchaingo model from cfg. Any OpenAI-compatible endpoint
// (including a local Ollama at /v1) works through BaseURL.
func NewModel(cfg Config) (llms.Model, error) {
	switch cfg.Provider {
	case "", "openai", "ollama":
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown llm provider %q", cfg.Provider)
	}
	opts := []openai.Option{}
	if cfg.Token != "" {
		opts = append(opts, openai.WithToken(cfg.Token))
	} else if cfg.Provider == "ollama" {
		opts = append(opts, openai.WithToken("ollama"))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeClassification, "create llm client").WithCause(err)
	}
	return m, nil
}

// LLM implements Classifier on a langchaingo model. Replies are validated before use.
type LLM struct {
	model     llms.Model
	validator validation.Validator
	cfg       Config
	logger    *slog.Logger
}

// NewLLM wraps model. A nil validator uses the JSON Schema response validator.
func NewLLM(model llms.Model, v validation.Validator, cfg Config, logger *slog.Logger) (*LLM, error) {
	if v == nil {
		rv, err := validation.NewResponseValidator()
		if err != nil {
			return nil, err
		}
		v = rv
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &LLM{model: model, validator: v, cfg: cfg, logger: logger}, nil
}

func (c *LLM) Classify(ctx context.Context, intent string) (*schema.TaskAnalysis, error) {
	raw, err := c.generate(ctx, analysisPrompt(intent))
	if err != nil {
		return nil, err
	}
	a, res, err := c.validator.ParseAnalysis(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeClassification, "invalid analysis").WithCause(err)
	}
	if res.Len() > 0 {
		logging.LogWith(ctx, c.logger).DebugContext(ctx, "analysis normalized", slog.Any("corrections", res))
	}
	return a, nil
}

func (c *LLM) Decompose(ctx context.Context, intent string, a *schema.TaskAnalysis, caps []capability.Capability) ([]schema.StepDraft, error) {
	raw, err := c.generate(ctx, decompositionPrompt(intent, a, caps))
	if err != nil {
		return nil, err
	}
	steps, err := c.validator.ParseDecomposition(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeClassification, "invalid decomposition").WithCause(err)
	}
	return steps, nil
}

func (c *LLM) Suggest(ctx context.Context, state *schema.WorkflowState) ([]string, error) {
	raw, err := c.generate(ctx, suggestionPrompt(state))
	if err != nil {
		return nil, err
	}
	s, err := c.validator.ParseSuggestions(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeClassification, "invalid suggestions").WithCause(err)
	}
	return s, nil
}

func (c *LLM) generate(ctx context.Context, prompt string) ([]byte, error) {
	opts := []llms.CallOption{llms.WithJSONMode()}
	if c.cfg.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(c.cfg.Temperature))
	}
	if c.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.cfg.MaxTokens))
	}
	resp, err := c.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "classifier call cancelled").WithCause(err)
		}
		return nil, schema.NewError(schema.ErrCodeClassification, "classifier call failed").WithCause(err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return nil, schema.NewError(schema.ErrCodeClassification, "empty classifier reply")
	}
	return []byte(resp.Choices[0].Content), nil
}

var _ Classifier = (*LLM)(nil)
