package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/xingchen-labs/emotion-companion/internal/logging"
)

// ModelScopeConfig describes an OpenAI-compatible inference endpoint.
type ModelScopeConfig struct {
	BaseURL        string
	APIKey         string `masq:"secret"`
	Model          string
	EmbeddingModel string
	HTTPClient     *http.Client
}

// ModelScope talks to the ModelScope inference API (OpenAI-compatible).
// Single-shot chat and embeddings go through openai-go; streaming reads the
// event stream directly so that malformed frames and reasoning deltas can
// be tolerated.
type ModelScope struct {
	cfg        ModelScopeConfig
	client     openai.Client
	httpClient *http.Client
}

var _ Gateway = (*ModelScope)(nil)

func NewModelScope(cfg ModelScopeConfig) *ModelScope {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	opts := []option.RequestOption{
		option.WithBaseURL(cfg.BaseURL + "/"),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	logging.Default().Info("model gateway configured",
		"provider", "modelscope",
		"chat_model", cfg.Model,
		"embedding_model", cfg.EmbeddingModel,
		"default_key_loaded", cfg.APIKey != "",
	)

	return &ModelScope{
		cfg:        cfg,
		client:     openai.NewClient(opts...),
		httpClient: httpClient,
	}
}

func (m *ModelScope) keyFor(opts ChatOptions) string {
	if opts.APIKey != "" {
		return opts.APIKey
	}
	return m.cfg.APIKey
}

func (m *ModelScope) Chat(ctx context.Context, opts ChatOptions) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(m.cfg.Model),
		Messages:    toOpenAIMessages(opts.Messages),
		Temperature: openai.Float(opts.temperature()),
		MaxTokens:   openai.Int(int64(opts.maxTokens())),
	}

	var reqOpts []option.RequestOption
	if key := m.keyFor(opts); key != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(key))
	}
	if opts.thinking() {
		reqOpts = append(reqOpts, option.WithJSONSet("extra_body", map[string]any{"enable_thinking": true}))
	}

	resp, err := m.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		logging.From(ctx).Error("model chat request failed", "error", err)
		return "", serviceError(err, openAIErrorMessage(err))
	}
	if len(resp.Choices) == 0 {
		return "", serviceError(errors.New("no choices in completion"), "")
	}
	return resp.Choices[0].Message.Content, nil
}

type streamRequest struct {
	Model       string         `json:"model"`
	Messages    []Message      `json:"messages"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens"`
	Stream      bool           `json:"stream"`
	ExtraBody   map[string]any `json:"extra_body,omitempty"`
}

func (m *ModelScope) ChatStream(ctx context.Context, opts ChatOptions) (Stream, error) {
	logger := logging.From(ctx)

	body := streamRequest{
		Model:       m.cfg.Model,
		Messages:    opts.Messages,
		Temperature: opts.temperature(),
		MaxTokens:   opts.maxTokens(),
		Stream:      true,
	}
	if opts.thinking() {
		body.ExtraBody = map[string]any{"enable_thinking": true}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, serviceError(err, "")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, serviceError(err, "")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if key := m.keyFor(opts); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	logger.Debug("starting model stream", "model", m.cfg.Model, "messages", len(opts.Messages))
	resp, err := m.httpClient.Do(req)
	if err != nil {
		logger.Error("model stream request failed", "error", err)
		return nil, serviceError(err, "")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		logger.Error("model stream rejected", "status", resp.StatusCode, "body", truncate(string(data), 300))
		return nil, serviceError(fmt.Errorf("unexpected status %d", resp.StatusCode), providerMessage(data))
	}

	return newFrameStream(ctx, resp.Body), nil
}

func (m *ModelScope) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	resp, err := m.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(m.cfg.EmbeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		logging.From(ctx).Error("embedding request failed", "error", err)
		return nil, serviceError(err, openAIErrorMessage(err))
	}
	if len(resp.Data) == 0 {
		return nil, serviceError(errors.New("empty embedding data"), "")
	}

	embedding := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		embedding[i] = float32(v)
	}
	return embedding, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func openAIErrorMessage(err error) string {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ""
}

// providerMessage pulls a human readable message out of an error body.
// ModelScope has been seen to use all three shapes.
func providerMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
		Errors *struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	switch {
	case payload.Message != "":
		return payload.Message
	case payload.Error != nil && payload.Error.Message != "":
		return payload.Error.Message
	case payload.Errors != nil && payload.Errors.Message != "":
		return payload.Errors.Message
	}
	return ""
}
