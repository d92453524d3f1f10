package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/xingchen-labs/emotion-companion/internal/logging"
)

type GeminiConfig struct {
	APIKey         string `masq:"secret"`
	Model          string
	EmbeddingModel string
}

// Gemini serves the gateway contract from Google's Generative AI API.
// Gemini has no thinking toggle; EnableThinking is ignored.
type Gemini struct {
	cfg    GeminiConfig
	client *genai.Client
}

var _ Gateway = (*Gemini)(nil)

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	logging.Default().Info("model gateway configured",
		"provider", "gemini",
		"chat_model", cfg.Model,
		"embedding_model", cfg.EmbeddingModel,
	)
	return &Gemini{cfg: cfg, client: client}, nil
}

func (g *Gemini) Close() {
	if g.client == nil {
		return
	}
	if err := g.client.Close(); err != nil {
		logging.Default().Error("error closing GenAI client", "error", err)
	} else {
		logging.Default().Info("GenAI client closed")
	}
}

// clientFor returns the shared client, or a dedicated one when the call
// carries its own key. release must always be called.
func (g *Gemini) clientFor(ctx context.Context, opts ChatOptions) (client *genai.Client, release func(), err error) {
	if opts.APIKey == "" || opts.APIKey == g.cfg.APIKey {
		return g.client, func() {}, nil
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey))
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

func (g *Gemini) session(client *genai.Client, opts ChatOptions) (*genai.ChatSession, []genai.Part, error) {
	system, history, last, err := toGeminiContents(opts.Messages)
	if err != nil {
		return nil, nil, err
	}

	model := client.GenerativeModel(g.cfg.Model)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	model.SetTemperature(float32(opts.temperature()))
	model.SetMaxOutputTokens(int32(opts.maxTokens()))

	cs := model.StartChat()
	cs.History = history
	return cs, last.Parts, nil
}

func (g *Gemini) Chat(ctx context.Context, opts ChatOptions) (string, error) {
	client, release, err := g.clientFor(ctx, opts)
	if err != nil {
		return "", serviceError(err, "")
	}
	defer release()

	cs, parts, err := g.session(client, opts)
	if err != nil {
		return "", serviceError(err, "")
	}

	resp, err := cs.SendMessage(ctx, parts...)
	if err != nil {
		logging.From(ctx).Error("gemini chat SendMessage failed", "error", err)
		return "", serviceError(err, "")
	}
	return responseText(resp), nil
}

func (g *Gemini) ChatStream(ctx context.Context, opts ChatOptions) (Stream, error) {
	client, release, err := g.clientFor(ctx, opts)
	if err != nil {
		return nil, serviceError(err, "")
	}

	cs, parts, err := g.session(client, opts)
	if err != nil {
		release()
		return nil, serviceError(err, "")
	}

	return &geminiStream{iter: cs.SendMessageStream(ctx, parts...), release: release}, nil
}

func (g *Gemini) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	em := g.client.EmbeddingModel(g.cfg.EmbeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, serviceError(err, "")
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, serviceError(errors.New("no embedding data received from gemini"), "")
	}
	return res.Embedding.Values, nil
}

type geminiStream struct {
	iter    *genai.GenerateContentResponseIterator
	release func()
	once    sync.Once
	current string
	err     error
	done    bool
}

func (s *geminiStream) Next() bool {
	for !s.done {
		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) {
			s.finish(nil)
			return false
		}
		if err != nil {
			s.finish(serviceError(err, ""))
			return false
		}
		if text := responseText(resp); text != "" {
			s.current = text
			return true
		}
	}
	return false
}

func (s *geminiStream) finish(err error) {
	s.done = true
	s.current = ""
	s.err = err
	s.once.Do(s.release)
}

func (s *geminiStream) Text() string { return s.current }
func (s *geminiStream) Err() error   { return s.err }

func (s *geminiStream) Close() error {
	s.done = true
	s.once.Do(s.release)
	return nil
}

// toGeminiContents splits a chat-completion message list into the system
// instruction, prior history and the final user turn.
func toGeminiContents(msgs []Message) (system string, history []*genai.Content, last *genai.Content, err error) {
	var systemParts []string
	var turns []*genai.Content
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			systemParts = append(systemParts, m.Content)
		case RoleAssistant:
			turns = append(turns, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			turns = append(turns, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	if len(turns) == 0 {
		return "", nil, nil, errors.New("prompt history is empty for chat completion")
	}
	last = turns[len(turns)-1]
	if last.Role != "user" {
		return "", nil, nil, errors.New("last message is not from 'user'")
	}
	return strings.Join(systemParts, "\n\n"), turns[:len(turns)-1], last, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}
