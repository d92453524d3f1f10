package core

import (
	"context"
	"strings"

	"github.com/xingchen-labs/emotion-companion/internal/llm"
	"github.com/xingchen-labs/emotion-companion/internal/logging"
)

const (
	chatTemperature = 0.8
	chatMaxTokens   = 1000
)

const EmergencyResponse = "我非常关心你的安全。如果你正在经历困难时期，请记得你并不孤单，有很多人愿意帮助你。请考虑联系专业心理咨询热线或寻求信任的人的帮助。我在这里也会一直陪伴你。"

var EmergencyEmotion = EmotionResult{
	Emotion:    EmotionSad,
	Intensity:  1,
	Confidence: 1,
}

var emergencyKeywords = []string{"自杀", "想死", "不想活了", "结束生命", "自残", "伤害自己"}

// CheckEmergency reports whether message contains a crisis keyword.
func CheckEmergency(message string) bool {
	for _, kw := range emergencyKeywords {
		if strings.Contains(message, kw) {
			return true
		}
	}
	return false
}

type ChatService struct {
	emotion  *EmotionService
	rag      *RAGService
	gateway  llm.Gateway
	template string

	temperature float64
	maxTokens   int
	thinking    *bool
}

type ChatOption func(*ChatService)

func WithTemperature(t float64) ChatOption {
	return func(s *ChatService) { s.temperature = t }
}

func WithMaxTokens(n int) ChatOption {
	return func(s *ChatService) { s.maxTokens = n }
}

func WithThinking(enabled bool) ChatOption {
	return func(s *ChatService) { s.thinking = llm.Bool(enabled) }
}

func WithPersona(template string) ChatOption {
	return func(s *ChatService) { s.template = template }
}

func NewChatService(emotion *EmotionService, rag *RAGService, gateway llm.Gateway, opts ...ChatOption) *ChatService {
	s := &ChatService{
		emotion:     emotion,
		rag:         rag,
		gateway:     gateway,
		template:    PersonaPrompt,
		temperature: chatTemperature,
		maxTokens:   chatMaxTokens,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ChatService) AnalyzeEmotion(message string) EmotionResult {
	return s.emotion.Analyze(message)
}

func (s *ChatService) RAG() *RAGService {
	return s.rag
}

type turn struct {
	emotion EmotionResult
	sources []SourceInfo
	options llm.ChatOptions
}

func (s *ChatService) prepare(ctx context.Context, req ChatRequest, withSuggestion bool) turn {
	logger := logging.From(ctx)

	emotion := s.emotion.Analyze(req.Message)
	ragContext := s.rag.BuildContext(req.Message)
	sources := s.rag.GetSources(req.Message)
	logger.Info("turn analyzed",
		"emotion", emotion.Emotion,
		"intensity", emotion.Intensity,
		"sources", len(sources),
		"history", len(req.History),
	)

	messages := ComposeMessages(PromptInput{
		Template:       s.template,
		UserProfile:    req.UserProfile,
		RAGContext:     ragContext,
		Emotion:        emotion,
		History:        req.History,
		Message:        req.Message,
		WithSuggestion: withSuggestion,
	})

	return turn{
		emotion: emotion,
		sources: sources,
		options: llm.ChatOptions{
			Messages:       messages,
			Temperature:    s.temperature,
			MaxTokens:      s.maxTokens,
			APIKey:         req.APIKey,
			EnableThinking: s.thinking,
		},
	}
}

// ProcessChat runs one single-shot turn. Gateway errors are returned as is.
func (s *ChatService) ProcessChat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	if CheckEmergency(req.Message) {
		logging.From(ctx).Warn("emergency keyword detected, bypassing model")
		return &ChatReply{
			Response:    EmergencyResponse,
			IsEmergency: true,
			Emotion:     EmergencyEmotion,
			Sources:     []SourceInfo{},
		}, nil
	}

	t := s.prepare(ctx, req, true)
	response, err := s.gateway.Chat(ctx, t.options)
	if err != nil {
		return nil, err
	}
	return &ChatReply{Response: response, Emotion: t.emotion, Sources: t.sources}, nil
}

// StreamSummary is delivered after the last content chunk.
type StreamSummary struct {
	Emotion     EmotionResult
	Sources     []SourceInfo
	IsEmergency bool
}

// ChatStream yields reply chunks in provider order. Summary is meaningful
// once Next has returned false with a nil Err.
type ChatStream struct {
	ctx      context.Context
	upstream llm.Stream
	pending  []string
	current  string
	summary  StreamSummary
	chunks   int
}

func (s *ChatStream) Next() bool {
	if s.upstream == nil {
		if len(s.pending) == 0 {
			s.current = ""
			return false
		}
		s.current, s.pending = s.pending[0], s.pending[1:]
		s.chunks++
		return true
	}

	if !s.upstream.Next() {
		s.current = ""
		logging.From(s.ctx).Debug("chat stream finished", "chunks", s.chunks, "error", s.upstream.Err())
		return false
	}
	s.current = s.upstream.Text()
	s.chunks++
	return true
}

func (s *ChatStream) Text() string { return s.current }

func (s *ChatStream) Err() error {
	if s.upstream == nil {
		return nil
	}
	return s.upstream.Err()
}

func (s *ChatStream) Close() error {
	if s.upstream == nil {
		return nil
	}
	return s.upstream.Close()
}

func (s *ChatStream) Summary() StreamSummary { return s.summary }

// ProcessChatStream starts one streamed turn. An emergency message yields
// the safety text as a single chunk without calling the gateway.
func (s *ChatService) ProcessChatStream(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	if CheckEmergency(req.Message) {
		logging.From(ctx).Warn("emergency keyword detected, bypassing model")
		return &ChatStream{
			ctx:     ctx,
			pending: []string{EmergencyResponse},
			summary: StreamSummary{Emotion: EmergencyEmotion, Sources: []SourceInfo{}, IsEmergency: true},
		}, nil
	}

	t := s.prepare(ctx, req, false)
	upstream, err := s.gateway.ChatStream(ctx, t.options)
	if err != nil {
		return nil, err
	}
	return &ChatStream{
		ctx:      ctx,
		upstream: upstream,
		summary:  StreamSummary{Emotion: t.emotion, Sources: t.sources},
	}, nil
}
