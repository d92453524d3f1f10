// Package llmtest provides an in-memory llm.Gateway for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/xingchen-labs/emotion-companion/internal/llm"
)

// Gateway replays canned output and records every call.
type Gateway struct {
	Reply     string
	Chunks    []string
	Embedding func(text string) []float32

	ChatErr   error
	OpenErr   error // returned by ChatStream itself
	StreamErr error // reported by the stream after Chunks are drained
	EmbedErr  error

	mu          sync.Mutex
	chatCalls   []llm.ChatOptions
	streamCalls []llm.ChatOptions
	embedCalls  []string
}

var _ llm.Gateway = (*Gateway)(nil)

func (g *Gateway) Chat(_ context.Context, opts llm.ChatOptions) (string, error) {
	g.mu.Lock()
	g.chatCalls = append(g.chatCalls, opts)
	g.mu.Unlock()
	if g.ChatErr != nil {
		return "", g.ChatErr
	}
	return g.Reply, nil
}

func (g *Gateway) ChatStream(_ context.Context, opts llm.ChatOptions) (llm.Stream, error) {
	g.mu.Lock()
	g.streamCalls = append(g.streamCalls, opts)
	g.mu.Unlock()
	if g.OpenErr != nil {
		return nil, g.OpenErr
	}
	return &Stream{chunks: append([]string(nil), g.Chunks...), err: g.StreamErr}, nil
}

func (g *Gateway) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	g.mu.Lock()
	g.embedCalls = append(g.embedCalls, text)
	g.mu.Unlock()
	if g.EmbedErr != nil {
		return nil, g.EmbedErr
	}
	if g.Embedding == nil {
		return []float32{1}, nil
	}
	return g.Embedding(text), nil
}

func (g *Gateway) ChatCalls() []llm.ChatOptions {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.ChatOptions(nil), g.chatCalls...)
}

func (g *Gateway) StreamCalls() []llm.ChatOptions {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.ChatOptions(nil), g.streamCalls...)
}

func (g *Gateway) EmbedCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.embedCalls...)
}

// Calls is the total number of model invocations of any kind.
func (g *Gateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.chatCalls) + len(g.streamCalls) + len(g.embedCalls)
}

// Stream yields a fixed chunk list, then reports err.
type Stream struct {
	chunks  []string
	current string
	err     error
	done    bool
	closed  bool
}

func NewStream(err error, chunks ...string) *Stream {
	return &Stream{chunks: chunks, err: err}
}

func (s *Stream) Next() bool {
	if s.closed || len(s.chunks) == 0 {
		s.done = true
		s.current = ""
		return false
	}
	s.current, s.chunks = s.chunks[0], s.chunks[1:]
	return true
}

func (s *Stream) Text() string { return s.current }

func (s *Stream) Err() error {
	if !s.done || s.closed {
		return nil
	}
	return s.err
}

func (s *Stream) Close() error {
	s.closed = true
	return nil
}
