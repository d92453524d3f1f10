package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/xingchen-labs/emotion-companion/internal/logging"
)

const (
	dataPrefix = "data: "
	doneFrame  = "[DONE]"

	maxFrameSize = 1 << 20
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
}

// frameStream reads "data: " frames from an OpenAI-compatible event stream.
// Frames that are not valid JSON are skipped.
type frameStream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner

	current   string
	err       error
	done      bool
	yielded   int
	reasoning int
}

func newFrameStream(ctx context.Context, body io.ReadCloser) *frameStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &frameStream{ctx: ctx, body: body, scanner: scanner}
}

func (s *frameStream) Next() bool {
	if s.done {
		return false
	}
	logger := logging.From(s.ctx)

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		data := strings.TrimPrefix(line, dataPrefix)
		if data == doneFrame {
			logger.Debug("model stream received [DONE]", "yielded", s.yielded, "reasoning_frames", s.reasoning)
			s.finish(nil)
			return false
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Debug("skipping malformed stream frame", "data", truncate(data, 100), "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			s.reasoning++
		}
		if delta.Content == "" {
			continue
		}
		s.yielded++
		s.current = delta.Content
		return true
	}

	if err := s.scanner.Err(); err != nil {
		s.finish(serviceError(err, ""))
		return false
	}
	logger.Debug("model stream ended", "yielded", s.yielded)
	s.finish(nil)
	return false
}

func (s *frameStream) finish(err error) {
	s.done = true
	s.current = ""
	s.err = err
	_ = s.body.Close()
}

func (s *frameStream) Text() string { return s.current }

func (s *frameStream) Err() error { return s.err }

func (s *frameStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.body.Close()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
