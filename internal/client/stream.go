package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/xingchen-labs/emotion-companion/internal/core"
	"github.com/xingchen-labs/emotion-companion/internal/logging"
)

const maxFrameSize = 1 << 20

// Completion is handed to OnComplete once the stream ends normally.
type Completion struct {
	Text    string
	Sources []core.SourceInfo
	Emotion *core.EmotionSummary // nil when the stream ended without an end frame
}

// StreamHandler receives stream events. Exactly one of OnComplete and
// OnError is called per stream. Nil callbacks are ignored.
type StreamHandler struct {
	OnChunk    func(text string)
	OnComplete func(Completion)
	OnError    func(msg string)
}

func (h StreamHandler) withDefaults() StreamHandler {
	if h.OnChunk == nil {
		h.OnChunk = func(string) {}
	}
	if h.OnComplete == nil {
		h.OnComplete = func(Completion) {}
	}
	if h.OnError == nil {
		h.OnError = func(string) {}
	}
	return h
}

type wireFrame struct {
	Type    string               `json:"type"`
	Data    string               `json:"data"`
	Sources []core.SourceInfo    `json:"sources"`
	Emotion *core.EmotionSummary `json:"emotion"`
}

// Consume reads an event stream from r and dispatches its frames to h. It
// returns at the first end or error frame. Lines without the data prefix
// and frames that fail to parse are skipped.
func Consume(ctx context.Context, r io.Reader, h StreamHandler) {
	h = h.withDefaults()
	logger := logging.From(ctx)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var text strings.Builder
	chunks := 0
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var f wireFrame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			logger.Debug("skipping unparsable frame", "line", payload, "error", err)
			continue
		}

		switch f.Type {
		case "start":
			logger.Debug("stream started")
		case "content":
			chunks++
			text.WriteString(f.Data)
			h.OnChunk(f.Data)
		case "end":
			sources := f.Sources
			if sources == nil {
				sources = []core.SourceInfo{}
			}
			logger.Debug("stream ended", "chunks", chunks, "sources", len(sources))
			h.OnComplete(Completion{Text: text.String(), Sources: sources, Emotion: f.Emotion})
			return
		case "error":
			logger.Warn("stream reported error", "error", f.Data)
			h.OnError(f.Data)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Error("stream read failed", "error", err)
		msg := err.Error()
		if msg == "" {
			msg = msgStreamFailed
		}
		h.OnError(msg)
		return
	}

	logger.Debug("stream closed without end frame", "chunks", chunks)
	h.OnComplete(Completion{Text: text.String(), Sources: []core.SourceInfo{}})
}
