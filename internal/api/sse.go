package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/m-mizutani/goerr/v2"

	"github.com/xingchen-labs/emotion-companion/internal/core"
)

const (
	FrameStart   = "start"
	FrameContent = "content"
	FrameEnd     = "end"
	FrameError   = "error"
)

type textFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

type summaryFrame struct {
	Type    string              `json:"type"`
	Sources []core.SourceInfo   `json:"sources"`
	Emotion core.EmotionSummary `json:"emotion"`
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, goerr.New("streaming unsupported by response writer")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) send(frameType string, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal frame", goerr.V("type", frameType))
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return goerr.Wrap(err, "failed to write frame", goerr.V("type", frameType))
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) start() error {
	return s.send(FrameStart, textFrame{Type: FrameStart})
}

func (s *sseWriter) content(text string) error {
	return s.send(FrameContent, textFrame{Type: FrameContent, Data: text})
}

func (s *sseWriter) fail(msg string) error {
	return s.send(FrameError, textFrame{Type: FrameError, Data: msg})
}

func (s *sseWriter) end(summary core.StreamSummary) error {
	sources := summary.Sources
	if sources == nil {
		sources = []core.SourceInfo{}
	}
	return s.send(FrameEnd, summaryFrame{Type: FrameEnd, Sources: sources, Emotion: summary.Emotion.Summary()})
}
