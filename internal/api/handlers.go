package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/xingchen-labs/emotion-companion/internal/core"
	"github.com/xingchen-labs/emotion-companion/internal/logging"
)

const (
	ServiceName = "emotion-companion"

	msgChatFailed      = "处理对话时发生错误"
	msgEmotionFailed   = "情绪分析失败"
	msgSearchFailed    = "知识库检索失败"
	msgInvalidBody     = "请求格式错误"
	msgDiarySaved      = "日记保存成功"
	msgQueryRequired   = "查询内容不能为空"
	msgUnknownSearch   = "不支持的检索模式"
	isoMillis          = "2006-01-02T15:04:05.000Z07:00"
	searchModeKeyword  = "keyword"
	searchModeSemantic = "semantic"
)

type APIHandler struct {
	chat *core.ChatService
	now  func() time.Time
}

func NewAPIHandler(cs *core.ChatService) *APIHandler {
	return &APIHandler{chat: cs, now: time.Now}
}

type sendResponse struct {
	Success     bool                `json:"success"`
	IsEmergency bool                `json:"isEmergency,omitempty"`
	Response    string              `json:"response"`
	Emotion     core.EmotionSummary `json:"emotion"`
	Sources     []core.SourceInfo   `json:"sources,omitempty"`
}

func (h *APIHandler) ChatSendHandler(w http.ResponseWriter, r *http.Request) {
	var req core.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, goerr.Wrap(err, msgInvalidBody), msgInvalidBody)
		return
	}

	if core.CheckEmergency(req.Message) {
		logging.From(r.Context()).Warn("emergency keyword detected at transport")
		writeJSON(w, r, http.StatusOK, sendResponse{
			Success:     true,
			IsEmergency: true,
			Response:    core.EmergencyResponse,
			Emotion:     core.EmergencyEmotion.Summary(),
		})
		return
	}

	reply, err := h.chat.ProcessChat(r.Context(), req)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err, msgChatFailed)
		return
	}
	writeJSON(w, r, http.StatusOK, sendResponse{
		Success:     true,
		IsEmergency: reply.IsEmergency,
		Response:    reply.Response,
		Emotion:     reply.Emotion.Summary(),
		Sources:     reply.Sources,
	})
}

// ChatStreamHandler answers with an event stream. Once the start frame is
// written every failure is reported as an error frame.
func (h *APIHandler) ChatStreamHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.From(ctx)

	var req core.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, goerr.Wrap(err, msgInvalidBody), msgInvalidBody)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err, msgChatFailed)
		return
	}
	if err := sse.start(); err != nil {
		logger.Warn("failed to start stream", "error", err)
		return
	}

	if core.CheckEmergency(req.Message) {
		logger.Warn("emergency keyword detected at transport")
		if err := sse.content(core.EmergencyResponse); err != nil {
			logger.Warn("failed to write emergency frame", "error", err)
			return
		}
		if err := sse.end(core.StreamSummary{Emotion: core.EmergencyEmotion, IsEmergency: true}); err != nil {
			logger.Warn("failed to write end frame", "error", err)
		}
		return
	}

	stream, err := h.chat.ProcessChatStream(ctx, req)
	if err != nil {
		failStream(ctx, sse, err)
		return
	}
	defer stream.Close()

	for stream.Next() {
		if err := sse.content(stream.Text()); err != nil {
			logger.Warn("client stopped reading stream", "error", err)
			return
		}
	}
	if err := stream.Err(); err != nil {
		failStream(ctx, sse, err)
		return
	}
	if err := sse.end(stream.Summary()); err != nil {
		logger.Warn("failed to write end frame", "error", err)
	}
}

func failStream(ctx context.Context, sse *sseWriter, err error) {
	logger := logging.From(ctx)
	logger.Error("chat stream failed", "error", err)

	msg := err.Error()
	if msg == "" {
		msg = msgChatFailed
	}
	if err := sse.fail(msg); err != nil {
		logger.Warn("failed to write error frame", "error", err)
	}
}

type analyzeRequest struct {
	Message string `json:"message"`
}

func (h *APIHandler) EmotionAnalyzeHandler(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, goerr.Wrap(err, msgEmotionFailed), msgEmotionFailed)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success": true,
		"data":    h.chat.AnalyzeEmotion(req.Message),
	})
}

func (h *APIHandler) EmotionHistoryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"current": core.EmotionNormal,
			"history": []any{},
		},
	})
}

func (h *APIHandler) DiarySaveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "message": msgDiarySaved})
}

func (h *APIHandler) DiaryListHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "data": []any{}})
}

func (h *APIHandler) DiaryEntryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "data": nil})
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"topK,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

func (h *APIHandler) KnowledgeSearchHandler(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, goerr.Wrap(err, msgInvalidBody), msgInvalidBody)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, nil, msgQueryRequired)
		return
	}

	var (
		hits []core.ScoredItem
		err  error
	)
	switch strings.ToLower(req.Mode) {
	case "", searchModeKeyword:
		hits = h.chat.RAG().ScoredSearch(req.Query, req.TopK)
	case searchModeSemantic:
		hits, err = h.chat.RAG().SemanticSearch(r.Context(), req.Query, req.TopK)
	default:
		writeError(w, r, http.StatusBadRequest, nil, msgUnknownSearch)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err, msgSearchFailed)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "data": hits})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   ServiceName,
		"timestamp": h.now().UTC().Format(isoMillis),
	})
}
