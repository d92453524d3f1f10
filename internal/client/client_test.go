package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/m-mizutani/gt"

	"github.com/xingchen-labs/emotion-companion/internal/api"
	"github.com/xingchen-labs/emotion-companion/internal/client"
	"github.com/xingchen-labs/emotion-companion/internal/core"
	"github.com/xingchen-labs/emotion-companion/internal/llm/llmtest"
	"github.com/xingchen-labs/emotion-companion/internal/store"
)

type keySource struct {
	keys *store.APIKeys
	err  error
}

func (k keySource) Keys(context.Context) (*store.APIKeys, error) {
	return k.keys, k.err
}

type recorder struct {
	chunks    []string
	completed []client.Completion
	errors    []string
}

func (r *recorder) handler() client.StreamHandler {
	return client.StreamHandler{
		OnChunk:    func(s string) { r.chunks = append(r.chunks, s) },
		OnComplete: func(c client.Completion) { r.completed = append(r.completed, c) },
		OnError:    func(msg string) { r.errors = append(r.errors, msg) },
	}
}

func newCompanionServer(t *testing.T, gw *llmtest.Gateway) *httptest.Server {
	t.Helper()
	kb := core.LoadKnowledgeBase(t.Context(), fstest.MapFS{
		"comfort.json": {Data: []byte(`[{"id":"com-001","category":"失恋","scenario":"分手","keywords":["分手"],"emotion_type":"sad","empathy_responses":["抱抱你"]}]`)},
	})
	chat := core.NewChatService(core.NewEmotionService(), core.NewRAGService(kb, gw), gw)
	srv := httptest.NewServer(api.NewRouter(api.NewAPIHandler(chat)))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_APIKey(t *testing.T) {
	ctx := t.Context()

	testCases := map[string]struct {
		source client.KeySource
		want   string
	}{
		"no source":    {source: nil, want: "fallback"},
		"stored key":   {source: keySource{keys: &store.APIKeys{ModelScopeAPIKey: "ms-user"}}, want: "ms-user"},
		"empty stored": {source: keySource{keys: &store.APIKeys{AvatarAppID: "app"}}, want: "fallback"},
		"not stored":   {source: keySource{err: store.ErrNotFound}, want: "fallback"},
		"unreadable":   {source: keySource{err: errors.New("bad json")}, want: "fallback"},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			opts := []client.Option{client.WithDefaultKey("fallback")}
			if tc.source != nil {
				opts = append(opts, client.WithKeySource(tc.source))
			}
			gt.Value(t, client.New("http://unused", opts...).APIKey(ctx)).Equal(tc.want)
		})
	}
}

func TestClient_Send(t *testing.T) {
	t.Run("attaches the stored key", func(t *testing.T) {
		gw := &llmtest.Gateway{Reply: "抱抱你。"}
		srv := newCompanionServer(t, gw)
		c := client.New(srv.URL, client.WithKeySource(keySource{keys: &store.APIKeys{ModelScopeAPIKey: "ms-user"}}))

		result, err := c.Send(t.Context(), core.ChatRequest{Message: "分手了好难过"})
		gt.NoError(t, err).Required()
		gt.Value(t, result.Response).Equal("抱抱你。")
		gt.Value(t, result.Emotion.Current).Equal(core.EmotionSad)
		gt.Array(t, result.Sources).Length(1)

		calls := gw.ChatCalls()
		gt.Array(t, calls).Length(1).Required()
		gt.Value(t, calls[0].APIKey).Equal("ms-user")
	})

	t.Run("failure becomes an APIError", func(t *testing.T) {
		srv := newCompanionServer(t, &llmtest.Gateway{ChatErr: errors.New("AI service call failed")})

		_, err := client.New(srv.URL).Send(t.Context(), core.ChatRequest{Message: "你好"})
		var apiErr *client.APIError
		gt.Bool(t, errors.As(err, &apiErr)).True()
		gt.Value(t, apiErr.StatusCode).Equal(http.StatusInternalServerError)
		gt.Value(t, apiErr.Message).Equal("AI service call failed")
	})

	t.Run("unreachable server", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()

		_, err := client.New(srv.URL).Send(t.Context(), core.ChatRequest{Message: "你好"})
		gt.Value(t, err).NotNil()
	})
}

func TestClient_Stream(t *testing.T) {
	t.Run("delivers chunks then completes once", func(t *testing.T) {
		gw := &llmtest.Gateway{Chunks: []string{"抱", "抱", "你"}}
		srv := newCompanionServer(t, gw)

		var rec recorder
		client.New(srv.URL).Stream(t.Context(), core.ChatRequest{Message: "分手了好难过"}, rec.handler())

		gt.Value(t, rec.chunks).Equal([]string{"抱", "抱", "你"})
		gt.Array(t, rec.errors).Length(0)
		gt.Array(t, rec.completed).Length(1).Required()

		done := rec.completed[0]
		gt.Value(t, done.Text).Equal("抱抱你")
		gt.Value(t, done.Emotion.Current).Equal(core.EmotionSad)
		gt.Array(t, done.Sources).Length(1).Required()
		gt.Value(t, done.Sources[0].KBName).Equal("comfort")
	})

	t.Run("server error frame", func(t *testing.T) {
		srv := newCompanionServer(t, &llmtest.Gateway{OpenErr: errors.New("Invalid API key")})

		var rec recorder
		client.New(srv.URL).Stream(t.Context(), core.ChatRequest{Message: "你好"}, rec.handler())
		gt.Value(t, rec.errors).Equal([]string{"Invalid API key"})
		gt.Array(t, rec.completed).Length(0)
	})

	t.Run("rejected request", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "请求格式错误"})
		}))
		t.Cleanup(srv.Close)

		var rec recorder
		client.New(srv.URL).Stream(t.Context(), core.ChatRequest{Message: "你好"}, rec.handler())
		gt.Value(t, rec.errors).Equal([]string{"请求格式错误"})
	})

	t.Run("transport failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()

		var rec recorder
		client.New(srv.URL).Stream(t.Context(), core.ChatRequest{Message: "你好"}, rec.handler())
		gt.Value(t, rec.errors).Equal([]string{"流式请求失败"})
	})
}

func TestConsume(t *testing.T) {
	testCases := map[string]struct {
		body      string
		chunks    []string
		completed int
		errors    []string
	}{
		"frames in order": {
			body: "data: {\"type\":\"start\"}\n\n" +
				"data: {\"type\":\"content\",\"data\":\"a\"}\n\n" +
				"data: {\"type\":\"content\",\"data\":\"b\"}\n\n" +
				"data: {\"type\":\"end\",\"sources\":[],\"emotion\":{\"current\":\"normal\",\"intensity\":0,\"confidence\":0.9}}\n\n",
			chunks:    []string{"a", "b"},
			completed: 1,
		},
		"malformed frame is skipped": {
			body: "data: {\"type\":\"content\",\"data\":\"a\"}\n\n" +
				"data: {not json\n\n" +
				"data: {\"type\":\"content\",\"data\":\"b\"}\n\n" +
				"data: {\"type\":\"end\"}\n\n",
			chunks:    []string{"a", "b"},
			completed: 1,
		},
		"non data lines are ignored": {
			body:      ": ping\n\nevent: message\ndata: {\"type\":\"content\",\"data\":\"a\"}\r\n\r\ndata: {\"type\":\"end\"}\n\n",
			chunks:    []string{"a"},
			completed: 1,
		},
		"stops at error frame": {
			body: "data: {\"type\":\"content\",\"data\":\"a\"}\n\n" +
				"data: {\"type\":\"error\",\"data\":\"boom\"}\n\n" +
				"data: {\"type\":\"content\",\"data\":\"late\"}\n\n",
			chunks: []string{"a"},
			errors: []string{"boom"},
		},
		"stops at end frame": {
			body: "data: {\"type\":\"end\"}\n\n" +
				"data: {\"type\":\"content\",\"data\":\"late\"}\n\n",
			completed: 1,
		},
		"eof without end frame completes": {
			body:      "data: {\"type\":\"content\",\"data\":\"a\"}\n\n",
			chunks:    []string{"a"},
			completed: 1,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			var rec recorder
			client.Consume(t.Context(), strings.NewReader(tc.body), rec.handler())

			gt.Value(t, rec.chunks).Equal(tc.chunks)
			gt.Array(t, rec.completed).Length(tc.completed)
			gt.Value(t, rec.errors).Equal(tc.errors)
		})
	}

	t.Run("completion carries text and defaults", func(t *testing.T) {
		var rec recorder
		client.Consume(t.Context(), strings.NewReader("data: {\"type\":\"content\",\"data\":\"你好\"}\n\ndata: {\"type\":\"end\"}\n\n"), rec.handler())

		gt.Array(t, rec.completed).Length(1).Required()
		gt.Value(t, rec.completed[0].Text).Equal("你好")
		gt.Value(t, rec.completed[0].Sources).Equal([]core.SourceInfo{})
		gt.Bool(t, rec.completed[0].Emotion == nil).True()
	})

	t.Run("nil callbacks are allowed", func(t *testing.T) {
		client.Consume(t.Context(), strings.NewReader("data: {\"type\":\"content\",\"data\":\"a\"}\n\n"), client.StreamHandler{})
	})
}
