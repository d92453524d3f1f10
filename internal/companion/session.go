// Package companion runs conversation turns for a local user: it keeps the
// persisted state in step with the server's replies and drives the avatar.
package companion

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/xingchen-labs/emotion-companion/internal/client"
	"github.com/xingchen-labs/emotion-companion/internal/core"
	"github.com/xingchen-labs/emotion-companion/internal/logging"
	"github.com/xingchen-labs/emotion-companion/internal/store"
)

const (
	ApologyMessage  = "抱歉，我遇到了一些问题。请稍后再试。"
	GreetingMessage = "新对话开始！我是小星，随时准备倾听你的心声。💕"
	GreetingAction  = "Welcome"
)

type Streamer interface {
	Stream(ctx context.Context, req core.ChatRequest, h client.StreamHandler)
}

type Avatar interface {
	SetListen()
	SetIdle()
	SpeakWithAction(ctx context.Context, text, action string)
	SpeakFullText(ctx context.Context, text string, emotion core.Emotion) error
}

type noAvatar struct{}

func (noAvatar) SetListen()                                                {}
func (noAvatar) SetIdle()                                                  {}
func (noAvatar) SpeakWithAction(context.Context, string, string)           {}
func (noAvatar) SpeakFullText(context.Context, string, core.Emotion) error { return nil }

type Session struct {
	store  *store.SQLiteStore
	chat   Streamer
	avatar Avatar
}

type SessionOption func(*Session)

func WithAvatar(a Avatar) SessionOption {
	return func(s *Session) {
		if a != nil {
			s.avatar = a
		}
	}
}

func NewSession(st *store.SQLiteStore, chat Streamer, opts ...SessionOption) *Session {
	s := &Session{store: st, chat: chat, avatar: noAvatar{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Turn is the outcome of one Send.
type Turn struct {
	Reply    string
	Emotion  *core.EmotionSummary
	Sources  []core.SourceInfo
	Memories []store.NewMemory
	// Failure is the stream error; Reply then holds the apology.
	Failure string
}

func (t *Turn) Failed() bool { return t.Failure != "" }

// Send runs one streamed turn for text. onChunk, if set, sees every reply
// fragment as it arrives. The returned error covers local state only; a
// failed stream is reported through Turn.Failure.
func (s *Session) Send(ctx context.Context, text string, onChunk func(string)) (*Turn, error) {
	logger := logging.From(ctx)

	history, err := s.store.History(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load history")
	}
	if err := s.store.AddMessage(ctx, &store.Message{Role: store.RoleUser, Content: text}); err != nil {
		return nil, goerr.Wrap(err, "failed to record user message")
	}
	s.avatar.SetListen()

	profile, err := s.store.BuildUserProfile(ctx)
	if err != nil {
		logger.Warn("failed to build user profile", "error", err)
	}

	var (
		done   *client.Completion
		failed string
	)
	s.chat.Stream(ctx, core.ChatRequest{
		Message:     text,
		History:     history,
		UserProfile: profile,
	}, client.StreamHandler{
		OnChunk: func(chunk string) {
			if onChunk != nil {
				onChunk(chunk)
			}
		},
		OnComplete: func(c client.Completion) { done = &c },
		OnError:    func(msg string) { failed = msg },
	})

	if done == nil {
		if failed == "" {
			failed = ApologyMessage
		}
		logger.Error("chat turn failed", "error", failed)
		if err := s.store.AddMessage(ctx, &store.Message{Role: store.RoleAssistant, Content: ApologyMessage}); err != nil {
			return nil, goerr.Wrap(err, "failed to record apology")
		}
		s.avatar.SetIdle()
		return &Turn{Reply: ApologyMessage, Failure: failed}, nil
	}

	turn := &Turn{Reply: done.Text, Emotion: done.Emotion, Sources: done.Sources}
	emotion := core.EmotionNormal
	if done.Emotion != nil {
		emotion = done.Emotion.Current
		if err := s.store.AddEmotion(ctx, store.EmotionRecord{
			Emotion:    done.Emotion.Current,
			Intensity:  done.Emotion.Intensity,
			Confidence: done.Emotion.Confidence,
		}); err != nil {
			return nil, goerr.Wrap(err, "failed to record emotion")
		}
	}

	if err := s.store.AddMessage(ctx, &store.Message{
		Role:    store.RoleAssistant,
		Content: done.Text,
		Emotion: emotion,
		Sources: done.Sources,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to record reply")
	}

	for _, m := range ExtractMemories(text) {
		if _, err := s.store.AddMemory(ctx, m); err != nil {
			logger.Warn("failed to store extracted memory", "key", m.Key, "error", err)
			continue
		}
		turn.Memories = append(turn.Memories, m)
	}

	if done.Text != "" {
		if err := s.avatar.SpeakFullText(ctx, done.Text, emotion); err != nil {
			logger.Warn("avatar speech interrupted", "error", err)
		}
	}
	return turn, nil
}

// NewChat clears the log once the assistant has replied and greets the user.
// It reports whether anything was cleared.
func (s *Session) NewChat(ctx context.Context) (bool, error) {
	messages, err := s.store.Messages(ctx)
	if err != nil {
		return false, err
	}
	replied := false
	for _, m := range messages {
		if m.Role == store.RoleAssistant {
			replied = true
			break
		}
	}
	if !replied {
		return false, nil
	}

	if err := s.store.ClearMessages(ctx); err != nil {
		return false, goerr.Wrap(err, "failed to clear messages")
	}
	s.avatar.SetIdle()
	s.avatar.SpeakWithAction(ctx, GreetingMessage, GreetingAction)
	return true, nil
}
