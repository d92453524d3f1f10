package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/xingchen-labs/emotion-companion/internal/core"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*SQLiteStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)}
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "companion.db"), WithClock(clock.Now))
	gt.NoError(t, err).Required()
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestMessages(t *testing.T) {
	t.Run("append, list and project history", func(t *testing.T) {
		s, _ := newTestStore(t)
		ctx := t.Context()

		user := &Message{Role: RoleUser, Content: "我最近失眠"}
		gt.NoError(t, s.AddMessage(ctx, user)).Required()
		gt.String(t, user.ID).NotEqual("")

		sources := []core.SourceInfo{{ID: "emo-001", KBName: "emotion", KBLabel: "情绪陪伴", Category: "睡眠困扰", Scenario: "失眠"}}
		gt.NoError(t, s.AddMessage(ctx, &Message{Role: RoleAssistant, Content: "辛苦了", Emotion: core.EmotionAnxious, Sources: sources})).Required()

		msgs, err := s.Messages(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, msgs).Length(2).Required()
		gt.Value(t, msgs[0].ID).Equal(user.ID)
		gt.Value(t, msgs[1].Sources).Equal(sources)
		gt.Value(t, msgs[1].Emotion).Equal(core.EmotionAnxious)

		history, err := s.History(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, history).Equal([]core.HistoryMessage{
			{Role: "user", Content: "我最近失眠"},
			{Role: "assistant", Content: "辛苦了"},
		})

		gt.NoError(t, s.ClearMessages(ctx)).Required()
		msgs, err = s.Messages(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, msgs).Length(0)
	})

	t.Run("capped with oldest evicted", func(t *testing.T) {
		s, _ := newTestStore(t)
		ctx := t.Context()
		for i := range MaxMessages + 5 {
			gt.NoError(t, s.AddMessage(ctx, &Message{Role: RoleUser, Content: fmt.Sprintf("m%d", i)})).Required()
		}
		msgs, err := s.Messages(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, msgs).Length(MaxMessages).Required()
		gt.Value(t, msgs[0].Content).Equal("m5")
		gt.Value(t, msgs[MaxMessages-1].Content).Equal(fmt.Sprintf("m%d", MaxMessages+4))
	})

	t.Run("state survives reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "companion.db")
		s, err := NewSQLiteStore(path)
		gt.NoError(t, err).Required()
		gt.NoError(t, s.AddMessage(t.Context(), &Message{Role: RoleUser, Content: "hi"})).Required()
		gt.NoError(t, s.Close()).Required()

		s, err = NewSQLiteStore(path)
		gt.NoError(t, err).Required()
		defer s.Close()
		msgs, err := s.Messages(t.Context())
		gt.NoError(t, err).Required()
		gt.Array(t, msgs).Length(1)
	})
}

func TestEmotions(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := t.Context()

	current, err := s.CurrentEmotion(ctx)
	gt.NoError(t, err).Required()
	gt.Value(t, current.Emotion).Equal(core.EmotionNormal)

	gt.NoError(t, s.AddEmotion(ctx, EmotionRecord{Emotion: core.EmotionSad, Intensity: 0.33})).Required()
	clock.Advance(10 * 24 * time.Hour)
	gt.NoError(t, s.AddEmotion(ctx, EmotionRecord{Emotion: core.EmotionHappy, Intensity: 0.66, Confidence: 0.8})).Required()

	current, err = s.CurrentEmotion(ctx)
	gt.NoError(t, err).Required()
	gt.Value(t, current.Emotion).Equal(core.EmotionHappy)

	all, err := s.EmotionHistory(ctx, 0)
	gt.NoError(t, err).Required()
	gt.Array(t, all).Length(2).Required()
	gt.Value(t, all[0].Emotion).Equal(core.EmotionHappy)

	week, err := s.EmotionHistory(ctx, 7)
	gt.NoError(t, err).Required()
	gt.Array(t, week).Length(1)

	for range MaxEmotionRecords + 3 {
		gt.NoError(t, s.AddEmotion(ctx, EmotionRecord{Emotion: core.EmotionNormal})).Required()
	}
	all, err = s.EmotionHistory(ctx, 0)
	gt.NoError(t, err).Required()
	gt.Array(t, all).Length(MaxEmotionRecords)
}

func TestAddMemory(t *testing.T) {
	t.Run("same key merges", func(t *testing.T) {
		s, clock := newTestStore(t)
		ctx := t.Context()

		first, err := s.AddMemory(ctx, NewMemory{Type: MemoryPreference, Key: "喜欢的猫咪", Value: "猫咪", Importance: 4})
		gt.NoError(t, err).Required()
		gt.Value(t, first.MentionCount).Equal(1)

		clock.Advance(time.Hour)
		second, err := s.AddMemory(ctx, NewMemory{Type: MemoryPreference, Key: "喜欢的猫咪", Value: "橘猫", Importance: 3})
		gt.NoError(t, err).Required()

		all, err := s.ListMemories(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, all).Length(1).Required()

		gt.Value(t, second.ID).Equal(first.ID)
		gt.Value(t, second.Value).Equal("橘猫")
		gt.Value(t, second.Importance).Equal(4)
		gt.Value(t, second.MentionCount).Equal(2)
		gt.Value(t, second.CreatedAt).Equal(first.CreatedAt)
		gt.Bool(t, second.UpdatedAt.After(first.UpdatedAt)).True()
		gt.Bool(t, second.LastMentioned.After(first.LastMentioned)).True()
	})

	t.Run("importance takes the max", func(t *testing.T) {
		s, _ := newTestStore(t)
		ctx := t.Context()
		_, err := s.AddMemory(ctx, NewMemory{Type: MemoryGoal, Key: "目标", Value: "考研", Importance: 2})
		gt.NoError(t, err).Required()
		m, err := s.AddMemory(ctx, NewMemory{Type: MemoryGoal, Key: "目标", Value: "考研上岸", Importance: 5})
		gt.NoError(t, err).Required()
		gt.Value(t, m.Importance).Equal(5)
	})

	t.Run("validation", func(t *testing.T) {
		s, _ := newTestStore(t)
		ctx := t.Context()
		for _, m := range []NewMemory{
			{Type: "hobby", Key: "k", Value: "v", Importance: 3},
			{Type: MemoryHabit, Key: "k", Value: "v", Importance: 0},
			{Type: MemoryHabit, Key: "k", Value: "v", Importance: 6},
			{Type: MemoryHabit, Key: " ", Value: "v", Importance: 3},
		} {
			_, err := s.AddMemory(ctx, m)
			gt.Error(t, err).Is(ErrInvalidMemory)
		}
	})

	t.Run("capped with oldest evicted", func(t *testing.T) {
		s, _ := newTestStore(t)
		ctx := t.Context()
		for i := range MaxMemories + 2 {
			_, err := s.AddMemory(ctx, NewMemory{Type: MemoryHabit, Key: fmt.Sprintf("k%d", i), Value: "v", Importance: 1})
			gt.NoError(t, err).Required()
		}
		all, err := s.ListMemories(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, all).Length(MaxMemories).Required()
		gt.Value(t, all[0].Key).Equal("k2")
	})
}

func TestMemoryQueries(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := t.Context()

	old, err := s.AddMemory(ctx, NewMemory{Type: MemoryImportantDay, Key: "生日", Value: "3月5日", Importance: 5})
	gt.NoError(t, err).Required()
	clock.Advance(10 * 24 * time.Hour)
	_, err = s.AddMemory(ctx, NewMemory{Type: MemoryPreference, Key: "喜欢的Jazz", Value: "Jazz music", Importance: 3})
	gt.NoError(t, err).Required()
	_, err = s.AddMemory(ctx, NewMemory{Type: MemoryPreference, Key: "不喜欢的下雨", Value: "下雨天", Importance: 2})
	gt.NoError(t, err).Required()

	byType, err := s.MemoriesByType(ctx, MemoryPreference)
	gt.NoError(t, err).Required()
	gt.Array(t, byType).Length(2)

	found, err := s.SearchMemories(ctx, "jazz")
	gt.NoError(t, err).Required()
	gt.Array(t, found).Length(1)

	important, err := s.ImportantMemories(ctx)
	gt.NoError(t, err).Required()
	gt.Array(t, important).Length(1).Required()
	gt.Value(t, important[0].Key).Equal("生日")

	recent, err := s.RecentMemories(ctx, 7)
	gt.NoError(t, err).Required()
	gt.Array(t, recent).Length(2)

	gt.NoError(t, s.MentionMemory(ctx, "生日")).Required()
	recent, err = s.RecentMemories(ctx, 7)
	gt.NoError(t, err).Required()
	gt.Array(t, recent).Length(3)

	m, err := s.Memory(ctx, old.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, m.MentionCount).Equal(2)

	profile, err := s.BuildUserProfile(ctx)
	gt.NoError(t, err).Required()
	gt.Value(t, profile).Equal("用户画像：\n【偏好】喜欢的Jazz: Jazz music\n【重要日子】生日: 3月5日")
}

func TestUpdateAndDeleteMemory(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	m, err := s.AddMemory(ctx, NewMemory{Type: MemoryHealth, Key: "睡眠", Value: "失眠", Importance: 3})
	gt.NoError(t, err).Required()

	value := "好多了"
	importance := 4
	updated, err := s.UpdateMemory(ctx, m.ID, MemoryUpdate{Value: &value, Importance: &importance})
	gt.NoError(t, err).Required()
	gt.Value(t, updated.Value).Equal("好多了")
	gt.Value(t, updated.Importance).Equal(4)

	bad := 9
	_, err = s.UpdateMemory(ctx, m.ID, MemoryUpdate{Importance: &bad})
	gt.Error(t, err).Is(ErrInvalidMemory)

	_, err = s.UpdateMemory(ctx, "missing", MemoryUpdate{Value: &value})
	gt.Error(t, err).Is(ErrNotFound)

	gt.NoError(t, s.DeleteMemory(ctx, m.ID)).Required()
	gt.Error(t, s.DeleteMemory(ctx, m.ID)).Is(ErrNotFound)
}

func TestFormatUserProfile(t *testing.T) {
	gt.Value(t, FormatUserProfile(nil)).Equal("")
	gt.Value(t, FormatUserProfile([]Memory{{Type: MemoryHabit, Key: "k", Value: "v", Importance: 2}})).Equal("")
	gt.Value(t, FormatUserProfile([]Memory{
		{Type: MemoryPersonalInfo, Key: "职业", Value: "学生", Importance: 4},
		{Type: MemoryPreference, Key: "喜欢的猫", Value: "猫", Importance: 3},
		{Type: MemoryPreference, Key: "喜欢的狗", Value: "狗", Importance: 3},
	})).Equal("用户画像：\n【偏好】喜欢的猫: 猫; 喜欢的狗: 狗\n【个人信息】职业: 学生")
}

func TestKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	_, err := s.Keys(ctx)
	gt.Error(t, err).Is(ErrNotFound)

	keys := APIKeys{ModelScopeAPIKey: "ms-user", AvatarAppID: "app", AvatarAppSecret: "secret"}
	gt.NoError(t, s.SetKeys(ctx, keys)).Required()
	got, err := s.Keys(ctx)
	gt.NoError(t, err).Required()
	gt.Value(t, *got).Equal(keys)

	_, err = s.db.ExecContext(ctx, "UPDATE settings SET value = ? WHERE name = ?", "{not json", keysSetting)
	gt.NoError(t, err).Required()
	_, err = s.Keys(ctx)
	gt.Value(t, err).NotNil()
	gt.Bool(t, errors.Is(err, ErrNotFound)).False()

	gt.NoError(t, s.ClearKeys(ctx)).Required()
	_, err = s.Keys(ctx)
	gt.Error(t, err).Is(ErrNotFound)
}
