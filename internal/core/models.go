package core

import "github.com/xingchen-labs/emotion-companion/internal/llm"

type Emotion string

const (
	EmotionHappy     Emotion = "happy"
	EmotionSad       Emotion = "sad"
	EmotionAngry     Emotion = "angry"
	EmotionAnxious   Emotion = "anxious"
	EmotionFear      Emotion = "fear"
	EmotionSurprised Emotion = "surprised"
	EmotionDisgust   Emotion = "disgust"
	EmotionNormal    Emotion = "normal"
)

// EmotionOrder is the declaration order used for tie breaking.
var EmotionOrder = []Emotion{
	EmotionHappy,
	EmotionSad,
	EmotionAngry,
	EmotionAnxious,
	EmotionFear,
	EmotionSurprised,
	EmotionDisgust,
}

type EmotionResult struct {
	Emotion           Emotion `json:"emotion"`
	Intensity         float64 `json:"intensity"`
	Confidence        float64 `json:"confidence"`
	SuggestedResponse string  `json:"suggestedResponse"`
}

// EmotionSummary is the wire projection of an EmotionResult.
type EmotionSummary struct {
	Current    Emotion `json:"current"`
	Intensity  float64 `json:"intensity"`
	Confidence float64 `json:"confidence"`
}

func (r EmotionResult) Summary() EmotionSummary {
	return EmotionSummary{Current: r.Emotion, Intensity: r.Intensity, Confidence: r.Confidence}
}

type KnowledgeItem struct {
	ID               string   `json:"id" yaml:"id"`
	Category         string   `json:"category" yaml:"category"`
	Scenario         string   `json:"scenario" yaml:"scenario"`
	Keywords         []string `json:"keywords" yaml:"keywords"`
	EmotionType      Emotion  `json:"emotion_type,omitempty" yaml:"emotion_type,omitempty"`
	EmpathyResponses []string `json:"empathy_responses" yaml:"empathy_responses"`
}

type RetrievalResult struct {
	Item     *KnowledgeItem `json:"item"`
	Score    int            `json:"score"`
	Category string         `json:"category"`
}

type SourceInfo struct {
	ID          string  `json:"id"`
	KBName      string  `json:"kbName"`
	KBLabel     string  `json:"kbLabel"`
	Category    string  `json:"category"`
	Scenario    string  `json:"scenario"`
	EmotionType Emotion `json:"emotionType,omitempty"`
}

// HistoryMessage is one prior conversation turn as sent by the client.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (m HistoryMessage) toLLM() llm.Message {
	role := llm.RoleUser
	if m.Role == llm.RoleAssistant {
		role = llm.RoleAssistant
	}
	return llm.Message{Role: role, Content: m.Content}
}

// ChatRequest is one conversation turn.
type ChatRequest struct {
	Message     string           `json:"message"`
	History     []HistoryMessage `json:"conversationHistory,omitempty"`
	UserProfile string           `json:"userProfile,omitempty"`
	APIKey      string           `json:"apiKey,omitempty" masq:"secret"`
}

// ChatReply is the single-shot result of a turn.
type ChatReply struct {
	Response    string        `json:"response"`
	IsEmergency bool          `json:"isEmergency,omitempty"`
	Emotion     EmotionResult `json:"emotion"`
	Sources     []SourceInfo  `json:"sources"`
}
