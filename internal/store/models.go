package store

import (
	"time"

	"github.com/xingchen-labs/emotion-companion/internal/core"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"` // "user" or "assistant"
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Emotion   core.Emotion      `json:"emotion,omitempty"`
	Sources   []core.SourceInfo `json:"sources,omitempty"`
}

type EmotionRecord struct {
	Emotion    core.Emotion `json:"emotion"`
	Intensity  float64      `json:"intensity"`
	Confidence float64      `json:"confidence"`
	Timestamp  time.Time    `json:"timestamp"`
}

type MemoryType string

const (
	MemoryPreference   MemoryType = "preference"
	MemoryImportantDay MemoryType = "important_day"
	MemoryPersonalInfo MemoryType = "personal_info"
	MemoryHabit        MemoryType = "habit"
	MemoryGoal         MemoryType = "goal"
	MemoryRelationship MemoryType = "relationship"
	MemoryHealth       MemoryType = "health"
	MemoryConcern      MemoryType = "concern"
	MemoryAchievement  MemoryType = "achievement"
)

// MemoryTypes lists the taxonomy in profile order.
var MemoryTypes = []MemoryType{
	MemoryPreference,
	MemoryImportantDay,
	MemoryPersonalInfo,
	MemoryHabit,
	MemoryGoal,
	MemoryRelationship,
	MemoryHealth,
	MemoryConcern,
	MemoryAchievement,
}

var memoryTypeLabels = map[MemoryType]string{
	MemoryPreference:   "偏好",
	MemoryImportantDay: "重要日子",
	MemoryPersonalInfo: "个人信息",
	MemoryHabit:        "习惯",
	MemoryGoal:         "目标",
	MemoryRelationship: "人际关系",
	MemoryHealth:       "健康状况",
	MemoryConcern:      "关注点",
	MemoryAchievement:  "成就",
}

func (t MemoryType) Label() string {
	return memoryTypeLabels[t]
}

func (t MemoryType) Valid() bool {
	_, ok := memoryTypeLabels[t]
	return ok
}

type Memory struct {
	ID            string     `json:"id"`
	Type          MemoryType `json:"type"`
	Key           string     `json:"key"`
	Value         string     `json:"value"`
	Importance    int        `json:"importance"` // 1-5
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	LastMentioned time.Time  `json:"lastMentioned"`
	MentionCount  int        `json:"mentionCount"`
}

// NewMemory is the caller-supplied part of a Memory.
type NewMemory struct {
	Type       MemoryType `json:"type"`
	Key        string     `json:"key"`
	Value      string     `json:"value"`
	Importance int        `json:"importance"`
}

// MemoryUpdate carries the fields to change; nil fields are left as is.
type MemoryUpdate struct {
	Type       *MemoryType
	Key        *string
	Value      *string
	Importance *int
}

// APIKeys are the user's own credentials.
type APIKeys struct {
	ModelScopeAPIKey string `json:"modelscopeApiKey" masq:"secret"`
	AvatarAppID      string `json:"xingyunAppId"`
	AvatarAppSecret  string `json:"xingyunAppSecret" masq:"secret"`
}
