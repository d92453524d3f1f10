package core

import (
	"math"
	"strings"
	"unicode/utf8"
)

var emotionMarkers = map[Emotion][]string{
	EmotionHappy:     {"开心", "高兴", "快乐", "幸福", "哈哈", "😊", "😄", "😁"},
	EmotionSad:       {"难过", "伤心", "悲伤", "痛苦", "😢", "😭", "😞"},
	EmotionAngry:     {"生气", "愤怒", "火大", "恼火", "😡", "😠"},
	EmotionAnxious:   {"焦虑", "担心", "紧张", "不安", "😰", "😨"},
	EmotionFear:      {"害怕", "恐惧", "恐慌", "😨", "😱"},
	EmotionSurprised: {"惊讶", "震惊", "吃惊", "😮"},
	EmotionDisgust:   {"恶心", "厌恶", "🤮"},
}

type emotionProfile struct {
	confidence float64
	response   string
}

var emotionProfiles = map[Emotion]emotionProfile{
	EmotionHappy:     {0.8, "看你心情不错呀！有什么开心的事分享吗？😊"},
	EmotionSad:       {0.7, "看你不太开心，愿意和我说说吗？我在这里陪着你。"},
	EmotionAngry:     {0.9, "我理解你现在可能很生气，可以和我发泄一下，我在这里倾听。"},
	EmotionAnxious:   {0.7, "别担心，深呼吸，我在这里陪你。我们一起面对。"},
	EmotionFear:      {0.8, "别怕，我在这里保护你。一起加油！💪"},
	EmotionSurprised: {0.6, "发生了什么？告诉我，我在听。"},
	EmotionDisgust:   {0.7, "听起来这件事让你很不舒服，愿意说说发生了什么吗？"},
	EmotionNormal:    {0.9, "嗨！今天想聊点什么？😊"},
}

// EmotionService tags a message with one emotion category.
type EmotionService struct{}

func NewEmotionService() *EmotionService {
	return &EmotionService{}
}

// Analyze counts, per category, how many distinct markers occur in message.
// The strictly highest count wins; ties keep the first category in
// EmotionOrder. No match yields normal with zero intensity.
func (s *EmotionService) Analyze(message string) EmotionResult {
	lower := strings.ToLower(message)

	best := EmotionNormal
	bestCount := 0
	for _, emotion := range EmotionOrder {
		count := 0
		for _, marker := range emotionMarkers[emotion] {
			if containsMarker(message, lower, marker) {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = emotion, count
		}
	}

	profile := emotionProfiles[best]
	return EmotionResult{
		Emotion:           best,
		Intensity:         math.Min(float64(bestCount)/3, 1),
		Confidence:        profile.confidence,
		SuggestedResponse: profile.response,
	}
}

func containsMarker(message, lower, marker string) bool {
	if strings.Contains(message, marker) {
		return true
	}
	return isASCII(marker) && strings.Contains(lower, strings.ToLower(marker))
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
