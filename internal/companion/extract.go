package companion

import (
	"regexp"
	"strings"

	"github.com/xingchen-labs/emotion-companion/internal/store"
)

var (
	birthdayPattern   = regexp.MustCompile(`(?:我的生日是|生日)(?:在|是)?(\d+月\d+日?)`)
	likePattern       = regexp.MustCompile(`(?:我喜欢|我爱)(.{2,10}?)(?:，|。|$)`)
	dislikePattern    = regexp.MustCompile(`(?:我讨厌|我不喜欢)(.{2,10}?)(?:，|。|$)`)
	occupationPattern = regexp.MustCompile(`我是(.{2,6})`)

	occupations = []string{"工程师", "设计师", "学生"}
)

// ExtractMemories pulls simple facts about the user out of one message.
func ExtractMemories(message string) []store.NewMemory {
	var out []store.NewMemory

	if m := birthdayPattern.FindStringSubmatch(message); m != nil {
		out = append(out, store.NewMemory{
			Type:       store.MemoryImportantDay,
			Key:        "生日",
			Value:      m[1],
			Importance: 5,
		})
	}

	if strings.Contains(message, "我喜欢") || strings.Contains(message, "我爱") {
		if m := likePattern.FindStringSubmatch(message); m != nil {
			out = append(out, preference("喜欢的", m[1]))
		}
	}

	if strings.Contains(message, "我讨厌") || strings.Contains(message, "我不喜欢") {
		if m := dislikePattern.FindStringSubmatch(message); m != nil {
			out = append(out, preference("不喜欢的", m[1]))
		}
	}

	if strings.Contains(message, "我是") && containsAny(message, occupations) {
		if m := occupationPattern.FindStringSubmatch(message); m != nil {
			out = append(out, store.NewMemory{
				Type:       store.MemoryPersonalInfo,
				Key:        "职业",
				Value:      strings.TrimSpace(m[1]),
				Importance: 4,
			})
		}
	}

	return out
}

// preference keys the memory by the first two characters of what was liked.
func preference(prefix, subject string) store.NewMemory {
	runes := []rune(subject)
	return store.NewMemory{
		Type:       store.MemoryPreference,
		Key:        prefix + string(runes[:min(2, len(runes))]),
		Value:      strings.TrimSpace(subject),
		Importance: 3,
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
