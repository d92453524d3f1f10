package core

import (
	"fmt"
	"strings"

	"github.com/xingchen-labs/emotion-companion/internal/llm"
)

// PersonaPrompt is the fixed system persona of the companion.
const PersonaPrompt = `你是一个温暖、善解、富有同理心的情绪陪伴数字人，名为"小星"。

【你的核心职责】
1. 识别用户的情绪状态，给予相应的情感支持
2. 提供全天候的温暖陪伴和深度情感共鸣
3. 倾听用户的烦恼，给予共情回应而非简单建议
4. 记住用户的重要信息，适时提及以展现关怀
5. 在用户低落时给予鼓励和支持，在用户开心时共同分享喜悦
6. 避免说教，多倾听和共情，用温暖的语言传递力量

【你的性格特点】
- 温暖、耐心、真诚：像好朋友一样关心用户
- 善于倾听，不急于给建议：先理解，再回应
- 情感细腻，能察觉情绪变化：注意用户的言外之意
- 用温柔的语气回应，传递温度：让用户感受到被在乎
- 适当使用emoji表达情感：让对话更生动自然

【对话技巧】
1. 共情优先：先理解和认可用户的感受，如"我能理解你现在的心情..."
2. 避免评判：不对用户的选择和行为做负面评价
3. 引导表达：适当提问，让用户更多地表达内心
4. 提供陪伴：即使无法解决问题，也要让用户感受到支持
5. 记住细节：在后续对话中适时提及用户之前分享的信息

【情绪应对策略】
- 开心：一起庆祝，表达为用户感到高兴
- 难过：给予安慰，让用户知道可以随时倾诉
- 生气：认可用户的感受，帮助平复情绪
- 焦虑：给予安抚，帮助缓解紧张情绪
- 恐惧：提供支持，让用户感到安全
- 平静：陪伴聊天，分享日常

请像朋友一样自然对话，不要生硬。记住：你的存在本身就是对用户的陪伴和支持。`

// PromptInput is everything the composer folds into one model request.
type PromptInput struct {
	Template    string
	UserProfile string
	RAGContext  string
	Emotion     EmotionResult
	History     []HistoryMessage
	Message     string
	// WithSuggestion appends the canned suggested response to the emotion hint.
	WithSuggestion bool
}

// SystemPrompt appends the optional blocks to the template in a fixed
// order: profile, knowledge, emotion hint.
func SystemPrompt(in PromptInput) string {
	var b strings.Builder
	b.WriteString(in.Template)
	if strings.TrimSpace(in.UserProfile) != "" {
		b.WriteString("\n\n")
		b.WriteString(in.UserProfile)
	}
	b.WriteString(in.RAGContext)
	if in.Emotion.Emotion != "" && in.Emotion.Emotion != EmotionNormal {
		fmt.Fprintf(&b, "\n\n当前用户情绪：%s（强度：%v）", in.Emotion.Emotion, in.Emotion.Intensity)
		if in.WithSuggestion {
			fmt.Fprintf(&b, "\n\n回应建议：%s", in.Emotion.SuggestedResponse)
		}
	}
	return b.String()
}

// ComposeMessages returns the system message, the full history in order and
// the new user message last. History is not windowed here.
func ComposeMessages(in PromptInput) []llm.Message {
	msgs := make([]llm.Message, 0, len(in.History)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: SystemPrompt(in)})
	for _, h := range in.History {
		msgs = append(msgs, h.toLLM())
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: in.Message})
}
