package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/xingchen-labs/emotion-companion/internal/logging"
	"github.com/xingchen-labs/emotion-companion/internal/utils"
)

const (
	DefaultTopK = 3 // Results per search when the caller does not say

	literalKeywordScore = 10
	foldedKeywordScore  = 5
	emotionKeywordScore = 5
	scenarioTokenScore  = 2

	embedConcurrency = 4
)

// ragEmotionKeywords backs the emotion_type bonus. Kept separate from the
// classifier's markers.
var ragEmotionKeywords = map[Emotion][]string{
	EmotionHappy:   {"开心", "高兴", "快乐", "幸福", "喜悦"},
	EmotionSad:     {"难过", "伤心", "悲伤", "痛苦", "沮丧", "失落"},
	EmotionAngry:   {"生气", "愤怒", "火大", "恼火", "气愤"},
	EmotionAnxious: {"焦虑", "担心", "紧张", "不安", "忧虑"},
	EmotionFear:    {"害怕", "恐惧", "恐慌", "担心"},
}

// Embedder produces a vector for a piece of text.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type RAGService struct {
	kb       *KnowledgeBase
	embedder Embedder

	indexMu sync.Mutex
	index   [][]float32 // parallel to kb.items, built on first semantic search
}

func NewRAGService(kb *KnowledgeBase, embedder Embedder) *RAGService {
	if kb.Len() == 0 {
		logging.Default().Warn("RAG service initialized with no knowledge items")
	}
	return &RAGService{kb: kb, embedder: embedder}
}

func (s *RAGService) KnowledgeBase() *KnowledgeBase {
	return s.kb
}

// Search scores every item against query and returns at most topK
// positive-scoring results, best first. Equal scores keep load order.
func (s *RAGService) Search(query string, topK int) []RetrievalResult {
	if topK <= 0 {
		topK = DefaultTopK
	}
	lowerQuery := strings.ToLower(query)

	items := s.kb.Items()
	var results []RetrievalResult
	for i := range items {
		item := &items[i]
		if score := scoreItem(item, query, lowerQuery); score > 0 {
			results = append(results, RetrievalResult{Item: item, Score: score, Category: item.Category})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

func scoreItem(item *KnowledgeItem, query, lowerQuery string) int {
	score := 0
	for _, kw := range item.Keywords {
		if kw == "" {
			continue
		}
		// Both checks apply independently, so an exact-case hit earns both.
		if strings.Contains(query, kw) {
			score += literalKeywordScore
		}
		if strings.Contains(lowerQuery, strings.ToLower(kw)) {
			score += foldedKeywordScore
		}
	}

	for _, kw := range ragEmotionKeywords[item.EmotionType] {
		if strings.Contains(query, kw) {
			score += emotionKeywordScore
		}
	}

	for _, token := range strings.Fields(item.Scenario) {
		if utf8.RuneCountInString(token) > 1 && strings.Contains(query, token) {
			score += scenarioTokenScore
		}
	}
	return score
}

// BuildContext renders the top three results as a prompt block, or "" when
// nothing matched.
func (s *RAGService) BuildContext(query string) string {
	results := s.Search(query, DefaultTopK)
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\n--- 参考知识库 ---\n")
	for _, r := range results {
		fmt.Fprintf(&b, "\n【%s】%s\n", r.Item.Category, r.Item.Scenario)
		if len(r.Item.EmpathyResponses) > 0 {
			b.WriteString("建议回应：")
			b.WriteString(strings.Join(r.Item.EmpathyResponses, "；"))
			b.WriteString("\n")
		}
	}
	b.WriteString("--- 知识库结束 ---\n")
	return b.String()
}

// GetSources projects the default search onto citations.
func (s *RAGService) GetSources(query string) []SourceInfo {
	results := s.Search(query, DefaultTopK)
	sources := make([]SourceInfo, 0, len(results))
	for _, r := range results {
		sources = append(sources, s.sourceOf(r.Item))
	}
	return sources
}

func (s *RAGService) sourceOf(item *KnowledgeItem) SourceInfo {
	name := s.kb.KBName(item.ID)
	return SourceInfo{
		ID:          item.ID,
		KBName:      name,
		KBLabel:     s.kb.Label(name),
		Category:    item.Category,
		Scenario:    displayScenario(item.Scenario),
		EmotionType: item.EmotionType,
	}
}

// displayScenario drops the `...用户说"` lead-in used by the knowledge files.
func displayScenario(scenario string) string {
	parts := strings.Split(scenario, "用户说")
	if len(parts) < 2 {
		return scenario
	}
	trimmed := strings.TrimSpace(strings.ReplaceAll(parts[1], `"`, ""))
	if trimmed == "" {
		return scenario
	}
	return trimmed
}

// ScoredItem is a semantic search hit.
type ScoredItem struct {
	Source     SourceInfo `json:"source"`
	Similarity float32    `json:"score"`
}

// ScoredSearch is Search projected onto citations, with the keyword score
// as the hit score.
func (s *RAGService) ScoredSearch(query string, topK int) []ScoredItem {
	results := s.Search(query, topK)
	scored := make([]ScoredItem, 0, len(results))
	for _, r := range results {
		scored = append(scored, ScoredItem{Source: s.sourceOf(r.Item), Similarity: float32(r.Score)})
	}
	return scored
}

// SemanticSearch ranks items by cosine similarity between the query
// embedding and each item's embedding. Item embeddings are computed on the
// first call; a failed build is retried on the next call.
func (s *RAGService) SemanticSearch(ctx context.Context, query string, topK int) ([]ScoredItem, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if s.embedder == nil {
		return nil, goerr.New("semantic search requires an embedder")
	}

	index, err := s.semanticIndex(ctx)
	if err != nil {
		return nil, err
	}

	queryEmbedding, err := s.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get query embedding")
	}

	logger := logging.From(ctx)
	items := s.kb.Items()
	scored := make([]ScoredItem, 0, len(items))
	for i := range items {
		similarity, err := utils.CosineSimilarity(queryEmbedding, index[i])
		if err != nil {
			logger.Debug("skipping item in semantic search", "id", items[i].ID, "error", err)
			continue
		}
		scored = append(scored, ScoredItem{Source: s.sourceOf(&items[i]), Similarity: similarity})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (s *RAGService) semanticIndex(ctx context.Context) ([][]float32, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if s.index != nil {
		return s.index, nil
	}

	items := s.kb.Items()
	index := make([][]float32, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i := range items {
		g.Go(func() error {
			vec, err := s.embedder.GenerateEmbedding(gctx, embeddingText(&items[i]))
			if err != nil {
				return goerr.Wrap(err, "failed to embed knowledge item", goerr.V("id", items[i].ID))
			}
			index[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logging.From(ctx).Info("semantic index built", "items", len(index))
	s.index = index
	return index, nil
}

func embeddingText(item *KnowledgeItem) string {
	return item.Category + "\n" + item.Scenario + "\n" + strings.Join(item.Keywords, " ")
}
