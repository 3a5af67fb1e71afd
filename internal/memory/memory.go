// Package memory implements the Memory Engine (C3): every read path against
// the Knowledge Store that produces context for the Consensus Pipeline, plus
// the post-conversation extraction pipeline that derives patterns,
// preferences, and themes from closed conversations.
//
// Grounded on the teacher's read-side memory helpers in
// internal/store/embedded_store.go (temporal filtering, keyword ranking) and
// generalized from a static, build-time corpus into the four live temporal
// layers spec.md §4.3 requires.
package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"hive/internal/config"
	"hive/internal/embedding"
	"hive/internal/logging"
	"hive/internal/store"
	"hive/internal/types"
)

// Engine answers Memory Engine queries against a Knowledge Store, optionally
// backed by an embedding provider for memory_semantic.
type Engine struct {
	store *store.Store
	embed embedding.Engine // nil disables embedding-similarity ranking
	cfg   config.MemoryConfig
}

// NewEngine constructs a Memory Engine. embed may be nil: memory_semantic
// then falls back to FTS/keyword ranking only.
func NewEngine(s *store.Store, embed embedding.Engine, cfg config.MemoryConfig) *Engine {
	return &Engine{store: s, embed: embed, cfg: cfg}
}

func (e *Engine) recentWindow() time.Duration { return parseOr(e.cfg.RecentWindow, 2*time.Hour) }
func (e *Engine) todayWindow() time.Duration  { return parseOr(e.cfg.TodayWindow, 24*time.Hour) }
func (e *Engine) weekWindow() time.Duration   { return parseOr(e.cfg.WeekWindow, 168*time.Hour) }

func parseOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

func truthToMessage(ct types.CuratorTruth, layer types.TemporalLayer) types.WeightedMessage {
	return types.WeightedMessage{
		ConversationID: ct.ConversationID,
		Excerpt:        excerpt(ct.CuratorOutput, 280),
		Weight:         layer.RecencyWeight(),
		Layer:          layer,
	}
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func matchesKeywords(ct types.CuratorTruth, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(ct.CuratorOutput + " " + ct.TopicSummary)
	for _, kw := range keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Recent returns curator truths from the last recent-window (default 2h),
// recency weight 4, optionally filtered by keyword.
func (e *Engine) Recent(keywords []string, limit int) ([]types.WeightedMessage, error) {
	now := time.Now()
	cutoff := now.Add(-e.recentWindow())
	truths, err := e.store.RecentCuratorTruths(cutoff, sizeOr(limit, 20))
	if err != nil {
		return nil, err
	}
	return toMessages(truths, keywords, types.LayerRecent, limit), nil
}

// Today returns curator truths between the recent window and the today
// window (default 2h-24h), recency weight 3.
func (e *Engine) Today(keywords []string, limit int) ([]types.WeightedMessage, error) {
	now := time.Now()
	outerCutoff := now.Add(-e.todayWindow())
	all, err := e.store.RecentCuratorTruths(outerCutoff, sizeOr(limit, 40)*4)
	if err != nil {
		return nil, err
	}
	recentCutoff := now.Add(-e.recentWindow())
	band := bandFilter(all, outerCutoff, recentCutoff)
	return toMessages(band, keywords, types.LayerToday, limit), nil
}

// Week returns curator truths between the today window and the week window
// (default 24h-7d), recency weight 2.
func (e *Engine) Week(keywords []string, limit int) ([]types.WeightedMessage, error) {
	now := time.Now()
	outerCutoff := now.Add(-e.weekWindow())
	all, err := e.store.RecentCuratorTruths(outerCutoff, sizeOr(limit, 80)*4)
	if err != nil {
		return nil, err
	}
	todayCutoff := now.Add(-e.todayWindow())
	band := bandFilter(all, outerCutoff, todayCutoff)
	return toMessages(band, keywords, types.LayerWeek, limit), nil
}

// bandFilter keeps truths with lowerBound < CreatedAt <= upperBound.
func bandFilter(truths []types.CuratorTruth, lowerBound, upperBound time.Time) []types.CuratorTruth {
	var out []types.CuratorTruth
	for _, ct := range truths {
		if ct.CreatedAt.After(lowerBound) && !ct.CreatedAt.After(upperBound) {
			out = append(out, ct)
		}
	}
	return out
}

func toMessages(truths []types.CuratorTruth, keywords []string, layer types.TemporalLayer, limit int) []types.WeightedMessage {
	out := make([]types.WeightedMessage, 0, len(truths))
	for _, ct := range truths {
		if !matchesKeywords(ct, keywords) {
			continue
		}
		out = append(out, truthToMessage(ct, layer))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func sizeOr(limit, fallback int) int {
	if limit > 0 {
		return limit * 3
	}
	return fallback
}

// Semantic ranks all-time curator truths by topic/keyword overlap and, when
// an embedding provider is configured, cosine similarity. Recency weight 1.
func (e *Engine) Semantic(ctx context.Context, query string, limit int) ([]types.WeightedMessage, error) {
	var queryEmbedding []float32
	if e.embed != nil && query != "" {
		emb, err := e.embed.Embed(ctx, query)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("semantic embedding failed, falling back to keyword match: %v", err)
		} else {
			queryEmbedding = emb
		}
	}

	matches, err := e.store.SearchKnowledge(query, queryEmbedding, limit)
	if err != nil {
		return nil, err
	}

	out := make([]types.WeightedMessage, 0, len(matches))
	for _, m := range matches {
		out = append(out, types.WeightedMessage{
			ConversationID: m.ConversationID,
			Excerpt:        excerpt(m.CuratorOutput, 280),
			Weight:         types.LayerSemantic.RecencyWeight() * m.Relevance,
			Layer:          types.LayerSemantic,
		})
	}
	return out, nil
}

// Patterns returns mined code/phrase patterns, optionally filtered by topic.
func (e *Engine) Patterns(topic string, limit int) ([]types.Pattern, error) {
	return e.store.PatternsByTopic(topic, sizeOr(limit, 20))
}

// Preferences returns every recorded technology/style preference.
func (e *Engine) Preferences() ([]types.Preference, error) {
	return e.store.Preferences()
}

// Themes returns every recorded topical cluster.
func (e *Engine) Themes() ([]types.Theme, error) {
	return e.store.Themes()
}

// SolutionsEnhanced finds prior conversations that resemble problem, ranked
// by relevance, for use when the current query looks like a problem report.
func (e *Engine) SolutionsEnhanced(ctx context.Context, problem string, limit int) ([]types.PriorSolution, error) {
	var queryEmbedding []float32
	if e.embed != nil && problem != "" {
		if emb, err := e.embed.Embed(ctx, problem); err == nil {
			queryEmbedding = emb
		}
	}

	matches, err := e.store.SearchKnowledge(problem, queryEmbedding, sizeOr(limit, 10))
	if err != nil {
		return nil, err
	}

	out := make([]types.PriorSolution, 0, len(matches))
	for _, m := range matches {
		out = append(out, types.PriorSolution{
			ConversationID: m.ConversationID,
			Summary:        excerpt(m.CuratorOutput, 200),
			Similarity:     m.Relevance,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
