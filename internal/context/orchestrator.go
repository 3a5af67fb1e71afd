// Package ctxengine implements the Context Orchestrator (C4): for every
// query it builds a ContextFramework to feed the Consensus Pipeline and a
// RoutingDecision (direct_execute vs consensus), then logs both for
// post-hoc audit. Named ctxengine rather than context to avoid shadowing the
// standard library package its own functions take as a parameter type.
//
// Mirrors the teacher's internal/session/spawner.go generateConfig
// separation: "what varies per query" (the framework) is built independently
// of "how a query is routed" (the decision).
package ctxengine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hive/internal/config"
	"hive/internal/logging"
	"hive/internal/memory"
	"hive/internal/store"
	"hive/internal/types"
)

// Orchestrator builds ContextFramework + RoutingDecision pairs for incoming
// queries.
type Orchestrator struct {
	memory *memory.Engine
	store  *store.Store

	cfgMu sync.RWMutex
	cfg   config.RoutingConfig

	budget int
}

// New constructs a Context Orchestrator.
func New(mem *memory.Engine, s *store.Store, routingCfg config.RoutingConfig, contextTokenBudget int) *Orchestrator {
	if contextTokenBudget <= 0 {
		contextTokenBudget = 8000
	}
	return &Orchestrator{memory: mem, store: s, cfg: routingCfg, budget: contextTokenBudget}
}

// UpdateRoutingConfig swaps in a freshly loaded RoutingConfig, picked up by
// the next route() call. Called from the workspace watcher's
// ConfigurationChanged handler so edits to config.yaml's routing section
// apply without restarting the process.
func (o *Orchestrator) UpdateRoutingConfig(routingCfg config.RoutingConfig) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	o.cfg = routingCfg
}

// Result is the orchestrator's two artefacts for one query.
type Result struct {
	CorrelationID string
	Framework     types.ContextFramework
	Decision      types.RoutingDecision
}

// Build constructs the ContextFramework and RoutingDecision for query, and
// persists both to memory_context_logs under a fresh correlation id.
func (o *Orchestrator) Build(ctx context.Context, query string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryContext, "Build")
	defer timer.Stop()

	correlationID := uuid.NewString()
	keywords := memory.Tokenize(query)
	topKeywords := memory.TopKeywords(keywords, 8)

	framework := types.ContextFramework{}

	// 1. Always query memory_recent first, to maintain continuity.
	recent, err := o.memory.Recent(nil, 10)
	if err != nil {
		return nil, err
	}
	framework.RecentMessages = append(framework.RecentMessages, recent...)

	// 2. Preferences, injected into the summary.
	prefs, err := o.memory.Preferences()
	if err != nil {
		return nil, err
	}
	framework.PreferencesSnapshot = prefs

	// 3. memory_today / memory_week, filtered by query keywords.
	today, err := o.memory.Today(topKeywords, 10)
	if err != nil {
		return nil, err
	}
	framework.RecentMessages = append(framework.RecentMessages, today...)

	week, err := o.memory.Week(topKeywords, 10)
	if err != nil {
		return nil, err
	}
	framework.RecentMessages = append(framework.RecentMessages, week...)

	// 4. memory_semantic with the top-k extracted keywords.
	semantic, err := o.memory.Semantic(ctx, strings.Join(topKeywords, " "), 10)
	if err != nil {
		return nil, err
	}
	framework.RecentMessages = append(framework.RecentMessages, semantic...)

	// 5. Prior solutions, if the query resembles a problem report.
	if looksLikeProblem(query) {
		solutions, err := o.memory.SolutionsEnhanced(ctx, query, 5)
		if err != nil {
			return nil, err
		}
		framework.PriorSolutions = solutions
	}

	patterns, err := o.memory.Patterns("", 20)
	if err != nil {
		return nil, err
	}
	framework.PatternsIdentified = patterns

	themes, err := o.memory.Themes()
	if err != nil {
		return nil, err
	}
	framework.ThemeHits = themes

	framework.RelevantTopics = topKeywords
	framework.Summary = buildSummary(query, prefs, themes)

	// 6. relevance_score = Σ recency_weight × similarity, truncated to budget.
	framework.RelevanceScore = relevanceScore(framework.RecentMessages)
	truncateToBudget(&framework, o.budget)

	decision := o.route(query, framework)

	if err := o.store.RecordMemoryContextLog(types.MemoryContextLog{
		CorrelationID: correlationID,
		Query:         query,
		Decision:      decision,
		Framework:     framework,
		CreatedAt:     time.Now(),
	}); err != nil {
		return nil, err
	}

	logging.Context("built context for correlation %s: decision=%s messages=%d",
		correlationID, decision, len(framework.RecentMessages))

	return &Result{CorrelationID: correlationID, Framework: framework, Decision: decision}, nil
}

// route applies the RoutingDecision logic: simple-operation predicate first,
// then complex-indicator tokens or prior-solution overlap, defaulting to
// consensus.
func (o *Orchestrator) route(query string, framework types.ContextFramework) types.RoutingDecision {
	o.cfgMu.RLock()
	cfg := o.cfg
	o.cfgMu.RUnlock()

	lower := strings.ToLower(query)

	for _, pattern := range cfg.SimpleOperationPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return types.RoutingDirectExecute
		}
	}

	for _, token := range cfg.ComplexIndicatorTokens {
		if strings.Contains(lower, strings.ToLower(token)) {
			return types.RoutingConsensus
		}
	}

	if priorSolutionOverlap(framework.PriorSolutions) >= cfg.PriorSolutionOverlapThreshold {
		return types.RoutingConsensus
	}

	return types.RoutingConsensus
}

func looksLikeProblem(query string) bool {
	lower := strings.ToLower(query)
	for _, marker := range []string{"error", "fix", "why does", "broken", "fails", "crash"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func priorSolutionOverlap(solutions []types.PriorSolution) float64 {
	if len(solutions) == 0 {
		return 0
	}
	var best float64
	for _, s := range solutions {
		if s.Similarity > best {
			best = s.Similarity
		}
	}
	return best
}

func relevanceScore(messages []types.WeightedMessage) float64 {
	var total float64
	for _, m := range messages {
		total += m.Weight
	}
	return total
}

func buildSummary(query string, prefs []types.Preference, themes []types.Theme) string {
	var b strings.Builder
	b.WriteString("Query: ")
	b.WriteString(query)
	if len(prefs) > 0 {
		b.WriteString(". Known preferences: ")
		names := make([]string, 0, len(prefs))
		for i, p := range prefs {
			if i >= 5 {
				break
			}
			names = append(names, p.Name)
		}
		b.WriteString(strings.Join(names, ", "))
	}
	if len(themes) > 0 {
		b.WriteString(". Recurring themes: ")
		names := make([]string, 0, len(themes))
		for i, t := range themes {
			if i >= 3 {
				break
			}
			names = append(names, t.Name)
		}
		b.WriteString(strings.Join(names, ", "))
	}
	return b.String()
}

// truncateToBudget drops the lowest-weight recent messages until the
// framework's estimated token cost fits budget. Token cost is approximated
// as len(excerpt)/4, the teacher's rough heuristic for English prose.
func truncateToBudget(f *types.ContextFramework, budget int) {
	estimate := func(fr types.ContextFramework) int {
		total := len(fr.Summary) / 4
		for _, m := range fr.RecentMessages {
			total += len(m.Excerpt) / 4
		}
		for _, s := range fr.PriorSolutions {
			total += len(s.Summary) / 4
		}
		return total
	}

	for estimate(*f) > budget && len(f.RecentMessages) > 0 {
		minIdx := 0
		for i, m := range f.RecentMessages {
			if m.Weight < f.RecentMessages[minIdx].Weight {
				minIdx = i
			}
		}
		f.RecentMessages = append(f.RecentMessages[:minIdx], f.RecentMessages[minIdx+1:]...)
	}
}
