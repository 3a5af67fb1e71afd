package memory

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/agext/levenshtein"
	"github.com/sahilm/fuzzy"

	"hive/internal/logging"
	"hive/internal/types"
	"hive/internal/workerpool"
)

var (
	wordPattern  = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_]{2,}`)
	fencedPattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n(.*?)```")
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true, "with": true,
	"you": true, "your": true, "are": true, "was": true, "were": true, "have": true,
	"has": true, "had": true, "can": true, "will": true, "would": true, "should": true,
	"could": true, "not": true, "but": true, "from": true, "into": true, "then": true,
	"than": true, "when": true, "what": true, "which": true, "who": true, "why": true,
	"how": true, "does": true, "did": true, "use": true, "using": true,
}

// tokenize splits text into lowercased keyword candidates with frequencies,
// dropping short tokens and common stopwords.
func Tokenize(text string) map[string]int {
	freq := make(map[string]int)
	for _, w := range wordPattern.FindAllString(text, -1) {
		lw := strings.ToLower(w)
		if stopwords[lw] {
			continue
		}
		freq[lw]++
	}
	return freq
}

// TopKeywords returns the n most frequent keywords, ties broken
// alphabetically. Exported for the Context Orchestrator, which needs the
// top-k extracted keywords to drive memory_semantic.
func TopKeywords(freq map[string]int, n int) []string {
	type kv struct {
		word  string
		count int
	}
	all := make([]kv, 0, len(freq))
	for w, c := range freq {
		all = append(all, kv{w, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].word < all[j].word
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].word
	}
	return out
}

func normalizeSnippet(code string) string {
	lines := strings.Split(code, "\n")
	var normalized []string
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	return strings.Join(normalized, "\n")
}

func extractCodeFences(text string) []string {
	matches := fencedPattern.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		norm := normalizeSnippet(m[1])
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

// fuzzySource adapts a []string to sahilm/fuzzy's Source interface.
type fuzzySource []string

func (s fuzzySource) String(i int) string { return s[i] }
func (s fuzzySource) Len() int            { return len(s) }

// classifyThemes returns the theme names whose keyword set overlaps the
// extracted keywords.
func classifyThemes(keywords map[string]int, themeMap map[string][]string) []string {
	var matched []string
	for theme, themeKeywords := range themeMap {
		for _, tk := range themeKeywords {
			if _, ok := keywords[strings.ToLower(tk)]; ok {
				matched = append(matched, theme)
				break
			}
		}
	}
	sort.Strings(matched)
	return matched
}

// matchPreferences returns lexicon entries present among the extracted
// keywords, using a fuzzy pass to also catch near-misses (plurals, casing
// variants the tokenizer didn't normalize).
func matchPreferences(keywords map[string]int, lexicon []string) []string {
	tokens := make([]string, 0, len(keywords))
	for k := range keywords {
		tokens = append(tokens, k)
	}
	source := fuzzySource(tokens)

	var matched []string
	seen := make(map[string]bool)
	for _, tech := range lexicon {
		if _, ok := keywords[strings.ToLower(tech)]; ok {
			if !seen[tech] {
				matched = append(matched, tech)
				seen[tech] = true
			}
			continue
		}
		results := fuzzy.Find(tech, source)
		if len(results) > 0 && results[0].Score > 0 && !seen[tech] {
			matched = append(matched, tech)
			seen[tech] = true
		}
	}
	sort.Strings(matched)
	return matched
}

// matchOrNewPattern finds the closest existing pattern within editDistance of
// normalized, returning its key if found; otherwise returns normalized
// itself as a brand-new pattern key. Distance computation against every
// existing pattern is CPU-bound and run across a bounded worker pool since
// existing can hold hundreds of rows (store.PatternsByTopic caps at 500).
func matchOrNewPattern(normalized string, existing []types.Pattern, editDistance, poolWorkers int) string {
	distances := workerpool.Map(poolWorkers, existing, func(p types.Pattern) int {
		return levenshtein.Distance(normalized, p.Normalized, nil)
	})

	best := normalized
	bestDist := editDistance + 1
	for i, d := range distances {
		if d < bestDist {
			bestDist = d
			best = existing[i].Normalized
		}
	}
	if bestDist <= editDistance {
		return best
	}
	return normalized
}

// ExtractOnClose runs the post-conversation extraction pipeline: tokenize,
// classify themes, match preferences, mine patterns. Idempotent per
// conversation via the extraction_log back-reference table.
func (e *Engine) ExtractOnClose(conversationID, userQuestion, curatorText string, at time.Time) error {
	already, err := e.store.MarkExtracted(conversationID, at)
	if err != nil {
		return err
	}
	if already {
		logging.MemoryDebug("skipping extraction for %s: already extracted", conversationID)
		return nil
	}

	keywords := Tokenize(curatorText + " " + userQuestion)

	for _, theme := range classifyThemes(keywords, e.cfg.ThemeKeywordMap) {
		if err := e.store.UpsertTheme(theme, at); err != nil {
			return err
		}
		if err := e.store.LinkThemeDerivation(theme, conversationID); err != nil {
			return err
		}
	}

	for _, pref := range matchPreferences(keywords, e.cfg.TechLexicon) {
		if err := e.store.UpsertPreference(pref, at); err != nil {
			return err
		}
		if err := e.store.LinkPreferenceDerivation(pref, conversationID); err != nil {
			return err
		}
	}

	editDistance := e.cfg.PatternEditDistance
	if editDistance <= 0 {
		editDistance = 6
	}
	poolWorkers := e.cfg.PatternWorkerPoolSize
	if poolWorkers <= 0 {
		poolWorkers = 4
	}
	existing, err := e.store.PatternsByTopic("", 500)
	if err != nil {
		return err
	}
	topic := ""
	if themes := classifyThemes(keywords, e.cfg.ThemeKeywordMap); len(themes) > 0 {
		topic = themes[0]
	}
	for _, snippet := range extractCodeFences(curatorText) {
		key := matchOrNewPattern(snippet, existing, editDistance, poolWorkers)
		id, err := e.store.UpsertPattern(types.Pattern{
			Normalized: key,
			Sample:     snippet,
			Topic:      topic,
			FirstSeen:  at,
			LastUsed:   at,
		})
		if err != nil {
			return err
		}
		if err := e.store.LinkPatternDerivation(id, conversationID); err != nil {
			return err
		}
	}

	logging.Memory("extraction complete for conversation %s: themes=%d keywords=%d",
		conversationID, len(classifyThemes(keywords, e.cfg.ThemeKeywordMap)), len(keywords))
	return nil
}
