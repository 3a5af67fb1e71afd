package memory

import (
	"path/filepath"
	"testing"
	"time"

	"hive/internal/config"
	"hive/internal/store"
	"hive/internal/types"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "hive.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConversation(t *testing.T, s *store.Store, id, question, curatorText string, createdAt time.Time) {
	t.Helper()
	if err := s.AppendConversation(types.Conversation{
		ID: id, Question: question, CreatedAt: createdAt, LastUpdated: createdAt,
	}); err != nil {
		t.Fatalf("AppendConversation: %v", err)
	}
	if err := s.AppendCuratorTruth(types.CuratorTruth{
		ConversationID: id, CuratorOutput: curatorText, Confidence: 0.9,
		TopicSummary: question, CreatedAt: createdAt,
	}); err != nil {
		t.Fatalf("AppendCuratorTruth: %v", err)
	}
}

func TestRecentFindsWithinWindow(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	seedConversation(t, s, "conv-1", "how to use goroutines", "use sync.WaitGroup", now.Add(-10*time.Minute))
	seedConversation(t, s, "conv-2", "old question", "old answer", now.Add(-48*time.Hour))

	eng := NewEngine(s, nil, config.MemoryConfig{})
	msgs, err := eng.Recent(nil, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ConversationID != "conv-1" {
		t.Fatalf("expected only conv-1, got %+v", msgs)
	}
	if msgs[0].Weight != 4 {
		t.Fatalf("expected recency weight 4, got %f", msgs[0].Weight)
	}
}

func TestTodayExcludesRecentWindow(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	seedConversation(t, s, "conv-recent", "q1", "a1", now.Add(-10*time.Minute))
	seedConversation(t, s, "conv-today", "q2", "a2", now.Add(-10*time.Hour))

	eng := NewEngine(s, nil, config.MemoryConfig{})
	msgs, err := eng.Today(nil, 10)
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ConversationID != "conv-today" {
		t.Fatalf("expected only conv-today, got %+v", msgs)
	}
}

func TestTokenizeDropsStopwords(t *testing.T) {
	freq := Tokenize("The quick brown fox jumps and runs with the fox")
	if _, ok := freq["the"]; ok {
		t.Fatalf("expected 'the' to be dropped as a stopword")
	}
	if freq["fox"] != 2 {
		t.Fatalf("expected fox count 2, got %d", freq["fox"])
	}
}

func TestClassifyThemesMatchesKeywordMap(t *testing.T) {
	keywords := Tokenize("how do I configure oauth login for my app")
	themes := classifyThemes(keywords, map[string][]string{
		"Authentication": {"auth", "login", "oauth"},
		"Database":       {"sql", "migration"},
	})
	if len(themes) != 1 || themes[0] != "Authentication" {
		t.Fatalf("expected [Authentication], got %v", themes)
	}
}

func TestMatchPreferencesFindsLexiconHits(t *testing.T) {
	keywords := Tokenize("I am writing a golang service with postgres")
	prefs := matchPreferences(keywords, []string{"golang", "postgres", "rust"})
	if len(prefs) != 2 {
		t.Fatalf("expected 2 preference hits, got %v", prefs)
	}
}

func TestExtractCodeFencesNormalizesWhitespace(t *testing.T) {
	text := "here:\n```go\n  func main() {\n\n    fmt.Println(\"hi\")\n  }\n```\n"
	snippets := extractCodeFences(text)
	if len(snippets) != 1 {
		t.Fatalf("expected 1 snippet, got %d", len(snippets))
	}
	if snippets[0] != "func main() {\nfmt.Println(\"hi\")\n}" {
		t.Fatalf("unexpected normalized snippet: %q", snippets[0])
	}
}

func TestExtractOnCloseIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	seedConversation(t, s, "conv-1", "how do I configure oauth login", "use golang with oauth2 package", now)

	cfg := config.MemoryConfig{
		ThemeKeywordMap: map[string][]string{"Authentication": {"oauth", "login"}},
		TechLexicon:     []string{"golang"},
	}
	eng := NewEngine(s, nil, cfg)

	if err := eng.ExtractOnClose("conv-1", "how do I configure oauth login", "use golang with oauth2 package", now); err != nil {
		t.Fatalf("ExtractOnClose: %v", err)
	}
	if err := eng.ExtractOnClose("conv-1", "how do I configure oauth login", "use golang with oauth2 package", now); err != nil {
		t.Fatalf("ExtractOnClose second call: %v", err)
	}

	themes, err := eng.Themes()
	if err != nil {
		t.Fatalf("Themes: %v", err)
	}
	if len(themes) != 1 || themes[0].MessageCount != 1 {
		t.Fatalf("expected 1 theme with count 1 (idempotent), got %+v", themes)
	}

	prefs, err := eng.Preferences()
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	if len(prefs) != 1 || prefs[0].UsageCount != 1 {
		t.Fatalf("expected 1 preference with count 1 (idempotent), got %+v", prefs)
	}
}

func TestMatchOrNewPatternReusesNearDuplicate(t *testing.T) {
	existing := []types.Pattern{{Normalized: "func main() {\nfmt.Println(\"hi\")\n}"}}
	key := matchOrNewPattern("func main() {\nfmt.Println(\"hi!\")\n}", existing, 3, 2)
	if key != existing[0].Normalized {
		t.Fatalf("expected near-duplicate to reuse existing key, got %q", key)
	}
}

func TestMatchOrNewPatternInsertsWhenFar(t *testing.T) {
	existing := []types.Pattern{{Normalized: "func main() {}"}}
	snippet := "type Widget struct {\nName string\n}"
	key := matchOrNewPattern(snippet, existing, 3, 2)
	if key != snippet {
		t.Fatalf("expected a new pattern key for a dissimilar snippet, got %q", key)
	}
}
