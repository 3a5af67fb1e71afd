package store

import (
	"path/filepath"
	"testing"
	"time"

	"hive/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "hive-test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)
	if v := s.schemaVersion(); v != CurrentSchemaVersion {
		t.Fatalf("expected schema version %d, got %d", CurrentSchemaVersion, v)
	}
}

func TestAppendAndGetConversation(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	c := types.Conversation{
		ID:          "conv-1",
		Question:    "how do I reverse a slice",
		Profile:     "balanced",
		Routing:     types.RoutingConsensus,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := s.AppendConversation(c); err != nil {
		t.Fatalf("AppendConversation: %v", err)
	}

	got, err := s.GetConversation("conv-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Question != c.Question || got.Routing != types.RoutingConsensus {
		t.Fatalf("unexpected conversation: %+v", got)
	}
}

func TestAppendStageOutputIsIdempotentPerRound(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	s.AppendConversation(types.Conversation{ID: "conv-2", Question: "q", CreatedAt: now, LastUpdated: now})

	out := types.StageOutput{
		ConversationID: "conv-2",
		Stage:          types.StageGenerator,
		Ordinal:        1,
		Round:          1,
		Text:           "first attempt",
		CreatedAt:      now,
	}
	if err := s.AppendStageOutput(out); err != nil {
		t.Fatalf("AppendStageOutput: %v", err)
	}
	out.Text = "retried attempt"
	if err := s.AppendStageOutput(out); err != nil {
		t.Fatalf("AppendStageOutput retry: %v", err)
	}

	outputs, err := s.GetStageOutputs("conv-2")
	if err != nil {
		t.Fatalf("GetStageOutputs: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected exactly 1 row for (conv, stage, round), got %d", len(outputs))
	}
	if outputs[0].Text != "retried attempt" {
		t.Fatalf("expected overwritten text, got %q", outputs[0].Text)
	}
}

func TestAppendCuratorTruthRejectsDuplicate(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	s.AppendConversation(types.Conversation{ID: "conv-3", Question: "q", CreatedAt: now, LastUpdated: now})

	ct := types.CuratorTruth{ConversationID: "conv-3", CuratorOutput: "the answer", Confidence: 0.9, CreatedAt: now}
	if err := s.AppendCuratorTruth(ct); err != nil {
		t.Fatalf("AppendCuratorTruth: %v", err)
	}
	if err := s.AppendCuratorTruth(ct); err == nil {
		t.Fatalf("expected conflict on duplicate curator truth")
	}
}

func TestSearchKnowledgeFindsByFTS(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	s.AppendConversation(types.Conversation{ID: "conv-4", Question: "q", CreatedAt: now, LastUpdated: now})
	s.AppendCuratorTruth(types.CuratorTruth{
		ConversationID: "conv-4",
		CuratorOutput:  "Use a two-pointer approach to reverse the slice in place.",
		TopicSummary:   "slice reversal",
		CreatedAt:      now,
	})

	matches, err := s.SearchKnowledge("reverse slice", nil, 5)
	if err != nil {
		t.Fatalf("SearchKnowledge: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("expected at least one FTS match")
	}
	if matches[0].ConversationID != "conv-4" {
		t.Fatalf("expected conv-4 to match, got %+v", matches[0])
	}
}

func TestPatternFrequencyIncrementsOnConflict(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	p := types.Pattern{Normalized: "for range slice", Sample: "for i, v := range xs", FirstSeen: now, LastUsed: now}
	if _, err := s.UpsertPattern(p); err != nil {
		t.Fatalf("UpsertPattern: %v", err)
	}
	if _, err := s.UpsertPattern(p); err != nil {
		t.Fatalf("UpsertPattern second: %v", err)
	}

	patterns, err := s.PatternsByTopic("", 10)
	if err != nil {
		t.Fatalf("PatternsByTopic: %v", err)
	}
	if len(patterns) != 1 || patterns[0].Frequency != 2 {
		t.Fatalf("expected 1 pattern with frequency 2, got %+v", patterns)
	}
}

func TestPreferencesAndThemesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	if err := s.UpsertPreference("go", now); err != nil {
		t.Fatalf("UpsertPreference: %v", err)
	}
	if err := s.UpsertTheme("Authentication", now); err != nil {
		t.Fatalf("UpsertTheme: %v", err)
	}

	prefs, err := s.Preferences()
	if err != nil || len(prefs) != 1 {
		t.Fatalf("Preferences: %v %+v", err, prefs)
	}
	themes, err := s.Themes()
	if err != nil || len(themes) != 1 {
		t.Fatalf("Themes: %v %+v", err, themes)
	}
}
