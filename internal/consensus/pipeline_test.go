package consensus

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"hive/internal/config"
	"hive/internal/errs"
	"hive/internal/eventbus"
	"hive/internal/modelrouter"
	"hive/internal/store"
	"hive/internal/types"
)

func sseServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"denied"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", body)
		if flusher != nil {
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func testProfile() types.ConsensusProfile {
	stages := map[types.StageName]types.StageProfile{
		types.StageGenerator: {Model: "gen-model", Temperature: 0.7},
		types.StageRefiner:   {Model: "ref-model", Temperature: 0.5},
		types.StageValidator: {Model: "val-model", Temperature: 0.3},
		types.StageCurator:   {Model: "cur-model", Temperature: 0.2},
	}
	return types.ConsensusProfile{ID: "test", Stages: stages}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "hive.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunReachesUnanimousConsensus(t *testing.T) {
	srv := sseServer(t, "looks correct, accept", http.StatusOK)
	defer srv.Close()

	s := openTestStore(t)
	router := modelrouter.New(modelrouter.Config{BaseURL: srv.URL, APIKey: "k", HardTimeout: 5 * time.Second})
	bus := eventbus.New(16)

	p := New("conv-1", s, router, bus, config.PipelineConfig{MaxRounds: 3, UnanimityRounds: 2, MaxStageRetries: 1})
	metrics, err := p.Run(context.Background(), "why does the server crash", types.ContextFramework{Summary: "test context"}, testProfile())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.ConsensusType != types.ConsensusUnanimous {
		t.Fatalf("expected unanimous consensus, got %s", metrics.ConsensusType)
	}
	if metrics.TotalRounds != 1 {
		t.Fatalf("expected consensus on round 1, got round %d", metrics.TotalRounds)
	}
	if p.State() != StateDone {
		t.Fatalf("expected StateDone, got %s", p.State())
	}
}

func TestRunFallsBackToCuratorOverride(t *testing.T) {
	srv := sseServer(t, "this seems wrong, reject", http.StatusOK)
	defer srv.Close()

	s := openTestStore(t)
	router := modelrouter.New(modelrouter.Config{BaseURL: srv.URL, APIKey: "k", HardTimeout: 5 * time.Second})
	bus := eventbus.New(16)

	p := New("conv-2", s, router, bus, config.PipelineConfig{MaxRounds: 3, UnanimityRounds: 2, MaxStageRetries: 1})
	metrics, err := p.Run(context.Background(), "why does the server crash", types.ContextFramework{}, testProfile())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.ConsensusType != types.ConsensusCuratorOverride {
		t.Fatalf("expected curator_override, got %s", metrics.ConsensusType)
	}
	if metrics.TotalRounds != 3 {
		t.Fatalf("expected the hard cap of 3 rounds, got %d", metrics.TotalRounds)
	}
}

func TestRunPropagatesAuthFailureAfterRetries(t *testing.T) {
	srv := sseServer(t, "", http.StatusUnauthorized)
	defer srv.Close()

	s := openTestStore(t)
	router := modelrouter.New(modelrouter.Config{BaseURL: srv.URL, APIKey: "bad", HardTimeout: 5 * time.Second})
	bus := eventbus.New(16)

	p := New("conv-3", s, router, bus, config.PipelineConfig{MaxRounds: 3, UnanimityRounds: 2, MaxStageRetries: 1})
	_, err := p.Run(context.Background(), "help", types.ContextFramework{}, testProfile())
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !errs.Is(err, errs.KindUpstreamError) && !errs.Is(err, errs.KindAuthFailure) {
		t.Fatalf("expected an upstream/auth error, got %v", err)
	}
	if p.State() != StateFailed {
		t.Fatalf("expected StateFailed, got %s", p.State())
	}
}

func TestRunInterruptedByCancellation(t *testing.T) {
	srv := sseServer(t, "accept", http.StatusOK)
	defer srv.Close()

	s := openTestStore(t)
	router := modelrouter.New(modelrouter.Config{BaseURL: srv.URL, APIKey: "k", HardTimeout: 5 * time.Second})
	bus := eventbus.New(16)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New("conv-4", s, router, bus, config.PipelineConfig{MaxRounds: 3, UnanimityRounds: 2, MaxStageRetries: 1})
	_, err := p.Run(ctx, "help", types.ContextFramework{}, testProfile())
	if !errs.Is(err, errs.KindCancelled) {
		t.Fatalf("expected KindCancelled, got %v", err)
	}
	if p.State() != StateInterrupted {
		t.Fatalf("expected StateInterrupted, got %s", p.State())
	}
}

func TestCountAcceptsCountsTrueVotes(t *testing.T) {
	votes := map[types.StageName]bool{
		types.StageGenerator: true, types.StageRefiner: false, types.StageValidator: true,
	}
	if got := countAccepts(votes); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestParseVoteRequiresAcceptWithoutReject(t *testing.T) {
	if !parseVote("I think we should accept this answer") {
		t.Fatalf("expected accept to parse true")
	}
	if parseVote("I reject this, though parts are acceptable") {
		t.Fatalf("expected reject to win when both words present")
	}
	if parseVote("no opinion here") {
		t.Fatalf("expected neutral text to parse false")
	}
}
