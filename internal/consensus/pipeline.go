// Package consensus implements the Consensus Pipeline (C5): the per-query
// Generator -> Refiner -> Validator -> Curator state machine, its
// deliberation protocol, and its single-transaction persistence of a
// finished run.
//
// The state machine shape (atomic state field, mutex-guarded transitions,
// context-driven cancellation) is grounded on the teacher's
// internal/session/subagent.go SubAgent: one instance per consensus_id,
// exactly the way SubAgent is one instance per task. Stage prompt
// composition is kept as a small, separate capability (compose) the way the
// teacher separates JITPromptCompiler/ConfigFactory from the run loop in
// internal/session/spawner.go.
package consensus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hive/internal/config"
	"hive/internal/errs"
	"hive/internal/eventbus"
	"hive/internal/logging"
	"hive/internal/modelrouter"
	"hive/internal/store"
	"hive/internal/types"
)

// State is the pipeline's lifecycle state for one consensus_id.
type State int32

const (
	StateIdle State = iota
	StateBuildContext
	StateGenerator
	StateRefiner
	StateValidator
	StateCurator
	StateDeliberation
	StatePersist
	StateDone
	StateInterrupted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuildContext:
		return "build_context"
	case StateGenerator:
		return "generator"
	case StateRefiner:
		return "refiner"
	case StateValidator:
		return "validator"
	case StateCurator:
		return "curator"
	case StateDeliberation:
		return "deliberation"
	case StatePersist:
		return "persist"
	case StateDone:
		return "done"
	case StateInterrupted:
		return "interrupted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var stageOrder = []types.StageName{
	types.StageGenerator, types.StageRefiner, types.StageValidator,
}

// Pipeline is one consensus_id's run of the Generator->Refiner->Validator->
// Curator state machine.
type Pipeline struct {
	mu    sync.RWMutex
	state int32

	id     string
	store  *store.Store
	router *modelrouter.Client
	bus    *eventbus.Bus
	cfg    config.PipelineConfig

	cancel context.CancelFunc
}

// New constructs a Pipeline for one consensus_id.
func New(conversationID string, s *store.Store, router *modelrouter.Client, bus *eventbus.Bus, cfg config.PipelineConfig) *Pipeline {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	if cfg.UnanimityRounds <= 0 {
		cfg.UnanimityRounds = 2
	}
	return &Pipeline{id: conversationID, store: s, router: router, bus: bus, cfg: cfg}
}

func (p *Pipeline) setState(s State) {
	atomic.StoreInt32(&p.state, int32(s))
}

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	return State(atomic.LoadInt32(&p.state))
}

// roundAccumulator holds one round's stage outputs, keyed by stage.
type roundAccumulator struct {
	outputs map[types.StageName]types.StageOutput
	votes   map[types.StageName]bool
}

// Run drives the full state machine for one query: build context (supplied
// by the caller, the Context Orchestrator), Generator -> Refiner ->
// Validator, deliberation, Curator, then single-transaction persistence.
// Cancelling ctx transitions the pipeline to Interrupted and persists
// whatever partial output exists.
func (p *Pipeline) Run(ctx context.Context, question string, framework types.ContextFramework, profile types.ConsensusProfile) (*types.ConsensusMetrics, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	p.setState(StateBuildContext)
	createdAt := time.Now()

	var allOutputs []types.StageOutput
	var rounds []roundAccumulator
	consensusType := types.ConsensusCuratorOverride
	totalTokens := 0
	totalCost := 0.0

	round := 1
	for {
		if err := ctx.Err(); err != nil {
			return p.interrupt(ctx, question, framework, allOutputs, "cancel_before_round", round)
		}

		acc := roundAccumulator{outputs: make(map[types.StageName]types.StageOutput), votes: make(map[types.StageName]bool)}

		priorText := make(map[types.StageName]string)
		for _, stage := range stageOrder {
			p.setState(stateForStage(stage))
			p.bus.Emit(eventbus.KindConsensusProgress, eventbus.ConsensusProgressPayload{
				ConversationID: p.id, CurrentStage: string(stage), Round: round,
			})

			out, err := p.runStageWithRetry(ctx, stage, round, profile, framework, priorText, totalTokens, totalCost)
			if err != nil {
				if errs.Is(err, errs.KindCancelled) {
					if out.Text != "" {
						allOutputs = append(allOutputs, out)
					}
					return p.interrupt(ctx, question, framework, allOutputs, string(stage), round)
				}
				p.setState(StateFailed)
				p.bus.Emit(eventbus.KindConsensusFailed, eventbus.ConsensusFailedPayload{
					ConversationID: p.id, Reason: err.Error(),
				})
				p.persistBestEffort(question, framework, allOutputs, nil, createdAt)
				return nil, err
			}

			acc.outputs[stage] = out
			allOutputs = append(allOutputs, out)
			priorText[stage] = out.Text
			totalTokens += out.TokensUsed
			totalCost += p.router.CostFor(profile.ModelFor(stage), out.TokensUsed)
		}

		p.setState(StateDeliberation)
		votes, err := p.deliberate(ctx, round, acc, profile)
		if err != nil {
			if errs.Is(err, errs.KindCancelled) {
				return p.interrupt(ctx, question, framework, allOutputs, "deliberation", round)
			}
			// Validator/Refiner failures on round >= 2 collapse the round and
			// force majority semantics on round 3: accept from a majority of
			// stageOrder so the accepts>=2 check below actually takes the
			// majority branch instead of falling through to curator_override.
			if round >= 2 {
				votes = map[types.StageName]bool{types.StageGenerator: true, types.StageRefiner: true}
			}
		}
		acc.votes = votes
		rounds = append(rounds, acc)

		accepts := countAccepts(votes)
		it := types.ConsensusIteration{
			ConversationID: p.id, Round: round,
			GeneratorVote: votes[types.StageGenerator], RefinerVote: votes[types.StageRefiner],
			ValidatorVote: votes[types.StageValidator], Accepts: accepts,
			CumulativeTokens: totalTokens, CreatedAt: time.Now(),
		}
		if err := p.store.AppendConsensusIteration(it); err != nil {
			logging.Get(logging.CategoryConsensus).Warn("failed to persist consensus iteration: %v", err)
		}

		if round <= p.cfg.UnanimityRounds {
			if accepts == 3 {
				consensusType = types.ConsensusUnanimous
				break
			}
			round++
			if round > p.cfg.MaxRounds {
				consensusType = types.ConsensusCuratorOverride
				break
			}
			continue
		}

		// Round 3 (or beyond unanimity window): majority, else curator_override.
		if accepts >= 2 {
			consensusType = types.ConsensusMajority
		} else {
			consensusType = types.ConsensusCuratorOverride
		}
		break
	}

	p.setState(StateCurator)
	curatorOut, err := p.runCurator(ctx, round, profile, framework, allOutputs, consensusType, totalTokens, totalCost)
	if err != nil {
		if errs.Is(err, errs.KindCancelled) {
			if curatorOut.Text != "" {
				allOutputs = append(allOutputs, curatorOut)
			}
			return p.interrupt(ctx, question, framework, allOutputs, "curator", round)
		}
		p.setState(StateFailed)
		p.bus.Emit(eventbus.KindConsensusFailed, eventbus.ConsensusFailedPayload{ConversationID: p.id, Reason: err.Error()})
		p.persistBestEffort(question, framework, allOutputs, nil, createdAt)
		return nil, err
	}
	allOutputs = append(allOutputs, curatorOut)
	totalTokens += curatorOut.TokensUsed
	totalCost += p.router.CostFor(profile.ModelFor(types.StageCurator), curatorOut.TokensUsed)

	p.setState(StatePersist)
	metrics := types.ConsensusMetrics{
		ConversationID:  p.id,
		ConsensusType:   consensusType,
		FinalConfidence: confidenceFor(consensusType),
		StageAgreement:  agreementScore(rounds),
		ContentQuality:  qualityScore(curatorOut.Text),
		TotalRounds:     round,
		TotalTokens:     totalTokens,
		TotalCost:       totalCost,
		TotalLatency:    time.Since(createdAt),
	}

	conv := types.Conversation{
		ID: p.id, Question: question, FinalAnswer: curatorOut.Text, SourceOfTruth: curatorOut.Text,
		Profile: "", Routing: types.RoutingConsensus, CreatedAt: createdAt, LastUpdated: time.Now(),
	}
	truth := types.CuratorTruth{
		ConversationID: p.id, CuratorOutput: curatorOut.Text, Confidence: metrics.FinalConfidence,
		TopicSummary: summarize(question), CreatedAt: time.Now(),
	}
	keywords := keywordFrequencies(curatorOut.Text)
	knowledge := types.KnowledgeEntry{
		ConversationID: p.id, Topics: framework.RelevantTopics, Keywords: keywords,
		Relevance: metrics.FinalConfidence, CreatedAt: time.Now(),
	}

	if err := p.store.PersistConsensusResult(conv, allOutputs, truth, knowledge, metrics); err != nil {
		return nil, err
	}

	p.setState(StateDone)
	p.bus.Emit(eventbus.KindConsensusComplete, eventbus.ConsensusCompletePayload{
		ConversationID: p.id, ConsensusType: string(consensusType), TotalRounds: round,
	})
	return &metrics, nil
}

func stateForStage(stage types.StageName) State {
	switch stage {
	case types.StageGenerator:
		return StateGenerator
	case types.StageRefiner:
		return StateRefiner
	case types.StageValidator:
		return StateValidator
	case types.StageCurator:
		return StateCurator
	default:
		return StateIdle
	}
}

func countAccepts(votes map[types.StageName]bool) int {
	n := 0
	for _, v := range votes {
		if v {
			n++
		}
	}
	return n
}

// Cancel transitions the pipeline to Interrupted, aborting any in-flight
// stream.
func (p *Pipeline) Cancel() {
	p.mu.RLock()
	cancel := p.cancel
	p.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// interrupt persists whatever stage outputs exist so far and marks the
// pipeline Interrupted. outputs already carries the correct Partial flag on
// each entry: completed stages are not partial, and the cancelled stage (if
// any of its stream was captured before cancellation) was marked Partial by
// streamStage before being appended here.
func (p *Pipeline) interrupt(ctx context.Context, question string, framework types.ContextFramework, outputs []types.StageOutput, atStage string, round int) (*types.ConsensusMetrics, error) {
	p.setState(StateInterrupted)
	p.persistBestEffort(question, framework, outputs, nil, time.Now())
	p.bus.Emit(eventbus.KindConsensusInterrupted, eventbus.ConsensusInterruptedPayload{
		ConversationID: p.id, AtStage: atStage, Reason: "cancelled",
	})
	return nil, errs.New(errs.KindCancelled, fmt.Sprintf("consensus %s interrupted at %s (round %d)", p.id, atStage, round))
}

func (p *Pipeline) persistBestEffort(question string, framework types.ContextFramework, outputs []types.StageOutput, metrics *types.ConsensusMetrics, createdAt time.Time) {
	conv := types.Conversation{ID: p.id, Question: question, Profile: "", Routing: types.RoutingConsensus, CreatedAt: createdAt, LastUpdated: time.Now()}
	m := types.ConsensusMetrics{ConversationID: p.id, ConsensusType: types.ConsensusCancelled}
	if metrics != nil {
		m = *metrics
	}
	if err := p.store.PersistConsensusResult(conv, outputs, types.CuratorTruth{}, types.KnowledgeEntry{}, m); err != nil {
		logging.Get(logging.CategoryConsensus).Error("best-effort persistence failed for %s: %v", p.id, err)
	}
}

func summarize(text string) string {
	const max = 120
	if len(text) <= max {
		return text
	}
	return text[:max]
}

func keywordFrequencies(text string) map[string]int {
	freq := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) < 3 {
			continue
		}
		freq[w]++
	}
	return freq
}

func confidenceFor(t types.ConsensusType) float64 {
	switch t {
	case types.ConsensusUnanimous:
		return 0.95
	case types.ConsensusMajority:
		return 0.75
	case types.ConsensusCuratorOverride:
		return 0.5
	default:
		return 0.3
	}
}

func agreementScore(rounds []roundAccumulator) float64 {
	if len(rounds) == 0 {
		return 0
	}
	last := rounds[len(rounds)-1]
	return float64(countAccepts(last.votes)) / 3.0
}

func qualityScore(text string) float64 {
	words := len(strings.Fields(text))
	switch {
	case words == 0:
		return 0
	case words < 20:
		return 0.4
	case words < 200:
		return 0.8
	default:
		return 0.9
	}
}
