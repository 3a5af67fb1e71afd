package consensus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hive/internal/errs"
	"hive/internal/eventbus"
	"hive/internal/logging"
	"hive/internal/types"
)

// compose builds a stage-specific prompt from the ContextFramework and the
// text produced by earlier stages in this round. Generator sees none,
// Refiner sees Generator's text, Validator sees both, Curator sees all
// three (composed separately in runCurator).
func compose(stage types.StageName, framework types.ContextFramework, prior map[types.StageName]string) string {
	var b strings.Builder

	switch stage {
	case types.StageGenerator:
		b.WriteString("You are the Generator. Produce an initial answer to the user's question.\n\n")
	case types.StageRefiner:
		b.WriteString("You are the Refiner. Improve the Generator's answer, fixing errors and gaps.\n\n")
	case types.StageValidator:
		b.WriteString("You are the Validator. Check the Refiner's answer for correctness and completeness.\n\n")
	}

	if framework.Summary != "" {
		b.WriteString("Context summary: ")
		b.WriteString(framework.Summary)
		b.WriteString("\n\n")
	}
	if len(framework.PriorSolutions) > 0 {
		b.WriteString("Similar prior solutions:\n")
		for _, s := range framework.PriorSolutions {
			fmt.Fprintf(&b, "- (%s) %s\n", s.ConversationID, s.Summary)
		}
		b.WriteString("\n")
	}

	for _, stageName := range stageOrder {
		if text, ok := prior[stageName]; ok {
			fmt.Fprintf(&b, "--- %s output ---\n%s\n\n", stageName, text)
		}
	}

	return b.String()
}

// composeVotePrompt asks stage to accept or reject the current candidate
// answer (the Validator's output, or the latest stage output available) by
// re-reading its own output against the others.
func composeVotePrompt(stage types.StageName, acc roundAccumulator) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You previously produced the %s output below. Considering the other stages' "+
		"outputs, vote accept or reject for the current candidate answer. Reply with a single "+
		"word: accept or reject.\n\n", stage)
	for _, s := range stageOrder {
		if out, ok := acc.outputs[s]; ok {
			fmt.Fprintf(&b, "--- %s ---\n%s\n\n", s, out.Text)
		}
	}
	return b.String()
}

// composeCuratorPrompt builds the Curator's prompt from every stage output
// produced across all rounds, noting whether deliberation reached
// unanimity, majority, or neither.
func composeCuratorPrompt(framework types.ContextFramework, outputs []types.StageOutput, consensusType types.ConsensusType) string {
	var b strings.Builder
	b.WriteString("You are the Curator. Synthesize a final, authoritative answer from the stage " +
		"outputs below.\n\n")

	switch consensusType {
	case types.ConsensusUnanimous:
		b.WriteString("The pipeline reached unanimous agreement.\n\n")
	case types.ConsensusMajority:
		b.WriteString("The pipeline reached majority agreement only.\n\n")
	case types.ConsensusCuratorOverride:
		b.WriteString("Neither unanimity nor majority was reached after 3 rounds. Use your own judgment.\n\n")
	}

	if framework.Summary != "" {
		b.WriteString("Context summary: ")
		b.WriteString(framework.Summary)
		b.WriteString("\n\n")
	}

	for _, o := range outputs {
		fmt.Fprintf(&b, "--- round %d %s ---\n%s\n\n", o.Round, o.Stage, o.Text)
	}
	return b.String()
}

// runStageWithRetry runs one stage's stream to completion, retrying the same
// stage once (per cfg.MaxStageRetries) on a non-cancellation failure.
func (p *Pipeline) runStageWithRetry(ctx context.Context, stage types.StageName, round int, profile types.ConsensusProfile, framework types.ContextFramework, prior map[types.StageName]string, baseTokens int, baseCost float64) (types.StageOutput, error) {
	prompt := compose(stage, framework, prior)
	model := profile.ModelFor(stage)
	temperature := profile.TemperatureFor(stage)

	maxRetries := p.cfg.MaxStageRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		out, err := p.streamStage(ctx, stage, round, model, temperature, prompt, baseTokens, baseCost)
		if err == nil {
			return out, nil
		}
		if errs.Is(err, errs.KindCancelled) {
			return out, err
		}
		lastErr = err
	}
	return types.StageOutput{}, errs.Wrap(errs.KindUpstreamError, fmt.Sprintf("stage %s failed after retries", stage), lastErr)
}

// streamStage runs a single streaming call for one stage and accumulates
// its output. baseTokens/baseCost are the conversation's running totals
// before this stage, used to report cumulative usage on each progress event.
func (p *Pipeline) streamStage(ctx context.Context, stage types.StageName, round int, model string, temperature float64, prompt string, baseTokens int, baseCost float64) (types.StageOutput, error) {
	start := time.Now()
	deltas, errCh := p.router.Stream(ctx, model, prompt, temperature)

	var text strings.Builder
	var tokens int
	for d := range deltas {
		if d.Done {
			break
		}
		text.WriteString(d.Text)
		if d.TotalTokens > 0 {
			tokens = d.TotalTokens
		}
		p.bus.Emit(eventbus.KindStageProgress, eventbus.StageProgressPayload{
			ConversationID: p.id, Stage: string(stage), Round: round, DeltaText: d.Text,
			CumulativeTokens: baseTokens + tokens,
			CumulativeCost:   baseCost + p.router.CostFor(model, tokens),
		})
	}
	full := text.String()
	out := types.StageOutput{
		ConversationID: p.id, Stage: stage, Ordinal: stage.Ordinal(), Round: round,
		Provider: "router", Model: model, Text: full,
		CharCount: len(full), WordCount: len(strings.Fields(full)),
		Temperature: temperature, Duration: time.Since(start), TokensUsed: tokens,
		CreatedAt: time.Now(),
	}

	if err := <-errCh; err != nil {
		if errs.Is(err, errs.KindCancelled) {
			out.Partial = true
			if perr := p.store.AppendStageOutput(out); perr != nil {
				logging.Get(logging.CategoryConsensus).Warn("failed to persist partial stage output for %s: %v", stage, perr)
			}
			return out, err
		}
		return types.StageOutput{}, err
	}

	if err := p.store.AppendStageOutput(out); err != nil {
		return types.StageOutput{}, err
	}
	p.bus.Emit(eventbus.KindStageComplete, eventbus.StageCompletePayload{
		ConversationID: p.id, Stage: string(stage), Round: round, CharCount: out.CharCount, Duration: out.Duration,
	})
	return out, nil
}

// deliberate asks Generator, Refiner, and Validator to each vote on the
// round's candidate answer.
func (p *Pipeline) deliberate(ctx context.Context, round int, acc roundAccumulator, profile types.ConsensusProfile) (map[types.StageName]bool, error) {
	votes := make(map[types.StageName]bool, 3)
	for _, stage := range stageOrder {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.KindCancelled, "deliberation cancelled", err)
		}
		prompt := composeVotePrompt(stage, acc)
		model := profile.ModelFor(stage)
		temperature := profile.TemperatureFor(stage)

		deltas, errCh := p.router.Stream(ctx, model, prompt, temperature)
		var text strings.Builder
		for d := range deltas {
			if d.Done {
				break
			}
			text.WriteString(d.Text)
		}
		if err := <-errCh; err != nil {
			return votes, err
		}
		votes[stage] = parseVote(text.String())
	}
	return votes, nil
}

func parseVote(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "accept") && !strings.Contains(lower, "reject")
}

// runCurator streams the Curator's final synthesis.
func (p *Pipeline) runCurator(ctx context.Context, round int, profile types.ConsensusProfile, framework types.ContextFramework, outputs []types.StageOutput, consensusType types.ConsensusType, baseTokens int, baseCost float64) (types.StageOutput, error) {
	prompt := composeCuratorPrompt(framework, outputs, consensusType)
	model := profile.ModelFor(types.StageCurator)
	temperature := profile.TemperatureFor(types.StageCurator)
	return p.streamStage(ctx, types.StageCurator, round, model, temperature, prompt, baseTokens, baseCost)
}
