package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hive/internal/config"
	"hive/internal/consensus"
	"hive/internal/errs"
	"hive/internal/eventbus"
	"hive/internal/executor"
	"hive/internal/planner"
	"hive/internal/quota"
	"hive/internal/types"
)

var autoApprove bool

var askCmd = &cobra.Command{
	Use:   "ask [query]",
	Short: "Run a query through the orchestrator, consensus pipeline or direct execution, and the execution engine",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "apply the resulting plan without an interactive confirmation")
}

func runAsk(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	logger.Info("running ask", zap.String("query", query), zap.Bool("auto_approve", autoApprove))

	a, err := buildApp()
	if err != nil {
		logger.Error("buildApp failed", zap.Error(err))
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	unsub := a.bus.Subscribe(func(ev eventbus.Event) {
		switch ev.Kind {
		case eventbus.KindConsensusProgress:
			p := ev.Payload.(eventbus.ConsensusProgressPayload)
			fmt.Printf("  [round %d] %s\n", p.Round, p.CurrentStage)
		case eventbus.KindExecutionPreview:
			p := ev.Payload.(eventbus.ExecutionPreviewPayload)
			fmt.Printf("preview (%s): %s\n", p.SafetyLevel, p.DiffSummary)
		}
	})
	defer unsub()

	hash := sha256.Sum256([]byte(query))
	queryHash := hex.EncodeToString(hash[:])

	quotaResp, err := a.quota.PreConversation(ctx, queryHash)
	if err != nil {
		if errs.Is(err, errs.KindQuotaExceeded) {
			a.bus.Emit(eventbus.KindQuotaExceeded, eventbus.QuotaExceededPayload{Message: err.Error()})
			fmt.Fprintln(os.Stderr, "quota exceeded, query not run:", err)
			return nil
		}
		return fmt.Errorf("pre-conversation check: %w", err)
	}
	if !quotaResp.Allowed {
		a.bus.Emit(eventbus.KindQuotaExceeded, eventbus.QuotaExceededPayload{
			Tier: quotaResp.User.Tier, Message: quotaResp.Reason,
		})
		fmt.Fprintln(os.Stderr, "rate-limited, query not run:", quotaResp.Reason)
		return nil
	}

	result, err := a.orchestrator.Build(ctx, query)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	var plan types.ExecutionPlan
	totalTokens := 0
	totalCost := 0.0
	conversationID := result.CorrelationID

	switch result.Decision {
	case types.RoutingDirectExecute:
		plan, err = planDirectExecute(query)
		if err != nil {
			return fmt.Errorf("direct_execute: %w", err)
		}
		plan.SafetyLevel = planner.Classify(plan, a.cfg.Execution)
		now := time.Now()
		if err := a.store.AppendConversation(types.Conversation{
			ID: conversationID, Question: query, Routing: types.RoutingDirectExecute,
			CreatedAt: now, LastUpdated: now,
		}); err != nil {
			return fmt.Errorf("persist direct_execute conversation: %w", err)
		}

	default: // consensus
		consensusProfile := toConsensusProfile(a.profile())

		p := consensus.New(conversationID, a.store, a.router, a.bus, a.cfg.Pipeline)
		metrics, err := p.Run(ctx, query, result.Framework, consensusProfile)
		if err != nil {
			logger.Warn("consensus run failed", zap.String("conversation_id", conversationID), zap.Error(err))
			return fmt.Errorf("consensus run: %w", err)
		}
		totalTokens = metrics.TotalTokens
		totalCost = metrics.TotalCost
		logger.Info("consensus run complete",
			zap.String("conversation_id", conversationID),
			zap.String("consensus_type", string(metrics.ConsensusType)),
			zap.Int("total_tokens", totalTokens),
			zap.Float64("total_cost", totalCost))

		truth, err := a.store.GetCuratorTruth(conversationID)
		if err != nil {
			return fmt.Errorf("load curator truth: %w", err)
		}
		plan, err = planner.Parse(truth.CuratorOutput, a.cfg.Execution)
		if err != nil {
			fmt.Println(truth.CuratorOutput)
			return fmt.Errorf("parse curator plan: %w", err)
		}
	}

	eng := executor.New(a.workspace, a.cfg.Execution, a.bus)
	requiresApproval, err := eng.Gate(plan)
	if err != nil {
		return fmt.Errorf("safety gate: %w", err)
	}

	// Capture on-disk content at preview time so Apply can detect a race
	// against this same window (spec.md's PreviewConflict contract).
	expectedOld := captureExpectedOld(a.workspace, plan)

	diffs, err := eng.Preview(plan)
	if err != nil {
		return fmt.Errorf("preview: %w", err)
	}
	for _, d := range diffs {
		fmt.Println(d.Render())
	}

	if requiresApproval && !autoApprove {
		if !confirm(fmt.Sprintf("apply this %s-safety plan?", plan.SafetyLevel)) {
			fmt.Println("aborted, nothing applied")
			return nil
		}
	}

	report, err := eng.Apply(ctx, plan, expectedOld)
	if err != nil {
		logger.Warn("apply failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return fmt.Errorf("apply: %w", err)
	}
	for _, r := range report.Results {
		fmt.Printf("step %d (%s %s): %s\n", r.Step, r.Action, r.Path, r.Status)
	}
	logger.Info("apply complete", zap.String("conversation_id", conversationID), zap.Int("steps", len(report.Results)))

	postReq := quota.PostConversationRequest{
		ConversationToken: quotaResp.ConversationToken,
		TokensIn:          totalTokens / 2,
		TokensOut:         totalTokens - totalTokens/2,
		Cost:              totalCost,
	}
	if err := a.quota.PostConversation(ctx, postReq); err != nil {
		fmt.Fprintln(os.Stderr, "warning: post-conversation callback failed:", err)
	}

	return nil
}

// captureExpectedOld reads the current content of every file a plan
// mutates, keyed by the operation's declared path, immediately before
// Preview diffs against the same content.
func captureExpectedOld(ws string, plan types.ExecutionPlan) map[string]string {
	expected := make(map[string]string)
	for _, op := range plan.Operations {
		switch op.Action {
		case types.ActionCreateFile, types.ActionUpdateFile, types.ActionDeleteFile:
			full := op.Path
			if !filepath.IsAbs(full) {
				full = filepath.Join(ws, op.Path)
			}
			content, err := os.ReadFile(full)
			if err == nil {
				expected[op.Path] = string(content)
			}
		}
	}
	return expected
}

func toConsensusProfile(p config.Profile) types.ConsensusProfile {
	return types.ConsensusProfile{
		Stages: map[types.StageName]types.StageProfile{
			types.StageGenerator: {Model: p.Generator.Model, Temperature: p.Generator.Temperature},
			types.StageRefiner:   {Model: p.Refiner.Model, Temperature: p.Refiner.Temperature},
			types.StageValidator: {Model: p.Validator.Model, Temperature: p.Validator.Temperature},
			types.StageCurator:   {Model: p.Curator.Model, Temperature: p.Curator.Temperature},
		},
	}
}

var (
	reCreateFile = regexp.MustCompile(`(?i)create\s+(?:a\s+)?file\s+(\S+)\s+(?:containing|with)\s+['"]?(.*?)['"]?$`)
	reDeleteFile = regexp.MustCompile(`(?i)delete\s+(?:file\s+)?(\S+)`)
	reRenameFile = regexp.MustCompile(`(?i)rename\s+(\S+)\s+to\s+(\S+)`)
)

// planDirectExecute turns a simple-operation query into a one-step
// ExecutionPlan (two steps, create then delete, for a rename) without
// involving the consensus pipeline, per spec.md's
// direct-execute edge case: "create a file hello.txt containing 'hi'"
// previews then creates with no StageOutputs written.
func planDirectExecute(query string) (types.ExecutionPlan, error) {
	if m := reCreateFile.FindStringSubmatch(query); m != nil {
		return types.ExecutionPlan{
			Overview: "direct_execute: " + query,
			Operations: []types.Operation{
				{Step: 1, Action: types.ActionCreateFile, Path: m[1], Content: m[2]},
			},
		}, nil
	}
	if m := reRenameFile.FindStringSubmatch(query); m != nil {
		content, err := os.ReadFile(m[1])
		if err != nil {
			return types.ExecutionPlan{}, fmt.Errorf("read %s: %w", m[1], err)
		}
		return types.ExecutionPlan{
			Overview: "direct_execute: " + query,
			Operations: []types.Operation{
				{Step: 1, Action: types.ActionCreateFile, Path: m[2], Content: string(content)},
				{Step: 2, Action: types.ActionDeleteFile, Path: m[1]},
			},
		}, nil
	}
	if m := reDeleteFile.FindStringSubmatch(query); m != nil {
		return types.ExecutionPlan{
			Overview: "direct_execute: " + query,
			Operations: []types.Operation{
				{Step: 1, Action: types.ActionDeleteFile, Path: m[1]},
			},
		}, nil
	}
	return types.ExecutionPlan{}, fmt.Errorf("no direct-execute pattern matched query: %q", query)
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	input, _ := reader.ReadString('\n')
	input = strings.ToLower(strings.TrimSpace(input))
	return input == "y" || input == "yes"
}
