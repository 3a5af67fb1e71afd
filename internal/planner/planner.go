// Package planner implements the Curator Plan Parser (C6): it extracts a
// fenced YAML block from the Curator's final answer, validates it against
// the ExecutionPlan/Operation schema, and computes a safety_level for the
// Execution Engine's gate.
//
// The fenced-block extraction is grounded on the teacher's
// internal/shards/coder/response.go parseCodeResponse, which pulls a
// fenced code block out of free-form LLM text with the same
// regexp.MustCompile("```(?:\\w+)?\\n([\\s\\S]*?)```") shape, generalized
// from a JSON/code fallback chain to a single YAML block.
package planner

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"hive/internal/config"
	"hive/internal/errs"
	"hive/internal/types"
)

var fencedYAMLBlock = regexp.MustCompile("(?s)```ya?ml\\n(.*?)```")

// Parse extracts, validates, and risk-classifies an ExecutionPlan from the
// Curator's output text. Returns errs.KindPlanParseError if no fenced YAML
// block is present, the YAML doesn't parse, or an operation uses an
// unknown action.
func Parse(curatorText string, execCfg config.ExecutionConfig) (types.ExecutionPlan, error) {
	block, err := extractBlock(curatorText)
	if err != nil {
		return types.ExecutionPlan{}, err
	}

	var plan types.ExecutionPlan
	if err := yaml.Unmarshal([]byte(block), &plan); err != nil {
		return types.ExecutionPlan{}, errs.Wrap(errs.KindPlanParseError, "invalid plan yaml", err)
	}

	if err := validate(plan); err != nil {
		return types.ExecutionPlan{}, err
	}

	plan.SafetyLevel = classify(plan, execCfg)
	return plan, nil
}

func extractBlock(text string) (string, error) {
	matches := fencedYAMLBlock.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", errs.New(errs.KindPlanParseError, "no fenced yaml block found in curator output")
	}
	// The last fenced block is the final answer, mirroring the teacher's
	// "use the last code block" convention for multi-block responses.
	return strings.TrimSpace(matches[len(matches)-1][1]), nil
}

var knownActions = map[types.OperationAction]bool{
	types.ActionCreateFile: true,
	types.ActionUpdateFile: true,
	types.ActionDeleteFile: true,
	types.ActionRunCommand: true,
	types.ActionTest:       true,
}

func validate(plan types.ExecutionPlan) error {
	if len(plan.Operations) == 0 {
		return errs.New(errs.KindPlanParseError, "plan has no operations")
	}
	seen := make(map[int]bool, len(plan.Operations))
	for _, op := range plan.Operations {
		if !knownActions[op.Action] {
			return errs.New(errs.KindPlanParseError, "unknown action: "+string(op.Action))
		}
		if seen[op.Step] {
			return errs.New(errs.KindPlanParseError, "duplicate step number in plan")
		}
		seen[op.Step] = true

		switch op.Action {
		case types.ActionCreateFile, types.ActionUpdateFile, types.ActionDeleteFile:
			if op.Path == "" {
				return errs.New(errs.KindPlanParseError, "file operation missing path")
			}
		case types.ActionRunCommand:
			if op.Command == "" {
				return errs.New(errs.KindPlanParseError, "run_command operation missing command")
			}
		}
	}
	for step := 1; step <= len(plan.Operations); step++ {
		if !seen[step] {
			return errs.New(errs.KindPlanParseError, "plan steps are not contiguous from 1")
		}
	}
	return nil
}

// Classify computes plan's safety_level against execCfg, the same
// computation Parse applies to a Curator-authored plan. Exported so
// direct_execute plans (built by hand, not through Parse) get identical
// gating.
func Classify(plan types.ExecutionPlan, execCfg config.ExecutionConfig) types.SafetyLevel {
	return classify(plan, execCfg)
}

// classify computes the plan's safety_level: high for any delete_file, a
// run_command whose binary isn't in execCfg.AllowedBinaries, or a
// create_file/update_file whose path isn't under execCfg.AllowedPathPrefixes;
// medium for a plan that mutates more than one file; low otherwise.
func classify(plan types.ExecutionPlan, execCfg config.ExecutionConfig) types.SafetyLevel {
	mutatedFiles := make(map[string]bool)

	for _, op := range plan.Operations {
		switch op.Action {
		case types.ActionDeleteFile:
			return types.SafetyHigh
		case types.ActionRunCommand:
			if !allowedCommand(op.Command, execCfg.AllowedBinaries) {
				return types.SafetyHigh
			}
		case types.ActionCreateFile, types.ActionUpdateFile:
			if !allowedPath(op.Path, execCfg.AllowedPathPrefixes) {
				return types.SafetyHigh
			}
			mutatedFiles[op.Path] = true
		}
	}

	if len(mutatedFiles) > 1 {
		return types.SafetyMedium
	}
	return types.SafetyLow
}

func allowedCommand(command string, allowedBinaries []string) bool {
	if len(allowedBinaries) == 0 {
		return false
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	binary := fields[0]
	for _, allowed := range allowedBinaries {
		if binary == allowed {
			return true
		}
	}
	return false
}

func allowedPath(path string, allowedPrefixes []string) bool {
	if len(allowedPrefixes) == 0 {
		return true
	}
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
