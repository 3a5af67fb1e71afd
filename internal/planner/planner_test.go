package planner

import (
	"strings"
	"testing"

	"hive/internal/config"
	"hive/internal/errs"
	"hive/internal/types"
)

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		AllowedBinaries:     []string{"go", "git"},
		AllowedPathPrefixes: []string{"internal/", "cmd/"},
	}
}

func TestParseExtractsLastFencedBlock(t *testing.T) {
	text := "here is a stray block\n```yaml\noverview: wrong one\noperations:\n  - step: 1\n    action: test\n```\n" +
		"final answer:\n```yaml\n" +
		"overview: add a helper function\n" +
		"operations:\n" +
		"  - step: 1\n" +
		"    action: create_file\n" +
		"    path: internal/foo/helper.go\n" +
		"    content: \"package foo\"\n" +
		"```\n"

	plan, err := Parse(text, testExecConfig())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if plan.Overview != "add a helper function" {
		t.Fatalf("expected the last fenced block to win, got overview %q", plan.Overview)
	}
	if len(plan.Operations) != 1 || plan.Operations[0].Action != types.ActionCreateFile {
		t.Fatalf("unexpected operations: %+v", plan.Operations)
	}
}

func TestParseRejectsMissingFencedBlock(t *testing.T) {
	_, err := Parse("no plan here, just prose", testExecConfig())
	if !errs.Is(err, errs.KindPlanParseError) {
		t.Fatalf("expected KindPlanParseError, got %v", err)
	}
}

func TestParseRejectsUnknownAction(t *testing.T) {
	text := "```yaml\noverview: x\noperations:\n  - step: 1\n    action: format_disk\n```"
	_, err := Parse(text, testExecConfig())
	if !errs.Is(err, errs.KindPlanParseError) {
		t.Fatalf("expected KindPlanParseError for unknown action, got %v", err)
	}
}

func TestParseRejectsNonContiguousSteps(t *testing.T) {
	text := "```yaml\noverview: x\noperations:\n" +
		"  - step: 1\n    action: create_file\n    path: internal/a.go\n    content: a\n" +
		"  - step: 2\n    action: create_file\n    path: internal/b.go\n    content: b\n" +
		"  - step: 4\n    action: create_file\n    path: internal/c.go\n    content: c\n" +
		"```"
	_, err := Parse(text, testExecConfig())
	if !errs.Is(err, errs.KindPlanParseError) {
		t.Fatalf("expected KindPlanParseError for non-contiguous steps, got %v", err)
	}
}

func TestClassifyHighForDeleteFile(t *testing.T) {
	plan := types.ExecutionPlan{Operations: []types.Operation{
		{Step: 1, Action: types.ActionDeleteFile, Path: "internal/foo.go"},
	}}
	if got := classify(plan, testExecConfig()); got != types.SafetyHigh {
		t.Fatalf("expected high, got %s", got)
	}
}

func TestClassifyHighForDisallowedCommand(t *testing.T) {
	plan := types.ExecutionPlan{Operations: []types.Operation{
		{Step: 1, Action: types.ActionRunCommand, Command: "rm -rf /"},
	}}
	if got := classify(plan, testExecConfig()); got != types.SafetyHigh {
		t.Fatalf("expected high, got %s", got)
	}
}

func TestClassifyHighForPathOutsideAllowedPrefixes(t *testing.T) {
	plan := types.ExecutionPlan{Operations: []types.Operation{
		{Step: 1, Action: types.ActionCreateFile, Path: "/etc/passwd"},
	}}
	if got := classify(plan, testExecConfig()); got != types.SafetyHigh {
		t.Fatalf("expected high, got %s", got)
	}
}

func TestClassifyMediumForMultiFileMutation(t *testing.T) {
	plan := types.ExecutionPlan{Operations: []types.Operation{
		{Step: 1, Action: types.ActionCreateFile, Path: "internal/a.go"},
		{Step: 2, Action: types.ActionUpdateFile, Path: "internal/b.go"},
	}}
	if got := classify(plan, testExecConfig()); got != types.SafetyMedium {
		t.Fatalf("expected medium, got %s", got)
	}
}

func TestClassifyLowForSingleAllowedFile(t *testing.T) {
	plan := types.ExecutionPlan{Operations: []types.Operation{
		{Step: 1, Action: types.ActionCreateFile, Path: "internal/a.go"},
	}}
	if got := classify(plan, testExecConfig()); got != types.SafetyLow {
		t.Fatalf("expected low, got %s", got)
	}
}

func TestAllowedCommandChecksFirstField(t *testing.T) {
	if !allowedCommand("go test ./...", []string{"go", "git"}) {
		t.Fatalf("expected go to be allowed")
	}
	if allowedCommand("curl http://evil", []string{"go", "git"}) {
		t.Fatalf("expected curl to be disallowed")
	}
}

func TestExtractBlockTrimsWhitespace(t *testing.T) {
	block, err := extractBlock("```yaml\n  overview: x\n```")
	if err != nil {
		t.Fatalf("extractBlock: %v", err)
	}
	if strings.TrimSpace(block) != block {
		t.Fatalf("expected already-trimmed block, got %q", block)
	}
}
