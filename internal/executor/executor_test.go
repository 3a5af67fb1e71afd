package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"hive/internal/config"
	"hive/internal/errs"
	"hive/internal/eventbus"
	"hive/internal/types"
)

func testConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		AllowedBinaries: []string{"sh", "true", "false"},
		DefaultTimeout:  "5s",
	}
}

func TestGateRequiresApprovalForHighAndMedium(t *testing.T) {
	e := New(t.TempDir(), testConfig(), eventbus.New(16))

	approval, err := e.Gate(types.ExecutionPlan{SafetyLevel: types.SafetyHigh})
	if err != nil || !approval {
		t.Fatalf("expected high to require approval, got approval=%v err=%v", approval, err)
	}

	approval, err = e.Gate(types.ExecutionPlan{SafetyLevel: types.SafetyMedium})
	if err != nil || !approval {
		t.Fatalf("expected medium to require approval, got approval=%v err=%v", approval, err)
	}
}

func TestGateLowAutoAcceptsOnlyWhenConfigured(t *testing.T) {
	e := New(t.TempDir(), testConfig(), eventbus.New(16))
	approval, err := e.Gate(types.ExecutionPlan{SafetyLevel: types.SafetyLow})
	if err != nil || !approval {
		t.Fatalf("expected low to require approval without auto_accept_low, got approval=%v err=%v", approval, err)
	}

	cfg := testConfig()
	cfg.AutoAcceptLow = true
	e2 := New(t.TempDir(), cfg, eventbus.New(16))
	approval, err = e2.Gate(types.ExecutionPlan{SafetyLevel: types.SafetyLow})
	if err != nil || approval {
		t.Fatalf("expected low to auto-accept with auto_accept_low, got approval=%v err=%v", approval, err)
	}
}

func TestApplyCreatesFileAtomically(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, testConfig(), eventbus.New(16))

	plan := types.ExecutionPlan{Overview: "add a file", Operations: []types.Operation{
		{Step: 1, Action: types.ActionCreateFile, Path: "hello.txt", Content: "hi there"},
	}}

	report, err := e.Apply(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].Status != types.OpStatusApplied {
		t.Fatalf("unexpected results: %+v", report.Results)
	}

	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
	if string(data) != "hi there" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestApplyDetectsPreviewConflict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "existing.txt")
	if err := os.WriteFile(path, []byte("original"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	// Simulate the file changing on disk after Preview captured "original".
	if err := os.WriteFile(path, []byte("changed externally"), 0644); err != nil {
		t.Fatalf("mutate file: %v", err)
	}

	e := New(dir, testConfig(), eventbus.New(16))
	plan := types.ExecutionPlan{Operations: []types.Operation{
		{Step: 1, Action: types.ActionUpdateFile, Path: "existing.txt", Changes: []types.FindReplace{{Find: "original", Replace: "updated"}}},
	}}

	_, err := e.Apply(context.Background(), plan, map[string]string{"existing.txt": "original"})
	if !errs.Is(err, errs.KindPreviewConflict) {
		t.Fatalf("expected KindPreviewConflict, got %v", err)
	}
}

func TestApplyRollsBackOnFailedStep(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, testConfig(), eventbus.New(16))

	plan := types.ExecutionPlan{Operations: []types.Operation{
		{Step: 1, Action: types.ActionCreateFile, Path: "a.txt", Content: "a"},
		{Step: 2, Action: types.ActionRunCommand, Command: "this-binary-does-not-exist-xyz arg"},
	}}

	_, err := e.Apply(context.Background(), plan, nil)
	if !errs.Is(err, errs.KindApplyFailed) {
		t.Fatalf("expected KindApplyFailed, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "a.txt")); !os.IsNotExist(statErr) {
		t.Fatalf("expected a.txt to be rolled back (removed), stat err=%v", statErr)
	}
}

func TestApplyRunsAllowlistedCommand(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, testConfig(), eventbus.New(16))

	plan := types.ExecutionPlan{Operations: []types.Operation{
		{Step: 1, Action: types.ActionRunCommand, Command: "true"},
	}}
	report, err := e.Apply(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if report.Results[0].Status != types.OpStatusApplied {
		t.Fatalf("expected applied, got %+v", report.Results[0])
	}
}

func TestApplyDeniesDisallowedBinary(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, testConfig(), eventbus.New(16))

	plan := types.ExecutionPlan{Operations: []types.Operation{
		{Step: 1, Action: types.ActionRunCommand, Command: "curl http://example.com"},
	}}
	_, err := e.Apply(context.Background(), plan, nil)
	if err == nil {
		t.Fatalf("expected an error for a disallowed binary")
	}
}

func TestApplyUndoesOnFailedTestVerification(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, testConfig(), eventbus.New(16))

	plan := types.ExecutionPlan{Operations: []types.Operation{
		{Step: 1, Action: types.ActionCreateFile, Path: "b.txt", Content: "b"},
		{Step: 2, Action: types.ActionTest, Command: "false"},
	}}
	report, err := e.Apply(context.Background(), plan, nil)
	if !errs.Is(err, errs.KindVerifyFailed) {
		t.Fatalf("expected KindVerifyFailed, got %v", err)
	}
	if report.Results[0].Status != types.OpStatusUndone {
		t.Fatalf("expected step 1 to be marked undone, got %+v", report.Results[0])
	}
	if _, statErr := os.Stat(filepath.Join(dir, "b.txt")); !os.IsNotExist(statErr) {
		t.Fatalf("expected b.txt to be rolled back, stat err=%v", statErr)
	}
}

func TestApplyDeleteOfAlreadyAbsentFileIsSkippedNotFailed(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, testConfig(), eventbus.New(16))

	plan := types.ExecutionPlan{Operations: []types.Operation{
		{Step: 1, Action: types.ActionDeleteFile, Path: "gone.txt"},
	}}
	report, err := e.Apply(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].Status != types.OpStatusSkipped {
		t.Fatalf("expected skipped no-op, got %+v", report.Results)
	}
}

func TestApplyCreateOfAlreadySatisfiedContentIsSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "existing.txt")
	if err := os.WriteFile(path, []byte("hi there"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	e := New(dir, testConfig(), eventbus.New(16))
	plan := types.ExecutionPlan{Operations: []types.Operation{
		{Step: 1, Action: types.ActionCreateFile, Path: "existing.txt", Content: "hi there"},
	}}
	report, err := e.Apply(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].Status != types.OpStatusSkipped {
		t.Fatalf("expected skipped no-op, got %+v", report.Results)
	}
}

func TestPreviewComputesDiffWithoutWriting(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, testConfig(), eventbus.New(16))

	plan := types.ExecutionPlan{Operations: []types.Operation{
		{Step: 1, Action: types.ActionCreateFile, Path: "new.txt", Content: "line one\nline two\n"},
	}}
	diffs, err := e.Preview(plan)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(diffs) != 1 || diffs[0].Added() == 0 {
		t.Fatalf("expected a computed diff with added lines, got %+v", diffs)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "new.txt")); !os.IsNotExist(statErr) {
		t.Fatalf("expected Preview to never write to disk")
	}
}
