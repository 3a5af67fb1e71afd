// Package executor implements the Execution Engine (C7): the safety gate,
// diff-based preview, atomic apply with an undo log, test-operation
// verification, and final report for an ExecutionPlan.
//
// File operations (create/update/delete) are adapted from the teacher's
// internal/tools/core/file_ops.go (os.ReadFile/os.WriteFile/os.Remove,
// os.MkdirAll for parent directories), generalized into an atomic
// write-temp-then-rename swap with an inverse recorded for undo.
// run_command/test dispatch is adapted from internal/tools/shell/execute.go
// executeRunCommand: exec.CommandContext(ctx, "sh", "-c", command), a
// bytes.Buffer for combined stdout/stderr, and an allowlist check this
// package adds on top (the teacher's shell tool trusts its caller; this
// domain's Curator-authored plans are untrusted input that must pass
// config.ExecutionConfig.AllowedBinaries first).
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hive/internal/config"
	"hive/internal/diff"
	"hive/internal/errs"
	"hive/internal/eventbus"
	"hive/internal/logging"
	"hive/internal/types"
)

// undoStep is the inverse of one applied Operation, replayed in LIFO order.
type undoStep struct {
	path       string
	hadContent bool   // true if path existed before the operation
	content    []byte // pre-operation content, only meaningful if hadContent
	wasCreate  bool   // operation created a file that didn't exist before
}

// Engine applies ExecutionPlans against a single workspace, serialised by a
// global mutex: no two plans apply concurrently in one workspace, per
// spec.md §5's shared-resource policy.
type Engine struct {
	mu        sync.Mutex
	cfg       config.ExecutionConfig
	diffs     *diff.Engine
	bus       *eventbus.Bus
	workspace string
}

// New constructs an Execution Engine rooted at workspace.
func New(workspace string, cfg config.ExecutionConfig, bus *eventbus.Bus) *Engine {
	return &Engine{cfg: cfg, diffs: diff.NewEngine(), bus: bus, workspace: workspace}
}

// Gate checks plan.SafetyLevel against e.cfg's auto-accept policy. A high
// plan always requires explicit approval; a low plan may auto-apply only
// when cfg.AutoAcceptLow is set; medium always previews first.
func (e *Engine) Gate(plan types.ExecutionPlan) (requiresApproval bool, err error) {
	switch plan.SafetyLevel {
	case types.SafetyHigh:
		return true, nil
	case types.SafetyMedium:
		return true, nil
	case types.SafetyLow:
		return !e.cfg.AutoAcceptLow, nil
	default:
		return false, errs.New(errs.KindPolicyDenied, "unknown safety_level: "+string(plan.SafetyLevel))
	}
}

// Preview computes a diff for every file-mutating operation against live
// on-disk content, without writing anything, and emits ExecutionPreview.
func (e *Engine) Preview(plan types.ExecutionPlan) ([]*diff.FileDiff, error) {
	var diffs []*diff.FileDiff
	for _, op := range plan.Operations {
		switch op.Action {
		case types.ActionCreateFile, types.ActionUpdateFile, types.ActionDeleteFile:
			full := e.resolve(op.Path)
			old, _ := os.ReadFile(full) // absent file reads as empty old content

			newContent := op.Content
			if op.Action == types.ActionUpdateFile {
				newContent = applyChanges(string(old), op.Changes)
			}
			if op.Action == types.ActionDeleteFile {
				newContent = ""
			}

			fd := e.diffs.ComputeDiff(op.Path, op.Path, string(old), newContent)
			diffs = append(diffs, fd)

			e.bus.Emit(eventbus.KindExecutionPreview, eventbus.ExecutionPreviewPayload{
				PlanOverview: plan.Overview, SafetyLevel: string(plan.SafetyLevel), DiffSummary: fd.Summary(),
			})
		}
	}
	return diffs, nil
}

// Apply applies plan's operations in declared order, each within an atomic
// per-file swap (write temp + rename), recording an inverse for each in a
// LIFO undo log. A PreviewConflict is raised if a file-mutating operation's
// live content no longer matches what was captured in expectedOld (the
// content Preview computed the diff against); callers must re-preview.
func (e *Engine) Apply(ctx context.Context, plan types.ExecutionPlan, expectedOld map[string]string) (types.ExecutionReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := types.ExecutionReport{PlanOverview: plan.Overview, StartedAt: time.Now()}
	var undoLog []undoStep

	rollback := func() {
		for i := len(undoLog) - 1; i >= 0; i-- {
			if err := e.undoOne(undoLog[i]); err != nil {
				logging.Get(logging.CategoryExecutor).Error("undo failed for %s: %v", undoLog[i].path, err)
			}
		}
	}

	for _, op := range plan.Operations {
		result := types.OperationResult{Step: op.Step, Action: op.Action, Path: op.Path}

		switch op.Action {
		case types.ActionCreateFile, types.ActionUpdateFile, types.ActionDeleteFile:
			full := e.resolve(op.Path)
			if want, ok := expectedOld[op.Path]; ok {
				current, _ := os.ReadFile(full)
				if string(current) != want {
					rollback()
					return report, errs.New(errs.KindPreviewConflict, "live content changed since preview: "+op.Path)
				}
			}

			step, skipped, err := e.applyFileOp(full, op)
			if err != nil {
				result.Status = types.OpStatusFailed
				result.Error = err.Error()
				report.Results = append(report.Results, result)
				rollback()
				return report, errs.Wrap(errs.KindApplyFailed, "apply failed at step "+fmt.Sprint(op.Step), err)
			}
			if skipped {
				result.Status = types.OpStatusSkipped
			} else {
				undoLog = append(undoLog, step)
				result.Status = types.OpStatusApplied
				result.Diff = e.diffs.ComputeDiff(op.Path, op.Path, "", "").Summary()
			}

		case types.ActionRunCommand:
			output, err := e.runCommand(ctx, op.Command)
			if err != nil {
				result.Status = types.OpStatusFailed
				result.Error = err.Error()
				report.Results = append(report.Results, result)
				rollback()
				return report, errs.Wrap(errs.KindApplyFailed, "run_command failed at step "+fmt.Sprint(op.Step), err)
			}
			result.Status = types.OpStatusApplied
			result.Diff = output

		case types.ActionTest:
			output, err := e.runCommand(ctx, op.Command)
			if err != nil {
				result.Status = types.OpStatusFailed
				result.Error = err.Error()
				report.Results = append(report.Results, result)
				rollback()
				for i := range report.Results {
					if report.Results[i].Status == types.OpStatusApplied {
						report.Results[i].Status = types.OpStatusUndone
					}
				}
				report.FinishedAt = time.Now()
				e.emitReport(report)
				return report, errs.Wrap(errs.KindVerifyFailed, "test operation failed at step "+fmt.Sprint(op.Step), err)
			}
			result.Status = types.OpStatusApplied
			result.Diff = output
		}

		report.Results = append(report.Results, result)
	}

	report.FinishedAt = time.Now()
	e.emitReport(report)
	return report, nil
}

func (e *Engine) emitReport(report types.ExecutionReport) {
	applied, skipped, failed, undone := 0, 0, 0, 0
	for _, r := range report.Results {
		switch r.Status {
		case types.OpStatusApplied:
			applied++
		case types.OpStatusSkipped:
			skipped++
		case types.OpStatusFailed:
			failed++
		case types.OpStatusUndone:
			undone++
		}
	}
	e.bus.Emit(eventbus.KindExecutionReport, eventbus.ExecutionReportPayload{
		PlanOverview: report.PlanOverview, Applied: applied, Skipped: skipped, Failed: failed, Undone: undone,
	})
}

// applyFileOp performs one file-mutating operation and reports whether it
// was a no-op against already-satisfied state: deleting an already-absent
// file, or creating/updating a file whose content already matches the
// target. Both report skipped=true rather than an error, per the plan's
// idempotence contract.
func (e *Engine) applyFileOp(full string, op types.Operation) (step undoStep, skipped bool, err error) {
	before, readErr := os.ReadFile(full)
	existed := readErr == nil
	step = undoStep{path: full, hadContent: existed, content: before, wasCreate: !existed}

	switch op.Action {
	case types.ActionDeleteFile:
		if !existed {
			return step, true, nil
		}
		if err := os.Remove(full); err != nil {
			if os.IsNotExist(err) {
				return step, true, nil
			}
			return step, false, err
		}
		return step, false, nil

	case types.ActionCreateFile, types.ActionUpdateFile:
		content := op.Content
		if op.Action == types.ActionUpdateFile {
			content = applyChanges(string(before), op.Changes)
		}
		if existed && string(before) == content {
			return step, true, nil
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return step, false, errs.Wrap(errs.KindApplyFailed, "create parent directories", err)
		}
		if err := atomicWrite(full, []byte(content)); err != nil {
			return step, false, err
		}
		return step, false, nil
	}
	return step, false, errs.New(errs.KindApplyFailed, "unsupported operation action: "+string(op.Action))
}

// atomicWrite writes content via a temp file in the same directory followed
// by an atomic rename, so a crash mid-write never leaves a partial file at
// the final path.
func atomicWrite(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".hive-tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindApplyFailed, "create temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindApplyFailed, "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindApplyFailed, "close temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindApplyFailed, "rename temp file into place", err)
	}
	return nil
}

func (e *Engine) undoOne(step undoStep) error {
	if step.wasCreate {
		return os.Remove(step.path)
	}
	if step.hadContent {
		return atomicWrite(step.path, step.content)
	}
	return nil
}

func (e *Engine) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workspace, path)
}

func applyChanges(content string, changes []types.FindReplace) string {
	for _, c := range changes {
		content = strings.Replace(content, c.Find, c.Replace, 1)
	}
	return content
}

// runCommand dispatches a run_command/test operation through an allowlisted
// shell invocation, combining stdout/stderr the way the teacher's
// executeRunCommand does.
func (e *Engine) runCommand(ctx context.Context, command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", errs.New(errs.KindPolicyDenied, "empty command")
	}
	if !e.binaryAllowed(fields[0]) {
		return "", errs.New(errs.KindPolicyDenied, "binary not in allowlist: "+fields[0])
	}

	timeout := e.cfg.GetTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = e.workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > 50000 {
		output = output[:50000] + "\n...[truncated]"
	}

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return output, errs.New(errs.KindVerifyFailed, fmt.Sprintf("command timed out after %s: %s", timeout, command))
		}
		return output, errs.Wrap(errs.KindVerifyFailed, "command failed: "+command, err)
	}
	return output, nil
}

func (e *Engine) binaryAllowed(binary string) bool {
	for _, allowed := range e.cfg.AllowedBinaries {
		if binary == allowed {
			return true
		}
	}
	return false
}
