package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"hive/internal/config"
	"hive/internal/types"
)

func testProfileFixture() (config.Profile, bool) {
	return config.Profile{
		Generator: config.StageSetting{Model: "gen-model", Temperature: 0.7},
		Refiner:   config.StageSetting{Model: "ref-model", Temperature: 0.5},
		Validator: config.StageSetting{Model: "val-model", Temperature: 0.3},
		Curator:   config.StageSetting{Model: "cur-model", Temperature: 0.4},
	}, true
}

func TestRunInitCmdCreatesConfigAndStore(t *testing.T) {
	ws := t.TempDir()
	workspace = ws
	configPath = filepath.Join(ws, "hive.yaml")
	os.Setenv("HIVE_DB", filepath.Join(ws, "hive.db"))
	defer func() { workspace = ""; configPath = ""; os.Unsetenv("HIVE_DB") }()

	cmd := &cobra.Command{}
	if err := runInitCmd(cmd, nil); err != nil {
		t.Fatalf("runInitCmd: %v", err)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}

	// Running again without --force should not error and should not
	// overwrite the config.
	forceInit = false
	if err := runInitCmd(cmd, nil); err != nil {
		t.Fatalf("second runInitCmd: %v", err)
	}
}

func TestPlanDirectExecuteCreateFile(t *testing.T) {
	plan, err := planDirectExecute(`create a file hello.txt containing 'hi there'`)
	if err != nil {
		t.Fatalf("planDirectExecute: %v", err)
	}
	if len(plan.Operations) != 1 || plan.Operations[0].Action != types.ActionCreateFile {
		t.Fatalf("unexpected operations: %+v", plan.Operations)
	}
	if plan.Operations[0].Path != "hello.txt" || plan.Operations[0].Content != "hi there" {
		t.Fatalf("unexpected operation: %+v", plan.Operations[0])
	}
}

func TestPlanDirectExecuteDeleteFile(t *testing.T) {
	plan, err := planDirectExecute("delete file temp/scratch.txt")
	if err != nil {
		t.Fatalf("planDirectExecute: %v", err)
	}
	if len(plan.Operations) != 1 || plan.Operations[0].Action != types.ActionDeleteFile {
		t.Fatalf("unexpected operations: %+v", plan.Operations)
	}
}

func TestPlanDirectExecuteRenameFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "old.txt")
	if err := os.WriteFile(src, []byte("body"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	plan, err := planDirectExecute("rename " + src + " to " + filepath.Join(dir, "new.txt"))
	if err != nil {
		t.Fatalf("planDirectExecute: %v", err)
	}
	if len(plan.Operations) != 2 {
		t.Fatalf("expected create+delete pair, got %+v", plan.Operations)
	}
	if plan.Operations[0].Action != types.ActionCreateFile || plan.Operations[0].Content != "body" {
		t.Fatalf("unexpected create step: %+v", plan.Operations[0])
	}
	if plan.Operations[1].Action != types.ActionDeleteFile {
		t.Fatalf("unexpected delete step: %+v", plan.Operations[1])
	}
}

func TestPlanDirectExecuteRejectsUnmatchedQuery(t *testing.T) {
	if _, err := planDirectExecute("what is the capital of France"); err == nil {
		t.Fatalf("expected an error for a non-direct-execute query")
	}
}

func TestToConsensusProfileMapsAllStages(t *testing.T) {
	profileCfg, ok := testProfileFixture()
	if !ok {
		t.Fatal("fixture setup failed")
	}
	p := toConsensusProfile(profileCfg)
	if p.ModelFor(types.StageGenerator) != "gen-model" || p.ModelFor(types.StageCurator) != "cur-model" {
		t.Fatalf("unexpected profile mapping: %+v", p)
	}
}
