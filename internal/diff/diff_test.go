package diff

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestComputeDiffDetectsNewFile(t *testing.T) {
	fd := ComputeDiff("a.go", "a.go", "", "package main\n")
	if !fd.IsNew {
		t.Fatalf("expected IsNew")
	}
	if fd.Added() == 0 {
		t.Fatalf("expected at least one added line")
	}
}

func TestComputeDiffDetectsDeletion(t *testing.T) {
	fd := ComputeDiff("a.go", "a.go", "package main\n", "")
	if !fd.IsDelete {
		t.Fatalf("expected IsDelete")
	}
}

func TestComputeDiffTracksAddedAndRemoved(t *testing.T) {
	old := "line1\nline2\nline3\n"
	new := "line1\nlineX\nline3\n"
	fd := ComputeDiff("a.txt", "a.txt", old, new)
	if fd.Added() != 1 || fd.Removed() != 1 {
		t.Fatalf("expected 1 added and 1 removed, got +%d -%d", fd.Added(), fd.Removed())
	}
}

func TestRenderIncludesHunkHeader(t *testing.T) {
	fd := ComputeDiff("a.txt", "a.txt", "one\ntwo\n", "one\nthree\n")
	out := fd.Render()
	if out == "" {
		t.Fatalf("expected non-empty render")
	}
}

func TestSummaryFormat(t *testing.T) {
	fd := ComputeDiff("a.txt", "a.txt", "one\n", "one\ntwo\n")
	summary := fd.Summary()
	if summary != "+1 -0" {
		t.Fatalf("expected +1 -0, got %q", summary)
	}
}

func TestComputeDiffHunkShapeForSingleLineChange(t *testing.T) {
	fd := ComputeDiff("a.txt", "a.txt", "one\ntwo\nthree\n", "one\nTWO\nthree\n")
	want := []Line{
		{LineNum: 2, Content: "two", Type: LineRemoved},
		{LineNum: 2, Content: "TWO", Type: LineAdded},
	}
	var got []Line
	for _, h := range fd.Hunks {
		for _, l := range h.Lines {
			if l.Type != LineContext {
				got = append(got, l)
			}
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected changed-line shape (-want +got):\n%s", diff)
	}
}

func TestCacheReturnsIndependentCopies(t *testing.T) {
	e := NewEngine()
	fd1 := e.ComputeDiff("a.txt", "a.txt", "x\n", "y\n")
	fd2 := e.ComputeDiff("b.txt", "b.txt", "x\n", "y\n")
	if fd1.OldPath == fd2.OldPath {
		t.Fatalf("expected distinct paths from cached diffs")
	}
}
