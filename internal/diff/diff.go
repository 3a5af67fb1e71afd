// Package diff computes line-level diffs for the Execution Engine's preview
// and report steps, using the sergi/go-diff library the way the teacher's
// internal/diff package does: line-granularity diffing via
// DiffLinesToChars/DiffCharsToLines to avoid character-boundary artifacts.
//
// Unlike the teacher's source-file diff viewer, which truncates context to a
// small window so large files stay readable on screen, ExecutionPlan
// operations target generated or hand-edited files the operator is about to
// approve for a live workspace: the whole change matters, not a windowed
// excerpt. ComputeDiff therefore keeps every line in a single hunk rather
// than splitting and trimming context at a fixed budget.
package diff

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// fullFileContext disables groupIntoHunks' context-window trimming so a
// plan's preview shows the entire changed file as one hunk.
const fullFileContext = math.MaxInt32

// LineType classifies one line within a Hunk.
type LineType int

const (
	LineContext LineType = iota
	LineAdded
	LineRemoved
)

// Line is a single rendered line within a Hunk.
type Line struct {
	LineNum int
	Content string
	Type    LineType
}

// Hunk groups a run of changed lines with surrounding context.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// FileDiff is the computed diff between a file's old and new content.
type FileDiff struct {
	OldPath  string
	NewPath  string
	Hunks    []Hunk
	IsNew    bool
	IsDelete bool
}

// Added reports the number of added lines across all hunks.
func (f *FileDiff) Added() int {
	n := 0
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			if l.Type == LineAdded {
				n++
			}
		}
	}
	return n
}

// Removed reports the number of removed lines across all hunks.
func (f *FileDiff) Removed() int {
	n := 0
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			if l.Type == LineRemoved {
				n++
			}
		}
	}
	return n
}

// Render produces a unified-diff-style string suitable for an
// ExecutionPreview event or CLI display.
func (f *FileDiff) Render() string {
	var sb strings.Builder
	switch {
	case f.IsNew:
		fmt.Fprintf(&sb, "+++ %s (new file)\n", f.NewPath)
	case f.IsDelete:
		fmt.Fprintf(&sb, "--- %s (deleted)\n", f.OldPath)
	default:
		fmt.Fprintf(&sb, "--- %s\n+++ %s\n", f.OldPath, f.NewPath)
	}
	for _, h := range f.Hunks {
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdded:
				sb.WriteString("+" + l.Content + "\n")
			case LineRemoved:
				sb.WriteString("-" + l.Content + "\n")
			default:
				sb.WriteString(" " + l.Content + "\n")
			}
		}
	}
	return sb.String()
}

// Engine computes diffs with memoization across identical input pairs,
// useful when the same plan's preview is rendered more than once.
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	cache sync.Map
}

type cacheKey struct {
	oldHash uint64
	newHash uint64
}

// NewEngine creates a diff Engine with accuracy preferred over speed: the
// underlying dmp timeout is disabled since plan previews are small files.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return &Engine{dmp: dmp}
}

// DefaultEngine is a shared Engine for callers that don't need their own cache.
var DefaultEngine = NewEngine()

// ComputeDiff diffs oldContent against newContent at line granularity.
func (e *Engine) ComputeDiff(oldPath, newPath, oldContent, newContent string) *FileDiff {
	fd := &FileDiff{OldPath: oldPath, NewPath: newPath}
	if oldContent == "" {
		fd.IsNew = true
	}
	if newContent == "" {
		fd.IsDelete = true
	}

	key := cacheKey{hash(oldContent), hash(newContent)}
	if cached, ok := e.cache.Load(key); ok {
		if cd, ok := cached.(*FileDiff); ok {
			result := *cd
			result.OldPath = oldPath
			result.NewPath = newPath
			return &result
		}
	}

	a, b, lineArray := e.dmp.DiffLinesToChars(oldContent, newContent)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	fd.Hunks = e.convertToHunks(diffs, fullFileContext)
	e.cache.Store(key, fd)
	return fd
}

// ComputeDiff diffs using the package-level DefaultEngine.
func ComputeDiff(oldPath, newPath, oldContent, newContent string) *FileDiff {
	return DefaultEngine.ComputeDiff(oldPath, newPath, oldContent, newContent)
}

type lineOp struct {
	typ     LineType
	oldLine int
	newLine int
	content string
}

func (e *Engine) convertToHunks(diffs []diffmatchpatch.Diff, contextLines int) []Hunk {
	ops := e.diffsToOps(diffs)
	if len(ops) == 0 {
		return nil
	}
	return e.groupIntoHunks(ops, contextLines)
}

func (e *Engine) diffsToOps(diffs []diffmatchpatch.Diff) []lineOp {
	ops := make([]lineOp, 0)
	oldLine, newLine := 0, 0

	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		for _, line := range lines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, lineOp{LineContext, oldLine, newLine, line})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, lineOp{LineRemoved, oldLine, -1, line})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, lineOp{LineAdded, -1, newLine, line})
				newLine++
			}
		}
	}
	return ops
}

func (e *Engine) groupIntoHunks(ops []lineOp, contextLines int) []Hunk {
	hunks := make([]Hunk, 0)
	var current *Hunk
	lastChangeIdx := -1

	for i, op := range ops {
		isChange := op.typ != LineContext
		if isChange {
			if current == nil {
				current = &Hunk{}
				start := i - contextLines
				if start < 0 {
					start = 0
				}
				for j := start; j < i; j++ {
					if ops[j].typ == LineContext {
						current.Lines = append(current.Lines, Line{ops[j].oldLine + 1, ops[j].content, LineContext})
					}
				}
				current.OldStart = ops[start].oldLine + 1
				current.NewStart = ops[start].newLine + 1
				if ops[start].oldLine < 0 {
					current.OldStart = 0
				}
				if ops[start].newLine < 0 {
					current.NewStart = 0
				}
			}
			lastChangeIdx = i
		}

		if current != nil {
			lineNum := op.oldLine + 1
			if op.typ == LineAdded {
				lineNum = op.newLine + 1
			}
			current.Lines = append(current.Lines, Line{lineNum, op.content, op.typ})

			if op.typ == LineContext && i-lastChangeIdx > contextLines {
				trimTo := len(current.Lines) - (i - lastChangeIdx - contextLines)
				if trimTo > 0 && trimTo < len(current.Lines) {
					current.Lines = current.Lines[:trimTo]
				}
				computeHunkCounts(current)
				hunks = append(hunks, *current)
				current = nil
			}
		}
	}

	if current != nil && len(current.Lines) > 0 {
		computeHunkCounts(current)
		hunks = append(hunks, *current)
	}
	return hunks
}

func computeHunkCounts(h *Hunk) {
	for _, l := range h.Lines {
		if l.Type == LineRemoved || l.Type == LineContext {
			h.OldCount++
		}
		if l.Type == LineAdded || l.Type == LineContext {
			h.NewCount++
		}
	}
}

// hash is FNV-1a; offset64/prime64 are the algorithm's defined constants,
// not a tunable choice, so any FNV-1a implementation uses the same values.
func hash(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// Summary renders a one-line "+N -M" change count, used in ExecutionPreview
// events where the full unified diff would be too verbose.
func (f *FileDiff) Summary() string {
	return "+" + strconv.Itoa(f.Added()) + " -" + strconv.Itoa(f.Removed())
}
