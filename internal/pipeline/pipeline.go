// Package pipeline drives one extraction job: split the document, extract
// each page through the retry policy, aggregate page texts. Cancellation
// and failure are explicit Outcome variants checked at each stage, not
// errors threaded through the call stack.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/docuflow/extractd/internal/backend"
	"github.com/docuflow/extractd/internal/registry"
	"github.com/docuflow/extractd/internal/retry"
	"github.com/docuflow/extractd/internal/split"
)

// Status is the terminal state of one pipeline run.
type Status string

const (
	StatusDone      Status = "DONE"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// PageResult records one page's extraction for the duration of a job.
type PageResult struct {
	Index  int // 1-based, ordering significant
	Text   string
	OK     bool
	Reason string
}

// Outcome is the pipeline's result. Text is set only on StatusDone; Reason
// only on StatusCancelled/StatusFailed.
type Outcome struct {
	Status      Status
	Text        string
	Total       int
	Succeeded   int
	Failed      int
	FailedPages []int
	Reason      string
}

// Splitter yields a document's pages in order plus a cleanup func for any
// temporary artifacts.
type Splitter interface {
	Split(ctx context.Context, taskID uuid.UUID, path string) ([]split.Page, func(), error)
}

// Orchestrator coordinates splitting, per-page extraction and aggregation
// for one job at a time. Pages run sequentially, in order: parallel pages
// would multiply concurrent backend load and lose deterministic aggregation.
type Orchestrator struct {
	splitter Splitter
	cancels  *registry.CancellationRegistry
	policy   retry.Policy
	logger   *slog.Logger
}

func NewOrchestrator(splitter Splitter, cancels *registry.CancellationRegistry, policy retry.Policy, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{splitter: splitter, cancels: cancels, policy: policy, logger: logger}
}

// Run executes the pipeline for one job attempt. The caller holds the
// task's cancellation registration for the whole attempt (the executor
// still checks the flag once more before uploading the result); page
// artifacts are removed on every path.
func (o *Orchestrator) Run(ctx context.Context, taskID uuid.UUID, docPath string, ext backend.Extractor) Outcome {
	pages, cleanup, err := o.splitter.Split(ctx, taskID, docPath)
	defer cleanup()
	if err != nil {
		if errors.Is(err, registry.ErrCancelled) {
			o.logger.Info("job cancelled during split", "task_id", taskID)
			return Outcome{Status: StatusCancelled, Reason: "cancelled during document splitting"}
		}
		o.logger.Error("document split failed", "task_id", taskID, "path", docPath, "error", err)
		return Outcome{Status: StatusFailed, Reason: err.Error()}
	}

	results := make([]PageResult, 0, len(pages))
	for _, page := range pages {
		if o.cancels.IsCancelled(taskID) {
			o.logger.Info("job cancelled before page",
				"task_id", taskID, "page", page.Index, "total_pages", len(pages))
			return Outcome{Status: StatusCancelled,
				Reason: fmt.Sprintf("cancelled before page %d of %d", page.Index, len(pages))}
		}

		op := fmt.Sprintf("extract page %d", page.Index)
		text, err := retry.Do(ctx, o.policy, o.logger, op, func() (string, error) {
			return ext.ExtractPage(ctx, page.Path)
		})
		if err != nil {
			// Page-level isolation: one bad page must not discard text
			// already extracted from the others.
			o.logger.Warn("page extraction failed, continuing",
				"task_id", taskID, "page", page.Index, "backend", ext.Name(), "error", err)
			results = append(results, PageResult{Index: page.Index, OK: false, Reason: err.Error()})
			continue
		}
		results = append(results, PageResult{Index: page.Index, Text: text, OK: true})
	}

	out := aggregate(results)
	o.logger.Info("job pipeline finished",
		"task_id", taskID,
		"backend", ext.Name(),
		"total_pages", out.Total,
		"succeeded", out.Succeeded,
		"failed", out.Failed,
	)
	return out
}

// aggregate concatenates page texts in page order, each prefixed with a
// page marker, and appends a summary footer. A run where every page failed
// still aggregates to DONE; the footer makes the condition visible.
func aggregate(results []PageResult) Outcome {
	out := Outcome{Status: StatusDone, Total: len(results)}

	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "===== Page %d =====\n", r.Index)
		if r.OK {
			out.Succeeded++
			b.WriteString(r.Text)
		} else {
			out.Failed++
			out.FailedPages = append(out.FailedPages, r.Index)
			b.WriteString("[extraction failed]")
		}
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "===== Summary: total=%d succeeded=%d failed=%d", out.Total, out.Succeeded, out.Failed)
	if out.Failed > 0 {
		b.WriteString(" failed_pages=")
		for i, idx := range out.FailedPages {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "%d", idx)
		}
	}
	b.WriteString(" =====\n")

	out.Text = b.String()
	return out
}
