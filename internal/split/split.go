package split

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/docuflow/extractd/constants"
	"github.com/docuflow/extractd/internal/registry"
)

// warnBytes is the input size above which we log a warning. No backpressure
// is applied; large documents just take longer.
const warnBytes = 20 << 20

// SplitError marks a document that could not be turned into pages:
// unreadable, unsupported, empty, or rasterizing to zero pages.
type SplitError struct {
	Path  string
	Cause error
}

func (e *SplitError) Error() string {
	return fmt.Sprintf("split %s: %v", e.Path, e.Cause)
}

func (e *SplitError) Unwrap() error { return e.Cause }

// Page is one rasterized unit of the input document. Index is 1-based and
// ordering is significant.
type Page struct {
	Index int
	Path  string
}

type Config struct {
	Pdftoppm string // binary name or absolute path; if empty -> "pdftoppm"
	Pdfinfo  string // binary name or absolute path; if empty -> "pdfinfo"
	DPI      int    // rasterization DPI, default 300
	Format   string // "png" or "jpeg", default "png"
	MaxPages int    // 0 = no limit
}

// Splitter converts a document into an ordered page sequence, honoring
// cooperative cancellation between pages.
type Splitter struct {
	cfg     Config
	runner  Runner
	cancels *registry.CancellationRegistry
	logger  *slog.Logger
}

func NewSplitter(cfg Config, cancels *registry.CancellationRegistry, logger *slog.Logger) *Splitter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Pdfinfo == "" {
		cfg.Pdfinfo = "pdfinfo"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.Format == "" {
		cfg.Format = "png"
	}
	return &Splitter{cfg: cfg, runner: newExecRunner(logger), cancels: cancels, logger: logger}
}

// Split returns the document's pages in order plus a cleanup func removing
// any temporary artifacts. The cleanup func is non-nil on every return,
// including errors, so callers can defer it unconditionally. Single images
// pass through as a one-page sequence. Returns registry.ErrCancelled when a
// cancellation checkpoint fires mid-split.
func (s *Splitter) Split(ctx context.Context, taskID uuid.UUID, path string) ([]Page, func(), error) {
	noop := func() {}

	info, err := os.Stat(path)
	if err != nil {
		return nil, noop, &SplitError{Path: path, Cause: err}
	}
	if info.Size() == 0 {
		return nil, noop, &SplitError{Path: path, Cause: fmt.Errorf("empty document")}
	}
	if info.Size() > warnBytes {
		s.logger.Warn("large input document", "task_id", taskID, "path", path, "bytes", info.Size())
	}

	switch constants.MapExtToFormat(filepath.Ext(path)) {
	case constants.IMAGE:
		return []Page{{Index: 1, Path: path}}, noop, nil
	case constants.PDF:
		return s.splitPDF(ctx, taskID, path)
	default:
		return nil, noop, &SplitError{Path: path, Cause: fmt.Errorf("unsupported extension %q", filepath.Ext(path))}
	}
}

// splitPDF rasterizes one page per pdftoppm invocation so cancellation is
// honored between pages rather than only before the whole conversion.
func (s *Splitter) splitPDF(ctx context.Context, taskID uuid.UUID, path string) ([]Page, func(), error) {
	noop := func() {}

	count, err := s.pageCount(ctx, path)
	if err != nil {
		return nil, noop, &SplitError{Path: path, Cause: err}
	}
	if count == 0 {
		return nil, noop, &SplitError{Path: path, Cause: fmt.Errorf("document has zero pages")}
	}
	if s.cfg.MaxPages > 0 && count > s.cfg.MaxPages {
		s.logger.Warn("truncating document to max pages",
			"task_id", taskID, "pages", count, "max_pages", s.cfg.MaxPages)
		count = s.cfg.MaxPages
	}

	tmpDir, err := os.MkdirTemp("", "extractd-pages-*")
	if err != nil {
		return nil, noop, fmt.Errorf("create page dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			s.logger.Warn("failed to remove page dir", "dir", tmpDir, "error", err)
		}
	}

	formatFlag := "-" + s.cfg.Format // -png | -jpeg
	pages := make([]Page, 0, count)
	for n := 1; n <= count; n++ {
		if s.cancels.IsCancelled(taskID) {
			s.logger.Info("split stopped at cancellation checkpoint",
				"task_id", taskID, "completed_pages", len(pages), "total_pages", count)
			return nil, cleanup, registry.ErrCancelled
		}

		prefix := filepath.Join(tmpDir, fmt.Sprintf("page-%05d", n))
		// pdftoppm -r <dpi> -png -f n -l n <in.pdf> <prefix>
		_, errb, err := s.runner.Run(ctx, s.cfg.Pdftoppm,
			"-r", strconv.Itoa(s.cfg.DPI), formatFlag,
			"-f", strconv.Itoa(n), "-l", strconv.Itoa(n),
			path, prefix)
		if err != nil {
			return nil, cleanup, &SplitError{Path: path,
				Cause: fmt.Errorf("rasterize page %d: %w (%s)", n, err, truncate(string(errb), 512))}
		}

		matches, _ := filepath.Glob(prefix + "-*." + extFor(s.cfg.Format))
		if len(matches) == 0 {
			return nil, cleanup, &SplitError{Path: path,
				Cause: fmt.Errorf("page %d rendered no image", n)}
		}
		pages = append(pages, Page{Index: n, Path: matches[0]})
	}

	s.logger.Debug("document split", "task_id", taskID, "pages", len(pages), "dpi", s.cfg.DPI)
	return pages, cleanup, nil
}

// pageCount parses the "Pages:" line out of pdfinfo output.
func (s *Splitter) pageCount(ctx context.Context, path string) (int, error) {
	out, errb, err := s.runner.Run(ctx, s.cfg.Pdfinfo, path)
	if err != nil {
		return 0, fmt.Errorf("pdfinfo: %w (%s)", err, truncate(string(errb), 512))
	}
	for _, line := range strings.Split(string(out), "\n") {
		if rest, ok := strings.CutPrefix(line, "Pages:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil {
				return 0, fmt.Errorf("parse page count %q: %w", rest, err)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("pdfinfo output has no page count")
}

func extFor(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}
