package split

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Runner abstracts the poppler binaries so tests can stub them.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// maxStderrLog caps how much child stderr ends up in a log line.
const maxStderrLog = 8 << 10

// execRunner shells out through exec.CommandContext and reports timing on
// the splitter's logger.
type execRunner struct {
	logger *slog.Logger
}

func newExecRunner(logger *slog.Logger) execRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return execRunner{logger: logger}
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Error("split command failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
			"stderr", truncate(stderr.String(), maxStderrLog),
		)
		return stdout.Bytes(), stderr.Bytes(), err
	}

	r.logger.Debug("split command finished",
		"cmd", name,
		"duration_ms", elapsed.Milliseconds(),
		"stdout_bytes", stdout.Len(),
	)
	return stdout.Bytes(), stderr.Bytes(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
