package split

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestExecRunner(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := newExecRunner(logger)

	t.Run("captures output", func(t *testing.T) {
		buf.Reset()
		out, errb, err := r.Run(context.Background(), "sh", "-c", "echo out; echo err 1>&2")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if got := strings.TrimSpace(string(out)); got != "out" {
			t.Errorf("stdout = %q, want %q", got, "out")
		}
		if got := strings.TrimSpace(string(errb)); got != "err" {
			t.Errorf("stderr = %q, want %q", got, "err")
		}
		if !strings.Contains(buf.String(), "split command finished") {
			t.Errorf("timing not logged through the injected logger:\n%s", buf.String())
		}
	})

	t.Run("reports failure", func(t *testing.T) {
		buf.Reset()
		_, errb, err := r.Run(context.Background(), "sh", "-c", "echo boom 1>&2; exit 3")
		if err == nil {
			t.Fatal("Run() error = nil for non-zero exit")
		}
		if !strings.Contains(string(errb), "boom") {
			t.Errorf("stderr = %q, want child output", errb)
		}
		logged := buf.String()
		if !strings.Contains(logged, "split command failed") || !strings.Contains(logged, "boom") {
			t.Errorf("failure not logged through the injected logger:\n%s", logged)
		}
	})
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc...(truncated)" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("ab", 3); got != "ab" {
		t.Errorf("truncate = %q, want input unchanged", got)
	}
}
