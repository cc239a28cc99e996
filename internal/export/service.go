package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/docuflow/extractd/internal/registry"
)

// Service is a tiny façade over the task store that produces XLSX bytes for
// operational exports of the task ledger.
type Service struct {
	tasks  registry.TaskStore
	logger *slog.Logger
}

func NewService(tasks registry.TaskStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{tasks: tasks, logger: logger}
}

// ExportTasksXLSX returns an XLSX workbook (as bytes) listing every task
// record, newest first.
func (s *Service) ExportTasksXLSX(ctx context.Context) ([]byte, error) {
	start := time.Now()

	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Tasks"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Task ID",
		"Status",
		"Result Reference",
		"Error",
		"Created At",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, t := range tasks {
		values := []any{
			t.ID.String(),
			string(t.Status),
			t.ResultRef,
			t.Error,
			t.CreatedAt.UTC().Format(time.RFC3339),
		}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		row++
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}

	s.logger.Info("task ledger exported",
		"tasks", len(tasks),
		"bytes", buf.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}
