package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/docuflow/extractd/constants"
)

// TesseractExtractor runs local raster OCR. Deterministic given fixed
// inputs, so failures are fatal (retrying the same image cannot help).
type TesseractExtractor struct {
	languages     []string
	logger        *slog.Logger
	clientFactory func() *gosseract.Client
}

func NewTesseractExtractor(languages string, logger *slog.Logger) *TesseractExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	langs := strings.Split(languages, "+")
	if languages == "" {
		langs = []string{"eng"}
	}
	return &TesseractExtractor{
		languages:     langs,
		logger:        logger,
		clientFactory: gosseract.NewClient,
	}
}

func (t *TesseractExtractor) Name() string { return string(KindTesseract) }

func (t *TesseractExtractor) Supports(format string) bool {
	return format == constants.PDF || format == constants.IMAGE
}

// ExtractPage recognizes one page image with a fresh client per call; the
// underlying API is not safe for concurrent reuse across workers.
func (t *TesseractExtractor) ExtractPage(ctx context.Context, pagePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &TransientError{Cause: err}
	}
	start := time.Now()

	c := t.clientFactory()
	defer c.Close()

	if err := c.SetImage(pagePath); err != nil {
		return "", &FatalError{Cause: fmt.Errorf("set image: %w", err)}
	}
	if len(t.languages) > 0 {
		if err := c.SetLanguage(t.languages...); err != nil {
			return "", &FatalError{Cause: fmt.Errorf("set languages: %w", err)}
		}
	}

	text, err := c.Text()
	if err != nil {
		return "", &FatalError{Cause: fmt.Errorf("recognize: %w", err)}
	}

	t.logger.Debug("tesseract page extracted",
		"page", pagePath,
		"text_len", len(text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}
