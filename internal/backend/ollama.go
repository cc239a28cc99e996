package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docuflow/extractd/constants"
)

const ollamaPrompt = "Extract all text from this image. Return only the extracted text without any explanations or additional comments."

// OllamaConfig configures the local multimodal-daemon adapter.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OllamaExtractor calls a vision model served by a local Ollama daemon.
// Same request shape as the remote adapter, but no rate limiting; the only
// transient failures are the daemon being down or overloaded.
type OllamaExtractor struct {
	cfg        OllamaConfig
	httpClient *http.Client
	logger     *slog.Logger
}

func NewOllamaExtractor(cfg OllamaConfig, logger *slog.Logger) *OllamaExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.2-vision:11b"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OllamaExtractor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (o *OllamaExtractor) Name() string { return string(KindOllama) }

func (o *OllamaExtractor) Supports(format string) bool {
	return format == constants.PDF || format == constants.IMAGE
}

func (o *OllamaExtractor) ExtractPage(ctx context.Context, pagePath string) (string, error) {
	start := time.Now()

	img, err := os.ReadFile(pagePath)
	if err != nil {
		return "", &FatalError{Cause: fmt.Errorf("read page: %w", err)}
	}

	payload := map[string]any{
		"model":  o.cfg.Model,
		"prompt": ollamaPrompt,
		"stream": false,
		"options": map[string]any{
			"temperature": 0.1,
		},
		"images": []string{base64.StdEncoding.EncodeToString(img)},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", &FatalError{Cause: fmt.Errorf("marshal request: %w", err)}
	}

	url := strings.TrimRight(o.cfg.BaseURL, "/") + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", &FatalError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", &TransientError{Cause: fmt.Errorf("ollama http error: %w", err)}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			o.logger.Warn("ollama response body close error", "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransientError{Cause: fmt.Errorf("read ollama response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus(resp.StatusCode,
			fmt.Errorf("ollama status %d: %s", resp.StatusCode, truncate(string(raw), 512)))
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &TransientError{Cause: fmt.Errorf("decode ollama response: %w", err)}
	}

	o.logger.Debug("ollama page extracted",
		"page", pagePath,
		"text_len", len(out.Response),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out.Response, nil
}
