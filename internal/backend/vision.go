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

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/docuflow/extractd/constants"
)

const visionPrompt = "Extract all text content from this image, preserving the original layout."

// visionResponseSchema pins the minimum shape we rely on before touching the
// payload; anything else is treated as a transient provider hiccup.
const visionResponseSchema = `{
	"type": "object",
	"required": ["choices"],
	"properties": {
		"choices": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["message"],
				"properties": {
					"message": {
						"type": "object",
						"required": ["content"],
						"properties": {
							"content": {"type": "string"}
						}
					}
				}
			}
		}
	}
}`

var visionSchema = jsonschema.MustCompileString("vision-response.json", visionResponseSchema)

// VisionConfig configures the remote multimodal adapter.
type VisionConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// VisionExtractor calls a hosted multimodal chat/completions API. Latency is
// non-deterministic and the endpoint rate-limits, so most failures here are
// transient.
type VisionExtractor struct {
	cfg        VisionConfig
	httpClient *http.Client
	logger     *slog.Logger
}

func NewVisionExtractor(cfg VisionConfig, logger *slog.Logger) *VisionExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = "Pro/Qwen/Qwen2-VL-7B-Instruct"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &VisionExtractor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (v *VisionExtractor) Name() string { return string(KindVision) }

func (v *VisionExtractor) Supports(format string) bool {
	return format == constants.PDF || format == constants.IMAGE
}

func (v *VisionExtractor) ExtractPage(ctx context.Context, pagePath string) (string, error) {
	start := time.Now()

	img, err := os.ReadFile(pagePath)
	if err != nil {
		return "", &FatalError{Cause: fmt.Errorf("read page: %w", err)}
	}

	body := map[string]any{
		"model": v.cfg.Model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": visionPrompt},
					{"type": "image_url", "image_url": map[string]any{
						"url": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
					}},
				},
			},
		},
		"temperature": v.cfg.Temperature,
		"max_tokens":  4000,
	}

	endpoint := strings.TrimRight(v.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := v.post(ctx, endpoint, body)
	if err != nil {
		v.logger.Error("vision.extract.http_error",
			"error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", &TransientError{Cause: fmt.Errorf("decode vision response: %w", err)}
	}
	if err := visionSchema.Validate(doc); err != nil {
		v.logger.Error("vision.extract.bad_response_shape", "error", err, "raw_bytes", len(raw))
		return "", &TransientError{Cause: fmt.Errorf("vision response shape: %w", err)}
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", &TransientError{Cause: fmt.Errorf("unmarshal vision response: %w", err)}
	}
	content := strings.TrimSpace(cc.Choices[0].Message.Content)

	v.logger.Debug("vision page extracted",
		"page", pagePath,
		"text_len", len(content),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return content, nil
}

func (v *VisionExtractor) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, &FatalError{Cause: fmt.Errorf("marshal request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, &FatalError{Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+v.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Cause: fmt.Errorf("vision http error: %w", err)}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			v.logger.Warn("vision response body close error", "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Cause: fmt.Errorf("read vision response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode,
			fmt.Errorf("vision status %d: %s", resp.StatusCode, truncate(string(raw), 512)))
	}
	return raw, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
