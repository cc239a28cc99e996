package backend

import (
	"context"
	"fmt"
)

// Kind identifies one of the closed set of extraction backends. Selection by
// enum (not free-form strings) keeps unknown backends a submission-time
// error instead of a worker-time one.
type Kind string

const (
	KindTesseract Kind = "tesseract" // local raster OCR, CPU-bound
	KindVision    Kind = "vision"    // remote multimodal API
	KindOllama    Kind = "ollama"    // local multimodal daemon
)

// ParseKind validates a caller-supplied backend tag. Empty selects the
// default local OCR backend.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "":
		return KindTesseract, nil
	case KindTesseract, KindVision, KindOllama:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown backend %q", s)
}

// Extractor converts one page image into text. Adapters surface failures
// through the transient/fatal taxonomy in errors.go; the orchestrator never
// inspects adapter internals beyond that.
type Extractor interface {
	Name() string
	Supports(format string) bool
	ExtractPage(ctx context.Context, pagePath string) (string, error)
}

// Registry maps backend kinds to configured adapters.
type Registry struct {
	backends map[Kind]Extractor
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[Kind]Extractor)}
}

func (r *Registry) Register(kind Kind, ext Extractor) {
	r.backends[kind] = ext
}

// Get returns the adapter for kind, or an error when the kind is valid but
// not configured in this process.
func (r *Registry) Get(kind Kind) (Extractor, error) {
	ext, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("backend %q is not configured", kind)
	}
	return ext, nil
}
