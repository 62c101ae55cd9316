// Package ocr defines the external OCR boundary the Job Manager consumes
// during the enrichment pipeline's render/OCR stage. Real OCR
// engines are out of scope; only the interface and a deterministic fake
// for tests ship here.
package ocr

import (
	"context"
	"time"
)

// Word is one recognized word or phrase.
type Word struct {
	Text       string
	Confidence float64
}

// Context carries the expected patterns for the region type being OCR'd
// ("context carries expected patterns per region type").
type Context struct {
	RegionType       string
	ExpectedPatterns []string
}

// Result is the synchronous ocr() contract's return value.
type Result struct {
	Engine          string
	FullText        string
	Words           []Word
	ConfidenceScore float64
	ProcessingTime  time.Duration
}

// Engine recognizes text in a rendered image.
type Engine interface {
	OCR(ctx context.Context, image []byte, octx Context) (Result, error)
}

// FakeEngine returns a fixed, empty recognition result, for exercising the
// Job Manager's enrichment pipeline in tests without a real OCR backend.
type FakeEngine struct{}

func (FakeEngine) OCR(ctx context.Context, image []byte, octx Context) (Result, error) {
	return Result{
		Engine:          "fake",
		FullText:        "",
		Words:           nil,
		ConfidenceScore: 0,
		ProcessingTime:  0,
	}, nil
}
