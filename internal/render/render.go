// Package render defines the external rendering boundary the Job Manager
// consumes during the enrichment pipeline's render/OCR stage.
// Raster rendering engines are out of scope; only the interface and a
// deterministic fake for tests ship here.
package render

import "context"

// Region is a bounded rectangle in drawing coordinates.
type Region struct {
	MinX, MinY, MaxX, MaxY float64
}

// Config carries renderer tuning the caller supplies per region.
type Config struct {
	DPI    int
	Format string // e.g. "png"
}

// Result is the synchronous render() contract's return value.
type Result struct {
	Image       []byte
	ActualBounds Region
	ScaleFactor float64
	Metadata    map[string]any
}

// Renderer rasterizes a region of the drawing. Implementations are
// synchronous; the caller supplies the region bounds.
type Renderer interface {
	Render(ctx context.Context, region Region, cfg Config) (Result, error)
}

// FakeRenderer returns a deterministic, empty image without touching any
// real rasterizer, for exercising the Job Manager's enrichment pipeline in
// tests.
type FakeRenderer struct{}

func (FakeRenderer) Render(ctx context.Context, region Region, cfg Config) (Result, error) {
	return Result{
		Image:        []byte{},
		ActualBounds: region,
		ScaleFactor:  1.0,
		Metadata:     map[string]any{"format": cfg.Format},
	}, nil
}
