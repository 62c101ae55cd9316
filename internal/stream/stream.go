// Package stream implements the Entity Streamer: a bounded,
// restartable lazy sequence of canonical entities read incrementally from
// a parsed-file artifact, accepting either a bare JSON array of entity
// records or an object with a HEADER and an OBJECTS array. Memory bound is
// O(chunk_size) resident entities, achieved by never buffering the whole
// decoded document — json.Decoder.Token() walks the document one token at
// a time, mirroring the incremental-parse approach used elsewhere in this
// module family for directory trees (ScanDirectory streams filepath.Walk
// results into a channel instead of collecting them first). Prefetcher
// layers one chunk of concurrent read-ahead on top, bounded by a
// golang.org/x/sync/semaphore.Weighted so memory stays O(chunk_size) even
// while a chunk decodes ahead of the caller.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/semaphore"

	"github.com/cadgraph-io/ingest/internal/debug"
	"github.com/cadgraph-io/ingest/internal/ingesterrors"
	"github.com/cadgraph-io/ingest/internal/normalize"
	"github.com/cadgraph-io/ingest/internal/types"
)

// Source opens the raw bytes of a parsed artifact. Re-opening must be
// supported for the streamer to be restartable.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	// Name identifies the source for error messages.
	Name() string
}

// FileSource is the common Source: a parsed JSON artifact on disk.
type FileSource struct {
	Path string
}

func (f FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	return os.Open(f.Path)
}

func (f FileSource) Name() string { return f.Path }

type rootMode int

const (
	modeArray rootMode = iota
	modeObject
)

type objectStage int

const (
	stageScanTop objectStage = iota
	stageObjects
	stageDone
)

// Streamer yields canonical entities from a Source in bounded chunks.
type Streamer struct {
	source Source

	rc   io.ReadCloser
	dec  *json.Decoder
	mode rootMode
	stage objectStage

	pendingScaleInfo map[string]any
	exhausted        bool

	normalizer *normalize.Normalizer
	stats      normalize.Stats
}

// Open opens source and identifies its root layout (array vs.
// HEADER/OBJECTS object), returning a Streamer ready for NextChunk.
func Open(ctx context.Context, source Source) (*Streamer, error) {
	s := &Streamer{source: source, normalizer: normalize.New()}
	if err := s.reopen(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reset closes and re-opens the backing source, restarting the stream
// from the beginning. Normalization statistics accumulated so far are
// preserved; callers that want a clean Stats() should discard the
// Streamer and Open a new one instead.
func (s *Streamer) Reset(ctx context.Context) error {
	if s.rc != nil {
		_ = s.rc.Close()
	}
	return s.reopen(ctx)
}

func (s *Streamer) reopen(ctx context.Context) error {
	rc, err := s.source.Open(ctx)
	if err != nil {
		return ingesterrors.NewSourceError(s.source.Name(), err)
	}

	dec := json.NewDecoder(rc)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		rc.Close()
		return ingesterrors.NewDecodeError(s.source.Name(), err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		rc.Close()
		return ingesterrors.NewDecodeError(s.source.Name(), fmt.Errorf("root token %v is not an array or object", tok))
	}

	s.rc = rc
	s.dec = dec
	s.pendingScaleInfo = nil
	s.exhausted = false
	s.stage = stageScanTop

	switch delim {
	case '[':
		s.mode = modeArray
	case '{':
		s.mode = modeObject
	default:
		rc.Close()
		return ingesterrors.NewDecodeError(s.source.Name(), fmt.Errorf("unexpected root delimiter %q", delim))
	}
	return nil
}

// Close releases the backing artifact.
func (s *Streamer) Close() error {
	if s.rc == nil {
		return nil
	}
	return s.rc.Close()
}

// Stats returns the Normalizer's accumulated statistics across every chunk
// read so far.
func (s *Streamer) Stats() normalize.Stats { return s.stats }

// NextChunk yields up to n canonical entities. It returns more=false once
// the underlying source is exhausted; the final call may return fewer
// than n entities alongside more=false.
func (s *Streamer) NextChunk(n int) (entities []types.CanonicalEntity, more bool, err error) {
	if n <= 0 {
		n = 1
	}
	out := make([]types.CanonicalEntity, 0, n)

	for len(out) < n {
		raw, ok, rerr := s.nextRaw()
		if rerr != nil {
			return out, false, ingesterrors.NewDecodeError(s.source.Name(), rerr)
		}
		if !ok {
			return out, false, nil
		}
		entity, normalized := s.normalizer.Normalize(raw, &s.stats)
		if !normalized {
			continue
		}
		out = append(out, entity)
	}
	debug.LogStream("chunk of %d entities from %s, dropped %d so far", len(out), s.source.Name(), s.stats.Dropped)
	return out, true, nil
}

// nextRaw returns the next raw entity record, or ok=false once the
// document is exhausted.
func (s *Streamer) nextRaw() (map[string]any, bool, error) {
	if s.exhausted {
		return nil, false, nil
	}
	if s.mode == modeArray {
		return s.nextArrayElement()
	}
	return s.nextObjectElement()
}

func (s *Streamer) nextArrayElement() (map[string]any, bool, error) {
	if !s.dec.More() {
		if _, err := s.dec.Token(); err != nil { // closing ']'
			return nil, false, err
		}
		s.exhausted = true
		return nil, false, nil
	}
	var rec map[string]any
	if err := s.dec.Decode(&rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *Streamer) nextObjectElement() (map[string]any, bool, error) {
	for {
		switch s.stage {
		case stageScanTop:
			if s.pendingScaleInfo != nil {
				rec := s.pendingScaleInfo
				s.pendingScaleInfo = nil
				return rec, true, nil
			}
			if !s.dec.More() {
				if _, err := s.dec.Token(); err != nil { // closing '}'
					return nil, false, err
				}
				s.stage = stageDone
				continue
			}
			keyTok, err := s.dec.Token()
			if err != nil {
				return nil, false, err
			}
			key, _ := keyTok.(string)
			switch key {
			case "HEADER":
				var header map[string]any
				if err := s.dec.Decode(&header); err != nil {
					return nil, false, err
				}
				s.pendingScaleInfo = scaleInfoFromHeader(header)
				continue
			case "OBJECTS":
				tok, err := s.dec.Token()
				if err != nil {
					return nil, false, err
				}
				d, ok := tok.(json.Delim)
				if !ok || d != '[' {
					return nil, false, fmt.Errorf("OBJECTS field is not an array")
				}
				s.stage = stageObjects
				continue
			default:
				var discard any
				if err := s.dec.Decode(&discard); err != nil {
					return nil, false, err
				}
				continue
			}
		case stageObjects:
			if !s.dec.More() {
				if _, err := s.dec.Token(); err != nil { // closing ']'
					return nil, false, err
				}
				s.stage = stageScanTop
				continue
			}
			var rec map[string]any
			if err := s.dec.Decode(&rec); err != nil {
				return nil, false, err
			}
			return rec, true, nil
		case stageDone:
			s.exhausted = true
			return nil, false, nil
		}
	}
}

// Prefetcher wraps a Streamer with one chunk of concurrent read-ahead: the
// next chunk decodes and normalizes on a background goroutine while the
// caller is still working through the current one. A weighted semaphore
// of 1 keeps at most one read-ahead chunk resident at a time, so memory
// stays O(chunk_size) the same way plain NextChunk does.
type Prefetcher struct {
	streamer *Streamer
	n        int
	sem      *semaphore.Weighted
	out      chan prefetchResult
	started  bool
}

type prefetchResult struct {
	entities []types.CanonicalEntity
	more     bool
	err      error
}

// NewPrefetcher wraps streamer, reading ahead in chunks of n entities.
func NewPrefetcher(streamer *Streamer, n int) *Prefetcher {
	return &Prefetcher{
		streamer: streamer,
		n:        n,
		sem:      semaphore.NewWeighted(1),
		out:      make(chan prefetchResult),
	}
}

// Next blocks for the next chunk, kicking off the background reader on the
// first call and re-arming it immediately after every non-final chunk so
// the read-ahead stays one chunk deep.
func (p *Prefetcher) Next(ctx context.Context) ([]types.CanonicalEntity, bool, error) {
	if !p.started {
		p.started = true
		p.fetchAsync(ctx)
	}
	select {
	case r := <-p.out:
		if r.more && r.err == nil {
			p.fetchAsync(ctx)
		}
		return r.entities, r.more, r.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (p *Prefetcher) fetchAsync(ctx context.Context) {
	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.out <- prefetchResult{err: err}
			return
		}
		defer p.sem.Release(1)
		entities, more, err := p.streamer.NextChunk(p.n)
		p.out <- prefetchResult{entities: entities, more: more, err: err}
	}()
}

// scaleInfoFromHeader builds a synthetic SCALE_INFO raw record from a
// LibreDWG-style HEADER section ("Every SCALE_INFO entity
// produces exactly one Metadata node").
func scaleInfoFromHeader(header map[string]any) map[string]any {
	get := func(key string, fallback float64) any {
		if v, ok := header[key]; ok {
			return v
		}
		return fallback
	}
	return map[string]any{
		"type":      "SCALE_INFO",
		"layer":     "METADATA",
		"dimscale":  get("DIMSCALE", 1.0),
		"ltscale":   get("LTSCALE", 1.0),
		"cmlscale":  get("CMLSCALE", 1.0),
		"celtscale": get("CELTSCALE", 1.0),
	}
}
