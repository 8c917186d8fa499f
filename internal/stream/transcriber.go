// Package stream runs the streaming decode pass: it cuts a PCM stream into
// overlapping windows, decodes them concurrently on pooled workers, and merges
// the out-of-order results into one time-ordered hypothesis.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/forcealign/internal/observe"
	"github.com/MrWong99/forcealign/internal/pool"
	"github.com/MrWong99/forcealign/pkg/decoder"
)

// bytesPerSample is fixed by the canonical mono 16-bit PCM format.
const bytesPerSample = 2

// Sizer is implemented by readers that know how many bytes remain. When the
// reader passed to [Transcriber.Transcribe] implements it, progress callbacks
// receive an estimated chunk total.
type Sizer interface {
	Size() int64
}

// Result is the merged output of a streaming pass.
type Result struct {
	Tokens   []decoder.Token
	Duration float64 // seconds of audio read
}

// Transcriber decodes audio in overlapping windows on pooled workers.
type Transcriber struct {
	Pool *pool.Pool[decoder.Worker]

	// ChunkLength and Overlap are in seconds. Windows start every
	// ChunkLength-Overlap seconds.
	ChunkLength float64
	Overlap     float64

	// SampleRate of the PCM stream in Hz.
	SampleRate int

	// MinChunkBytes is the size below which a window is treated as silence
	// and never sent to a decoder.
	MinChunkBytes int

	// OnChunk, if set, is called once per finished window with the number of
	// windows done, the estimated total (0 if unknown), and the window's
	// words. Calls are serialised.
	OnChunk func(done, total int, tokens []decoder.Token)

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (t *Transcriber) validate() error {
	var errs []error
	if t.Pool == nil {
		errs = append(errs, errors.New("stream: pool is required"))
	}
	if t.ChunkLength <= 0 {
		errs = append(errs, fmt.Errorf("stream: chunk length must be positive, got %v", t.ChunkLength))
	}
	if t.Overlap < 0 || t.Overlap >= t.ChunkLength {
		errs = append(errs, fmt.Errorf("stream: overlap must be in [0, chunk length), got %v", t.Overlap))
	}
	if t.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("stream: sample rate must be positive, got %d", t.SampleRate))
	}
	return errors.Join(errs...)
}

// Transcribe reads r to the end and returns the merged hypothesis. A window
// whose decode fails is logged and treated as silence; a read error fails the
// whole pass.
func (t *Transcriber) Transcribe(ctx context.Context, r io.Reader) (Result, error) {
	if err := t.validate(); err != nil {
		return Result{}, err
	}
	metrics := t.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	ctx, span := observe.StartSpan(ctx, "stream.Transcribe")
	defer span.End()
	log := observe.Logger(ctx)

	step := t.ChunkLength - t.Overlap
	chunkBytes := int(math.Round(t.ChunkLength*float64(t.SampleRate))) * bytesPerSample
	stepBytes := int(math.Round(step*float64(t.SampleRate))) * bytesPerSample

	total := 0
	if s, ok := r.(Sizer); ok && s.Size() > 0 {
		total = int(math.Ceil(float64(s.Size()) / float64(stepBytes)))
	}

	var (
		mu     sync.Mutex
		chunks []Chunk
	)
	record := func(c Chunk) {
		mu.Lock()
		defer mu.Unlock()
		chunks = append(chunks, c)
		log.Info("stream: chunk done", "chunk", len(chunks), "of", total)
		if t.OnChunk != nil {
			t.OnChunk(len(chunks), total, c.Tokens)
		}
	}

	var g errgroup.Group
	fail := func(err error) (Result, error) {
		_ = g.Wait()
		span.RecordError(err)
		return Result{}, err
	}

	buf := make([]byte, 0, chunkBytes)
	var read int64
	eof := false
	for idx := 0; ; idx++ {
		if !eof && len(buf) < chunkBytes {
			n, err := io.ReadFull(r, buf[len(buf):chunkBytes])
			buf = buf[:len(buf)+n]
			read += int64(n)
			switch {
			case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
				eof = true
			case err != nil:
				return fail(fmt.Errorf("stream: read audio: %w", err))
			}
		}
		if len(buf) == 0 {
			break
		}

		start := float64(idx) * step
		if len(buf) < t.MinChunkBytes {
			log.Debug("stream: short segment ignored", "chunk", idx, "bytes", len(buf))
			metrics.RecordChunk(ctx, "silent", 0)
			record(Chunk{Start: start})
		} else {
			w, err := t.Pool.Checkout(ctx)
			if err != nil {
				return fail(fmt.Errorf("stream: checkout worker: %w", err))
			}
			// The worker goes back immediately but is only handed out again
			// once this window's round trip has finished.
			ready := make(chan error, 1)
			t.Pool.Return(w, ready)

			pcm := slices.Clone(buf)
			g.Go(func() error {
				toks, err := t.decode(ctx, metrics, w, pcm)
				ready <- err
				if err != nil {
					log.Warn("stream: chunk decode failed, treating as silence", "chunk", idx, "start", start, "err", err)
				}
				record(Chunk{Start: start, Tokens: toks})
				return nil
			})
		}

		if len(buf) <= stepBytes {
			buf = buf[:0]
		} else {
			buf = append(buf[:0], buf[stepBytes:]...)
		}
		if eof && len(buf) == 0 {
			break
		}
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("stream: %w", err)
	}

	words := Merge(chunks, t.ChunkLength, t.Overlap)
	duration := float64(read) / float64(t.SampleRate*bytesPerSample)
	span.SetAttributes(
		attribute.Int("stream.chunks", len(chunks)),
		attribute.Int("stream.words", len(words)),
		attribute.Float64("stream.duration", duration),
	)
	return Result{Tokens: words, Duration: duration}, nil
}

// decode runs one push-chunk/get-final round trip. On failure the worker is
// reset so the next round starts in sync.
func (t *Transcriber) decode(ctx context.Context, metrics *observe.Metrics, w decoder.Worker, pcm []byte) ([]decoder.Token, error) {
	begin := time.Now()
	toks, err := roundTrip(ctx, w, pcm)
	elapsed := time.Since(begin).Seconds()
	if err != nil {
		metrics.RecordChunk(ctx, "error", elapsed)
		if w.Alive() {
			if rerr := w.Reset(); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		return nil, fmt.Errorf("stream: decode chunk: %w", err)
	}
	metrics.RecordChunk(ctx, "ok", elapsed)
	return toks, nil
}

func roundTrip(ctx context.Context, w decoder.Worker, pcm []byte) ([]decoder.Token, error) {
	if err := w.PushChunk(ctx, pcm); err != nil {
		return nil, err
	}
	return w.GetFinal(ctx)
}
