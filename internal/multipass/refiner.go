package multipass

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
	"github.com/MrWong99/forcealign/internal/resilience"
	"github.com/MrWong99/forcealign/pkg/align"
	"github.com/MrWong99/forcealign/pkg/decoder"
	"github.com/MrWong99/forcealign/pkg/lm"
	"github.com/MrWong99/forcealign/pkg/transcript"
)

const (
	bytesPerSample = 2

	// DefaultMinSpan and DefaultMaxSpan bound the span durations worth a
	// re-decode, in seconds.
	DefaultMinSpan = 0.75
	DefaultMaxSpan = 60.0

	stopTimeout = 5 * time.Second
)

// Span outcomes as reported to metrics.
const (
	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeError    = "error"
	outcomeOpen     = "circuit_open"
	outcomeSkipped  = "skipped"
)

// GraphCompiler turns a bigram model into a decoding graph on disk.
// [*lm.Compiler] is the production implementation.
type GraphCompiler interface {
	Compile(ctx context.Context, g *lm.Graph) (graphPath string, cleanup func(), err error)
}

// Compile-time interface check.
var _ GraphCompiler = (*lm.Compiler)(nil)

// Refiner runs the multipass refinement over a first-pass alignment.
type Refiner struct {
	// Launchers bounds concurrency: every span checks out one launcher for
	// the duration of its re-decode.
	Launchers *pool.Pool[decoder.Launcher]

	Compiler   GraphCompiler
	Vocabulary transcript.Vocabulary

	// LM shapes the per-span language models and Align the per-span word
	// alignment.
	LM    lm.Options
	Align align.Options

	// MinSpan and MaxSpan default to DefaultMinSpan and DefaultMaxSpan.
	MinSpan float64
	MaxSpan float64

	SampleRate int

	// Breaker, if set, guards every span re-decode. It is reset at the start
	// of each pass.
	Breaker *resilience.CircuitBreaker

	// OnSpan, if set, is called once per finished span with the number of
	// spans done and the number eligible for re-decoding. Calls are
	// serialised.
	OnSpan func(done, total int)

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (r *Refiner) validate() error {
	var errs []error
	if r.Launchers == nil {
		errs = append(errs, errors.New("multipass: launcher pool is required"))
	}
	if r.Compiler == nil {
		errs = append(errs, errors.New("multipass: graph compiler is required"))
	}
	if r.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("multipass: sample rate must be positive, got %d", r.SampleRate))
	}
	if r.MinSpan < 0 || (r.MaxSpan > 0 && r.MaxSpan < r.MinSpan) {
		errs = append(errs, fmt.Errorf("multipass: invalid span bounds [%v, %v]", r.MinSpan, r.MaxSpan))
	}
	return errors.Join(errs...)
}

func (r *Refiner) bounds() (lo, hi float64) {
	lo, hi = r.MinSpan, r.MaxSpan
	if lo == 0 {
		lo = DefaultMinSpan
	}
	if hi == 0 {
		hi = DefaultMaxSpan
	}
	return lo, hi
}

// Refine re-decodes every eligible span of words and returns the improved
// word list. r must yield the same PCM stream the words were aligned
// against, from its beginning; it is read once, front to back.
//
// A span whose re-decode fails, or whose result would leave more words
// missing than before, keeps its original words. A read error fails the
// pass. The input slice is not modified.
func (r *Refiner) Refine(ctx context.Context, audio io.Reader, words []align.Word, ref *transcript.Sequence, duration float64) ([]align.Word, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	metrics := r.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	ctx, span := observe.StartSpan(ctx, "multipass.Refine")
	defer span.End()
	log := observe.Logger(ctx)

	lo, hi := r.bounds()
	var eligible []Span
	for _, s := range FindSpans(words, duration) {
		if d := s.Duration(); d < lo || d > hi {
			log.Debug("multipass: span skipped", "span_start", s.Start, "span_end", s.End, "words", s.Last-s.First)
			metrics.RecordSpan(ctx, outcomeSkipped, 0)
			continue
		}
		eligible = append(eligible, s)
	}
	span.SetAttributes(attribute.Int("multipass.spans", len(eligible)))
	if len(eligible) == 0 {
		return slices.Clone(words), nil
	}
	if r.Breaker != nil {
		r.Breaker.Reset()
	}

	var (
		mu      sync.Mutex
		done    int
		results = make(map[int][]align.Word)
	)
	finish := func(s Span, replacement []align.Word) {
		mu.Lock()
		defer mu.Unlock()
		if replacement != nil {
			results[s.First] = replacement
		}
		done++
		if r.OnSpan != nil {
			r.OnSpan(done, len(eligible))
		}
	}

	var g errgroup.Group
	fail := func(err error) ([]align.Word, error) {
		_ = g.Wait()
		span.RecordError(err)
		return nil, err
	}

	sr := spanReader{r: audio, sampleRate: r.SampleRate}
	for _, s := range eligible {
		launcher, err := r.Launchers.Checkout(ctx)
		if err != nil {
			return fail(fmt.Errorf("multipass: checkout launcher: %w", err))
		}
		pcm, err := sr.read(s)
		if err != nil {
			r.Launchers.Return(launcher, nil)
			return fail(fmt.Errorf("multipass: read audio: %w", err))
		}
		if len(pcm) == 0 {
			r.Launchers.Return(launcher, nil)
			log.Debug("multipass: span beyond end of audio", "span_start", s.Start)
			metrics.RecordSpan(ctx, outcomeSkipped, 0)
			finish(s, nil)
			continue
		}

		g.Go(func() error {
			defer r.Launchers.Return(launcher, nil)
			finish(s, r.refineGuarded(ctx, metrics, launcher, s, pcm, words, ref))
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("multipass: %w", err)
	}

	// Splice back to front so earlier runs keep their indices.
	out := slices.Clone(words)
	for i := len(eligible) - 1; i >= 0; i-- {
		s := eligible[i]
		if repl, ok := results[s.First]; ok {
			out = slices.Replace(out, s.First, s.Last, repl...)
		}
	}
	span.SetAttributes(attribute.Int("multipass.replaced", len(results)))
	log.Info("multipass: pass done", "spans", len(eligible), "replaced", len(results))
	return out, nil
}

// refineGuarded re-decodes one span and returns its replacement words, or
// nil if the span keeps its original words.
func (r *Refiner) refineGuarded(ctx context.Context, metrics *observe.Metrics, l decoder.Launcher, s Span, pcm []byte, words []align.Word, ref *transcript.Sequence) []align.Word {
	ctx, span := observe.StartSpan(ctx, "multipass.span")
	defer span.End()
	span.SetAttributes(
		attribute.Float64("span.start", s.Start),
		attribute.Float64("span.end", s.End),
	)
	log := observe.Logger(ctx)

	begin := time.Now()
	var repl []align.Word
	run := func() error {
		var err error
		repl, err = r.refineSpan(ctx, l, s, pcm, words, ref)
		return err
	}
	var err error
	if r.Breaker != nil {
		err = r.Breaker.Execute(run)
	} else {
		err = run()
	}
	elapsed := time.Since(begin).Seconds()

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		metrics.RecordSpan(ctx, outcomeOpen, elapsed)
		return nil
	case err != nil:
		span.RecordError(err)
		log.Warn("multipass: span re-decode failed, keeping first pass", "span_start", s.Start, "span_end", s.End, "err", err)
		metrics.RecordSpan(ctx, outcomeError, elapsed)
		return nil
	}

	before := countMissing(words[s.First:s.Last])
	if after := countMissing(repl); after > before {
		log.Debug("multipass: span result rejected", "span_start", s.Start, "missing_before", before, "missing_after", after)
		metrics.RecordSpan(ctx, outcomeRejected, elapsed)
		return nil
	}
	metrics.RecordSpan(ctx, outcomeOK, elapsed)
	return repl
}

func (r *Refiner) refineSpan(ctx context.Context, l decoder.Launcher, s Span, pcm []byte, words []align.Word, ref *transcript.Sequence) ([]align.Word, error) {
	startOffset := words[s.First].StartOffset()
	endOffset := words[s.Last-1].EndOffset()
	sub := ref.Slice(startOffset, endOffset, r.Vocabulary)

	graphPath, cleanup, err := r.Compiler.Compile(ctx, lm.Build([][]string{sub.Normalized()}, r.LM))
	if err != nil {
		return nil, err
	}
	defer cleanup()

	w, err := l.Launch(ctx, graphPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if err := w.Stop(stopCtx); err != nil {
			observe.Logger(ctx).Debug("multipass: stop span decoder", "err", err)
		}
	}()

	if err := w.PushChunk(ctx, pcm); err != nil {
		return nil, err
	}
	toks, err := w.GetFinal(ctx)
	if err != nil {
		return nil, err
	}

	aligned := align.Align(toks, sub, r.Align)
	for i, word := range aligned {
		aligned[i] = word.Shift(s.Start, startOffset)
	}
	return aligned, nil
}

// spanReader hands out the PCM of consecutive, non-overlapping spans from a
// forward-only stream.
type spanReader struct {
	r          io.Reader
	sampleRate int
	pos        int64
	eof        bool
}

func (sr *spanReader) offset(t float64) int64 {
	return int64(math.Round(t*float64(sr.sampleRate))) * bytesPerSample
}

// read returns the bytes of s, truncated at end of stream.
func (sr *spanReader) read(s Span) ([]byte, error) {
	if sr.eof {
		return nil, nil
	}
	start, end := sr.offset(s.Start), sr.offset(s.End)
	if start > sr.pos {
		n, err := io.CopyN(io.Discard, sr.r, start-sr.pos)
		sr.pos += n
		if errors.Is(err, io.EOF) {
			sr.eof = true
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
	start = max(start, sr.pos)
	if end <= start {
		return nil, nil
	}

	buf := make([]byte, end-start)
	n, err := io.ReadFull(sr.r, buf)
	sr.pos += int64(n)
	switch {
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		sr.eof = true
	case err != nil:
		return nil, err
	}
	return buf[:n], nil
}
