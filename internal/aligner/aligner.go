// Package aligner runs the complete forced-alignment pipeline for one audio
// file and transcript: tokenise, compile a transcript-specific decoding graph,
// stream the audio through pooled decoders, align the hypothesis with the
// transcript, re-decode the gaps and tidy up the result.
package aligner

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/forcealign/internal/config"
	"github.com/MrWong99/forcealign/internal/multipass"
	"github.com/MrWong99/forcealign/internal/observe"
	"github.com/MrWong99/forcealign/internal/pool"
	"github.com/MrWong99/forcealign/internal/resilience"
	"github.com/MrWong99/forcealign/internal/stream"
	"github.com/MrWong99/forcealign/pkg/align"
	"github.com/MrWong99/forcealign/pkg/decoder"
	"github.com/MrWong99/forcealign/pkg/lm"
	"github.com/MrWong99/forcealign/pkg/transcript"
)

// shutdownTimeout bounds stopping the decoders of a finished pass.
const shutdownTimeout = 10 * time.Second

// Status is the pipeline stage reported through [Progress].
type Status string

const (
	StatusTranscribing Status = "TRANSCRIBING"
	StatusAligning     Status = "ALIGNING"
	StatusRefining     Status = "REFINING"
	StatusOptimizing   Status = "OPTIMIZING"
	StatusOK           Status = "OK"
	StatusError        Status = "ERROR"
)

// Progress is one pipeline progress event. Percent is the fraction of the
// current stage that is done, in [0, 1].
type Progress struct {
	Status  Status
	Message string
	Percent float64
}

// Option configures an [Aligner].
type Option func(*Aligner)

// WithLauncher replaces the decoder process launcher.
func WithLauncher(l decoder.Launcher) Option {
	return func(a *Aligner) { a.launcher = l }
}

// WithCompiler replaces the decoding graph compiler.
func WithCompiler(c multipass.GraphCompiler) Option {
	return func(a *Aligner) { a.compiler = c }
}

// WithResources supplies already loaded resources, skipping the checks and
// vocabulary load of [New].
func WithResources(res *Resources) Option {
	return func(a *Aligner) { a.res = res }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Aligner) { a.metrics = m }
}

// Aligner aligns transcripts against audio. It is safe for concurrent use;
// every call to [Aligner.Align] starts its own decoder workers.
type Aligner struct {
	res      *Resources
	launcher decoder.Launcher
	compiler multipass.GraphCompiler
	metrics  *observe.Metrics

	// spans limits multipass re-decodes across all concurrent runs.
	spans *pool.Pool[decoder.Launcher]

	mu        sync.RWMutex
	alignment config.AlignmentConfig
	multipass config.MultipassConfig
}

// New builds an Aligner from cfg. Unless [WithResources] is given, the
// configured resources are checked and loaded first, so a broken install
// fails here rather than mid-pipeline.
func New(cfg *config.Config, opts ...Option) (*Aligner, error) {
	a := &Aligner{
		alignment: cfg.Alignment,
		multipass: cfg.Multipass,
	}
	for _, o := range opts {
		o(a)
	}
	if a.res == nil {
		res, err := LoadResources(cfg.Resources)
		if err != nil {
			return nil, err
		}
		a.res = res
	}
	if a.launcher == nil {
		a.launcher = &decoder.ProcessLauncher{Binary: a.res.DecoderBinary, NnetDir: a.res.NnetDir}
	}
	if a.compiler == nil {
		a.compiler = &lm.Compiler{Binary: a.res.GraphCompilerBinary, ProtoLangDir: a.res.ProtoLangDir}
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.alignment.Workers < 1 {
		return nil, fmt.Errorf("aligner: workers must be at least 1, got %d", a.alignment.Workers)
	}

	launchers := make([]decoder.Launcher, a.alignment.Workers)
	for i := range launchers {
		launchers[i] = a.launcher
	}
	a.spans = pool.New(launchers,
		pool.WithName[decoder.Launcher]("multipass"),
		pool.WithObserver[decoder.Launcher](a.metrics.PoolObserver("multipass")),
	)
	return a, nil
}

// Update applies hot-reloadable settings to subsequent runs. Multipass
// concurrency stays at the worker count given to [New].
func (a *Aligner) Update(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alignment = cfg.Alignment
	a.multipass = cfg.Multipass
}

func (a *Aligner) settings() (config.AlignmentConfig, config.MultipassConfig) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.alignment, a.multipass
}

// Slots returns the number of multipass decoder slots; zero after Close.
func (a *Aligner) Slots() int { return a.spans.Size() }

// Close releases the multipass slots. Runs in progress finish normally.
func (a *Aligner) Close(ctx context.Context) error {
	return a.spans.Close(ctx)
}

// Align aligns text against audio, which must be canonical PCM at the
// configured sample rate. audio is rewound for the multipass stage. progress,
// if set, receives stage events; its calls are serialised.
func (a *Aligner) Align(ctx context.Context, audio io.ReadSeeker, text string, progress func(Progress)) (tr *align.Transcription, err error) {
	begin := time.Now()
	ctx, span := observe.StartSpan(ctx, "aligner.Align")
	defer span.End()
	log := observe.Logger(ctx)

	var progressMu sync.Mutex
	report := func(status Status, msg string, percent float64) {
		if progress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		progress(Progress{Status: status, Message: msg, Percent: percent})
	}
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			report(StatusError, err.Error(), 0)
		}
		a.metrics.RecordAlignment(ctx, status, time.Since(begin).Seconds())
	}()

	opts, mp := a.settings()
	ref := transcript.Tokenize(text, a.res.Vocabulary, transcript.WithOOV(a.res.OOV))
	lmOpts := lm.Options{
		Conservative: opts.Conservative,
		Disfluency:   opts.Disfluency,
		Disfluencies: opts.Disfluencies,
		OOV:          a.res.OOV,
	}
	alignOpts := align.Options{Disfluency: opts.Disfluency, Disfluencies: opts.Disfluencies}
	span.SetAttributes(attribute.Int("aligner.tokens", ref.Len()))

	if ref.Len() == 0 {
		duration, err := streamDuration(audio, opts.SampleRate)
		if err != nil {
			return nil, err
		}
		log.Info("aligner: empty transcript, nothing to align", "duration", duration)
		report(StatusOK, "", 1)
		return &align.Transcription{Transcript: text, Duration: duration}, nil
	}

	report(StatusTranscribing, "compiling decoding graph", 0)
	graph, cleanup, err := a.graph(ctx, ref, lmOpts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	result, err := a.transcribe(ctx, audio, graph, opts, report)
	if err != nil {
		return nil, err
	}

	report(StatusAligning, "", 0)
	words := align.Align(result.Tokens, ref, alignOpts)

	if mp.IsEnabled() {
		report(StatusRefining, "", 0)
		if _, err := audio.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("aligner: rewind audio: %w", err)
		}
		refiner := &multipass.Refiner{
			Launchers:  a.spans,
			Compiler:   a.compiler,
			Vocabulary: a.res.Vocabulary,
			LM:         lmOpts,
			Align:      alignOpts,
			MinSpan:    mp.MinSpan,
			MaxSpan:    mp.MaxSpan,
			SampleRate: opts.SampleRate,
			Breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
				Name:        "multipass",
				MaxFailures: mp.BreakerFailures,
			}),
			OnSpan: func(done, total int) {
				report(StatusRefining, fmt.Sprintf("span %d/%d", done, total), float64(done)/float64(total))
			},
			Metrics: a.metrics,
		}
		if words, err = refiner.Refine(ctx, audio, words, ref, result.Duration); err != nil {
			return nil, fmt.Errorf("aligner: %w", err)
		}
	}

	report(StatusOptimizing, "", 0)
	words = align.Optimize(words, result.Duration)

	tr = &align.Transcription{Transcript: text, Words: words, Duration: result.Duration}
	st := tr.Stats()
	log.Info("aligner: done",
		"duration", result.Duration,
		"words", st.Total,
		"success", st.Success,
		"not_found_in_audio", st.NotFoundInAudio,
		"not_found_in_transcript", st.NotFoundInTranscript,
		"elapsed", time.Since(begin),
	)
	report(StatusOK, "", 1)
	return tr, nil
}

// streamDuration returns the length in seconds of the canonical PCM in audio
// and leaves it rewound.
func streamDuration(audio io.Seeker, rate int) (float64, error) {
	size, err := audio.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("aligner: measure audio: %w", err)
	}
	if _, err := audio.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("aligner: rewind audio: %w", err)
	}
	return float64(size/2) / float64(rate), nil
}

// graph compiles the first-pass decoding graph from the transcript.
func (a *Aligner) graph(ctx context.Context, ref *transcript.Sequence, opts lm.Options) (string, func(), error) {
	begin := time.Now()
	g := lm.Build([][]string{ref.Normalized()}, opts)
	path, cleanup, err := a.compiler.Compile(ctx, g)
	a.metrics.CompileDuration.Record(ctx, time.Since(begin).Seconds())
	if err != nil {
		return "", nil, fmt.Errorf("aligner: compile graph: %w", err)
	}
	return path, cleanup, nil
}

// transcribe runs the streaming pass on a fresh worker pool bound to graph.
// The workers are stopped before it returns.
func (a *Aligner) transcribe(ctx context.Context, audio io.Reader, graph string, opts config.AlignmentConfig, report func(Status, string, float64)) (stream.Result, error) {
	workers, err := a.launch(ctx, graph, opts.Workers)
	if err != nil {
		return stream.Result{}, err
	}
	p := pool.New(workers,
		pool.WithName[decoder.Worker]("stream"),
		pool.WithHealth(decoder.Worker.Alive),
		pool.WithReplace(func(ctx context.Context) (decoder.Worker, error) {
			return a.launcher.Launch(ctx, graph)
		}),
		pool.WithStop(func(ctx context.Context, w decoder.Worker) error {
			return w.Stop(ctx)
		}),
		pool.WithObserver[decoder.Worker](a.metrics.PoolObserver("stream")),
	)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := p.Close(stopCtx); err != nil {
			observe.Logger(ctx).Warn("aligner: stopping decoders", "err", err)
		}
	}()

	t := &stream.Transcriber{
		Pool:          p,
		ChunkLength:   opts.ChunkLength,
		Overlap:       opts.Overlap,
		SampleRate:    opts.SampleRate,
		MinChunkBytes: opts.MinChunkBytes,
		OnChunk: func(done, total int, _ []decoder.Token) {
			pct := 0.0
			if total > 0 {
				pct = min(float64(done)/float64(total), 1)
			}
			report(StatusTranscribing, fmt.Sprintf("chunk %d/%d", done, total), pct)
		},
		Metrics: a.metrics,
	}
	result, err := t.Transcribe(ctx, audio)
	if err != nil {
		return stream.Result{}, fmt.Errorf("aligner: %w", err)
	}
	return result, nil
}

// launch starts n workers on graph. If any fails, the ones already running
// are stopped.
func (a *Aligner) launch(ctx context.Context, graph string, n int) ([]decoder.Worker, error) {
	workers := make([]decoder.Worker, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error {
			w, err := a.launcher.Launch(gctx, graph)
			if err != nil {
				return err
			}
			workers[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		for _, w := range workers {
			if w != nil {
				_ = w.Stop(stopCtx)
			}
		}
		return nil, fmt.Errorf("aligner: launch decoders: %w", err)
	}
	return workers, nil
}
