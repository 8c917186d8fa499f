package aligner_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/forcealign/internal/aligner"
	"github.com/MrWong99/forcealign/internal/config"
	"github.com/MrWong99/forcealign/internal/observe"
	"github.com/MrWong99/forcealign/pkg/align"
	"github.com/MrWong99/forcealign/pkg/decoder"
	"github.com/MrWong99/forcealign/pkg/decoder/mock"
	"github.com/MrWong99/forcealign/pkg/lm"
	"github.com/MrWong99/forcealign/pkg/transcript"
)

const text = "Quick brown fox"

type fakeCompiler struct {
	mu      sync.Mutex
	graphs  int
	cleaned int
	err     error
}

func (c *fakeCompiler) Compile(context.Context, *lm.Graph) (string, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", func() {}, c.err
	}
	c.graphs++
	return fmt.Sprintf("graph-%d", c.graphs), func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cleaned++
	}, nil
}

// decoders recognise "quick" and "fox" on the first-pass graph and "brown"
// on any span graph.
func decoders() *mock.Launcher {
	return &mock.Launcher{NewWorker: func(graph string) (*mock.Worker, error) {
		return &mock.Worker{FinalFunc: func([][]byte) ([]decoder.Token, error) {
			if graph == "graph-1" {
				return []decoder.Token{
					{Word: "quick", Start: 0.1, Duration: 0.2},
					{Word: "fox", Start: 1.0, Duration: 0.3},
				}, nil
			}
			return []decoder.Token{{Word: "brown", Start: 0.05, Duration: 0.3}}, nil
		}}, nil
	}}
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Alignment: config.AlignmentConfig{
			Workers:     2,
			ChunkLength: 10,
			Overlap:     1,
			SampleRate:  100,
		},
	}
	config.ApplyDefaults(cfg)
	cfg.Alignment.MinChunkBytes = 0
	cfg.Multipass.MinSpan = 0.1
	return cfg
}

func testResources() *aligner.Resources {
	return &aligner.Resources{
		Vocabulary: transcript.NewVocabulary("quick", "brown", "fox"),
		OOV:        transcript.DefaultOOV,
	}
}

func newAligner(t *testing.T, cfg *config.Config, opts ...aligner.Option) *aligner.Aligner {
	t.Helper()
	a, err := aligner.New(cfg, append([]aligner.Option{aligner.WithResources(testResources())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

// pcm returns 1.5 seconds of audio at 100Hz.
func pcm() *bytes.Reader { return bytes.NewReader(make([]byte, 300)) }

type recorder struct {
	mu     sync.Mutex
	events []aligner.Progress
}

func (r *recorder) record(p aligner.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *recorder) statuses() []aligner.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []aligner.Status
	for _, e := range r.events {
		if len(out) == 0 || out[len(out)-1] != e.Status {
			out = append(out, e.Status)
		}
	}
	return out
}

func TestAlign_FullPipeline(t *testing.T) {
	t.Parallel()
	l := decoders()
	c := &fakeCompiler{}
	a := newAligner(t, testConfig(), aligner.WithLauncher(l), aligner.WithCompiler(c))

	var rec recorder
	tr, err := a.Align(context.Background(), pcm(), text, rec.record)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}

	if tr.Transcript != text {
		t.Errorf("Transcript = %q", tr.Transcript)
	}
	if tr.Duration != 1.5 {
		t.Errorf("Duration = %v, want 1.5", tr.Duration)
	}
	want := []struct {
		word  string
		start float64
	}{{"Quick", 0.1}, {"brown", 0.35}, {"fox", 1.0}}
	if len(tr.Words) != len(want) {
		t.Fatalf("got %d words, want %d", len(tr.Words), len(want))
	}
	for i, w := range want {
		got := tr.Words[i]
		if got.Case() != align.Success || got.Word() != w.word || math.Abs(got.Start()-w.start) > 1e-9 {
			t.Errorf("word %d = %s %q @%v, want success %q @%v", i, got.Case(), got.Word(), got.Start(), w.word, w.start)
		}
	}

	wantStatuses := []aligner.Status{
		aligner.StatusTranscribing, aligner.StatusAligning, aligner.StatusRefining,
		aligner.StatusOptimizing, aligner.StatusOK,
	}
	if got := rec.statuses(); fmt.Sprint(got) != fmt.Sprint(wantStatuses) {
		t.Errorf("statuses = %v, want %v", got, wantStatuses)
	}

	// Two stream workers plus one span decoder, all stopped.
	if n := l.LaunchCount(); n != 3 {
		t.Errorf("LaunchCount = %d, want 3", n)
	}
	for i, w := range l.Workers {
		if w.Stopped() == 0 {
			t.Errorf("worker %d was never stopped", i)
		}
	}
	if c.graphs != 2 || c.cleaned != 2 {
		t.Errorf("compiled %d graphs, cleaned %d; want 2 and 2", c.graphs, c.cleaned)
	}
}

func TestAlign_MultipassDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	off := false
	cfg.Multipass.Enabled = &off
	l := decoders()
	a := newAligner(t, cfg, aligner.WithLauncher(l), aligner.WithCompiler(&fakeCompiler{}))

	tr, err := a.Align(context.Background(), pcm(), text, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if got := tr.Words[1].Case(); got != align.NotFoundInAudio {
		t.Errorf("brown = %s, want not-found-in-audio", got)
	}
	if n := l.LaunchCount(); n != 2 {
		t.Errorf("LaunchCount = %d, want 2", n)
	}
}

func TestAlign_UpdateAppliesToNextRun(t *testing.T) {
	t.Parallel()
	l := decoders()
	a := newAligner(t, testConfig(), aligner.WithLauncher(l), aligner.WithCompiler(&fakeCompiler{}))

	cfg := testConfig()
	cfg.Alignment.Workers = 1
	off := false
	cfg.Multipass.Enabled = &off
	a.Update(cfg)

	if _, err := a.Align(context.Background(), pcm(), text, nil); err != nil {
		t.Fatalf("Align: %v", err)
	}
	if n := l.LaunchCount(); n != 1 {
		t.Errorf("LaunchCount = %d, want 1", n)
	}
}

func TestAlign_EmptyTranscript(t *testing.T) {
	t.Parallel()
	l := decoders()
	c := &fakeCompiler{}
	a := newAligner(t, testConfig(), aligner.WithLauncher(l), aligner.WithCompiler(c))

	var rec recorder
	tr, err := a.Align(context.Background(), pcm(), "  ", rec.record)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if len(tr.Words) != 0 || tr.Transcript != "  " {
		t.Errorf("transcription = %+v, want no words", tr)
	}
	if math.Abs(tr.Duration-1.5) > 1e-9 {
		t.Errorf("Duration = %v, want 1.5", tr.Duration)
	}
	if n := l.LaunchCount(); n != 0 {
		t.Errorf("LaunchCount = %d, want 0", n)
	}
	if c.graphs != 0 {
		t.Errorf("compiled %d graphs, want 0", c.graphs)
	}
	if got := rec.statuses(); len(got) != 1 || got[0] != aligner.StatusOK {
		t.Errorf("statuses = %v, want [OK]", got)
	}
}

func TestAlign_CompileError(t *testing.T) {
	t.Parallel()
	l := decoders()
	a := newAligner(t, testConfig(), aligner.WithLauncher(l), aligner.WithCompiler(&fakeCompiler{err: errors.New("no disk")}))

	if _, err := a.Align(context.Background(), pcm(), text, nil); err == nil {
		t.Fatal("expected error")
	}
	if n := l.LaunchCount(); n != 0 {
		t.Errorf("LaunchCount = %d, want 0", n)
	}
}

func TestAlign_LaunchFailureStopsStartedWorkers(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	l := &mock.Launcher{NewWorker: func(string) (*mock.Worker, error) {
		if calls.Add(1) == 2 {
			return nil, errors.New("exec format error")
		}
		return &mock.Worker{}, nil
	}}
	a := newAligner(t, testConfig(), aligner.WithLauncher(l), aligner.WithCompiler(&fakeCompiler{}))

	if _, err := a.Align(context.Background(), pcm(), text, nil); err == nil {
		t.Fatal("expected error")
	}
	for i, w := range l.Workers {
		if w.Stopped() == 0 {
			t.Errorf("worker %d was left running", i)
		}
	}
}

func TestAlign_RecordsMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	a := newAligner(t, testConfig(),
		aligner.WithLauncher(decoders()), aligner.WithCompiler(&fakeCompiler{}), aligner.WithMetrics(m))
	if _, err := a.Align(context.Background(), pcm(), text, nil); err != nil {
		t.Fatalf("Align: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			found[met.Name] = true
		}
	}
	for _, name := range []string{
		"forcealign.alignments", "forcealign.chunks", "forcealign.spans",
		"forcealign.graph_compile.duration",
	} {
		if !found[name] {
			t.Errorf("metric %q not recorded", name)
		}
	}
}

func TestNew_MissingResources(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Resources = config.ResourcesConfig{
		Root:          t.TempDir(),
		DecoderBinary: "bin/decoder",
		Vocabulary:    "words.txt",
	}
	_, err := aligner.New(cfg)
	if !errors.Is(err, config.ErrMissingResource) {
		t.Errorf("err = %v, want ErrMissingResource", err)
	}
}

func TestLoadResources(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	for _, name := range []string{"decoder", "compiler"} {
		if err := os.WriteFile(filepath.Join(root, name), nil, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(root, "lang"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "words.txt"), []byte("<eps> 0\nhello 1\nworld 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := aligner.LoadResources(config.ResourcesConfig{
		Root:                root,
		DecoderBinary:       "decoder",
		GraphCompilerBinary: "compiler",
		ProtoLangDir:        "lang",
		Vocabulary:          "words.txt",
		OOVTerm:             "<unk>",
	})
	if err != nil {
		t.Fatalf("LoadResources: %v", err)
	}
	if res.DecoderBinary != filepath.Join(root, "decoder") {
		t.Errorf("DecoderBinary = %q", res.DecoderBinary)
	}
	if !res.Vocabulary.Contains("hello") || res.Vocabulary.Len() != 3 {
		t.Errorf("vocabulary = %v", res.Vocabulary)
	}
}

func TestClose_ReleasesSlots(t *testing.T) {
	t.Parallel()
	a := newAligner(t, testConfig(), aligner.WithLauncher(decoders()), aligner.WithCompiler(&fakeCompiler{}))
	if got := a.Slots(); got != 2 {
		t.Errorf("Slots = %d, want 2", got)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := a.Slots(); got != 0 {
		t.Errorf("Slots after Close = %d, want 0", got)
	}
}
