package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/forcealign/internal/pool"
	"github.com/MrWong99/forcealign/pkg/decoder"
	"github.com/MrWong99/forcealign/pkg/decoder/mock"
)

func tok(word string, start, end float64) decoder.Token {
	return decoder.Token{Word: word, Start: start, Duration: end - start}
}

func words(toks []decoder.Token) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.Word
	}
	return out
}

func equalWords(t *testing.T, got []decoder.Token, want ...string) {
	t.Helper()
	g := words(got)
	if len(g) != len(want) {
		t.Fatalf("got words %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("got words %v, want %v", g, want)
		}
	}
}

func TestMerge_CollapsesOverlapDuplicates(t *testing.T) {
	// Two 10s chunks overlapping by 2s; "fox" near 8.5s is decoded by both.
	chunks := []Chunk{
		{Start: 0, Tokens: []decoder.Token{tok("the", 1, 1.5), tok("fox", 8.5, 9), tok("jum", 9.9, 10)}},
		{Start: 8, Tokens: []decoder.Token{tok("ox", 0, 0.2), tok("fox", 0.5625, 1.0625), tok("jumps", 1.2, 1.8)}},
	}
	got := Merge(chunks, 10, 2)
	equalWords(t, got, "the", "fox", "jumps")
	if got[1].Start != 8.5625 {
		t.Errorf("kept fox at %v, want the later copy at 8.5625", got[1].Start)
	}
}

func TestMerge_OrderIndependent(t *testing.T) {
	a := Chunk{Start: 0, Tokens: []decoder.Token{tok("a", 0.5, 1), tok("b", 1.5, 2)}}
	b := Chunk{Start: 1.5, Tokens: []decoder.Token{tok("b", 0, 0.5), tok("c", 1, 1.4)}}
	in1 := Merge([]Chunk{a, b}, 2, 0.5)
	in2 := Merge([]Chunk{b, a}, 2, 0.5)
	equalWords(t, in1, words(in2)...)
}

func TestMerge_TrimsCutPoints(t *testing.T) {
	// trim = min(0.25*2, 0.5) = 0.5
	chunks := []Chunk{
		{Start: 0, Tokens: []decoder.Token{tok("one", 1, 2), tok("cut", 9.6, 10)}},
		{Start: 8, Tokens: []decoder.Token{tok("edge", 0, 0.4), tok("two", 3, 4)}},
	}
	got := Merge(chunks, 10, 2)
	equalWords(t, got, "one", "two")
}

func TestMerge_KeepsLastWordStanding(t *testing.T) {
	chunks := []Chunk{
		{Start: 0, Tokens: []decoder.Token{tok("a", 0, 1)}},
		{Start: 8, Tokens: []decoder.Token{tok("b", 0, 0.1)}},
		{Start: 16, Tokens: []decoder.Token{tok("c", 0, 1)}},
	}
	got := Merge(chunks, 10, 2)
	equalWords(t, got, "a", "b", "c")
}

func TestMerge_SingleChunkUntrimmed(t *testing.T) {
	got := Merge([]Chunk{{Start: 0, Tokens: []decoder.Token{tok("x", 0, 0.1), tok("y", 9.9, 10)}}}, 10, 2)
	equalWords(t, got, "x", "y")
}

func TestMerge_Empty(t *testing.T) {
	if got := Merge(nil, 10, 2); len(got) != 0 {
		t.Errorf("got %d words, want 0", len(got))
	}
}

// pcm returns n bytes whose value encodes the half-second block they belong to
// at a 100 Hz sample rate (200 bytes per second).
func pcm(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i / 100)
	}
	return b
}

// blockWorker returns a worker that reports one word per window, named after
// the half-second block the window starts in.
func blockWorker() *mock.Worker {
	return &mock.Worker{FinalFunc: func(chunks [][]byte) ([]decoder.Token, error) {
		return []decoder.Token{tok(fmt.Sprintf("w%d", chunks[0][0]), 0.5, 1)}, nil
	}}
}

func newPool(workers ...decoder.Worker) *pool.Pool[decoder.Worker] {
	return pool.New(workers, pool.WithHealth(func(w decoder.Worker) bool { return w.Alive() }))
}

func newTranscriber(p *pool.Pool[decoder.Worker]) *Transcriber {
	return &Transcriber{
		Pool:          p,
		ChunkLength:   2,
		Overlap:       0.5,
		SampleRate:    100,
		MinChunkBytes: 150,
	}
}

func TestTranscribe(t *testing.T) {
	w1, w2 := blockWorker(), blockWorker()
	tr := newTranscriber(newPool(w1, w2))

	var mu sync.Mutex
	var progress [][2]int
	tr.OnChunk = func(done, total int, _ []decoder.Token) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, [2]int{done, total})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := tr.Transcribe(ctx, bytes.NewReader(pcm(1000)))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	// Windows start at 0, 1.5, 3.0 and 4.5s; the last holds 100 bytes and is
	// below the threshold.
	equalWords(t, res.Tokens, "w0", "w3", "w6")
	if res.Tokens[1].Start != 2.0 {
		t.Errorf("w3 start = %v, want 2.0", res.Tokens[1].Start)
	}
	if res.Duration != 5 {
		t.Errorf("duration = %v, want 5", res.Duration)
	}
	if got := len(w1.Pushed) + len(w2.Pushed); got != 3 {
		t.Errorf("decoders received %d chunks, want 3", got)
	}
	for _, w := range []*mock.Worker{w1, w2} {
		for _, c := range w.Pushed {
			if len(c) != 400 {
				t.Errorf("pushed %d bytes, want 400", len(c))
			}
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progress) != 4 {
		t.Fatalf("got %d progress calls, want 4", len(progress))
	}
	if last := progress[len(progress)-1]; last != [2]int{4, 4} {
		t.Errorf("last progress = %v, want [4 4]", last)
	}
}

func TestTranscribe_ChunkFailureIsSilence(t *testing.T) {
	w := &mock.Worker{FinalFunc: func(chunks [][]byte) ([]decoder.Token, error) {
		if chunks[0][0] == 3 {
			return nil, decoder.ErrProtocol
		}
		return []decoder.Token{tok(fmt.Sprintf("w%d", chunks[0][0]), 0.5, 1)}, nil
	}}
	tr := newTranscriber(newPool(w))

	res, err := tr.Transcribe(context.Background(), bytes.NewReader(pcm(1000)))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	equalWords(t, res.Tokens, "w0", "w6")
	if w.ResetCalls == 0 {
		t.Error("worker was not reset after a failed round")
	}
}

func TestTranscribe_DeadWorkerDoesNotWedge(t *testing.T) {
	dying := blockWorker()
	dying.DieOnFinal = true
	p := newPool(dying, blockWorker())
	tr := newTranscriber(p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := tr.Transcribe(ctx, bytes.NewReader(pcm(2000))); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := p.Stats().Retired; got != 1 {
		t.Errorf("retired = %d, want 1", got)
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestTranscribe_ReadErrorIsFatal(t *testing.T) {
	errDisk := errors.New("disk on fire")
	tr := newTranscriber(newPool(blockWorker()))

	_, err := tr.Transcribe(context.Background(), &failingReader{data: pcm(500), err: errDisk})
	if !errors.Is(err, errDisk) {
		t.Fatalf("err = %v, want %v", err, errDisk)
	}
}

func TestTranscribe_AllSilent(t *testing.T) {
	w := blockWorker()
	tr := newTranscriber(newPool(w))

	res, err := tr.Transcribe(context.Background(), bytes.NewReader(pcm(100)))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(res.Tokens) != 0 || len(w.Pushed) != 0 {
		t.Errorf("short audio reached the decoder: %d tokens, %d chunks", len(res.Tokens), len(w.Pushed))
	}
	if res.Duration != 0.5 {
		t.Errorf("duration = %v, want 0.5", res.Duration)
	}
}

func TestTranscribe_EmptyStream(t *testing.T) {
	tr := newTranscriber(newPool(blockWorker()))
	res, err := tr.Transcribe(context.Background(), bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(res.Tokens) != 0 || res.Duration != 0 {
		t.Errorf("got %+v, want empty result", res)
	}
}

func TestTranscribe_ContextCancel(t *testing.T) {
	w := blockWorker()
	w.Block = make(chan struct{})
	tr := newTranscriber(newPool(w))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Transcribe(ctx, bytes.NewReader(pcm(1000)))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestTranscribe_Validate(t *testing.T) {
	tests := []struct {
		name string
		tr   Transcriber
	}{
		{"no pool", Transcriber{ChunkLength: 2, SampleRate: 100}},
		{"overlap too large", Transcriber{Pool: newPool(), ChunkLength: 2, Overlap: 2, SampleRate: 100}},
		{"no sample rate", Transcriber{Pool: newPool(), ChunkLength: 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.tr.Transcribe(context.Background(), io.LimitReader(nil, 0)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
