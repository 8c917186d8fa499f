// Package mock provides test doubles for the decoder package interfaces.
//
// Worker replays scripted recognition results and records every chunk it was
// given. Launcher hands out Workers and records the graph each was launched on.
//
// Example:
//
//	w := &mock.Worker{Finals: [][]decoder.Token{{{Word: "hello", Start: 0, Duration: 0.4}}}}
//	_ = w.PushChunk(ctx, pcm)
//	tokens, _ := w.GetFinal(ctx)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/forcealign/pkg/decoder"
)

// Worker is a mock implementation of decoder.Worker.
type Worker struct {
	mu sync.Mutex

	// Name identifies the worker in tests.
	Name string

	// Finals is consumed in order by GetFinal. When exhausted, GetFinal
	// returns an empty result.
	Finals [][]decoder.Token

	// FinalFunc, if set, overrides Finals. It receives every chunk pushed
	// since the last GetFinal.
	FinalFunc func(chunks [][]byte) ([]decoder.Token, error)

	// PushErr, if non-nil, is returned from every PushChunk call.
	PushErr error

	// FinalErr, if non-nil, is returned from every GetFinal call.
	FinalErr error

	// DieOnFinal marks the worker dead when GetFinal is called, simulating a
	// crash mid-round.
	DieOnFinal bool

	// Block, if non-nil, makes GetFinal wait until it is closed or ctx ends.
	Block chan struct{}

	// Pushed records every chunk passed to PushChunk.
	Pushed [][]byte

	// ResetCalls counts calls to Reset.
	ResetCalls int

	// StopCalls counts calls to Stop.
	StopCalls int

	pending [][]byte
	dead    bool
}

// Compile-time interface check.
var _ decoder.Worker = (*Worker)(nil)

// PushChunk records the chunk and returns PushErr.
func (w *Worker) PushChunk(_ context.Context, pcm []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return decoder.ErrExited
	}
	c := make([]byte, len(pcm))
	copy(c, pcm)
	w.Pushed = append(w.Pushed, c)
	w.pending = append(w.pending, c)
	return w.PushErr
}

// GetFinal returns the next scripted result.
func (w *Worker) GetFinal(ctx context.Context) ([]decoder.Token, error) {
	w.mu.Lock()
	block := w.Block
	w.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	chunks := w.pending
	w.pending = nil
	if w.DieOnFinal {
		w.dead = true
		return nil, decoder.ErrExited
	}
	if w.dead {
		return nil, decoder.ErrExited
	}
	if w.FinalErr != nil {
		return nil, w.FinalErr
	}
	if w.FinalFunc != nil {
		return w.FinalFunc(chunks)
	}
	if len(w.Finals) == 0 {
		return nil, nil
	}
	next := w.Finals[0]
	w.Finals = w.Finals[1:]
	return next, nil
}

// Reset counts the call and drops pending chunks.
func (w *Worker) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ResetCalls++
	w.pending = nil
	if w.dead {
		return decoder.ErrExited
	}
	return nil
}

// Stop counts the call and marks the worker dead.
func (w *Worker) Stop(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.StopCalls++
	w.dead = true
	return nil
}

// Alive reports whether Stop has not been called and the worker has not
// crashed.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.dead
}

// Kill marks the worker dead. Thread-safe.
func (w *Worker) Kill() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dead = true
}

// Stopped reports how many times Stop was called. Thread-safe.
func (w *Worker) Stopped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.StopCalls
}

// LaunchCall records a single invocation of Launcher.Launch.
type LaunchCall struct {
	Graph string
}

// Launcher is a mock implementation of decoder.Launcher.
type Launcher struct {
	mu sync.Mutex

	// NewWorker builds the worker returned for a launch. If nil, an empty
	// Worker is returned.
	NewWorker func(graph string) (*Worker, error)

	// Calls records every Launch invocation.
	Calls []LaunchCall

	// Workers records every worker handed out.
	Workers []*Worker
}

// Compile-time interface check.
var _ decoder.Launcher = (*Launcher)(nil)

// Launch records the call and returns a worker from NewWorker.
func (l *Launcher) Launch(ctx context.Context, graph string) (decoder.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.Calls = append(l.Calls, LaunchCall{Graph: graph})
	newWorker := l.NewWorker
	l.mu.Unlock()

	w := &Worker{}
	if newWorker != nil {
		var err error
		if w, err = newWorker(graph); err != nil {
			return nil, err
		}
	}
	l.mu.Lock()
	l.Workers = append(l.Workers, w)
	l.mu.Unlock()
	return w, nil
}

// LaunchCount returns the number of Launch calls. Thread-safe.
func (l *Launcher) LaunchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Calls)
}
