// Package decoder talks to the external speech decoder over its line-oriented
// stdio protocol.
//
// The decoder is an opaque process started with a neural network directory and
// a compiled decoding graph. Audio is pushed in chunks of raw 16-bit PCM and the
// recognised words are collected with get-final:
//
//	push-chunk\n<sampleCount>\n<raw PCM>   ->  ok
//	get-final                              ->  word:/phone: lines ... done
//	reset                                  ->  (no reply)
//	stop                                   ->  process exits
//
// A [Worker] is exclusively owned by one caller at a time; [Process] is the
// implementation backed by a real child process.
package decoder

import (
	"context"
	"errors"
	"math"
)

var (
	// ErrProtocol is returned when the decoder replies with a line that does
	// not fit the protocol state. The round is lost; [Worker.Reset]
	// re-synchronises the worker for the next round.
	ErrProtocol = errors.New("decoder: protocol desync")

	// ErrExited is returned when the decoder process is no longer running.
	ErrExited = errors.New("decoder: process exited")
)

// Phone is a single phoneme inside a decoded word.
type Phone struct {
	Label    string  `json:"phone"`
	Duration float64 `json:"duration"`
}

// Token is one word recognised by the decoder. Times are in seconds relative
// to the start of the audio that was pushed.
type Token struct {
	Word     string
	Start    float64
	Duration float64
	Phones   []Phone
}

// End returns the end time of the token.
func (t Token) End() float64 { return t.Start + t.Duration }

// Shift returns a copy of t moved by offset seconds.
func (t Token) Shift(offset float64) Token {
	t.Start += offset
	return t
}

// Corresponds reports whether t and o are the same word decoded at the same
// place in the audio, within a tolerance of a tenth of their combined
// duration. Used to collapse duplicates decoded by overlapping chunks.
func (t Token) Corresponds(o Token) bool {
	if t.Word != o.Word {
		return false
	}
	total := t.Duration + o.Duration
	if total <= 0 {
		return t.Start == o.Start
	}
	return math.Abs(t.Start-o.Start)/total < 0.1
}

// Worker is a handle to one live decoder.
//
// Implementations are not safe for concurrent use; the pool hands a worker to
// exactly one caller at a time.
type Worker interface {
	// PushChunk sends raw little-endian 16-bit mono PCM to the decoder.
	PushChunk(ctx context.Context, pcm []byte) error

	// GetFinal returns every word recognised since the last reset and resets
	// the decoder for the next round.
	GetFinal(ctx context.Context) ([]Token, error)

	// Reset discards decoder state and any unread protocol output.
	Reset() error

	// Stop terminates the decoder. Calling Stop more than once is safe.
	Stop(ctx context.Context) error

	// Alive reports whether the decoder can still serve requests.
	Alive() bool
}

// Launcher starts decoder workers bound to a decoding graph.
type Launcher interface {
	Launch(ctx context.Context, graph string) (Worker, error)
}

// LauncherFunc adapts a function to the [Launcher] interface.
type LauncherFunc func(ctx context.Context, graph string) (Worker, error)

// Launch calls f(ctx, graph).
func (f LauncherFunc) Launch(ctx context.Context, graph string) (Worker, error) {
	return f(ctx, graph)
}
