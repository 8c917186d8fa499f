// Package multipass re-decodes the stretches of audio where the first pass
// could not place reference words. Each stretch gets its own small language
// model built from just the missing words, which usually lets the decoder find
// them.
package multipass

import "github.com/MrWong99/forcealign/pkg/align"

// Span is a maximal run of not-found-in-audio words together with the audio
// between the surrounding successfully aligned words.
type Span struct {
	// First and Last delimit the run in the word list, [First, Last).
	// Not-found-in-transcript words inside the run belong to it.
	First, Last int

	// Start and End are in seconds. Start is the end of the preceding
	// success (or 0) and End the start of the following one (or the audio
	// duration).
	Start, End float64
}

// Duration returns the length of the span's audio in seconds.
func (s Span) Duration() float64 { return s.End - s.Start }

// FindSpans returns the spans of words in order. duration bounds a trailing
// run.
func FindSpans(words []align.Word, duration float64) []Span {
	var (
		spans   []Span
		lastEnd float64
		first   = -1
		last    int
	)
	for i, w := range words {
		switch w.Case() {
		case align.NotFoundInAudio:
			if first < 0 {
				first = i
			}
			last = i + 1
		case align.Success:
			if first >= 0 {
				spans = append(spans, Span{First: first, Last: last, Start: lastEnd, End: w.Start()})
				first = -1
			}
			lastEnd = w.End()
		}
	}
	if first >= 0 {
		spans = append(spans, Span{First: first, Last: last, Start: lastEnd, End: duration})
	}
	return spans
}

func countMissing(words []align.Word) int {
	n := 0
	for _, w := range words {
		if w.Case() == align.NotFoundInAudio {
			n++
		}
	}
	return n
}
