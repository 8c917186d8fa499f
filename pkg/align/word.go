// Package align turns decoder hypotheses into word-level alignments against a
// reference transcript.
//
// A [Word] is a tagged value: its [Case] decides which parts are populated.
// Success words carry both the reference token and the decoded timing,
// not-found-in-audio words carry only the reference token, and
// not-found-in-transcript words carry only the decoded timing. Words are
// immutable; operations that adjust them return new values.
package align

import (
	"slices"

	"github.com/MrWong99/forcealign/pkg/decoder"
	"github.com/MrWong99/forcealign/pkg/transcript"
)

// Case classifies how a word was aligned.
type Case string

const (
	// Success: the reference word was found in the audio.
	Success Case = "success"

	// NotFoundInAudio: the reference word has no matching decoded word.
	NotFoundInAudio Case = "not-found-in-audio"

	// NotFoundInTranscript: a decoded word (a disfluency) with no reference word.
	NotFoundInTranscript Case = "not-found-in-transcript"
)

// Word is one entry of an alignment.
type Word struct {
	c   Case
	ref transcript.Token
	hyp decoder.Token
}

// NewSuccess returns a word matching ref to the decoded token hyp.
func NewSuccess(ref transcript.Token, hyp decoder.Token) Word {
	return Word{c: Success, ref: ref, hyp: hyp}
}

// NewNotFoundInAudio returns an untimed word for ref.
func NewNotFoundInAudio(ref transcript.Token) Word {
	return Word{c: NotFoundInAudio, ref: ref}
}

// NewNotFoundInTranscript returns a timed word with no reference position.
func NewNotFoundInTranscript(hyp decoder.Token) Word {
	return Word{c: NotFoundInTranscript, hyp: hyp}
}

// Case reports the word's alignment case.
func (w Word) Case() Case { return w.c }

// HasReference reports whether the word belongs to the reference transcript.
func (w Word) HasReference() bool { return w.c == Success || w.c == NotFoundInAudio }

// HasTiming reports whether the word carries decoded timing.
func (w Word) HasTiming() bool { return w.c == Success || w.c == NotFoundInTranscript }

// Word returns the display form: the transcript text for reference words, the
// decoded text otherwise.
func (w Word) Word() string {
	if w.HasReference() {
		return w.ref.Raw
	}
	return w.hyp.Word
}

// AlignedWord returns the decoded text, or "" for untimed words.
func (w Word) AlignedWord() string {
	if !w.HasTiming() {
		return ""
	}
	return w.hyp.Word
}

// StartOffset returns the rune offset of the word in the transcript.
func (w Word) StartOffset() int { return w.ref.Start }

// EndOffset returns the rune offset one past the word in the transcript.
func (w Word) EndOffset() int { return w.ref.End }

// Start returns the start time in seconds. Zero for untimed words.
func (w Word) Start() float64 { return w.hyp.Start }

// End returns the end time in seconds. Zero for untimed words.
func (w Word) End() float64 { return w.hyp.End() }

// Duration returns the decoded duration in seconds.
func (w Word) Duration() float64 { return w.hyp.Duration }

// Phones returns a copy of the decoded phones.
func (w Word) Phones() []decoder.Phone { return slices.Clone(w.hyp.Phones) }

// Reference returns the reference token. Only meaningful if HasReference.
func (w Word) Reference() transcript.Token { return w.ref }

// Hypothesis returns the decoded token. Only meaningful if HasTiming.
func (w Word) Hypothesis() decoder.Token { return w.hyp }

// Shift moves the word by time seconds and offset runes. Timing shifts apply
// only to timed words and offset shifts only to reference words.
func (w Word) Shift(time float64, offset int) Word {
	if w.HasTiming() {
		w.hyp = w.hyp.Shift(time)
	}
	if w.HasReference() {
		w.ref.Start += offset
		w.ref.End += offset
	}
	return w
}

// WithAlignment returns a word keeping w's reference token but taking the
// case and decoded data of from. Both words must have references.
func (w Word) WithAlignment(from Word) Word {
	return Word{c: from.c, ref: w.ref, hyp: from.hyp}
}

// Equal reports whether two words carry the same output data. The normalized
// form of the reference token is not compared.
func (w Word) Equal(o Word) bool {
	return w.c == o.c &&
		w.ref.Raw == o.ref.Raw &&
		w.ref.Start == o.ref.Start &&
		w.ref.End == o.ref.End &&
		w.hyp.Word == o.hyp.Word &&
		w.hyp.Start == o.hyp.Start &&
		w.hyp.Duration == o.hyp.Duration &&
		slices.Equal(w.hyp.Phones, o.hyp.Phones)
}
