// Package transcript turns a reference transcript into the parallel token
// views the alignment pipeline works on.
//
// Every [Token] carries the text exactly as it appears in the transcript (used
// for display), a normalised form compatible with the decoder's vocabulary, and
// its rune offsets into the source text. A [Sequence] is read-only after
// construction and safe for concurrent use.
package transcript

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// wordPattern matches runs of word characters. An apostrophe (straight or
// curly) is part of the word only when followed by another word character.
var wordPattern = regexp.MustCompile(`(?:[\p{L}\p{N}_]|[’'][\p{L}\p{N}_])+`)

// Token is a single word extracted from a transcript.
type Token struct {
	// Raw is the word as written in the transcript.
	Raw string

	// Normalized is the decoder form: lower-cased, curly apostrophes folded, or
	// the OOV marker when the word is not in the vocabulary.
	Normalized string

	// Start and End are rune offsets into the source text, End exclusive.
	Start int
	End   int
}

// Sequence is the ordered tokenisation of a transcript.
type Sequence struct {
	text   string
	oov    string
	tokens []Token
}

// Option configures [Tokenize].
type Option func(*options)

type options struct {
	oov string
}

// WithOOV overrides the out-of-vocabulary marker. Empty values are ignored.
func WithOOV(term string) Option {
	return func(o *options) {
		if term != "" {
			o.oov = term
		}
	}
}

// Tokenize splits text into word tokens and normalises each against vocab.
// Empty input yields an empty sequence.
func Tokenize(text string, vocab Vocabulary, opts ...Option) *Sequence {
	o := options{oov: DefaultOOV}
	for _, opt := range opts {
		opt(&o)
	}

	seq := &Sequence{text: text, oov: o.oov}
	matches := wordPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return seq
	}
	seq.tokens = make([]Token, 0, len(matches))

	// Byte offsets from the regexp are converted to rune offsets while walking
	// forward, so the total conversion cost stays linear.
	bytePos, runePos := 0, 0
	for _, m := range matches {
		runePos += utf8.RuneCountInString(text[bytePos:m[0]])
		start := runePos
		raw := text[m[0]:m[1]]
		runePos += utf8.RuneCountInString(raw)
		bytePos = m[1]

		seq.tokens = append(seq.tokens, Token{
			Raw:        raw,
			Normalized: Normalize(raw, vocab, o.oov),
			Start:      start,
			End:        runePos,
		})
	}
	return seq
}

// Normalize maps a transcript word onto the decoder's vocabulary.
func Normalize(word string, vocab Vocabulary, oov string) string {
	norm := strings.ToLower(word)
	norm = strings.ReplaceAll(norm, "’", "'")
	if norm != "" && !vocab.Contains(norm) {
		return oov
	}
	return norm
}

// Text returns the source text of the sequence.
func (s *Sequence) Text() string { return s.text }

// OOV returns the out-of-vocabulary marker this sequence was normalised with.
func (s *Sequence) OOV() string { return s.oov }

// Len returns the number of tokens.
func (s *Sequence) Len() int { return len(s.tokens) }

// Token returns the i-th token.
func (s *Sequence) Token(i int) Token { return s.tokens[i] }

// Tokens returns a copy of the token list.
func (s *Sequence) Tokens() []Token {
	out := make([]Token, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// Normalized returns the decoder-form token sequence.
func (s *Sequence) Normalized() []string {
	out := make([]string, len(s.tokens))
	for i, t := range s.tokens {
		out[i] = t.Normalized
	}
	return out
}

// Display returns the tokens as written in the transcript.
func (s *Sequence) Display() []string {
	out := make([]string, len(s.tokens))
	for i, t := range s.tokens {
		out[i] = t.Raw
	}
	return out
}

// Offsets returns the [start, end) rune offsets of every token.
func (s *Sequence) Offsets() [][2]int {
	out := make([][2]int, len(s.tokens))
	for i, t := range s.tokens {
		out[i] = [2]int{t.Start, t.End}
	}
	return out
}

// Slice returns the sub-sequence covering the transcript text between rune
// offsets start and end, re-tokenised against vocab. Token offsets in the
// result are relative to start.
func (s *Sequence) Slice(start, end int, vocab Vocabulary) *Sequence {
	runes := []rune(s.text)
	start = max(0, min(start, len(runes)))
	end = max(start, min(end, len(runes)))
	return Tokenize(string(runes[start:end]), vocab, WithOOV(s.oov))
}
