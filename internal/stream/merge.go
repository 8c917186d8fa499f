package stream

import (
	"cmp"
	"slices"

	"github.com/MrWong99/forcealign/pkg/decoder"
)

// Chunk is the decode result of one audio window. Token times are relative
// to Start.
type Chunk struct {
	Start  float64
	Tokens []decoder.Token
}

// Merge combines chunk results into one time-ordered token list.
//
// At cut points the audio often holds part of a word that decodes as some
// other word, so words within the trim margin of a cut are dropped; the
// overlap covers them. The margin is min(overlap/4, 0.5s). Chunks may be given
// in any order. Duplicates decoded by two overlapping chunks are collapsed.
func Merge(chunks []Chunk, chunkLength, overlap float64) []decoder.Token {
	sorted := slices.Clone(chunks)
	slices.SortStableFunc(sorted, func(a, b Chunk) int { return cmp.Compare(a.Start, b.Start) })

	trim := min(0.25*overlap, 0.5)

	var words []decoder.Token
	for i, c := range sorted {
		toks := make([]decoder.Token, len(c.Tokens))
		for j, t := range c.Tokens {
			toks[j] = t.Shift(c.Start)
		}

		if i > 0 {
			for len(toks) > 1 && toks[0].End() <= c.Start+trim {
				toks = toks[1:]
			}
		}
		if i < len(sorted)-1 {
			end := c.Start + chunkLength
			for len(toks) > 1 && toks[len(toks)-1].Start >= end-trim {
				toks = toks[:len(toks)-1]
			}
		}
		words = append(words, toks...)
	}

	slices.SortStableFunc(words, func(a, b decoder.Token) int { return cmp.Compare(a.Start, b.Start) })

	// Of two adjacent corresponding words keep the later one.
	out := words[:0]
	for i, w := range words {
		if i+1 < len(words) && w.Corresponds(words[i+1]) {
			continue
		}
		out = append(out, w)
	}
	return out
}
