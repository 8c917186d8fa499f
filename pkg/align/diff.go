package align

import (
	"slices"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/MrWong99/forcealign/pkg/decoder"
	"github.com/MrWong99/forcealign/pkg/transcript"
)

// OpTag is the kind of a single-word edit.
type OpTag byte

const (
	Equal   OpTag = 'e'
	Replace OpTag = 'r'
	Delete  OpTag = 'd'
	Insert  OpTag = 'i'
)

// String returns the difflib-style name of the tag.
func (t OpTag) String() string {
	switch t {
	case Equal:
		return "equal"
	case Replace:
		return "replace"
	case Delete:
		return "delete"
	case Insert:
		return "insert"
	}
	return "unknown"
}

// Opcode is a single-word edit between a hypothesis and a reference. A is the
// hypothesis index and B the reference index; for Delete, B is the reference
// position the deleted word sits before, and for Insert, A is likewise the
// hypothesis position.
type Opcode struct {
	Tag OpTag
	A   int
	B   int
}

// WordDiff diffs a against b and expands the result so that every opcode
// touches exactly one word. Unequal-length replace blocks become 1:1 replaces
// over their common length followed by deletes or inserts for the rest.
func WordDiff(a, b []string) []Opcode {
	// Auto-junk would treat frequent words such as "the" as junk in long
	// transcripts and refuse to anchor on them.
	m := difflib.NewMatcherWithJunk(a, b, false, nil)

	var out []Opcode
	for _, oc := range m.GetOpCodes() {
		switch OpTag(oc.Tag) {
		case Delete:
			for i := oc.I1; i < oc.I2; i++ {
				out = append(out, Opcode{Tag: Delete, A: i, B: oc.J1})
			}
		case Insert:
			for j := oc.J1; j < oc.J2; j++ {
				out = append(out, Opcode{Tag: Insert, A: oc.I1, B: j})
			}
		default:
			n := min(oc.I2-oc.I1, oc.J2-oc.J1)
			for k := range n {
				out = append(out, Opcode{Tag: OpTag(oc.Tag), A: oc.I1 + k, B: oc.J1 + k})
			}
			for i := oc.I1 + n; i < oc.I2; i++ {
				out = append(out, Opcode{Tag: Delete, A: i, B: oc.J2})
			}
			for j := oc.J1 + n; j < oc.J2; j++ {
				out = append(out, Opcode{Tag: Insert, A: oc.I1, B: j})
			}
		}
	}
	return out
}

// Options controls disfluency handling in [Align].
type Options struct {
	// Disfluency keeps decoded filler words that are absent from the
	// reference as not-found-in-transcript words.
	Disfluency bool

	// Disfluencies lists the filler words, in normalized form.
	Disfluencies []string
}

// Align maps decoded tokens onto the reference sequence. The result holds one
// word per reference token, in reference order, plus any kept disfluencies at
// their hypothesis positions.
func Align(hyp []decoder.Token, ref *transcript.Sequence, opts Options) []Word {
	hypWords := make([]string, len(hyp))
	for i, t := range hyp {
		hypWords[i] = t.Word
	}

	out := make([]Word, 0, ref.Len())
	for _, op := range WordDiff(hypWords, ref.Normalized()) {
		switch op.Tag {
		case Delete:
			if opts.Disfluency && slices.Contains(opts.Disfluencies, hypWords[op.A]) {
				out = append(out, NewNotFoundInTranscript(hyp[op.A]))
			}
		case Equal:
			out = append(out, NewSuccess(ref.Token(op.B), hyp[op.A]))
		case Insert, Replace:
			out = append(out, NewNotFoundInAudio(ref.Token(op.B)))
		}
	}
	return out
}
