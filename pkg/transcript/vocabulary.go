package transcript

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// DefaultOOV is the out-of-vocabulary marker used when no other term is
// configured. It must match the unknown-word symbol of the decoder's lexicon.
const DefaultOOV = "<unk>"

// Vocabulary is the set of words known to the decoder. A nil Vocabulary
// contains nothing, so every token normalises to the OOV marker.
type Vocabulary map[string]struct{}

// NewVocabulary returns a Vocabulary holding words.
func NewVocabulary(words ...string) Vocabulary {
	v := make(Vocabulary, len(words))
	for _, w := range words {
		v[w] = struct{}{}
	}
	return v
}

// Contains reports whether word is a member of v.
func (v Vocabulary) Contains(word string) bool {
	_, ok := v[word]
	return ok
}

// Len returns the number of words in v.
func (v Vocabulary) Len() int { return len(v) }

// LoadVocabulary reads an OpenFST symbol table ("<word> <id>" per line) and
// returns the set of words it names. Blank lines are ignored.
func LoadVocabulary(r io.Reader) (Vocabulary, error) {
	v := make(Vocabulary)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		v[fields[0]] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transcript: read vocabulary: %w", err)
	}
	return v, nil
}
