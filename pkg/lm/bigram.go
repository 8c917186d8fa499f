// Package lm builds the bigram language models that constrain the external
// decoder to the words of a reference transcript.
//
// [Build] produces a [Graph] in OpenFST plain-text form; [Compiler] hands that
// text to the external graph compiler which turns it into a decoding graph
// (HCLG) the decoder process can load.
package lm

import (
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/MrWong99/forcealign/pkg/transcript"
)

// Options controls the shape of the bigram graph.
type Options struct {
	// Conservative adds an OOV edge after every word so the decoder may skip
	// over audio it cannot match.
	Conservative bool

	// Disfluency interleaves the Disfluencies as optional detours between every
	// pair of words.
	Disfluency bool

	// Disfluencies lists the filler words used when Disfluency is set.
	Disfluencies []string

	// OOV is the out-of-vocabulary marker. Defaults to [transcript.DefaultOOV].
	OOV string
}

// Edge is a weighted transition between two graph nodes, labelled with the
// destination word.
type Edge struct {
	From   int
	To     int
	Word   string
	Weight float64
}

// Graph is a compiled bigram model. Node IDs start at 1 and are assigned in
// first-seen order while walking source words in lexicographic order.
type Graph struct {
	ids   map[string]int
	edges []Edge
	final int
}

// Build constructs the bigram graph over one or more alternative token
// sequences. Each sequence is a valid path from and back to the OOV node.
func Build(sequences [][]string, opts Options) *Graph {
	oov := opts.OOV
	if oov == "" {
		oov = transcript.DefaultOOV
	}

	bigrams := map[string]map[string]struct{}{
		oov: {oov: {}},
	}
	add := func(from string, to ...string) {
		set, ok := bigrams[from]
		if !ok {
			set = make(map[string]struct{})
			bigrams[from] = set
		}
		for _, t := range to {
			set[t] = struct{}{}
		}
	}

	var fillers []string
	if opts.Disfluency {
		fillers = opts.Disfluencies
	}

	for _, seq := range sequences {
		if len(seq) == 0 {
			continue
		}

		prev := seq[0]
		add(oov, prev)
		add(oov, fillers...)
		for _, f := range fillers {
			add(f, prev, oov)
		}

		for _, word := range seq[1:] {
			add(prev, word)
			if opts.Conservative {
				add(prev, oov)
			}
			add(prev, fillers...)
			for _, f := range fillers {
				add(f, word)
			}
			prev = word
		}

		add(prev, oov)
	}

	g := &Graph{ids: make(map[string]int, len(bigrams))}
	nodeID := func(word string) int {
		if id, ok := g.ids[word]; ok {
			return id
		}
		id := len(g.ids) + 1
		g.ids[word] = id
		return id
	}

	for _, from := range slices.Sorted(maps.Keys(bigrams)) {
		fromID := nodeID(from)
		successors := slices.Sorted(maps.Keys(bigrams[from]))
		// Uniform distribution over successors: -ln(1/n) == ln(n).
		weight := math.Log(float64(len(successors)))
		for _, to := range successors {
			g.edges = append(g.edges, Edge{
				From:   fromID,
				To:     nodeID(to),
				Word:   to,
				Weight: weight,
			})
		}
	}
	g.final = len(g.ids)
	return g
}

// Edges returns the graph's edges in output order.
func (g *Graph) Edges() []Edge {
	return slices.Clone(g.edges)
}

// NodeID returns the node assigned to word.
func (g *Graph) NodeID(word string) (int, bool) {
	id, ok := g.ids[word]
	return id, ok
}

// NumNodes returns the number of distinct nodes.
func (g *Graph) NumNodes() int { return len(g.ids) }

// FinalNode returns the ID written on the trailing final-state line.
func (g *Graph) FinalNode() int { return g.final }

// String renders the graph in the text format consumed by the graph compiler.
func (g *Graph) String() string {
	var b strings.Builder
	_, _ = g.WriteTo(&b)
	return b.String()
}

// WriteTo writes the graph as "from    to    word    word    weight" lines
// followed by the "final    0" line.
func (g *Graph) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, e := range g.edges {
		n, err := fmt.Fprintf(w, "%d    %d    %s    %s    %f\n", e.From, e.To, e.Word, e.Word, e.Weight)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("lm: write edge: %w", err)
		}
	}
	n, err := fmt.Fprintf(w, "%d    0\n", g.final)
	total += int64(n)
	if err != nil {
		return total, fmt.Errorf("lm: write final state: %w", err)
	}
	return total, nil
}
