package align

// Optimize repairs ambiguous placements of not-found-in-audio runs.
//
// The word diff ignores timing, so when a run of missing words could equally
// sit on either side of a repeated word it may pick the side that leaves a
// large timing gap across the run and no time for the words themselves:
//
//	she climbed on the [bed and jumped on the] mattress
//
// For each run Optimize checks whether the n words adjacent to it also appear
// inside the run, and if the timing gap beyond that neighbour block is larger
// than the gap across the run, moves the alignment data of the block into the
// run so the missing words end up where there is room for them.
//
// A swap is kept only if it strictly increases the room the missing words
// get: the sum over runs of run length times the gap across the run. The
// scan repeats until no swap qualifies, so a second call makes no changes.
//
// duration is the audio length, used as the end bound for trailing runs. The
// input slice is not modified.
func Optimize(words []Word, duration float64) []Word {
	o := optimizer{words: append([]Word(nil), words...), duration: duration}
	o.run()
	return o.words
}

// epsilon is the least potential gain that counts as an improvement.
const epsilon = 1e-9

type optimizer struct {
	words    []Word
	duration float64
	swaps    int
}

// room returns the sum over not-found-in-audio runs of the run length times
// the timing gap across it.
func (o *optimizer) room() float64 {
	var total float64
	for i := 0; i < len(o.words); {
		j := o.runEnd(i)
		if j == i {
			i++
			continue
		}
		total += float64(j-i) * (o.tstart(j) - o.tend(i))
		i = j
	}
	return total
}

// exchange swaps the alignment data of words[k:k+n] and words[p:p+n].
func (o *optimizer) exchange(k, p, n int) {
	for m := range n {
		a, b := o.words[k+m], o.words[p+m]
		o.words[k+m] = a.WithAlignment(b)
		o.words[p+m] = b.WithAlignment(a)
	}
}

// runEnd returns the end of the not-found-in-audio run starting at i, or i if
// words[i] does not start one.
func (o *optimizer) runEnd(i int) int {
	j := i
	for j < len(o.words) && o.words[j].Case() == NotFoundInAudio {
		j++
	}
	return j
}

// tend returns the end time of the last success before i.
func (o *optimizer) tend(i int) float64 {
	for j := i - 1; j >= 0; j-- {
		if o.words[j].Case() == Success {
			return o.words[j].End()
		}
	}
	return 0
}

// tstart returns the start time of the first success at or after i.
func (o *optimizer) tstart(i int) float64 {
	for j := i; j < len(o.words); j++ {
		if o.words[j].Case() == Success {
			return o.words[j].Start()
		}
	}
	return o.duration
}

// findSubseq returns the offset k in [i, j-n] at which words[k:k+n] has the
// same display text as words[p:p+n], or -1.
func (o *optimizer) findSubseq(i, j, p, n int) int {
	for k := i; k <= j-n; k++ {
		match := true
		for m := range n {
			if o.words[k+m].Word() != o.words[p+m].Word() {
				match = false
				break
			}
		}
		if match {
			return k
		}
	}
	return -1
}

// trySwap tries to exchange the n words beside run [i, j) on the given side
// with a matching subsequence inside the run.
func (o *optimizer) trySwap(i, j, n int, left bool) bool {
	var p int
	var oppGap float64
	if left {
		p = i - n
		if p < 0 {
			return false
		}
		oppGap = o.tstart(p) - o.tend(p)
	} else {
		p = j
		if j+n > len(o.words) {
			return false
		}
		oppGap = o.tstart(j+n) - o.tend(j+n)
	}

	for m := range n {
		if !o.words[p+m].HasReference() {
			return false
		}
	}

	k := o.findSubseq(i, j, p, n)
	if k < 0 {
		return false
	}
	if oppGap <= o.tstart(j)-o.tend(i) {
		return false
	}

	before := o.room()
	o.exchange(k, p, n)
	if o.room() <= before+epsilon {
		o.exchange(k, p, n)
		return false
	}
	o.swaps++
	return true
}

// optimizeRun tries swaps for run [i, j), larger blocks first.
func (o *optimizer) optimizeRun(i, j int) bool {
	for n := j - i; n >= 1; n-- {
		if o.trySwap(i, j, n, true) || o.trySwap(i, j, n, false) {
			return true
		}
	}
	return false
}

// run scans until a full pass makes no swap. Every swap strictly increases
// room and there are finitely many arrangements, so it terminates; the pass
// and step bounds only cap the work on pathological input.
func (o *optimizer) run() {
	for pass := 0; pass < len(o.words)*len(o.words)+16; pass++ {
		before := o.swaps
		o.scan()
		if o.swaps == before {
			return
		}
	}
}

func (o *optimizer) scan() {
	limit := 4*len(o.words)*len(o.words) + 16
	i := 0
	for steps := 0; i < len(o.words) && steps < limit; steps++ {
		j := o.runEnd(i)
		switch {
		case j == i:
			i++
		case o.optimizeRun(i, j):
			// A left swap moves the run boundary, so rescan from before it.
			for i > 0 && o.words[i].Case() == NotFoundInAudio {
				i--
			}
		default:
			i = j
		}
	}
}
