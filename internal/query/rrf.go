package query

import "sort"

// DefaultRRFConstant is K in spec.md §4.8's Reciprocal Rank Fusion formula.
const DefaultRRFConstant = 60

// rankedList is one ranker's output: frame IDs in descending-score order.
type rankedList []uint64

// fused is one frame's combined standing across ranked lists.
type fused struct {
	frameID     uint64
	score       float64
	lexMatches  int
	bestLexRank int // 1-indexed; 0 means absent from the lexical list
}

// fuseRRF implements spec.md §4.8: score(doc) = Σ 1/(K+rank_in_list_i(doc)),
// summed over every list the doc appears in. The representative hit for a
// frame is the one with the most lexical matches, ties broken by earliest
// rank — encoded here by tracking lexMatches/bestLexRank per frame and
// using them as the tie-breakers when sorting by score.
func fuseRRF(k int, lists ...rankedList) []fused {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	scores := make(map[uint64]*fused)
	order := make([]uint64, 0)

	for listIdx, list := range lists {
		for i, id := range list {
			rank := i + 1
			f, ok := scores[id]
			if !ok {
				f = &fused{frameID: id}
				scores[id] = f
				order = append(order, id)
			}
			f.score += 1.0 / float64(k+rank)
			if listIdx == 0 { // list 0 is always the lexical list by convention
				f.lexMatches++
				if f.bestLexRank == 0 || rank < f.bestLexRank {
					f.bestLexRank = rank
				}
			}
		}
	}

	out := make([]fused, 0, len(order))
	for _, id := range order {
		out = append(out, *scores[id])
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].lexMatches != out[j].lexMatches {
			return out[i].lexMatches > out[j].lexMatches
		}
		ri, rj := out[i].bestLexRank, out[j].bestLexRank
		if ri == 0 {
			ri = int(^uint(0) >> 1)
		}
		if rj == 0 {
			rj = int(^uint(0) >> 1)
		}
		return ri < rj
	})

	return out
}
