// Package fuzzy implements sequence similarity scoring for vendor and
// keyword matching. The ratio follows the classic longest-matching-block
// formulation: 2*M/T where M is the total size of matched blocks and T the
// combined length, computed over runes so CJK text scores correctly.
package fuzzy

import "strings"

type block struct {
	a, b, size int
}

// Ratio returns a similarity score in [0, 1]. Identical strings score 1,
// disjoint strings 0. Comparison is case-sensitive; use Normalized for
// user-facing names.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	matched := 0
	for _, m := range matchingBlocks(ra, rb) {
		matched += m.size
	}
	return 2 * float64(matched) / float64(total)
}

// Normalized lowercases both sides and collapses whitespace before scoring.
func Normalized(a, b string) float64 {
	return Ratio(normalize(a), normalize(b))
}

// Similar reports whether the normalized ratio clears the threshold.
func Similar(a, b string, threshold float64) bool {
	return Normalized(a, b) >= threshold
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// matchingBlocks decomposes the pair into non-overlapping matching blocks
// by recursive longest-match splitting, iteratively with an explicit stack.
func matchingBlocks(ra, rb []rune) []block {
	b2j := make(map[rune][]int, len(rb))
	for j, r := range rb {
		b2j[r] = append(b2j[r], j)
	}

	type span struct{ alo, ahi, blo, bhi int }
	stack := []span{{0, len(ra), 0, len(rb)}}
	var blocks []block

	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		m := longestMatch(ra, s.alo, s.ahi, s.blo, s.bhi, b2j)
		if m.size == 0 {
			continue
		}
		blocks = append(blocks, m)
		if s.alo < m.a && s.blo < m.b {
			stack = append(stack, span{s.alo, m.a, s.blo, m.b})
		}
		if m.a+m.size < s.ahi && m.b+m.size < s.bhi {
			stack = append(stack, span{m.a + m.size, s.ahi, m.b + m.size, s.bhi})
		}
	}
	return blocks
}

// longestMatch finds the longest block where ra[a:a+size] == rb[b:b+size]
// within the given bounds, preferring the earliest position on ties.
func longestMatch(ra []rune, alo, ahi, blo, bhi int, b2j map[rune][]int) block {
	best := block{a: alo, b: blo}
	j2len := make(map[int]int)

	for i := alo; i < ahi; i++ {
		next := make(map[int]int)
		for _, j := range b2j[ra[i]] {
			if j < blo {
				continue
			}
			if j >= bhi {
				break
			}
			k := j2len[j-1] + 1
			next[j] = k
			if k > best.size {
				best = block{a: i - k + 1, b: j - k + 1, size: k}
			}
		}
		j2len = next
	}
	return best
}
