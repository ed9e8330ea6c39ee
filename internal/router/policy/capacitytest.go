package policy

import "math"

// CapacityTest fills configured receivers in iteration order until
// ceil(total_tokens * Percent/100) tokens have been used.
type CapacityTest struct {
	receivers []int32
	percent   float64
}

// NewCapacityTest constructs a CapacityTest policy for the given percent
// (0-100) of available tokens to route.
func NewCapacityTest(receivers []int32, percent float64) *CapacityTest {
	return &CapacityTest{receivers: append([]int32(nil), receivers...), percent: percent}
}

func (p *CapacityTest) Name() string { return "CapacityTest" }

func (p *CapacityTest) Apply(tokens Tokens, nextSeq uint64) ([]Assignment, Tokens) {
	counts := tokens.cloneCounts()

	target := int(math.Ceil(float64(tokens.Total()) * p.percent / 100))

	var assignments []Assignment
	seq := nextSeq
	used := 0
	for used < target {
		progressed := false
		for _, r := range p.receivers {
			if used >= target {
				break
			}
			if counts[r] <= 0 {
				continue
			}
			assignments = append(assignments, Assignment{SequenceID: seq, DestinationRank: r})
			seq++
			counts[r]--
			used++
			progressed = true
		}
		if !progressed {
			break // no receiver has tokens left; stop short of target
		}
	}

	return assignments, Tokens{Counts: counts}
}
