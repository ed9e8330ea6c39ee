package policy

// NthEvent routes every sequence_id divisible by N to Target; all others
// round-robin across the remaining configured receivers. A round-robin
// turn that would straddle a multiple of N instead inserts the target
// assignment at that exact sequence id, without advancing the
// round-robin cursor.
type NthEvent struct {
	n         uint64
	target    int32
	receivers []int32 // receivers excluding target, in configured order
}

// NewNthEvent constructs an NthEvent policy. receivers should be the full
// configured receiver set; target is excluded automatically from the
// round-robin rotation.
func NewNthEvent(receivers []int32, n uint64, target int32) *NthEvent {
	others := make([]int32, 0, len(receivers))
	for _, r := range receivers {
		if r != target {
			others = append(others, r)
		}
	}
	return &NthEvent{n: n, target: target, receivers: others}
}

func (p *NthEvent) Name() string { return "NthEvent" }

func (p *NthEvent) Apply(tokens Tokens, nextSeq uint64) ([]Assignment, Tokens) {
	counts := tokens.cloneCounts()
	total := tokens.Total()

	var assignments []Assignment
	seq := nextSeq
	otherIdx := 0

	for used := 0; used < total; seq++ {
		if p.n != 0 && seq%p.n == 0 && counts[p.target] > 0 {
			assignments = append(assignments, Assignment{SequenceID: seq, DestinationRank: p.target})
			counts[p.target]--
			used++
			continue
		}

		assigned := false
		for i := 0; i < len(p.receivers); i++ {
			r := p.receivers[(otherIdx+i)%len(p.receivers)]
			if counts[r] > 0 {
				assignments = append(assignments, Assignment{SequenceID: seq, DestinationRank: r})
				counts[r]--
				otherIdx = (otherIdx + i + 1) % len(p.receivers)
				used++
				assigned = true
				break
			}
		}
		if assigned {
			continue
		}

		if counts[p.target] > 0 {
			assignments = append(assignments, Assignment{SequenceID: seq, DestinationRank: p.target})
			counts[p.target]--
			used++
			continue
		}

		break // nothing left to assign
	}

	return assignments, Tokens{Counts: counts}
}
