package policy

// RoundRobin waits until at least MinParticipants configured receivers
// hold a token, then emits full "turns" across every token-holder (in
// configured receiver order) until at least one holder drops to zero.
// Unused tokens are returned to the pool.
type RoundRobin struct {
	receivers       []int32
	minParticipants int
}

// NewRoundRobin constructs a RoundRobin policy. m may be negative, meaning
// len(receivers)+m with a floor of 1.
func NewRoundRobin(receivers []int32, m int) *RoundRobin {
	min := m
	if min < 0 {
		min = len(receivers) + min
	}
	if min < 1 {
		min = 1
	}
	return &RoundRobin{receivers: append([]int32(nil), receivers...), minParticipants: min}
}

func (p *RoundRobin) Name() string { return "RoundRobin" }

func (p *RoundRobin) Apply(tokens Tokens, nextSeq uint64) ([]Assignment, Tokens) {
	counts := tokens.cloneCounts()

	holders := 0
	for _, r := range p.receivers {
		if counts[r] > 0 {
			holders++
		}
	}
	if holders < p.minParticipants {
		return nil, Tokens{Counts: counts}
	}

	var assignments []Assignment
	seq := nextSeq
	for {
		var turn []int32
		for _, r := range p.receivers {
			if counts[r] > 0 {
				turn = append(turn, r)
			}
		}
		if len(turn) == 0 {
			break
		}

		dropped := false
		for _, r := range turn {
			assignments = append(assignments, Assignment{SequenceID: seq, DestinationRank: r})
			seq++
			counts[r]--
			if counts[r] == 0 {
				dropped = true
			}
		}
		if dropped {
			break
		}
	}

	return assignments, Tokens{Counts: counts}
}
