package pipeline

import "sort"

// DedupDecisions keeps one decision per proposal. The winner is chosen by,
// in order: MODIFY over KEEP/CANCEL, more populated patch fields, longer
// textual content, later position. Survivors keep the relative order of
// their winning positions, so applying DedupDecisions to its own output
// returns it unchanged. The second result is the number of discarded
// decisions.
func DedupDecisions(decisions []ProposalDecision) ([]ProposalDecision, int) {
	winner := make(map[string]int, len(decisions))
	for i, d := range decisions {
		j, seen := winner[d.ProposalID]
		if !seen || !beats(decisions[j], d) {
			winner[d.ProposalID] = i
		}
	}
	idx := make([]int, 0, len(winner))
	for _, i := range winner {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]ProposalDecision, 0, len(idx))
	for _, i := range idx {
		out = append(out, decisions[i])
	}
	return out, len(decisions) - len(out)
}

// beats reports whether the earlier decision a strictly outranks the later
// decision b. Ties go to b.
func beats(a, b ProposalDecision) bool {
	if ra, rb := decisionRank(a.Decision), decisionRank(b.Decision); ra != rb {
		return ra > rb
	}
	if fa, fb := substantiveFields(a.Patch), substantiveFields(b.Patch); fa != fb {
		return fa > fb
	}
	return textLength(a) > textLength(b)
}

func decisionRank(d Decision) int {
	if d == DecisionModify {
		return 1
	}
	return 0
}

// textLength sums the string content a decision carries.
func textLength(d ProposalDecision) int {
	n := len(d.ContentRequirement)
	for k, v := range d.Patch {
		if bookkeepingKeys[k] {
			continue
		}
		n += stringLength(v)
	}
	return n
}

func stringLength(v interface{}) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []interface{}:
		n := 0
		for _, e := range t {
			n += stringLength(e)
		}
		return n
	case map[string]interface{}:
		n := 0
		for _, e := range t {
			n += stringLength(e)
		}
		return n
	default:
		return 0
	}
}
