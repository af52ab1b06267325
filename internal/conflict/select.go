package conflict

import "github.com/PRSENTINEL/internal/types"

// Select marks which candidates may be used in reasoning: items in no conflict,
// and items on the winning side of a resolved conflict. Items in a pending,
// escalated, or custom-resolved conflict are held back.
func Select(candidates []types.RetrievedKnowledge, conflicts []types.KnowledgeConflict) []types.RetrievedKnowledge {
	excluded := make(map[string]bool)
	for i := range conflicts {
		c := &conflicts[i]
		winner := c.WinningItem()
		for _, id := range c.ItemIDs {
			if id != winner {
				excluded[id] = true
			}
		}
	}

	out := make([]types.RetrievedKnowledge, len(candidates))
	for i, rk := range candidates {
		rk.UsedInReasoning = !excluded[rk.Item.ID]
		out[i] = rk
	}
	return out
}

// Used returns the candidates marked usable, in order
func Used(candidates []types.RetrievedKnowledge) []types.RetrievedKnowledge {
	out := make([]types.RetrievedKnowledge, 0, len(candidates))
	for _, rk := range candidates {
		if rk.UsedInReasoning {
			out = append(out, rk)
		}
	}
	return out
}
