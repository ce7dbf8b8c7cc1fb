package environ

import (
	"sort"

	"github.com/agnivade/levenshtein"
)

const maxSuggestions = 3

// suggestKeys lists keys bound along s's chain whose name is close to the
// missing one. A same-named key of another type ranks first since that is
// usually a wrong type argument.
func suggestKeys(s *Scope, target slot) []string {
	type candidate struct {
		id       string
		distance int
	}
	limit := len(target.name) / 3
	if limit < 1 {
		limit = 1
	}

	seen := map[slot]bool{}
	var candidates []candidate
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		keys := append([]slot(nil), cur.order...)
		cur.mu.RUnlock()
		for _, key := range keys {
			if key == target || seen[key] {
				continue
			}
			seen[key] = true
			distance := levenshtein.ComputeDistance(key.name, target.name)
			if distance <= limit {
				candidates = append(candidates, candidate{id: key.String(), distance: distance})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].id < candidates[j].id
	})
	if len(candidates) > maxSuggestions {
		candidates = candidates[:maxSuggestions]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}
