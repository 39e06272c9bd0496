package profile

import "strings"

// Weights of the two score components.
const (
	ProfileWeight = 0.4
	AIWeight      = 0.6
)

// Score is the tag-overlap score of an article against the user's interests.
// With no interests or no tags every article scores 1.0.
func Score(articleTags, interests []string) float64 {
	if len(interests) == 0 || len(articleTags) == 0 {
		return 1.0
	}

	wanted := make(map[string]bool, len(interests))
	for _, t := range interests {
		wanted[strings.ToLower(t)] = true
	}
	matches := 0
	seen := make(map[string]bool, len(articleTags))
	for _, t := range articleTags {
		t = strings.ToLower(t)
		if wanted[t] && !seen[t] {
			matches++
		}
		seen[t] = true
	}

	denom := min(len(interests), len(articleTags))
	score := float64(matches) / float64(denom)
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Combine blends the profile and AI scores into the persisted relevance score.
func Combine(profileScore, aiScore float64) float64 {
	return clamp(ProfileWeight*profileScore + AIWeight*aiScore)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
