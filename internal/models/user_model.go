package models

// UserModel is supplied per request and never persisted by the engine.
type UserModel struct {
	InterestSegments       []string  `json:"interest_segments,omitempty"`
	IntentSegments         []string  `json:"intent_segments,omitempty"`
	LatentInterestSegments []string  `json:"latent_interest_segments,omitempty"`
	TextEmbedding          []float32 `json:"text_embedding,omitempty"`
}

// Segments returns interest, intent and latent interest segments in that
// order with duplicates and blanks removed.
func (u UserModel) Segments() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range [][]string{u.InterestSegments, u.IntentSegments, u.LatentInterestSegments} {
		for _, s := range group {
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
