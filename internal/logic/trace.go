package logic

import "github.com/patrickwarner/adeligibility/internal/models"

// TraceStep records the candidate creative instances and their campaigns at a
// selection stage.
type TraceStep struct {
	Stage               string            `json:"stage"`
	CreativeInstanceIDs []string          `json:"creative_instance_ids"`
	CampaignIDs         []string          `json:"campaign_ids"`
	Details             map[string]string `json:"details,omitempty"`
}

// SelectionTrace captures the ordered list of steps performed by a selector.
type SelectionTrace struct {
	Steps []TraceStep `json:"steps"`
}

// AddStep appends a trace entry for the given stage using the supplied ads.
// Duplicate campaign IDs are removed.
func (t *SelectionTrace) AddStep(stage string, ads []models.CreativeAd) {
	t.AddStepWithDetails(stage, ads, nil)
}

// AddStepWithDetails appends a trace entry with additional details about filtering.
func (t *SelectionTrace) AddStepWithDetails(stage string, ads []models.CreativeAd, details map[string]string) {
	if t == nil {
		return
	}
	step := TraceStep{
		Stage:               stage,
		CreativeInstanceIDs: []string{},
		CampaignIDs:         []string{},
		Details:             details,
	}
	seen := make(map[string]struct{})
	for _, ad := range ads {
		step.CreativeInstanceIDs = append(step.CreativeInstanceIDs, ad.CreativeInstanceID)
		if _, ok := seen[ad.CampaignID]; !ok {
			seen[ad.CampaignID] = struct{}{}
			step.CampaignIDs = append(step.CampaignIDs, ad.CampaignID)
		}
	}
	t.Steps = append(t.Steps, step)
}

// Stage returns the first step recorded for stage.
func (t *SelectionTrace) Stage(stage string) (TraceStep, bool) {
	if t == nil {
		return TraceStep{}, false
	}
	for _, s := range t.Steps {
		if s.Stage == stage {
			return s, true
		}
	}
	return TraceStep{}, false
}
