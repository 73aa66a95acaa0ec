package filters

import (
	"strconv"
	"time"

	"github.com/patrickwarner/adeligibility/internal/history"
	logic "github.com/patrickwarner/adeligibility/internal/logic"
	"github.com/patrickwarner/adeligibility/internal/models"
)

// RuleSet is an ordered collection of rules combined with logical OR.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet builds a set evaluated in the given order.
func NewRuleSet(rules ...Rule) RuleSet {
	return RuleSet{rules: append([]Rule(nil), rules...)}
}

// DefaultRuleSet returns every rule kind. transferredWindow bounds the
// transferred rule; zero uses DefaultTransferredWindow.
func DefaultRuleSet(transferredWindow time.Duration) RuleSet {
	if transferredWindow <= 0 {
		transferredWindow = DefaultTransferredWindow
	}
	return NewRuleSet(
		Rule{Kind: RuleDislike},
		Rule{Kind: RuleMarkedAsInappropriate},
		Rule{Kind: RuleMarkedToNoLongerReceive},
		Rule{Kind: RuleConversion},
		Rule{Kind: RuleTransferred, Window: transferredWindow},
		Rule{Kind: RuleAntiTargeting},
		Rule{Kind: RuleGeoTargets},
		Rule{Kind: RuleDaypart},
		Rule{Kind: RuleTotalMax},
		Rule{Kind: RuleDailyCap},
		Rule{Kind: RulePerHour},
		Rule{Kind: RulePerDay},
		Rule{Kind: RulePerWeek},
		Rule{Kind: RulePerMonth},
	)
}

// Rules returns a copy of the configured rules.
func (s RuleSet) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Exclude returns the first rule that vetoes ad.
func (s RuleSet) Exclude(ad models.CreativeAd, ctx Context) (RuleKind, bool) {
	for _, r := range s.rules {
		if ShouldExclude(r, ad, ctx) {
			return r.Kind, true
		}
	}
	return 0, false
}

// Apply drops every excluded ad, preserving order, and counts exclusions by
// the rule that fired first.
func (s RuleSet) Apply(ads []models.CreativeAd, ctx Context) ([]models.CreativeAd, map[RuleKind]int) {
	kept := make([]models.CreativeAd, 0, len(ads))
	excluded := make(map[RuleKind]int)
	for _, ad := range ads {
		if kind, ok := s.Exclude(ad, ctx); ok {
			excluded[kind]++
			continue
		}
		kept = append(kept, ad)
	}
	return kept, excluded
}

// ApplyWithTrace performs Apply and records the outcome on trace.
func (s RuleSet) ApplyWithTrace(ads []models.CreativeAd, ctx Context, trace *logic.SelectionTrace) ([]models.CreativeAd, map[RuleKind]int) {
	kept, excluded := s.Apply(ads, ctx)
	if trace != nil {
		details := map[string]string{
			"input_count":  strconv.Itoa(len(ads)),
			"output_count": strconv.Itoa(len(kept)),
		}
		for kind, n := range excluded {
			details["excluded_"+kind.String()] = strconv.Itoa(n)
		}
		trace.AddStepWithDetails("exclusion", kept, details)
	}
	return kept, excluded
}

// LastServed maps key(event) to the latest served time in snap.
func LastServed(snap history.Snapshot, key func(models.AdEvent) string) map[string]time.Time {
	out := make(map[string]time.Time)
	for _, e := range snap.Filter(served) {
		k := key(e)
		if last, ok := out[k]; !ok || e.CreatedAt.After(last) {
			out[k] = e.CreatedAt
		}
	}
	return out
}

// SeenAdvertisers returns when each advertiser was last served.
func SeenAdvertisers(snap history.Snapshot) map[string]time.Time {
	return LastServed(snap, func(e models.AdEvent) string { return e.AdvertiserID })
}

// SeenAds returns when each creative instance was last served.
func SeenAds(snap history.Snapshot) map[string]time.Time {
	return LastServed(snap, func(e models.AdEvent) string { return e.CreativeInstanceID })
}
