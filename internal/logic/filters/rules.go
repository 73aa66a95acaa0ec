// Package filters holds the exclusion rules that veto candidate creative ads.
//
// Rules form a closed set of kinds evaluated by a single dispatch function.
// Every rule is a pure predicate over a candidate and a Context; none of them
// perform I/O. A RuleSet excludes a candidate when any of its rules does.
package filters

import (
	"net/url"
	"strings"
	"time"

	"github.com/patrickwarner/adeligibility/internal/history"
	"github.com/patrickwarner/adeligibility/internal/models"
)

// RuleKind identifies one exclusion rule.
type RuleKind int

const (
	RuleDailyCap RuleKind = iota + 1
	RulePerHour
	RulePerDay
	RulePerWeek
	RulePerMonth
	RuleTotalMax
	RuleDaypart
	RuleGeoTargets
	RuleAntiTargeting
	RuleDislike
	RuleMarkedAsInappropriate
	RuleMarkedToNoLongerReceive
	RuleConversion
	RuleTransferred
)

var ruleNames = map[RuleKind]string{
	RuleDailyCap:                "daily_cap",
	RulePerHour:                 "per_hour",
	RulePerDay:                  "per_day",
	RulePerWeek:                 "per_week",
	RulePerMonth:                "per_month",
	RuleTotalMax:                "total_max",
	RuleDaypart:                 "daypart",
	RuleGeoTargets:              "geo_targets",
	RuleAntiTargeting:           "anti_targeting",
	RuleDislike:                 "dislike",
	RuleMarkedAsInappropriate:   "marked_as_inappropriate",
	RuleMarkedToNoLongerReceive: "marked_to_no_longer_receive",
	RuleConversion:              "conversion",
	RuleTransferred:             "transferred",
}

// String returns the metric label for k.
func (k RuleKind) String() string {
	if name, ok := ruleNames[k]; ok {
		return name
	}
	return "unknown"
}

// Rule is one entry of a RuleSet. Window is only read by the spacing and
// transferred rules.
type Rule struct {
	Kind   RuleKind
	Window time.Duration
}

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day

	// DefaultTransferredWindow is how long a landed event blocks its campaign.
	DefaultTransferredWindow = 2 * day
)

// Context carries everything a rule may read while evaluating one request.
type Context struct {
	Now      time.Time
	Location *time.Location

	// Recent is the history cache snapshot taken for this request.
	Recent history.Snapshot
	// Lifetime holds the durable log read for this request and serves rules
	// whose window outlives the cache retention.
	Lifetime history.Snapshot

	AntiTargeting   models.AntiTargetingResource
	BrowsingHistory models.BrowsingHistory
	Reactions       models.ReactionsStore
	Region          models.SubdivisionResolver
}

func (c Context) localNow() time.Time {
	if c.Location == nil {
		return c.Now
	}
	return c.Now.In(c.Location)
}

var served = history.ByConfirmationType(models.ConfirmationServed)

// ShouldExclude reports whether rule vetoes ad under ctx.
func ShouldExclude(rule Rule, ad models.CreativeAd, ctx Context) bool {
	switch rule.Kind {
	case RuleDailyCap:
		if ad.DailyCap <= 0 {
			return false
		}
		n := ctx.Recent.Count(history.And(served,
			history.ByCreativeSetID(ad.CreativeSetID),
			history.CreatedAtOrAfter(ctx.Now.Add(-day))))
		return n >= ad.DailyCap

	case RuleTotalMax:
		if ad.TotalMax <= 0 {
			return false
		}
		n := ctx.Lifetime.Count(history.And(served, history.ByCreativeSetID(ad.CreativeSetID)))
		return n >= ad.TotalMax

	case RulePerHour:
		return servedWithin(ctx.Recent, ad, ctx.Now, windowOr(rule.Window, time.Hour))

	case RulePerDay:
		if ad.PerDay <= 0 {
			return false
		}
		return servedWithin(ctx.Recent, ad, ctx.Now, windowOr(rule.Window, day))

	case RulePerWeek:
		if ad.PerWeek <= 0 {
			return false
		}
		return servedWithin(ctx.Lifetime, ad, ctx.Now, windowOr(rule.Window, week))

	case RulePerMonth:
		if ad.PerMonth <= 0 {
			return false
		}
		return servedWithin(ctx.Lifetime, ad, ctx.Now, windowOr(rule.Window, month))

	case RuleDaypart:
		if len(ad.Dayparts) == 0 {
			return false
		}
		now := ctx.localNow()
		for _, dp := range ad.Dayparts {
			if dp.Contains(now) {
				return false
			}
		}
		return true

	case RuleGeoTargets:
		if len(ad.GeoTargets) == 0 || ctx.Region == nil {
			return false
		}
		return !matchesRegion(ad.GeoTargets, ctx.Region.CurrentRegion())

	case RuleAntiTargeting:
		if ctx.AntiTargeting == nil || ctx.BrowsingHistory == nil {
			return false
		}
		sites := ctx.AntiTargeting.SiteListFor(ad.CreativeSetID)
		if len(sites) == 0 {
			return false
		}
		return hostsIntersect(sites, ctx.BrowsingHistory.RecentURLs())

	case RuleDislike:
		return ctx.Reactions != nil && ctx.Reactions.IsDisliked(ad.AdvertiserID)

	case RuleMarkedAsInappropriate:
		return ctx.Reactions != nil && ctx.Reactions.IsMarkedInappropriate(ad.CreativeSetID)

	case RuleMarkedToNoLongerReceive:
		if ctx.Reactions == nil || ad.Segment == "" {
			return false
		}
		return ctx.Reactions.IsMarkedToNoLongerReceive(ad.Segment) ||
			ctx.Reactions.IsMarkedToNoLongerReceive(models.ParentSegment(ad.Segment))

	case RuleConversion:
		return ctx.Lifetime.Count(history.And(
			history.ByConfirmationType(models.ConfirmationConversion),
			history.ByCreativeSetID(ad.CreativeSetID))) > 0

	case RuleTransferred:
		pred := history.And(
			history.ByConfirmationType(models.ConfirmationLanded),
			history.ByCampaignID(ad.CampaignID))
		if rule.Window > 0 {
			pred = history.And(pred, history.CreatedAtOrAfter(ctx.Now.Add(-rule.Window)))
		}
		return ctx.Lifetime.Count(pred) > 0
	}
	return false
}

func windowOr(w, fallback time.Duration) time.Duration {
	if w > 0 {
		return w
	}
	return fallback
}

// servedWithin reports whether the creative instance was last served less than
// window before now.
func servedWithin(snap history.Snapshot, ad models.CreativeAd, now time.Time, window time.Duration) bool {
	last, ok := snap.LastSeen(history.And(served, history.ByCreativeInstanceID(ad.CreativeInstanceID)))
	if !ok {
		return false
	}
	return now.Sub(last) < window
}

// matchesRegion accepts a target equal to the region ("US-CA") or to its
// country ("US").
func matchesRegion(targets []string, region string) bool {
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		return false
	}
	country := region
	if i := strings.Index(region, "-"); i >= 0 {
		country = region[:i]
	}
	for _, t := range targets {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == region || t == country {
			return true
		}
	}
	return false
}

// hostsIntersect reports whether any visited URL shares a host with the site
// list.
func hostsIntersect(sites, visited []string) bool {
	if len(visited) == 0 {
		return false
	}
	blocked := make(map[string]struct{}, len(sites))
	for _, s := range sites {
		if h := hostOf(s); h != "" {
			blocked[h] = struct{}{}
		}
	}
	for _, v := range visited {
		if _, ok := blocked[hostOf(v)]; ok {
			return true
		}
	}
	return false
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
