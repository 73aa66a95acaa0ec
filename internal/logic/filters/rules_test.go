package filters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/patrickwarner/adeligibility/internal/history"
	logic "github.com/patrickwarner/adeligibility/internal/logic"
	"github.com/patrickwarner/adeligibility/internal/models"
)

// Monday.
var now = time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC)

func testAd() models.CreativeAd {
	return models.CreativeAd{
		CreativeInstanceID: "ci-1",
		CreativeSetID:      "cs-1",
		CampaignID:         "camp-1",
		AdvertiserID:       "adv-1",
		Segment:            "technology-computing",
		PassThroughRate:    1,
	}
}

func servedEvent(ad models.CreativeAd, at time.Time) models.AdEvent {
	return models.NewAdEvent(ad, "p-"+at.String(), models.AdTypeNotification, models.ConfirmationServed, at)
}

func ctxWith(recent, lifetime []models.AdEvent) Context {
	return Context{
		Now:      now,
		Recent:   history.NewSnapshot(recent),
		Lifetime: history.NewSnapshot(lifetime),
	}
}

func TestDailyCapMonotonicity(t *testing.T) {
	ad := testAd()
	ad.DailyCap = 3
	rule := Rule{Kind: RuleDailyCap}

	var events []models.AdEvent
	for i := 0; i < ad.DailyCap; i++ {
		ctx := ctxWith(events, events)
		assert.False(t, ShouldExclude(rule, ad, ctx), "excluded after %d serves", i)
		events = append(events, servedEvent(ad, now.Add(time.Duration(i-3)*time.Hour)))
	}
	assert.True(t, ShouldExclude(rule, ad, ctxWith(events, events)))

	// Serves of a different creative set do not count.
	other := ad
	other.CreativeSetID = "cs-2"
	assert.False(t, ShouldExclude(rule, other, ctxWith(events, events)))

	// The window rolls over once the newest serve is more than 24h old.
	last := events[len(events)-1].CreatedAt
	rolled := ctxWith(events, events)
	rolled.Now = last.Add(24*time.Hour + time.Millisecond)
	assert.False(t, ShouldExclude(rule, ad, rolled))

	unlimited := ad
	unlimited.DailyCap = 0
	assert.False(t, ShouldExclude(rule, unlimited, ctxWith(events, events)))
}

func TestTotalMaxUsesLifetime(t *testing.T) {
	ad := testAd()
	ad.TotalMax = 2
	rule := Rule{Kind: RuleTotalMax}
	old := []models.AdEvent{
		servedEvent(ad, now.Add(-40*24*time.Hour)),
		servedEvent(ad, now.Add(-10*24*time.Hour)),
	}
	assert.True(t, ShouldExclude(rule, ad, ctxWith(nil, old)))
	assert.False(t, ShouldExclude(rule, ad, ctxWith(nil, old[:1])))

	ad.TotalMax = 0
	assert.False(t, ShouldExclude(rule, ad, ctxWith(nil, old)))
}

func TestSpacingRules(t *testing.T) {
	ad := testAd()
	ad.PerDay, ad.PerWeek, ad.PerMonth = 1, 1, 1

	cases := []struct {
		name    string
		rule    Rule
		age     time.Duration
		exclude bool
	}{
		{"per hour recent", Rule{Kind: RulePerHour}, 59 * time.Minute, true},
		{"per hour elapsed", Rule{Kind: RulePerHour}, time.Hour, false},
		{"per day recent", Rule{Kind: RulePerDay}, 23 * time.Hour, true},
		{"per day elapsed", Rule{Kind: RulePerDay}, 24 * time.Hour, false},
		{"per week recent", Rule{Kind: RulePerWeek}, 6 * 24 * time.Hour, true},
		{"per week elapsed", Rule{Kind: RulePerWeek}, 7 * 24 * time.Hour, false},
		{"per month recent", Rule{Kind: RulePerMonth}, 29 * 24 * time.Hour, true},
		{"per month elapsed", Rule{Kind: RulePerMonth}, 30 * 24 * time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events := []models.AdEvent{servedEvent(ad, now.Add(-tc.age))}
			assert.Equal(t, tc.exclude, ShouldExclude(tc.rule, ad, ctxWith(events, events)))
		})
	}

	t.Run("other creative instance", func(t *testing.T) {
		other := ad
		other.CreativeInstanceID = "ci-2"
		events := []models.AdEvent{servedEvent(other, now.Add(-time.Minute))}
		assert.False(t, ShouldExclude(Rule{Kind: RulePerHour}, ad, ctxWith(events, events)))
	})

	t.Run("unset caps disable spacing", func(t *testing.T) {
		plain := testAd()
		events := []models.AdEvent{servedEvent(plain, now.Add(-time.Minute))}
		ctx := ctxWith(events, events)
		assert.False(t, ShouldExclude(Rule{Kind: RulePerDay}, plain, ctx))
		assert.False(t, ShouldExclude(Rule{Kind: RulePerWeek}, plain, ctx))
		assert.False(t, ShouldExclude(Rule{Kind: RulePerMonth}, plain, ctx))
	})
}

func TestDaypartRule(t *testing.T) {
	rule := Rule{Kind: RuleDaypart}
	ad := testAd()
	ctx := ctxWith(nil, nil)

	assert.False(t, ShouldExclude(rule, ad, ctx), "no dayparts means always active")

	ad.Dayparts = []models.Daypart{{DayOfWeek: time.Monday, StartMinute: 11 * 60, EndMinute: 13 * 60}}
	assert.False(t, ShouldExclude(rule, ad, ctx))

	ad.Dayparts = []models.Daypart{
		{DayOfWeek: time.Monday, StartMinute: 0, EndMinute: 60},
		{DayOfWeek: time.Tuesday, StartMinute: 11 * 60, EndMinute: 13 * 60},
	}
	assert.True(t, ShouldExclude(rule, ad, ctx))

	// 12:00 UTC is 21:00 in Tokyo.
	tokyo := time.FixedZone("JST", 9*60*60)
	ad.Dayparts = []models.Daypart{{DayOfWeek: time.Monday, StartMinute: 20 * 60, EndMinute: 22 * 60}}
	ctx.Location = tokyo
	assert.False(t, ShouldExclude(rule, ad, ctx))
}

func TestGeoTargetsRule(t *testing.T) {
	rule := Rule{Kind: RuleGeoTargets}
	ad := testAd()
	ctx := ctxWith(nil, nil)
	ctx.Region = models.StaticRegion("US-CA")

	assert.False(t, ShouldExclude(rule, ad, ctx), "no targets means all regions")

	ad.GeoTargets = []string{"us-ca"}
	assert.False(t, ShouldExclude(rule, ad, ctx))

	ad.GeoTargets = []string{"US"}
	assert.False(t, ShouldExclude(rule, ad, ctx))

	ad.GeoTargets = []string{"US-NY", "GB"}
	assert.True(t, ShouldExclude(rule, ad, ctx))

	ctx.Region = models.StaticRegion("")
	assert.True(t, ShouldExclude(rule, ad, ctx))

	ctx.Region = nil
	assert.False(t, ShouldExclude(rule, ad, ctx))
}

func TestAntiTargetingRule(t *testing.T) {
	rule := Rule{Kind: RuleAntiTargeting}
	ad := testAd()
	anti := models.NewInMemoryAntiTargeting()
	ctx := ctxWith(nil, nil)
	ctx.AntiTargeting = anti
	ctx.BrowsingHistory = models.StaticBrowsingHistory{"https://www.competitor.example/pricing", "https://news.example"}

	assert.False(t, ShouldExclude(rule, ad, ctx), "unloaded resource never excludes")

	anti.Set(map[string][]string{"cs-1": {"https://other.example"}})
	assert.False(t, ShouldExclude(rule, ad, ctx))

	anti.Set(map[string][]string{"cs-1": {"competitor.example"}})
	assert.True(t, ShouldExclude(rule, ad, ctx))

	ctx.BrowsingHistory = models.StaticBrowsingHistory{}
	assert.False(t, ShouldExclude(rule, ad, ctx))

	ctx.AntiTargeting = nil
	assert.False(t, ShouldExclude(rule, ad, ctx))
}

func TestReactionRules(t *testing.T) {
	ad := testAd()
	reactions := models.NewInMemoryReactions()
	ctx := ctxWith(nil, nil)
	ctx.Reactions = reactions

	for _, kind := range []RuleKind{RuleDislike, RuleMarkedAsInappropriate, RuleMarkedToNoLongerReceive} {
		assert.False(t, ShouldExclude(Rule{Kind: kind}, ad, ctx), kind.String())
	}

	reactions.DislikeAdvertiser("adv-1")
	assert.True(t, ShouldExclude(Rule{Kind: RuleDislike}, ad, ctx))

	reactions.MarkInappropriate("cs-1")
	assert.True(t, ShouldExclude(Rule{Kind: RuleMarkedAsInappropriate}, ad, ctx))

	reactions.MarkToNoLongerReceive("technology")
	assert.True(t, ShouldExclude(Rule{Kind: RuleMarkedToNoLongerReceive}, ad, ctx))

	ctx.Reactions = nil
	assert.False(t, ShouldExclude(Rule{Kind: RuleDislike}, ad, ctx))
}

func TestConversionRule(t *testing.T) {
	rule := Rule{Kind: RuleConversion}
	ad := testAd()
	conv := models.NewAdEvent(ad, "p1", models.AdTypeNotification, models.ConfirmationConversion, now.Add(-60*24*time.Hour))

	assert.False(t, ShouldExclude(rule, ad, ctxWith(nil, nil)))
	assert.True(t, ShouldExclude(rule, ad, ctxWith(nil, []models.AdEvent{conv})))

	other := ad
	other.CreativeSetID = "cs-2"
	assert.False(t, ShouldExclude(rule, other, ctxWith(nil, []models.AdEvent{conv})))
}

func TestTransferredRule(t *testing.T) {
	rule := Rule{Kind: RuleTransferred, Window: DefaultTransferredWindow}
	ad := testAd()
	landed := func(age time.Duration) []models.AdEvent {
		return []models.AdEvent{models.NewAdEvent(ad, "p1", models.AdTypeNotification, models.ConfirmationLanded, now.Add(-age))}
	}

	assert.True(t, ShouldExclude(rule, ad, ctxWith(nil, landed(time.Hour))))
	assert.True(t, ShouldExclude(rule, ad, ctxWith(nil, landed(48*time.Hour))))
	assert.False(t, ShouldExclude(rule, ad, ctxWith(nil, landed(48*time.Hour+time.Second))))

	otherCampaign := ad
	otherCampaign.CampaignID = "camp-2"
	assert.False(t, ShouldExclude(rule, otherCampaign, ctxWith(nil, landed(time.Hour))))
}

func TestRuleSetApply(t *testing.T) {
	capped := testAd()
	capped.DailyCap = 1
	free := testAd()
	free.CreativeInstanceID, free.CreativeSetID = "ci-2", "cs-2"
	disliked := testAd()
	disliked.CreativeInstanceID, disliked.CreativeSetID, disliked.AdvertiserID = "ci-3", "cs-3", "adv-3"

	reactions := models.NewInMemoryReactions()
	reactions.DislikeAdvertiser("adv-3")

	events := []models.AdEvent{servedEvent(capped, now.Add(-2*time.Hour))}
	ctx := ctxWith(events, events)
	ctx.Reactions = reactions

	var trace logic.SelectionTrace
	kept, excluded := DefaultRuleSet(0).ApplyWithTrace([]models.CreativeAd{capped, free, disliked}, ctx, &trace)

	assert.Len(t, kept, 1)
	assert.Equal(t, "ci-2", kept[0].CreativeInstanceID)
	assert.Equal(t, 1, excluded[RuleDailyCap])
	assert.Equal(t, 1, excluded[RuleDislike])

	step, ok := trace.Stage("exclusion")
	assert.True(t, ok)
	assert.Equal(t, "1", step.Details["excluded_daily_cap"])

	kind, ok := DefaultRuleSet(0).Exclude(free, ctx)
	assert.False(t, ok)
	assert.Equal(t, RuleKind(0), kind)
}

func TestDefaultRuleSetCoversEveryKind(t *testing.T) {
	seen := make(map[RuleKind]bool)
	for _, r := range DefaultRuleSet(0).Rules() {
		seen[r.Kind] = true
		assert.NotEqual(t, "unknown", r.Kind.String())
	}
	for kind := range ruleNames {
		assert.True(t, seen[kind], "missing %s", kind)
	}
}

func TestSeenMaps(t *testing.T) {
	a := testAd()
	b := testAd()
	b.CreativeInstanceID, b.AdvertiserID = "ci-2", "adv-2"
	snap := history.NewSnapshot([]models.AdEvent{
		servedEvent(a, now.Add(-3*time.Hour)),
		servedEvent(b, now.Add(-2*time.Hour)),
		servedEvent(a, now.Add(-time.Hour)),
		models.NewAdEvent(b, "px", models.AdTypeNotification, models.ConfirmationViewed, now),
	})

	advertisers := SeenAdvertisers(snap)
	assert.Equal(t, now.Add(-time.Hour), advertisers["adv-1"])
	assert.Equal(t, now.Add(-2*time.Hour), advertisers["adv-2"])

	ads := SeenAds(snap)
	assert.Equal(t, now.Add(-time.Hour), ads["ci-1"])
	assert.Len(t, ads, 2)
}
