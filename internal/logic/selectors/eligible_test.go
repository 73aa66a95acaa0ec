package selectors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/adeligibility/internal/db"
	"github.com/patrickwarner/adeligibility/internal/history"
	logic "github.com/patrickwarner/adeligibility/internal/logic"
	"github.com/patrickwarner/adeligibility/internal/models"
	"github.com/patrickwarner/adeligibility/internal/observability"
)

var now = time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC)

type fixture struct {
	catalog  *models.InMemoryCatalog
	log      *db.MemoryEventLog
	history  *history.AdEventHistory
	selector *EligibleAdsSelector
	metrics  *observability.MockMetricsRegistry
}

func newFixture(t *testing.T, ads ...models.CreativeAd) *fixture {
	t.Helper()
	f := &fixture{
		catalog: models.NewInMemoryCatalog(),
		log:     db.NewMemoryEventLog(),
		metrics: observability.NewMockMetricsRegistry(),
	}
	f.catalog.SetCreativeAds(ads)
	clock := func() time.Time { return now }
	f.history = history.New(f.log, 0, zaptest.NewLogger(t))
	f.history.SetClock(clock)
	f.selector = NewEligibleAdsSelector(f.catalog, f.history, f.log)
	f.selector.SetClock(clock)
	f.selector.SetPacer(logic.NewPacer(1))
	f.selector.SetLogger(zaptest.NewLogger(t), 1)
	f.selector.SetMetrics(f.metrics)
	return f
}

// record appends to both the log and the cache, as the event handler does.
func (f *fixture) record(t *testing.T, ad models.CreativeAd, ct models.ConfirmationType, at time.Time) {
	t.Helper()
	e := models.NewAdEvent(ad, "placement-"+ad.CreativeInstanceID+at.String(), models.AdTypeNotification, ct, at)
	require.NoError(t, f.log.Append(context.Background(), e))
	f.history.Record(e)
}

func ad(id, segment string) models.CreativeAd {
	return models.CreativeAd{
		CreativeInstanceID: id,
		CreativeSetID:      "set-" + id,
		CampaignID:         "camp-" + id,
		AdvertiserID:       "adv-" + id,
		Segment:            segment,
		PassThroughRate:    1,
	}
}

func instanceIDs(ads []models.CreativeAd) []string {
	out := make([]string, 0, len(ads))
	for _, a := range ads {
		out = append(out, a.CreativeInstanceID)
	}
	return out
}

func TestOpportunityIndependence(t *testing.T) {
	capped := ad("a", "sports")
	capped.DailyCap = 1
	f := newFixture(t, capped)

	had, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{
		InterestSegments: []string{"interest-foo", "interest-bar"},
	})
	require.NoError(t, err)
	assert.False(t, had)
	assert.Empty(t, ranked)

	f.record(t, capped, models.ConfirmationServed, now.Add(-time.Hour))
	had, ranked, err = f.selector.GetForUserModel(context.Background(), models.UserModel{
		InterestSegments: []string{"sports"},
	})
	require.NoError(t, err)
	assert.True(t, had)
	assert.Empty(t, ranked)

	assert.Equal(t, 1, f.metrics.Opportunities[false])
	assert.Equal(t, 1, f.metrics.Opportunities[true])
	assert.Equal(t, 1, f.metrics.Exclusions["daily_cap"])
	assert.Equal(t, 1, f.metrics.SelectionResults[resultNoEligible])
}

func TestUntargetedFallback(t *testing.T) {
	f := newFixture(t, ad("targeted", "sports"), ad("fallback", models.UntargetedSegment))

	had, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{})
	require.NoError(t, err)
	assert.True(t, had)
	assert.Equal(t, []string{"fallback"}, instanceIDs(ranked))

	_, ranked, err = f.selector.GetForUserModel(context.Background(), models.UserModel{
		IntentSegments: []string{"sports"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"targeted"}, instanceIDs(ranked))
}

func TestParentSegmentMatches(t *testing.T) {
	f := newFixture(t, ad("parent", "technology"), ad("child", "technology-computing"), ad("sibling", "technology-gadgets"))

	_, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{
		LatentInterestSegments: []string{"technology-computing"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"parent", "child"}, instanceIDs(ranked))
}

func TestRankingByScore(t *testing.T) {
	near := ad("close", "sports")
	near.Embedding = []float32{1, 0.1, 0}
	far := ad("far", "sports")
	far.Embedding = []float32{0, 1, 0}
	unscored := ad("unscored", "sports")
	zero := ad("zero", "sports")
	zero.Embedding = []float32{0, 0, 0}

	f := newFixture(t, unscored, far, zero, near)
	_, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{
		InterestSegments: []string{"sports"},
		TextEmbedding:    []float32{1, 0, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"close", "far", "unscored", "zero"}, instanceIDs(ranked))
}

func TestRankingTieBreaks(t *testing.T) {
	emb := []float32{0.0853, -0.1789, 0.4221}

	seenAdv := ad("seen-adv", "sports")
	seenAdv.Embedding = emb
	fresh := ad("fresh", "sports")
	fresh.Embedding = emb
	// sibling and prioritized share an advertiser and differ only by priority.
	sibling := ad("sibling", "sports")
	sibling.AdvertiserID = "adv-other"
	sibling.Embedding = emb
	sibling.Priority = 2
	prioritized := ad("prioritized", "sports")
	prioritized.AdvertiserID = "adv-other"
	prioritized.Embedding = emb
	prioritized.Priority = 1

	f := newFixture(t, seenAdv, sibling, fresh, prioritized)
	f.record(t, seenAdv, models.ConfirmationServed, now.Add(-2*time.Hour))
	// adv-other was seen via an ad that is no longer in the catalog.
	gone := ad("gone", "sports")
	gone.AdvertiserID = "adv-other"
	f.record(t, gone, models.ConfirmationServed, now.Add(-3*time.Hour))

	_, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{
		InterestSegments: []string{"sports"},
		TextEmbedding:    []float32{0.5, 0.5, 0.5},
	})
	require.NoError(t, err)
	// fresh: unseen advertiser. adv-other was seen 3h ago, before adv-seen-adv
	// at 2h ago, and within it priority 1 beats 2.
	assert.Equal(t, []string{"fresh", "prioritized", "sibling", "seen-adv"}, instanceIDs(ranked))
}

func TestRankingKeepsInsertionOrderOnFullTie(t *testing.T) {
	a := ad("first", "sports")
	b := ad("second", "sports")
	b.AdvertiserID = a.AdvertiserID
	c := ad("third", "sports")
	c.AdvertiserID = a.AdvertiserID

	f := newFixture(t, a, b, c)
	_, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{InterestSegments: []string{"sports"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, instanceIDs(ranked))
}

func TestEventLogFailureFailsClosed(t *testing.T) {
	f := newFixture(t, ad("a", "sports"))
	f.log.FailRead = true

	had, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{InterestSegments: []string{"sports"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrStorageUnavailable))
	assert.True(t, had)
	assert.Empty(t, ranked)
	assert.Equal(t, 1, f.metrics.StorageErrors["read"])
	assert.Equal(t, 1, f.metrics.SelectionResults[resultError])
}

func TestCatalogNotLoaded(t *testing.T) {
	f := newFixture(t)
	f.selector = NewEligibleAdsSelector(models.NewInMemoryCatalog(), f.history, f.log)

	had, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{InterestSegments: []string{"sports"}})
	require.NoError(t, err)
	assert.False(t, had)
	assert.Empty(t, ranked)
}

type dupCatalog struct{ ads []models.CreativeAd }

func (c dupCatalog) FetchBySegments(context.Context, []string) ([]models.CreativeAd, error) {
	return c.ads, nil
}

func (c dupCatalog) GetCreativeAd(string) (models.CreativeAd, bool) {
	return models.CreativeAd{}, false
}

type brokenCatalog struct{ dupCatalog }

func (brokenCatalog) FetchBySegments(context.Context, []string) ([]models.CreativeAd, error) {
	return nil, errors.New("catalog backend down")
}

func TestCandidatesDedupedByInstance(t *testing.T) {
	f := newFixture(t)
	f.selector = NewEligibleAdsSelector(dupCatalog{ads: []models.CreativeAd{ad("a", "sports"), ad("a", "sports"), ad("b", "sports")}}, f.history, f.log)
	f.selector.SetClock(func() time.Time { return now })

	_, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{InterestSegments: []string{"sports"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, instanceIDs(ranked))
}

func TestCatalogErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	f.selector = NewEligibleAdsSelector(brokenCatalog{}, f.history, f.log)

	had, _, err := f.selector.GetForUserModel(context.Background(), models.UserModel{InterestSegments: []string{"sports"}})
	assert.Error(t, err)
	assert.False(t, had)
}

func TestReadYourWrites(t *testing.T) {
	capped := ad("a", "sports")
	capped.DailyCap = 1
	f := newFixture(t, capped)
	user := models.UserModel{InterestSegments: []string{"sports"}}

	_, ranked, err := f.selector.GetForUserModel(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, ranked, 1)

	f.record(t, capped, models.ConfirmationServed, now)

	_, ranked, err = f.selector.GetForUserModel(context.Background(), user)
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

func TestLongWindowRulesReadTheLog(t *testing.T) {
	capped := ad("a", "sports")
	capped.TotalMax = 1
	f := newFixture(t, capped)

	// Older than the cache retention, so only the log knows about it.
	e := models.NewAdEvent(capped, "old", models.AdTypeNotification, models.ConfirmationServed, now.Add(-20*24*time.Hour))
	require.NoError(t, f.log.Append(context.Background(), e))

	had, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{InterestSegments: []string{"sports"}})
	require.NoError(t, err)
	assert.True(t, had)
	assert.Empty(t, ranked)
	assert.Equal(t, 1, f.metrics.Exclusions["total_max"])
}

func TestPacingDropsZeroRate(t *testing.T) {
	never := ad("never", "sports")
	never.PassThroughRate = 0
	f := newFixture(t, never, ad("always", "sports"))

	_, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{InterestSegments: []string{"sports"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"always"}, instanceIDs(ranked))
	assert.Equal(t, 1, f.metrics.PacingDrops)
}

func TestSelectionTraceStages(t *testing.T) {
	f := newFixture(t, ad("a", "sports"), ad("b", "sports"))
	var trace logic.SelectionTrace

	_, _, err := f.selector.GetForUserModelWithTrace(context.Background(), models.UserModel{InterestSegments: []string{"sports"}}, &trace)
	require.NoError(t, err)

	var stages []string
	for _, s := range trace.Steps {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []string{"candidates", "exclusion", "pacing", "rank"}, stages)
	pacing, ok := trace.Stage("pacing")
	require.True(t, ok)
	assert.NotEmpty(t, pacing.Details["draw"])
}

func TestExclusionCollaboratorsAreWired(t *testing.T) {
	disliked := ad("disliked", "sports")
	geo := ad("geo", "sports")
	geo.GeoTargets = []string{"GB"}
	anti := ad("anti", "sports")
	f := newFixture(t, disliked, geo, anti, ad("ok", "sports"))

	reactions := models.NewInMemoryReactions()
	reactions.DislikeAdvertiser("adv-disliked")
	sites := models.NewInMemoryAntiTargeting()
	sites.Set(map[string][]string{"set-anti": {"https://rival.example"}})

	f.selector.SetReactions(reactions)
	f.selector.SetRegion(models.StaticRegion("US-CA"))
	f.selector.SetAntiTargeting(sites)
	f.selector.SetBrowsingHistory(models.StaticBrowsingHistory{"https://rival.example/deals"})
	f.selector.SetLocation(time.UTC)

	_, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{InterestSegments: []string{"sports"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, instanceIDs(ranked))
}

func TestRebuiltHistoryServesLongWindowsWithoutTheLog(t *testing.T) {
	capped := ad("a", "sports")
	capped.TotalMax = 1
	f := newFixture(t, capped, ad("b", "sports"))
	f.history.SetHorizon(90 * 24 * time.Hour)

	e := models.NewAdEvent(capped, "old", models.AdTypeNotification, models.ConfirmationServed, now.Add(-20*24*time.Hour))
	require.NoError(t, f.log.Append(context.Background(), e))
	require.NoError(t, f.history.Rebuild(context.Background()))

	// Selection no longer depends on the log once the cache is rebuilt.
	f.log.FailRead = true
	had, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{InterestSegments: []string{"sports"}})
	require.NoError(t, err)
	assert.True(t, had)
	assert.Equal(t, []string{"b"}, instanceIDs(ranked))
	assert.Equal(t, 1, f.metrics.Exclusions["total_max"])
	assert.Zero(t, f.metrics.StorageErrors["read"])
}

// slowLog answers Since after delay regardless of the context deadline.
type slowLog struct {
	*db.MemoryEventLog
	delay time.Duration
}

func (l slowLog) Since(ctx context.Context, t time.Time) ([]models.AdEvent, error) {
	events, err := l.MemoryEventLog.Since(ctx, t)
	time.Sleep(l.delay)
	return events, err
}

func TestSlowEventLogReadFailsClosed(t *testing.T) {
	f := newFixture(t, ad("a", "sports"))
	f.selector = NewEligibleAdsSelector(f.catalog, nil, slowLog{MemoryEventLog: f.log, delay: 50 * time.Millisecond})
	f.selector.SetClock(func() time.Time { return now })
	f.selector.SetPacer(logic.NewPacer(1))
	f.selector.SetMetrics(f.metrics)
	f.selector.SetEventLogTimeout(5 * time.Millisecond)

	had, ranked, err := f.selector.GetForUserModel(context.Background(), models.UserModel{InterestSegments: []string{"sports"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrStorageUnavailable))
	assert.True(t, had)
	assert.Empty(t, ranked)
	assert.Equal(t, 1, f.metrics.StorageErrors["read"])
}

func TestRequestSignalsOverrideSelectorDefaults(t *testing.T) {
	geo := ad("geo", "sports")
	geo.GeoTargets = []string{"US-CA"}
	anti := ad("anti", "sports")
	f := newFixture(t, geo, anti, ad("ok", "sports"))

	sites := models.NewInMemoryAntiTargeting()
	sites.Set(map[string][]string{"set-anti": {"rival.example"}})
	f.selector.SetAntiTargeting(sites)
	f.selector.SetRegion(models.StaticRegion("GB"))
	f.selector.SetBrowsingHistory(models.StaticBrowsingHistory{"https://neutral.example"})
	user := models.UserModel{InterestSegments: []string{"sports"}}

	_, ranked, err := f.selector.GetForUserModel(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, []string{"anti", "ok"}, instanceIDs(ranked))

	ctx := WithRequestSignals(context.Background(), RequestSignals{
		BrowsingHistory: models.StaticBrowsingHistory{"https://rival.example/deals"},
		Region:          models.StaticRegion("US-CA"),
	})
	_, ranked, err = f.selector.GetForUserModel(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"geo", "ok"}, instanceIDs(ranked))
}
