package selectors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/adeligibility/internal/db"
	"github.com/patrickwarner/adeligibility/internal/history"
	logic "github.com/patrickwarner/adeligibility/internal/logic"
	filters "github.com/patrickwarner/adeligibility/internal/logic/filters"
	"github.com/patrickwarner/adeligibility/internal/models"
	"github.com/patrickwarner/adeligibility/internal/observability"
)

// ErrNoCatalog is returned when the selector was built without a catalog.
var ErrNoCatalog = errors.New("no catalog configured")

const defaultEventLogTimeout = 250 * time.Millisecond

// Selection results used as metric labels.
const (
	resultServed        = "served"
	resultNoEligible    = "no_eligible"
	resultNoOpportunity = "no_opportunity"
	resultError         = "error"
)

// EligibleAdsSelector runs the eligibility pipeline: fetch candidates for the
// user's segments, apply the exclusion rules, pace the survivors with a
// single draw, then score and rank what is left.
//
// Only the catalog fetch and, until the history cache has been rebuilt, the
// event log read may block. The log read is bounded by the configured timeout
// and fails closed.
type EligibleAdsSelector struct {
	catalog models.Catalog
	history *history.AdEventHistory
	log     db.AdEventLog
	rules   filters.RuleSet
	pacer   *logic.Pacer

	antiTargeting   models.AntiTargetingResource
	browsingHistory models.BrowsingHistory
	reactions       models.ReactionsStore
	region          models.SubdivisionResolver
	location        *time.Location

	logTimeout time.Duration
	now        func() time.Time

	logger     *zap.Logger
	sampleRate float64
	metrics    observability.MetricsRegistry
	tracer     trace.Tracer
}

// NewEligibleAdsSelector builds a selector over catalog. hist supplies the
// recent event snapshot and log the durable history for long windows; either
// may be nil, in which case the other stands in for it.
func NewEligibleAdsSelector(catalog models.Catalog, hist *history.AdEventHistory, log db.AdEventLog) *EligibleAdsSelector {
	return &EligibleAdsSelector{
		catalog:    catalog,
		history:    hist,
		log:        log,
		rules:      filters.DefaultRuleSet(0),
		pacer:      logic.NewPacer(0),
		logTimeout: defaultEventLogTimeout,
		now:        time.Now,
		logger:     zap.NewNop(),
		sampleRate: 1,
		metrics:    observability.NewNoOpRegistry(),
		tracer:     observability.Tracer("selectors"),
	}
}

// SetLogger configures the logger for this selector. Per-request debug logs
// are emitted for a sampleRate fraction of calls.
func (s *EligibleAdsSelector) SetLogger(logger *zap.Logger, sampleRate float64) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s.logger = logger
	s.sampleRate = sampleRate
}

// SetMetrics configures the metrics registry.
func (s *EligibleAdsSelector) SetMetrics(m observability.MetricsRegistry) {
	if m == nil {
		m = observability.NewNoOpRegistry()
	}
	s.metrics = m
}

// SetRuleSet replaces the default exclusion rules.
func (s *EligibleAdsSelector) SetRuleSet(rules filters.RuleSet) { s.rules = rules }

// SetPacer replaces the time-seeded pacer, e.g. with a seeded one.
func (s *EligibleAdsSelector) SetPacer(p *logic.Pacer) { s.pacer = p }

// SetAntiTargeting configures the anti-targeting resource. Nil disables the rule.
func (s *EligibleAdsSelector) SetAntiTargeting(r models.AntiTargetingResource) { s.antiTargeting = r }

// SetBrowsingHistory configures the browsing history source.
func (s *EligibleAdsSelector) SetBrowsingHistory(b models.BrowsingHistory) { s.browsingHistory = b }

// SetReactions configures the reactions store.
func (s *EligibleAdsSelector) SetReactions(r models.ReactionsStore) { s.reactions = r }

// SetRegion configures the subdivision resolver.
func (s *EligibleAdsSelector) SetRegion(r models.SubdivisionResolver) { s.region = r }

// SetLocation sets the time zone dayparts are evaluated in.
func (s *EligibleAdsSelector) SetLocation(loc *time.Location) { s.location = loc }

// SetEventLogTimeout bounds the event log read. If zero, 250ms is used.
func (s *EligibleAdsSelector) SetEventLogTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultEventLogTimeout
	}
	s.logTimeout = d
}

// SetClock replaces the time source.
func (s *EligibleAdsSelector) SetClock(now func() time.Time) { s.now = now }

// GetForUserModel implements Selector.
func (s *EligibleAdsSelector) GetForUserModel(ctx context.Context, user models.UserModel) (bool, []models.CreativeAd, error) {
	return s.performSelection(ctx, user, nil)
}

// GetForUserModelWithTrace implements Selector.
func (s *EligibleAdsSelector) GetForUserModelWithTrace(ctx context.Context, user models.UserModel, trace *logic.SelectionTrace) (bool, []models.CreativeAd, error) {
	return s.performSelection(ctx, user, trace)
}

func (s *EligibleAdsSelector) performSelection(ctx context.Context, user models.UserModel, trace *logic.SelectionTrace) (hadOpportunity bool, ranked []models.CreativeAd, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "EligibleAdsSelector.GetForUserModel")
	result := resultError
	defer func() {
		s.metrics.RecordSelectionDuration(result, time.Since(start))
		span.SetAttributes(
			attribute.Bool("had_opportunity", hadOpportunity),
			attribute.Int("eligible_count", len(ranked)),
			attribute.String("result", result),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if s.catalog == nil {
		return false, nil, ErrNoCatalog
	}

	segments := user.Segments()
	if len(segments) == 0 {
		segments = []string{models.UntargetedSegment}
	}

	candidates, err := s.catalog.FetchBySegments(ctx, segments)
	if err != nil {
		if errors.Is(err, models.ErrCatalogNotLoaded) {
			s.logger.Warn("catalog not loaded, no candidates")
			s.metrics.IncrementOpportunities(false)
			result = resultNoOpportunity
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("fetch candidates: %w", err)
	}
	candidates = dedupeByInstance(candidates)
	trace.AddStepWithDetails("candidates", candidates, map[string]string{
		"segments": strconv.Itoa(len(segments)),
	})

	hadOpportunity = len(candidates) > 0
	s.metrics.IncrementOpportunities(hadOpportunity)
	if !hadOpportunity {
		result = resultNoOpportunity
		return false, nil, nil
	}

	now := s.now()
	rctx, err := s.ruleContext(ctx, now)
	if err != nil {
		s.metrics.IncrementStorageErrors("read")
		s.logger.Error("event log read failed, serving nothing", zap.Error(err))
		return true, nil, err
	}

	eligible, excluded := s.rules.ApplyWithTrace(candidates, rctx, trace)
	for kind, n := range excluded {
		s.metrics.AddExclusions(kind.String(), n)
	}

	paced, draw := s.pacer.Pace(eligible)
	if dropped := len(eligible) - len(paced); dropped > 0 {
		s.metrics.AddPacingDrops(dropped)
	}
	trace.AddStepWithDetails("pacing", paced, map[string]string{
		"draw": strconv.FormatFloat(draw, 'f', 6, 64),
	})

	ranked = rank(paced, user.TextEmbedding,
		filters.SeenAdvertisers(rctx.Lifetime), filters.SeenAds(rctx.Lifetime))
	trace.AddStep("rank", ranked)

	if len(ranked) > 0 {
		result = resultServed
	} else {
		result = resultNoEligible
	}
	if observability.ShouldSample(s.sampleRate) {
		s.logger.Debug("eligible ads selected",
			zap.Int("candidates", len(candidates)),
			zap.Int("after_exclusion", len(eligible)),
			zap.Int("after_pacing", len(paced)),
			zap.Float64("pacing_draw", draw))
	}
	return true, ranked, nil
}

// ruleContext snapshots the history cache for this request. Once the cache
// has been rebuilt its lifetime tier answers the long-window rules; before
// that the durable log is read, bounded by the log timeout.
func (s *EligibleAdsSelector) ruleContext(ctx context.Context, now time.Time) (filters.Context, error) {
	var recent history.Snapshot
	if s.history != nil {
		recent = s.history.Snapshot()
	}
	lifetime := recent
	switch {
	case s.history != nil && s.history.Ready():
		lifetime = s.history.LifetimeSnapshot()
	case s.log != nil:
		events, err := s.readLog(ctx, now)
		if err != nil {
			return filters.Context{}, err
		}
		lifetime = history.NewSnapshot(events)
		if s.history == nil {
			recent = lifetime
		}
	}

	rctx := filters.Context{
		Now:             now,
		Location:        s.location,
		Recent:          recent,
		Lifetime:        lifetime,
		AntiTargeting:   s.antiTargeting,
		BrowsingHistory: s.browsingHistory,
		Reactions:       s.reactions,
		Region:          s.region,
	}
	sig := signalsFrom(ctx)
	if sig.BrowsingHistory != nil {
		rctx.BrowsingHistory = sig.BrowsingHistory
	}
	if sig.Region != nil {
		rctx.Region = sig.Region
	}
	return rctx, nil
}

// readLog reads the events the long-window rules need. The deadline covers
// decoding as well as the storage round trip.
func (s *EligibleAdsSelector) readLog(ctx context.Context, now time.Time) ([]models.AdEvent, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.logTimeout)
	defer cancel()

	var since time.Time
	if s.history != nil {
		since = now.Add(-s.history.Horizon())
	}
	events, err := s.log.Since(readCtx, since)
	if err != nil {
		return nil, fmt.Errorf("read ad event log: %w", err)
	}
	if err := readCtx.Err(); err != nil {
		return nil, fmt.Errorf("read ad event log: %w: %v", db.ErrStorageUnavailable, err)
	}
	return events, nil
}

// dedupeByInstance keeps the first occurrence of each creative instance.
func dedupeByInstance(ads []models.CreativeAd) []models.CreativeAd {
	seen := make(map[string]struct{}, len(ads))
	out := make([]models.CreativeAd, 0, len(ads))
	for _, ad := range ads {
		if _, ok := seen[ad.CreativeInstanceID]; ok {
			continue
		}
		seen[ad.CreativeInstanceID] = struct{}{}
		out = append(out, ad)
	}
	return out
}

type rankedAd struct {
	ad       models.CreativeAd
	score    float64
	scored   bool
	advSeen  time.Time
	advKnown bool
	adSeen   time.Time
	adKnown  bool
}

// rank orders ads by relevance. Scored ads come before unscored ones, then
// higher scores first. Ties prefer the advertiser and then the ad seen least
// recently (never seen first), then the lower catalog priority, then input
// order.
func rank(ads []models.CreativeAd, target []float32, seenAdvertisers, seenAds map[string]time.Time) []models.CreativeAd {
	items := make([]rankedAd, len(ads))
	for i, ad := range ads {
		r := rankedAd{ad: ad}
		r.score, r.scored = logic.Score(ad, target)
		r.advSeen, r.advKnown = seenAdvertisers[ad.AdvertiserID]
		r.adSeen, r.adKnown = seenAds[ad.CreativeInstanceID]
		items[i] = r
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.scored != b.scored {
			return a.scored
		}
		if a.scored && a.score != b.score {
			return a.score > b.score
		}
		if c := compareSeen(a.advSeen, a.advKnown, b.advSeen, b.advKnown); c != 0 {
			return c < 0
		}
		if c := compareSeen(a.adSeen, a.adKnown, b.adSeen, b.adKnown); c != 0 {
			return c < 0
		}
		return a.ad.PriorityRank() < b.ad.PriorityRank()
	})

	out := make([]models.CreativeAd, len(items))
	for i, it := range items {
		out[i] = it.ad
	}
	return out
}

// compareSeen returns -1 when a should rank first: unseen beats seen and an
// older sighting beats a newer one.
func compareSeen(a time.Time, aKnown bool, b time.Time, bKnown bool) int {
	switch {
	case !aKnown && !bKnown:
		return 0
	case !aKnown:
		return -1
	case !bKnown:
		return 1
	case a.Before(b):
		return -1
	case b.Before(a):
		return 1
	}
	return 0
}
