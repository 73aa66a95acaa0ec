package models

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrCatalogNotLoaded is returned by a Catalog that has not received data yet.
var ErrCatalogNotLoaded = errors.New("catalog not loaded")

// Catalog supplies candidate creative ads.
type Catalog interface {
	// FetchBySegments returns ads whose segment matches any requested segment,
	// including parent segment matches, in catalog order without duplicates.
	FetchBySegments(ctx context.Context, segments []string) ([]CreativeAd, error)
	// GetCreativeAd looks up a single ad by creative instance ID.
	GetCreativeAd(creativeInstanceID string) (CreativeAd, bool)
}

// AntiTargetingResource maps creative sets to the sites they must not follow.
type AntiTargetingResource interface {
	SiteListFor(creativeSetID string) []string
}

// BrowsingHistory exposes the user's recently visited URLs.
type BrowsingHistory interface {
	RecentURLs() []string
}

// ReactionsStore exposes explicit user opt-outs. It is read-only here.
type ReactionsStore interface {
	IsDisliked(advertiserID string) bool
	IsMarkedInappropriate(creativeSetID string) bool
	IsMarkedToNoLongerReceive(segment string) bool
}

// SubdivisionResolver resolves the user's current region code, e.g. "US-CA".
type SubdivisionResolver interface {
	CurrentRegion() string
}

// catalogSnapshot is an immutable view of the loaded catalog.
type catalogSnapshot struct {
	ads   []CreativeAd
	index map[string]int
}

// InMemoryCatalog implements Catalog with atomic snapshot replacement so
// reloads never block readers.
type InMemoryCatalog struct {
	data atomic.Pointer[catalogSnapshot]
}

// NewInMemoryCatalog returns an empty, unloaded catalog.
func NewInMemoryCatalog() *InMemoryCatalog {
	return &InMemoryCatalog{}
}

// SetCreativeAds replaces the catalog contents. Later duplicates of a
// creative instance ID are ignored.
func (c *InMemoryCatalog) SetCreativeAds(ads []CreativeAd) {
	snap := &catalogSnapshot{
		ads:   make([]CreativeAd, 0, len(ads)),
		index: make(map[string]int, len(ads)),
	}
	for _, ad := range ads {
		if _, dup := snap.index[ad.CreativeInstanceID]; dup {
			continue
		}
		snap.index[ad.CreativeInstanceID] = len(snap.ads)
		snap.ads = append(snap.ads, ad)
	}
	c.data.Store(snap)
}

// Loaded reports whether SetCreativeAds has been called.
func (c *InMemoryCatalog) Loaded() bool {
	return c.data.Load() != nil
}

// Len returns the number of loaded ads.
func (c *InMemoryCatalog) Len() int {
	if snap := c.data.Load(); snap != nil {
		return len(snap.ads)
	}
	return 0
}

// FetchBySegments implements Catalog.
func (c *InMemoryCatalog) FetchBySegments(ctx context.Context, segments []string) ([]CreativeAd, error) {
	snap := c.data.Load()
	if snap == nil {
		return nil, ErrCatalogNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []CreativeAd
	for _, ad := range snap.ads {
		for _, s := range segments {
			if MatchesSegment(ad.Segment, s) {
				out = append(out, ad)
				break
			}
		}
	}
	return out, nil
}

// GetCreativeAd implements Catalog.
func (c *InMemoryCatalog) GetCreativeAd(creativeInstanceID string) (CreativeAd, bool) {
	snap := c.data.Load()
	if snap == nil {
		return CreativeAd{}, false
	}
	i, ok := snap.index[creativeInstanceID]
	if !ok {
		return CreativeAd{}, false
	}
	return snap.ads[i], true
}

// InMemoryAntiTargeting is an AntiTargetingResource backed by a map that can
// be swapped atomically once the resource is downloaded.
type InMemoryAntiTargeting struct {
	sites atomic.Pointer[map[string][]string]
}

// NewInMemoryAntiTargeting returns an unloaded resource.
func NewInMemoryAntiTargeting() *InMemoryAntiTargeting {
	return &InMemoryAntiTargeting{}
}

// Set replaces the creative set to site list mapping.
func (a *InMemoryAntiTargeting) Set(sites map[string][]string) {
	cp := make(map[string][]string, len(sites))
	for k, v := range sites {
		cp[k] = append([]string(nil), v...)
	}
	a.sites.Store(&cp)
}

// SiteListFor implements AntiTargetingResource.
func (a *InMemoryAntiTargeting) SiteListFor(creativeSetID string) []string {
	m := a.sites.Load()
	if m == nil {
		return nil
	}
	return (*m)[creativeSetID]
}

// StaticBrowsingHistory is a fixed BrowsingHistory.
type StaticBrowsingHistory []string

// RecentURLs implements BrowsingHistory.
func (h StaticBrowsingHistory) RecentURLs() []string { return h }

// StaticRegion is a fixed SubdivisionResolver.
type StaticRegion string

// CurrentRegion implements SubdivisionResolver.
func (r StaticRegion) CurrentRegion() string { return string(r) }

// InMemoryReactions is a mutex guarded ReactionsStore.
type InMemoryReactions struct {
	mu                  sync.RWMutex
	dislikedAdvertisers map[string]struct{}
	inappropriateSets   map[string]struct{}
	blockedSegments     map[string]struct{}
}

// NewInMemoryReactions returns an empty store.
func NewInMemoryReactions() *InMemoryReactions {
	return &InMemoryReactions{
		dislikedAdvertisers: make(map[string]struct{}),
		inappropriateSets:   make(map[string]struct{}),
		blockedSegments:     make(map[string]struct{}),
	}
}

// DislikeAdvertiser records a dislike.
func (r *InMemoryReactions) DislikeAdvertiser(advertiserID string) {
	r.mu.Lock()
	r.dislikedAdvertisers[advertiserID] = struct{}{}
	r.mu.Unlock()
}

// MarkInappropriate flags a creative set.
func (r *InMemoryReactions) MarkInappropriate(creativeSetID string) {
	r.mu.Lock()
	r.inappropriateSets[creativeSetID] = struct{}{}
	r.mu.Unlock()
}

// MarkToNoLongerReceive opts out of a segment.
func (r *InMemoryReactions) MarkToNoLongerReceive(segment string) {
	r.mu.Lock()
	r.blockedSegments[strings.ToLower(segment)] = struct{}{}
	r.mu.Unlock()
}

func (r *InMemoryReactions) IsDisliked(advertiserID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dislikedAdvertisers[advertiserID]
	return ok
}

func (r *InMemoryReactions) IsMarkedInappropriate(creativeSetID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.inappropriateSets[creativeSetID]
	return ok
}

func (r *InMemoryReactions) IsMarkedToNoLongerReceive(segment string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blockedSegments[strings.ToLower(segment)]
	return ok
}
