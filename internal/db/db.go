package db

import (
	"context"
	"fmt"

	"github.com/patrickwarner/adeligibility/internal/models"
)

// CatalogSource loads catalog data from durable storage.
type CatalogSource interface {
	LoadCreativeAds(ctx context.Context) ([]models.CreativeAd, error)
	LoadAntiTargeting(ctx context.Context) (map[string][]string, error)
}

// LoadCatalog reads creative ads and the anti-targeting resource from src,
// validates them, and swaps them into the in-memory views. On error neither
// view is touched.
func LoadCatalog(ctx context.Context, src CatalogSource, catalog *models.InMemoryCatalog, anti *models.InMemoryAntiTargeting) error {
	ads, err := src.LoadCreativeAds(ctx)
	if err != nil {
		return fmt.Errorf("load creative ads: %w", err)
	}
	for _, ad := range ads {
		if ad.CreativeInstanceID == "" {
			return fmt.Errorf("creative ad in set %q has no creative instance id", ad.CreativeSetID)
		}
		if ad.PassThroughRate < 0 || ad.PassThroughRate > 1 {
			return fmt.Errorf("creative ad %s has pass through rate %v outside [0,1]", ad.CreativeInstanceID, ad.PassThroughRate)
		}
	}
	sites, err := src.LoadAntiTargeting(ctx)
	if err != nil {
		return fmt.Errorf("load anti targeting: %w", err)
	}
	catalog.SetCreativeAds(ads)
	if anti != nil {
		anti.Set(sites)
	}
	return nil
}
