package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/adeligibility/internal/config"
	"github.com/patrickwarner/adeligibility/internal/db"
	"github.com/patrickwarner/adeligibility/internal/models"
	"github.com/patrickwarner/adeligibility/internal/observability"
)

var (
	campaigns    = flag.Int("campaigns", 20, "number of campaigns")
	setsPerCamp  = flag.Int("sets", 2, "creative sets per campaign")
	creativesPer = flag.Int("creatives", 2, "creative instances per creative set")
	embeddingDim = flag.Int("embedding-dim", 0, "embedding dimension (0 to skip embeddings)")
	blockedSites = flag.Int("blocked-sites", 3, "anti-targeting sites per blocked creative set")
	seed         = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	skipReload   = flag.Bool("skip-reload", false, "skip automatic reload after data insertion")
)

var segments = []string{
	"untargeted",
	"technology",
	"technology-computing",
	"technology-mobile",
	"travel",
	"travel-air travel",
	"finance",
	"finance-banking",
	"food & drink",
	"sports-football",
	"automotive",
}

var regions = []string{"US", "US-CA", "US-NY", "GB", "DE", "FR", "JP"}

var sites = []string{"news.example.com", "forum.example.net", "shop.example.org", "video.example.io", "blog.example.dev"}

func main() {
	flag.Parse()

	logger, err := observability.InitLogger("development", "info", "fake-data")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, err := db.InitPostgres(ctx, cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	r := rand.New(rand.NewSource(*seed))

	inserted := 0
	for c := 0; c < *campaigns; c++ {
		campaignID := uuid.NewString()
		advertiserID := fmt.Sprintf("adv-%d", r.Intn(*campaigns/2+1))
		for s := 0; s < *setsPerCamp; s++ {
			setID := uuid.NewString()
			for x := 0; x < *creativesPer; x++ {
				ad := randomCreativeAd(r, campaignID, setID, advertiserID)
				if err := pg.InsertCreativeAd(ctx, ad); err != nil {
					logger.Fatal("insert creative ad", zap.Error(err))
				}
				inserted++
			}
			if r.Float64() < 0.2 {
				if err := insertAntiTargeting(ctx, pg, r, setID); err != nil {
					logger.Fatal("insert anti-targeting", zap.Error(err))
				}
			}
		}
	}

	fmt.Printf("fake data inserted: %d creative ads\n", inserted)

	if !*skipReload {
		if err := callReloadEndpoint(ctx, cfg); err != nil {
			logger.Error("reload endpoint failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Warning: failed to reload server data: %v\n", err)
		} else {
			fmt.Println("server data reloaded")
		}
	}
}

func randomCreativeAd(r *rand.Rand, campaignID, setID, advertiserID string) models.CreativeAd {
	ad := models.CreativeAd{
		CreativeInstanceID: uuid.NewString(),
		CreativeSetID:      setID,
		CampaignID:         campaignID,
		AdvertiserID:       advertiserID,
		Segment:            segments[r.Intn(len(segments))],
		PassThroughRate:    0.5 + r.Float64()*0.5,
		Priority:           r.Intn(4),
	}

	// roughly half of the ads carry some form of frequency cap
	if r.Float64() < 0.5 {
		ad.DailyCap = 1 + r.Intn(5)
	}
	if r.Float64() < 0.3 {
		ad.PerDay = 1 + r.Intn(3)
	}
	if r.Float64() < 0.2 {
		ad.PerWeek = 3 + r.Intn(10)
	}
	if r.Float64() < 0.1 {
		ad.PerMonth = 10 + r.Intn(20)
	}
	if r.Float64() < 0.1 {
		ad.TotalMax = 20 + r.Intn(50)
	}

	if r.Float64() < 0.25 {
		ad.GeoTargets = []string{regions[r.Intn(len(regions))]}
	}

	if r.Float64() < 0.2 {
		start := r.Intn(20) * 60
		ad.Dayparts = []models.Daypart{{
			DayOfWeek:   time.Weekday(r.Intn(7)),
			StartMinute: start,
			EndMinute:   start + 4*60 - 1,
		}}
	}

	if *embeddingDim > 0 {
		ad.Embedding = make([]float32, *embeddingDim)
		for i := range ad.Embedding {
			ad.Embedding[i] = r.Float32()*2 - 1
		}
	}
	return ad
}

func insertAntiTargeting(ctx context.Context, pg *db.Postgres, r *rand.Rand, setID string) error {
	n := *blockedSites
	if n > len(sites) {
		n = len(sites)
	}
	for _, i := range r.Perm(len(sites))[:n] {
		if _, err := pg.DB.ExecContext(ctx, `INSERT INTO anti_targeting_sites (creative_set_id, site) VALUES ($1,$2) ON CONFLICT DO NOTHING`, setID, sites[i]); err != nil {
			return fmt.Errorf("insert site %s: %w", sites[i], err)
		}
	}
	return nil
}

func callReloadEndpoint(ctx context.Context, cfg config.Config) error {
	serverURL := fmt.Sprintf("http://localhost:%s/reload", cfg.Port)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call reload endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("reload endpoint returned status %d: %s", resp.StatusCode, body)
	}
	return nil
}
